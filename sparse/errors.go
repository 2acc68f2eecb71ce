package sparse

import "errors"

// Sentinel errors for the sparse codec. Wrapped with
// golang.org/x/xerrors.Errorf("...: %w", err) at the point of failure so
// errors.Is still matches after wrapping.
var (
	ErrBadMagic          = errors.New("sparse: bad magic")
	ErrBadHeader         = errors.New("sparse: bad header")
	ErrChecksumMismatch  = errors.New("sparse: checksum mismatch")
	ErrTruncatedInput    = errors.New("sparse: truncated input")
	ErrUnknownChunk      = errors.New("sparse: unknown chunk type")
	ErrBlockCountMismatch = errors.New("sparse: block count mismatch")
	ErrOverlap           = errors.New("sparse: overlapping chunk")
	ErrCannotSplit       = errors.New("sparse: cannot split to requested size")
	ErrInvalidArgument   = errors.New("sparse: invalid argument")
	ErrIO                = errors.New("sparse: io error")
)
