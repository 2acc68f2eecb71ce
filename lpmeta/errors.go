package lpmeta

import "errors"

// Sentinel errors for the LP metadata engine.
var (
	ErrBadGeometry        = errors.New("lpmeta: bad geometry")
	ErrBadMagic           = errors.New("lpmeta: bad magic")
	ErrBadChecksum        = errors.New("lpmeta: checksum mismatch")
	ErrTruncatedMetadata  = errors.New("lpmeta: truncated metadata")
	ErrUnsupportedVersion = errors.New("lpmeta: unsupported major version")
	ErrMetadataTooLarge   = errors.New("lpmeta: serialized metadata exceeds metadata_max_size")
	ErrDuplicatePartition = errors.New("lpmeta: duplicate partition")
	ErrUnknownGroup       = errors.New("lpmeta: unknown group")
	ErrUnknownPartition   = errors.New("lpmeta: unknown partition")
	ErrGroupInUse         = errors.New("lpmeta: group is in use")
	ErrDiskFull           = errors.New("lpmeta: no free aligned region large enough")
	ErrGroupOverflow      = errors.New("lpmeta: partition grow exceeds group cap")
	ErrDeviceTooSmall     = errors.New("lpmeta: new device size too small for current layout")
	ErrInvalidArgument    = errors.New("lpmeta: invalid argument")
	ErrIO                 = errors.New("lpmeta: io error")
)
