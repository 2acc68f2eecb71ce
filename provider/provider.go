// Package provider implements the Data Provider abstraction used by the
// sparse codec and the partition read adapter: a uniform, random-access
// byte source with three concrete backings (in-memory, file region, stream
// region) plus aliasing sub-providers over any of them.
//
// Providers are read-only and borrow-like: a sub-provider aliases the same
// underlying bytes rather than copying them, and ownership of the backing
// file or stream's lifetime stays with the caller.
package provider

import (
	"io"
	"os"
	"sync"

	"golang.org/x/xerrors"
)

// Provider is a read-only, randomly addressable byte source.
type Provider interface {
	// Len returns the provider's advertised length. It is stable for the
	// life of the provider.
	Len() uint64

	// ReadAt copies up to len(buf) bytes starting at offset into buf and
	// returns the number of bytes copied. A short read at or after the end
	// of the provider is not an error.
	ReadAt(offset uint64, buf []byte) (int, error)

	// SubProvider returns a Provider aliasing this one's bytes over
	// [offset, offset+length). It fails with ErrInvalidArgument if that
	// range falls outside [0, Len()).
	SubProvider(offset, length uint64) (Provider, error)
}

// ErrInvalidArgument is returned (wrapped) when a requested sub-provider
// region falls outside the parent's bounds.
var ErrInvalidArgument = xerrors.New("provider: invalid argument")

// ErrIO is returned (wrapped) when a backing file or stream read fails.
var ErrIO = xerrors.New("provider: io error")

func checkRange(offset, length, parentLen uint64) error {
	end := offset + length
	if end < offset || end > parentLen {
		return xerrors.Errorf("sub_provider [%d, %d) out of [0, %d): %w", offset, end, parentLen, ErrInvalidArgument)
	}
	return nil
}

// memoryProvider is the "memory" and "sub-slice" variant in one: a
// sub-provider of a memoryProvider is itself a memoryProvider sharing the
// same backing array, which is all the "keep the buffer alive" requirement
// needs in Go.
type memoryProvider struct {
	data []byte
}

// NewMemory returns a Provider backed directly by data. data is not copied;
// callers must not mutate it afterwards.
func NewMemory(data []byte) Provider {
	return &memoryProvider{data: data}
}

func (p *memoryProvider) Len() uint64 { return uint64(len(p.data)) }

func (p *memoryProvider) ReadAt(offset uint64, buf []byte) (int, error) {
	if offset >= uint64(len(p.data)) {
		return 0, nil
	}
	return copy(buf, p.data[offset:]), nil
}

func (p *memoryProvider) SubProvider(offset, length uint64) (Provider, error) {
	if err := checkRange(offset, length, uint64(len(p.data))); err != nil {
		return nil, err
	}
	return &memoryProvider{data: p.data[offset : offset+length]}, nil
}

// fileRegionProvider addresses [base, base+length) of the file at path. It
// opens the file fresh on every ReadAt rather than pooling a handle, so
// that random access never depends on a shared seek cursor (os.File.ReadAt
// itself is pread-based and safe for concurrent use, but re-opening keeps
// the provider cheap to construct in bulk without holding file descriptors
// open for the lifetime of, say, a whole parsed sparse image).
type fileRegionProvider struct {
	path         string
	base, length uint64
}

// NewFileRegion returns a Provider over [base, base+length) of the file at
// path. The file is opened lazily, on each read.
func NewFileRegion(path string, base, length uint64) Provider {
	return &fileRegionProvider{path: path, base: base, length: length}
}

func (p *fileRegionProvider) Len() uint64 { return p.length }

func (p *fileRegionProvider) ReadAt(offset uint64, buf []byte) (int, error) {
	if offset >= p.length {
		return 0, nil
	}
	remaining := p.length - offset
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	f, err := os.Open(p.path)
	if err != nil {
		return 0, xerrors.Errorf("%s: %w", p.path, err)
	}
	defer f.Close()
	n, err := f.ReadAt(buf, int64(p.base+offset))
	if err != nil && err != io.EOF {
		return n, xerrors.Errorf("%s: %w: %v", p.path, ErrIO, err)
	}
	return n, nil
}

func (p *fileRegionProvider) SubProvider(offset, length uint64) (Provider, error) {
	if err := checkRange(offset, length, p.length); err != nil {
		return nil, err
	}
	return &fileRegionProvider{path: p.path, base: p.base + offset, length: length}, nil
}

// Path returns the backing file path, for callers that want to re-derive
// file-region providers without re-opening the file themselves.
func (p *fileRegionProvider) Path() string { return p.path }

// streamRegionProvider addresses [base, base+length) of an io.ReadSeeker.
// Unlike the file-region variant it cannot avoid a shared seek cursor, so
// concurrent ReadAt calls are serialized with a mutex.
type streamRegionProvider struct {
	mu           *sync.Mutex
	stream       io.ReadSeeker
	base, length uint64
	leaveOpen    bool
}

// NewStreamRegion returns a Provider over [base, base+length) of stream. If
// leaveOpen is false the caller is transferring ownership of stream's
// lifetime to callers of this provider (the provider itself never closes
// it, since Provider has no Close method by design — callers that need to
// release it should type-assert for io.Closer once they are done with
// every alias).
func NewStreamRegion(stream io.ReadSeeker, base, length uint64, leaveOpen bool) Provider {
	return &streamRegionProvider{mu: &sync.Mutex{}, stream: stream, base: base, length: length, leaveOpen: leaveOpen}
}

func (p *streamRegionProvider) Len() uint64 { return p.length }

func (p *streamRegionProvider) ReadAt(offset uint64, buf []byte) (int, error) {
	if offset >= p.length {
		return 0, nil
	}
	remaining := p.length - offset
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.stream.Seek(int64(p.base+offset), io.SeekStart); err != nil {
		return 0, xerrors.Errorf("seek: %w", err)
	}
	n, err := io.ReadFull(p.stream, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, xerrors.Errorf("read: %w: %v", ErrIO, err)
	}
	return n, nil
}

func (p *streamRegionProvider) SubProvider(offset, length uint64) (Provider, error) {
	if err := checkRange(offset, length, p.length); err != nil {
		return nil, err
	}
	return &streamRegionProvider{mu: p.mu, stream: p.stream, base: p.base + offset, length: length, leaveOpen: p.leaveOpen}, nil
}

// LeaveOpen reports whether the stream should be left open by the owner
// once this provider (and all its sub-providers) are no longer needed.
func (p *streamRegionProvider) LeaveOpen() bool { return p.leaveOpen }

// ReadAll reads the whole of a provider into memory. Convenience for
// callers (tests, small tooling) that don't need streaming access.
func ReadAll(p Provider) ([]byte, error) {
	buf := make([]byte, p.Len())
	var off uint64
	for off < uint64(len(buf)) {
		n, err := p.ReadAt(off, buf[off:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		off += uint64(n)
	}
	return buf[:off], nil
}
