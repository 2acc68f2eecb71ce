package sparse

import (
	"io"
	"sort"

	"golang.org/x/xerrors"
)

// Stream returns a random-access io.ReadSeeker over s's virtual flat image
//, without ever materializing the whole image in memory:
// reads are served by binary-searching s's chunk list and fanning out
// across however many chunks the requested range touches.
func (s *Sparse) Stream() io.ReadSeeker {
	return &SparseStream{s: s, chunks: s.Chunks(), length: int64(s.flatLen())}
}

// SparseStream implements io.ReadSeeker (and io.ReaderAt) over a Sparse's
// virtual flat image.
type SparseStream struct {
	s      *Sparse
	chunks []Chunk
	length int64
	pos    int64
}

var _ io.ReadSeeker = (*SparseStream)(nil)
var _ io.ReaderAt = (*SparseStream)(nil)

func (ss *SparseStream) Read(p []byte) (int, error) {
	if ss.pos >= ss.length {
		return 0, io.EOF
	}
	n, err := ss.ReadAt(p, ss.pos)
	ss.pos += int64(n)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (ss *SparseStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = ss.pos + offset
	case io.SeekEnd:
		newPos = ss.length + offset
	default:
		return 0, xerrors.Errorf("invalid whence %d: %w", whence, ErrInvalidArgument)
	}
	if newPos < 0 {
		return 0, xerrors.Errorf("negative seek result %d: %w", newPos, ErrInvalidArgument)
	}
	ss.pos = newPos
	return newPos, nil
}

// ReadAt fills p from the virtual flat image starting at off, implementing
// io.ReaderAt's "short read only at EOF" contract.
func (ss *SparseStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.Errorf("negative offset %d: %w", off, ErrInvalidArgument)
	}
	if off >= ss.length {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > ss.length {
		want = ss.length - off
	}

	var total int
	for int64(total) < want {
		cur := off + int64(total)
		block := uint32(cur / int64(ss.s.BlockSize))
		idx := sort.Search(len(ss.chunks), func(i int) bool { return ss.chunks[i].endBlock() > block })

		chunkStart := int64(block) * int64(ss.s.BlockSize)
		chunkEnd := off + want
		var c Chunk
		haveChunk := false
		if idx < len(ss.chunks) && ss.chunks[idx].StartBlock <= block {
			c = ss.chunks[idx]
			haveChunk = true
			chunkStart = int64(c.StartBlock) * int64(ss.s.BlockSize)
			chunkEnd = int64(c.endBlock()) * int64(ss.s.BlockSize)
		} else if idx < len(ss.chunks) {
			// cur falls in a gap before chunks[idx]; gap reads as zero.
			chunkEnd = int64(ss.chunks[idx].StartBlock) * int64(ss.s.BlockSize)
		}
		if chunkEnd > off+want {
			chunkEnd = off + want
		}
		n := int(chunkEnd - cur)
		if n <= 0 {
			break
		}

		dst := p[total : total+n]
		if !haveChunk {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			switch c.Kind {
			case Skip:
				for i := range dst {
					dst[i] = 0
				}
			case Fill:
				fillInto(dst, c.FillValue, cur-chunkStart)
			case Raw:
				if err := readRawInto(dst, c, cur-chunkStart); err != nil {
					return total, err
				}
			}
		}
		total += n
	}

	var err error
	if int64(total) < int64(len(p)) {
		err = io.EOF
	}
	return total, err
}

// fillInto writes len(dst) bytes of the 4-byte little-endian fill pattern
// into dst, phase-aligned as if the pattern began patternOffset bytes
// earlier.
func fillInto(dst []byte, value uint32, patternOffset int64) {
	var pattern [4]byte
	pattern[0] = byte(value)
	pattern[1] = byte(value >> 8)
	pattern[2] = byte(value >> 16)
	pattern[3] = byte(value >> 24)
	phase := int(patternOffset % 4)
	for i := range dst {
		dst[i] = pattern[(phase+i)%4]
	}
}

// readRawInto fills dst from a Raw chunk's data provider starting
// chunkOffset bytes into the chunk, zero-padding past the provider's
// declared length.
func readRawInto(dst []byte, c Chunk, chunkOffset int64) error {
	if c.Data == nil {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	plen := int64(c.Data.Len())
	if chunkOffset >= plen {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	avail := plen - chunkOffset
	n := int64(len(dst))
	readLen := n
	if readLen > avail {
		readLen = avail
	}
	got, err := c.Data.ReadAt(uint64(chunkOffset), dst[:readLen])
	if err != nil {
		return err
	}
	for i := int64(got); i < n; i++ {
		dst[i] = 0
	}
	return nil
}
