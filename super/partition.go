package super

import (
	"io"
	"sort"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/lpmeta"
)

func extentBytes(e lpmeta.Extent) int64 { return int64(e.NumSectors) * lpmeta.SectorSize }

// partitionStream exposes one partition's extents, in table order, as a
// single contiguous seekable stream over a base image.
type partitionStream struct {
	base    io.ReadSeeker
	extents []lpmeta.Extent
	starts  []int64 // starts[i] is extents[i]'s offset in the logical partition stream
	length  int64
	pos     int64
}

// OpenPartition returns a read-only seekable stream over partitionName's
// extents, resolved against base. Linear extents read from
// base at target_data*512 + (logical offset within the extent); Zero
// extents read as zero without touching base.
func OpenPartition(base io.ReadSeeker, meta *lpmeta.Metadata, partitionName string) (io.ReadSeeker, error) {
	idx := -1
	for i, p := range meta.Partitions {
		if p.Name == partitionName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, xerrors.Errorf("partition %q: %w", partitionName, ErrUnknownPartition)
	}
	extents := append([]lpmeta.Extent(nil), meta.PartitionExtents(idx)...)
	starts := make([]int64, len(extents))
	var cur int64
	for i, e := range extents {
		starts[i] = cur
		cur += extentBytes(e)
	}
	return &partitionStream{base: base, extents: extents, starts: starts, length: cur}, nil
}

func (ps *partitionStream) Read(p []byte) (int, error) {
	n, err := ps.readAt(p, ps.pos)
	ps.pos += int64(n)
	return n, err
}

func (ps *partitionStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = ps.pos + offset
	case io.SeekEnd:
		newPos = ps.length + offset
	default:
		return 0, xerrors.Errorf("invalid whence %d: %w", whence, ErrInvalidArgument)
	}
	if newPos < 0 {
		return 0, xerrors.Errorf("seek to negative offset %d: %w", newPos, ErrInvalidArgument)
	}
	ps.pos = newPos
	return newPos, nil
}

// ReadAt implements io.ReaderAt, for callers (such as a further provider
// wrapping this stream) that want random access without tracking Seek.
func (ps *partitionStream) ReadAt(p []byte, off int64) (int, error) {
	return ps.readAt(p, off)
}

// readAt fills p starting at logical offset off, crossing extent
// boundaries as needed: each iteration locates the extent covering the
// current position via sort.Search, reads only as much as that extent can
// supply, then continues into the next extent until p is full or a real
// EOF/error is hit. A single call may therefore span any number of
// extents, satisfying io.ReaderAt's contract that n < len(p) come with a
// non-nil error explaining why.
func (ps *partitionStream) readAt(p []byte, off int64) (int, error) {
	if len(ps.extents) == 0 || off >= ps.length {
		return 0, io.EOF
	}
	if off < 0 {
		return 0, xerrors.Errorf("read at negative offset %d: %w", off, ErrInvalidArgument)
	}
	want := int64(len(p))
	if off+want > ps.length {
		want = ps.length - off
	}

	var total int64
	for total < want {
		cur := off + total
		i := sort.Search(len(ps.starts), func(i int) bool {
			return ps.starts[i]+extentBytes(ps.extents[i]) > cur
		})
		if i >= len(ps.extents) {
			break
		}
		e := ps.extents[i]
		within := cur - ps.starts[i]
		avail := extentBytes(e) - within
		n := want - total
		if n > avail {
			n = avail
		}
		if n <= 0 {
			break
		}
		dst := p[total : total+n]

		if e.TargetType == lpmeta.TargetZero {
			for j := range dst {
				dst[j] = 0
			}
			total += n
			continue
		}

		srcOff := int64(e.TargetData)*lpmeta.SectorSize + within
		if _, err := ps.base.Seek(srcOff, io.SeekStart); err != nil {
			return int(total), xerrors.Errorf("seeking base to %d: %w", srcOff, err)
		}
		read, err := io.ReadFull(ps.base, dst)
		total += int64(read)
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return int(total), err
		}
	}

	var err error
	if total < int64(len(p)) {
		err = io.EOF
	}
	return int(total), err
}
