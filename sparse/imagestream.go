package sparse

import (
	"encoding/binary"
	"io"
	"sort"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/provider"
)

// slice returns a new Sparse covering only blocks [startBlock, endBlock) of
// s. If fullRange is true, the result keeps s's original block coordinates
// and total_blocks, so serializing it reproduces the surrounding region as
// Skip chunks; otherwise the result is rebased to start at
// block 0 and sized to exactly endBlock-startBlock blocks.
func (s *Sparse) slice(startBlock, endBlock uint32, fullRange bool) (*Sparse, error) {
	total := endBlock - startBlock
	if fullRange {
		total = s.effectiveTotalBlocks()
	}
	out := &Sparse{BlockSize: s.BlockSize, TotalBlocks: total}

	for _, c := range s.chunks {
		cs, ce := c.StartBlock, c.endBlock()
		if ce <= startBlock || cs >= endBlock {
			continue
		}
		clipStart, clipEnd := cs, ce
		if clipStart < startBlock {
			clipStart = startBlock
		}
		if clipEnd > endBlock {
			clipEnd = endBlock
		}

		var data provider.Provider
		if c.Kind == Raw && c.Data != nil {
			byteOff := uint64(clipStart-cs) * uint64(s.BlockSize)
			byteLen := uint64(clipEnd-clipStart) * uint64(s.BlockSize)
			plen := c.Data.Len()
			if byteOff < plen {
				if avail := plen - byteOff; byteLen > avail {
					byteLen = avail
				}
				var err error
				if data, err = c.Data.SubProvider(byteOff, byteLen); err != nil {
					return nil, err
				}
			}
		}

		outStart := clipStart - startBlock
		if fullRange {
			outStart = clipStart
		}
		nc := Chunk{Kind: c.Kind, StartBlock: outStart, NumBlocks: clipEnd - clipStart, FillValue: c.FillValue, Data: data}
		if err := out.insert(nc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// imageSection is one contiguous byte range of a SparseImageStream's
// output, at a precomputed cumulative offset. Exactly one of bytes, chunk
// (a Raw chunk, read from its provider on demand) or isCRC is set.
type imageSection struct {
	start, end int64
	bytes      []byte
	chunk      Chunk
	isCRC      bool
}

// SparseImageStream is a read-only, seekable view of a bit-exact sparse
// container image representing a block slice of a Sparse. Its section
// table (sparse header; then per chunk: chunk header and payload; an
// optional trailing CRC header and value) is built once, up front, with
// cumulative byte offsets; reads locate the owning section via binary
// search rather than walking from the start.
type SparseImageStream struct {
	sections []imageSection
	length   int64
	pos      int64

	crcChunks    []Chunk
	crcBlockSize uint32
	crcValue     [4]byte
	crcReady     bool
}

var _ io.ReadSeekCloser = (*SparseImageStream)(nil)
var _ io.ReaderAt = (*SparseImageStream)(nil)

// ImageStream returns a random-access view of a standalone sparse-container
// image covering blocks [startBlock, endBlock) of s's virtual flat image.
// If fullRange is true, the emitted image reports s's original
// total_blocks and surrounds the requested range with Skip chunks;
// otherwise it is rebased to start at block 0.
func (s *Sparse) ImageStream(startBlock, endBlock uint32, fullRange, includeCRC bool) (*SparseImageStream, error) {
	if endBlock < startBlock {
		return nil, xerrors.Errorf("end block %d precedes start block %d: %w", endBlock, startBlock, ErrInvalidArgument)
	}
	if endBlock > s.effectiveTotalBlocks() {
		return nil, xerrors.Errorf("end block %d beyond total_blocks %d: %w", endBlock, s.effectiveTotalBlocks(), ErrInvalidArgument)
	}
	sliced, err := s.slice(startBlock, endBlock, fullRange)
	if err != nil {
		return nil, err
	}

	chunks, totalBlocks := sliced.buildOutputChunks()
	totalChunks := uint32(len(chunks))
	if includeCRC {
		totalChunks++
	}

	is := &SparseImageStream{crcChunks: chunks, crcBlockSize: sliced.BlockSize}

	hdr := fileHeader{
		Magic:           headerMagic,
		MajorVersion:    majorVersion,
		FileHeaderSize:  fileHeaderSize,
		ChunkHeaderSize: chunkHeaderSize,
		BlockSize:       sliced.BlockSize,
		TotalBlocks:     totalBlocks,
		TotalChunks:     totalChunks,
	}
	is.appendBytes(encodeFileHeader(hdr))

	for _, c := range chunks {
		nbytes := uint64(c.NumBlocks) * uint64(sliced.BlockSize)
		switch c.Kind {
		case Raw:
			ch := chunkHeader{ChunkType: chunkTypeRaw, ChunkSize: c.NumBlocks, TotalSize: uint32(uint64(chunkHeaderSize) + nbytes)}
			is.appendBytes(encodeChunkHeader(ch))
			is.appendRawPayload(c, nbytes)
		case Fill:
			ch := chunkHeader{ChunkType: chunkTypeFill, ChunkSize: c.NumBlocks, TotalSize: chunkHeaderSize + 4}
			is.appendBytes(encodeChunkHeader(ch))
			var vb [4]byte
			binary.LittleEndian.PutUint32(vb[:], c.FillValue)
			is.appendBytes(vb[:])
		case Skip:
			ch := chunkHeader{ChunkType: chunkTypeSkip, ChunkSize: c.NumBlocks, TotalSize: chunkHeaderSize}
			is.appendBytes(encodeChunkHeader(ch))
		}
	}

	if includeCRC {
		ch := chunkHeader{ChunkType: chunkTypeCRC, ChunkSize: 0, TotalSize: chunkHeaderSize + 4}
		is.appendBytes(encodeChunkHeader(ch))
		is.appendCRCValue()
	}

	is.length = is.cursor()
	return is, nil
}

func (is *SparseImageStream) cursor() int64 {
	if len(is.sections) == 0 {
		return 0
	}
	return is.sections[len(is.sections)-1].end
}

func (is *SparseImageStream) appendBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	start := is.cursor()
	is.sections = append(is.sections, imageSection{start: start, end: start + int64(len(b)), bytes: b})
}

func (is *SparseImageStream) appendRawPayload(c Chunk, nbytes uint64) {
	if nbytes == 0 {
		return
	}
	start := is.cursor()
	is.sections = append(is.sections, imageSection{start: start, end: start + int64(nbytes), chunk: c})
}

func (is *SparseImageStream) appendCRCValue() {
	start := is.cursor()
	is.sections = append(is.sections, imageSection{start: start, end: start + 4, isCRC: true})
}

// computeFlatCRC folds chunks' virtual flat-image bytes through a CRC32
// accumulator without ever writing them anywhere, reusing the same
// per-kind byte-feeding logic as Write's incremental checksum.
func computeFlatCRC(chunks []Chunk, blockSize uint32) (uint32, error) {
	var crc uint32
	for _, c := range chunks {
		nbytes := uint64(c.NumBlocks) * uint64(blockSize)
		switch c.Kind {
		case Raw:
			if _, err := copyProviderPadded(io.Discard, c.Data, nbytes, &crc); err != nil {
				return 0, err
			}
		case Fill:
			crc = crcUpdateFill(crc, c.FillValue, nbytes)
		case Skip:
			crc = crcUpdateZero(crc, nbytes)
		}
	}
	return crc, nil
}

// crcBytes computes (once, lazily) and returns the trailing CRC32 chunk's
// 4-byte little-endian value.
func (is *SparseImageStream) crcBytes() ([4]byte, error) {
	if is.crcReady {
		return is.crcValue, nil
	}
	crc, err := computeFlatCRC(is.crcChunks, is.crcBlockSize)
	if err != nil {
		return [4]byte{}, err
	}
	binary.LittleEndian.PutUint32(is.crcValue[:], crc)
	is.crcReady = true
	return is.crcValue, nil
}

func (is *SparseImageStream) Read(p []byte) (int, error) {
	if is.pos >= is.length {
		return 0, io.EOF
	}
	n, err := is.ReadAt(p, is.pos)
	is.pos += int64(n)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (is *SparseImageStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = is.pos + offset
	case io.SeekEnd:
		newPos = is.length + offset
	default:
		return 0, xerrors.Errorf("invalid whence %d: %w", whence, ErrInvalidArgument)
	}
	if newPos < 0 {
		return 0, xerrors.Errorf("negative seek result %d: %w", newPos, ErrInvalidArgument)
	}
	is.pos = newPos
	return newPos, nil
}

func (is *SparseImageStream) Close() error {
	return nil
}

// ReadAt fills p starting at off, locating each section it touches via a
// binary search over the section table's cumulative offsets (O(log n) per
// section) rather than scanning from the start.
func (is *SparseImageStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.Errorf("negative offset %d: %w", off, ErrInvalidArgument)
	}
	if off >= is.length {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > is.length {
		want = is.length - off
	}

	var total int
	for int64(total) < want {
		cur := off + int64(total)
		idx := sort.Search(len(is.sections), func(i int) bool { return is.sections[i].end > cur })
		if idx >= len(is.sections) {
			break
		}
		sec := is.sections[idx]
		n := int(sec.end - cur)
		if remaining := want - int64(total); int64(n) > remaining {
			n = int(remaining)
		}
		dst := p[total : total+n]
		secOffset := cur - sec.start

		switch {
		case sec.bytes != nil:
			copy(dst, sec.bytes[secOffset:])
		case sec.isCRC:
			crc, err := is.crcBytes()
			if err != nil {
				return total, err
			}
			copy(dst, crc[secOffset:])
		default:
			if err := readRawInto(dst, sec.chunk, secOffset); err != nil {
				return total, err
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
