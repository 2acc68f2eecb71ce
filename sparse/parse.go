package sparse

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sort"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/provider"
)

func decodeFileHeader(b []byte) fileHeader {
	return fileHeader{
		Magic:           binary.LittleEndian.Uint32(b[0:4]),
		MajorVersion:    binary.LittleEndian.Uint16(b[4:6]),
		MinorVersion:    binary.LittleEndian.Uint16(b[6:8]),
		FileHeaderSize:  binary.LittleEndian.Uint16(b[8:10]),
		ChunkHeaderSize: binary.LittleEndian.Uint16(b[10:12]),
		BlockSize:       binary.LittleEndian.Uint32(b[12:16]),
		TotalBlocks:     binary.LittleEndian.Uint32(b[16:20]),
		TotalChunks:     binary.LittleEndian.Uint32(b[20:24]),
		ImageChecksum:   binary.LittleEndian.Uint32(b[24:28]),
	}
}

func encodeFileHeader(h fileHeader) []byte {
	b := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.MajorVersion)
	binary.LittleEndian.PutUint16(b[6:8], h.MinorVersion)
	binary.LittleEndian.PutUint16(b[8:10], h.FileHeaderSize)
	binary.LittleEndian.PutUint16(b[10:12], h.ChunkHeaderSize)
	binary.LittleEndian.PutUint32(b[12:16], h.BlockSize)
	binary.LittleEndian.PutUint32(b[16:20], h.TotalBlocks)
	binary.LittleEndian.PutUint32(b[20:24], h.TotalChunks)
	binary.LittleEndian.PutUint32(b[24:28], h.ImageChecksum)
	return b
}

func decodeChunkHeader(b []byte) chunkHeader {
	return chunkHeader{
		ChunkType: binary.LittleEndian.Uint16(b[0:2]),
		Reserved:  binary.LittleEndian.Uint16(b[2:4]),
		ChunkSize: binary.LittleEndian.Uint32(b[4:8]),
		TotalSize: binary.LittleEndian.Uint32(b[8:12]),
	}
}

func encodeChunkHeader(h chunkHeader) []byte {
	b := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], h.ChunkType)
	binary.LittleEndian.PutUint16(b[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(b[4:8], h.ChunkSize)
	binary.LittleEndian.PutUint32(b[8:12], h.TotalSize)
	return b
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, xerrors.Errorf("reading %d bytes: %w", n, ErrTruncatedInput)
		}
		return nil, xerrors.Errorf("reading %d bytes: %w: %v", n, ErrIO, err)
	}
	return buf, nil
}

func discard(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return xerrors.Errorf("skipping %d bytes: %w", n, ErrTruncatedInput)
	}
	return nil
}

// ParseOptions controls Parse's behavior.
type ParseOptions struct {
	// ValidateCRC requires any trailing CRC32 chunk to match a CRC32
	// computed over the virtual flat image as it is parsed.
	ValidateCRC bool

	// Path, when non-empty, is the path of the file r is reading from.
	// Raw chunk payloads are then attached as zero-copy file-region
	// providers instead of being buffered into memory.
	Path string
}

// Parse reads a sparse image from r
func Parse(r io.Reader, opts ParseOptions) (*Sparse, error) {
	hb, err := readFull(r, fileHeaderSize)
	if err != nil {
		return nil, err
	}
	hdr := decodeFileHeader(hb)
	if hdr.Magic != headerMagic {
		return nil, xerrors.Errorf("magic %#x: %w", hdr.Magic, ErrBadMagic)
	}
	if hdr.MajorVersion != majorVersion {
		return nil, xerrors.Errorf("major_version %d: %w", hdr.MajorVersion, ErrBadHeader)
	}
	if hdr.BlockSize == 0 || hdr.BlockSize%4 != 0 {
		return nil, xerrors.Errorf("block_size %d: %w", hdr.BlockSize, ErrBadHeader)
	}
	// Open Question 2: require file_header_size/chunk_header_size >= the
	// canonical size (forward-compatible), not strict equality.
	if hdr.FileHeaderSize < fileHeaderSize {
		return nil, xerrors.Errorf("file_header_size %d: %w", hdr.FileHeaderSize, ErrBadHeader)
	}
	if err := discard(r, int64(hdr.FileHeaderSize)-fileHeaderSize); err != nil {
		return nil, err
	}
	if hdr.ChunkHeaderSize < chunkHeaderSize {
		return nil, xerrors.Errorf("chunk_header_size %d: %w", hdr.ChunkHeaderSize, ErrBadHeader)
	}

	s := &Sparse{BlockSize: hdr.BlockSize, TotalBlocks: hdr.TotalBlocks}

	var crc uint32
	var coveredBlocks uint64
	fileOffset := uint64(hdr.FileHeaderSize)

	for i := uint32(0); i < hdr.TotalChunks; i++ {
		chb, err := readFull(r, chunkHeaderSize)
		if err != nil {
			return nil, err
		}
		ch := decodeChunkHeader(chb)
		fileOffset += chunkHeaderSize
		if err := discard(r, int64(hdr.ChunkHeaderSize)-chunkHeaderSize); err != nil {
			return nil, err
		}
		fileOffset += uint64(hdr.ChunkHeaderSize) - chunkHeaderSize

		if uint64(ch.TotalSize) < uint64(hdr.ChunkHeaderSize) {
			return nil, xerrors.Errorf("chunk %d total_size %d smaller than chunk header: %w", i, ch.TotalSize, ErrBadHeader)
		}
		payloadSize := uint64(ch.TotalSize) - uint64(hdr.ChunkHeaderSize)
		expected := uint64(ch.ChunkSize) * uint64(hdr.BlockSize)

		var appendChunk *Chunk
		switch ch.ChunkType {
		case chunkTypeRaw:
			if payloadSize != expected {
				return nil, xerrors.Errorf("chunk %d raw payload_size %d != expected %d: %w", i, payloadSize, expected, ErrBadHeader)
			}
			var data provider.Provider
			if opts.Path != "" {
				data = provider.NewFileRegion(opts.Path, fileOffset, payloadSize)
			}
			if opts.Path != "" && !opts.ValidateCRC {
				if err := discard(r, int64(payloadSize)); err != nil {
					return nil, err
				}
			} else {
				buf, err := readFull(r, int(payloadSize))
				if err != nil {
					return nil, err
				}
				if opts.ValidateCRC {
					crc = crcUpdate(crc, buf)
				}
				if data == nil {
					data = provider.NewMemory(buf)
				}
			}
			appendChunk = &Chunk{Kind: Raw, StartBlock: uint32(coveredBlocks), NumBlocks: ch.ChunkSize, Data: data}
		case chunkTypeFill:
			if payloadSize < 4 {
				return nil, xerrors.Errorf("chunk %d fill payload_size %d: %w", i, payloadSize, ErrBadHeader)
			}
			vb, err := readFull(r, 4)
			if err != nil {
				return nil, err
			}
			value := binary.LittleEndian.Uint32(vb)
			if err := discard(r, int64(payloadSize)-4); err != nil {
				return nil, err
			}
			if opts.ValidateCRC {
				crc = crcUpdateFill(crc, value, expected)
			}
			appendChunk = &Chunk{Kind: Fill, StartBlock: uint32(coveredBlocks), NumBlocks: ch.ChunkSize, FillValue: value}
		case chunkTypeSkip:
			if err := discard(r, int64(payloadSize)); err != nil {
				return nil, err
			}
			if opts.ValidateCRC {
				crc = crcUpdateZero(crc, expected)
			}
			appendChunk = &Chunk{Kind: Skip, StartBlock: uint32(coveredBlocks), NumBlocks: ch.ChunkSize}
		case chunkTypeCRC:
			if payloadSize < 4 {
				// Open Question 3: a short CRC32 chunk is skipped silently.
				if err := discard(r, int64(payloadSize)); err != nil {
					return nil, err
				}
				break
			}
			vb, err := readFull(r, 4)
			if err != nil {
				return nil, err
			}
			literal := binary.LittleEndian.Uint32(vb)
			if err := discard(r, int64(payloadSize)-4); err != nil {
				return nil, err
			}
			if opts.ValidateCRC && literal != crc {
				return nil, xerrors.Errorf("crc32 chunk: got %#x, want %#x: %w", literal, crc, ErrChecksumMismatch)
			}
		default:
			return nil, xerrors.Errorf("chunk %d type %#x: %w", i, ch.ChunkType, ErrUnknownChunk)
		}

		if appendChunk != nil {
			s.chunks = append(s.chunks, *appendChunk)
		}
		coveredBlocks += uint64(ch.ChunkSize)
		fileOffset += payloadSize
	}

	switch {
	case coveredBlocks < uint64(hdr.TotalBlocks):
		gap := uint64(hdr.TotalBlocks) - coveredBlocks
		s.chunks = append(s.chunks, Chunk{Kind: Skip, StartBlock: uint32(coveredBlocks), NumBlocks: uint32(gap)})
	case coveredBlocks > uint64(hdr.TotalBlocks):
		return nil, xerrors.Errorf("chunk block sum %d > total_blocks %d: %w", coveredBlocks, hdr.TotalBlocks, ErrBlockCountMismatch)
	}

	sort.Slice(s.chunks, func(i, j int) bool { return s.chunks[i].StartBlock < s.chunks[j].StartBlock })
	return s, nil
}

// PeekHeader reads just the 28-byte sparse header from path, without
// parsing any chunks.
func PeekHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	buf := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, xerrors.Errorf("reading header: %w", ErrTruncatedInput)
	}
	hdr := decodeFileHeader(buf)
	if hdr.Magic != headerMagic {
		return Header{}, xerrors.Errorf("magic %#x: %w", hdr.Magic, ErrBadMagic)
	}
	return Header{BlockSize: hdr.BlockSize, TotalBlocks: hdr.TotalBlocks, TotalChunks: hdr.TotalChunks}, nil
}

// FromStream parses a sparse image from an arbitrary io.Reader, with Raw
// chunk payloads buffered in memory (no backing path is available).
func FromStream(r io.Reader, validateCRC bool) (*Sparse, error) {
	return Parse(r, ParseOptions{ValidateCRC: validateCRC})
}

// FromImageFile parses a sparse image file at path, attaching zero-copy
// file-region providers to its Raw chunks.
func FromImageFile(path string, validateCRC bool) (*Sparse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, ParseOptions{ValidateCRC: validateCRC, Path: path})
}

// defaultRawBlockSize is the block size ImportAuto assumes when a file
// turns out not to be a sparse image, i.e. when calling FromRawFile on its
// behalf.
const defaultRawBlockSize = 4096

// ImportAuto inspects path's header and parses it either as a sparse image
// or, if the magic doesn't match, sparsifies it as a raw flat image.
func ImportAuto(path string) (*Sparse, error) {
	_, err := PeekHeader(path)
	if err == nil {
		return FromImageFile(path, false)
	}
	if errors.Is(err, ErrBadMagic) || errors.Is(err, ErrTruncatedInput) {
		return FromRawFile(path, defaultRawBlockSize, SparsifyHole)
	}
	return nil, err
}

// SparsifyMode controls how all-zero runs are represented by FromRawFile.
type SparsifyMode int

const (
	// SparsifyHole represents zero runs as Skip ("don't care") chunks.
	SparsifyHole SparsifyMode = iota
	// SparsifyNormal represents zero runs as literal Fill(0) chunks.
	SparsifyNormal
)

func classifyBlock(buf []byte) (zero, fill bool, value uint32) {
	if len(buf) == 0 {
		return true, true, 0
	}
	first := binary.LittleEndian.Uint32(buf[0:4])
	uniform := true
	for i := 4; i+4 <= len(buf); i += 4 {
		if binary.LittleEndian.Uint32(buf[i:i+4]) != first {
			uniform = false
			break
		}
	}
	if uniform {
		return first == 0, true, first
	}
	return false, false, 0
}

type sparsifyRun struct {
	active bool
	kind   ChunkKind
	fill   uint32
	start  uint32
	count  uint32
}

// FromRawFile reads the raw (flat) file at path and sparsifies it: each
// block is classified as all-zero, a uniform 4-byte fill, or raw, and
// consecutive same-kind blocks are coalesced into one chunk.
func FromRawFile(path string, blockSize uint32, mode SparsifyMode) (*Sparse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()

	s, err := New(blockSize, uint64(size))
	if err != nil {
		return nil, err
	}
	numBlocks := (uint64(size) + uint64(blockSize) - 1) / uint64(blockSize)

	flush := func(rs sparsifyRun) error {
		if !rs.active || rs.count == 0 {
			return nil
		}
		start := rs.start
		switch rs.kind {
		case Skip:
			return s.AddSkip(uint64(rs.count)*uint64(blockSize), &start)
		case Fill:
			return s.AddFill(rs.fill, uint64(rs.count)*uint64(blockSize), &start)
		default: // Raw
			off := uint64(rs.start) * uint64(blockSize)
			length := uint64(rs.count) * uint64(blockSize)
			if avail := uint64(size) - off; length > avail {
				length = avail
			}
			p := provider.NewFileRegion(path, off, length)
			return s.AddRaw(p, &start)
		}
	}

	var rs sparsifyRun
	buf := make([]byte, blockSize)
	for i := uint64(0); i < numBlocks; i++ {
		n, err := f.ReadAt(buf, int64(i*uint64(blockSize)))
		if err != nil && err != io.EOF {
			return nil, xerrors.Errorf("%s: reading block %d: %w", path, i, err)
		}
		for j := n; j < len(buf); j++ {
			buf[j] = 0
		}
		zero, fill, value := classifyBlock(buf)
		var kind ChunkKind
		switch {
		case zero && mode == SparsifyHole:
			kind = Skip
		case zero:
			kind = Fill
			value = 0
		case fill:
			kind = Fill
		default:
			kind = Raw
		}
		if rs.active && rs.kind == kind && (kind != Fill || rs.fill == value) {
			rs.count++
			continue
		}
		if err := flush(rs); err != nil {
			return nil, err
		}
		rs = sparsifyRun{active: true, kind: kind, fill: value, start: uint32(i), count: 1}
	}
	if err := flush(rs); err != nil {
		return nil, err
	}
	return s, nil
}
