// Package sparse implements the Android-derived sparse image container
//: parsing, validation, authoring, serialization
// (sparse or flat), resparse/splitting, and the two random-access views
// (SparseStream, SparseImageStream) over a built or parsed image.
package sparse

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/provider"
)

// ChunkKind distinguishes the three "real" chunk kinds an authored Sparse
// tracks internally. The fourth wire chunk kind, CRC32, is synthesized at
// serialization time and never appears in a Sparse's chunk list.
type ChunkKind int

const (
	Raw ChunkKind = iota
	Fill
	Skip
)

// Chunk is one authored or parsed region of the image, covering
// [StartBlock, StartBlock+NumBlocks) of the logical block address space.
type Chunk struct {
	Kind       ChunkKind
	StartBlock uint32
	NumBlocks  uint32

	// FillValue is valid (and only meaningful) for Kind == Fill.
	FillValue uint32

	// Data is valid (and only meaningful) for Kind == Raw. Its Len() may
	// be less than NumBlocks*BlockSize, in which case the remainder reads
	// as zero.
	Data provider.Provider
}

func (c Chunk) endBlock() uint32 { return c.StartBlock + c.NumBlocks }

// Sparse is both the in-memory representation of a parsed sparse image and
// the authoring builder: callers either parse one (Parse, FromImageFile,
// ...) or build one from scratch (New) and then call AddRaw/AddFill/
// AddSkip, then serialize it (Write, WriteFlat) or derive a view
// (Stream, ImageStream) or split it (Resparse).
type Sparse struct {
	BlockSize   uint32
	TotalBlocks uint32

	// chunks holds only Raw/Fill/Skip chunks, kept sorted by StartBlock
	// with no overlaps — the CRC32 wire chunk is synthesized separately at
	// serialization time and is not tracked here.
	chunks []Chunk
}

// New creates an empty builder for an image of blockSize bytes per block
// covering totalBytes bytes (total_blocks = ceil(totalBytes/blockSize)).
func New(blockSize uint32, totalBytes uint64) (*Sparse, error) {
	if blockSize == 0 || blockSize%4 != 0 {
		return nil, xerrors.Errorf("block_size %d: %w", blockSize, ErrBadHeader)
	}
	totalBlocks := uint32((totalBytes + uint64(blockSize) - 1) / uint64(blockSize))
	return &Sparse{BlockSize: blockSize, TotalBlocks: totalBlocks}, nil
}

// CurrentBlock returns the maximum end-block of any inserted chunk, or 0
// if none have been inserted yet.
func (s *Sparse) CurrentBlock() uint32 {
	var max uint32
	for _, c := range s.chunks {
		if e := c.endBlock(); e > max {
			max = e
		}
	}
	return max
}

func (s *Sparse) resolveStart(atBlock *uint32) uint32 {
	if atBlock != nil {
		return *atBlock
	}
	return s.CurrentBlock()
}

func overlaps(a, b Chunk) bool {
	return a.StartBlock < b.endBlock() && b.StartBlock < a.endBlock()
}

// insert adds ch to the chunk list, rejecting any overlap with an existing
// chunk, and keeps the list sorted by StartBlock.
func (s *Sparse) insert(ch Chunk) error {
	if ch.NumBlocks == 0 {
		return nil
	}
	for _, e := range s.chunks {
		if overlaps(ch, e) {
			return xerrors.Errorf("chunk [%d,%d) overlaps existing [%d,%d): %w",
				ch.StartBlock, ch.endBlock(), e.StartBlock, e.endBlock(), ErrOverlap)
		}
	}
	i := sort.Search(len(s.chunks), func(i int) bool { return s.chunks[i].StartBlock >= ch.StartBlock })
	s.chunks = append(s.chunks, Chunk{})
	copy(s.chunks[i+1:], s.chunks[i:])
	s.chunks[i] = ch
	return nil
}

// AddRaw inserts a Raw chunk backed by data at atBlock (or CurrentBlock()
// if atBlock is nil). If data is larger than MaxChunkDataSize bytes, it is
// split into consecutive Raw chunks each respecting the cap.
func (s *Sparse) AddRaw(data provider.Provider, atBlock *uint32) error {
	start := s.resolveStart(atBlock)
	total := data.Len()

	maxBlocksPerChunk := uint32(MaxChunkDataSize / uint64(s.BlockSize))
	if maxBlocksPerChunk == 0 {
		maxBlocksPerChunk = 1
	}
	totalBlocksNeeded := uint32((total + uint64(s.BlockSize) - 1) / uint64(s.BlockSize))

	var blocksWritten uint32
	var bytesWritten uint64
	for blocksWritten < totalBlocksNeeded {
		n := maxBlocksPerChunk
		if totalBlocksNeeded-blocksWritten < n {
			n = totalBlocksNeeded - blocksWritten
		}
		chunkBytes := uint64(n) * uint64(s.BlockSize)
		remaining := total - bytesWritten
		if chunkBytes > remaining {
			chunkBytes = remaining
		}
		var sub provider.Provider
		var err error
		if chunkBytes > 0 {
			sub, err = data.SubProvider(bytesWritten, chunkBytes)
			if err != nil {
				return err
			}
		}
		if err := s.insert(Chunk{Kind: Raw, StartBlock: start + blocksWritten, NumBlocks: n, Data: sub}); err != nil {
			return err
		}
		blocksWritten += n
		bytesWritten += chunkBytes
	}
	return nil
}

// AddFill inserts a Fill chunk of sizeBytes (a multiple of BlockSize)
// repeating the 4-byte little-endian value, splitting into multiple
// chunks if it exceeds the per-chunk caps.
func (s *Sparse) AddFill(value uint32, sizeBytes uint64, atBlock *uint32) error {
	return s.addUniform(Fill, value, sizeBytes, atBlock)
}

// AddSkip inserts a Skip ("don't care") chunk of sizeBytes (a multiple of
// BlockSize), splitting into multiple chunks if it exceeds the per-chunk
// caps.
func (s *Sparse) AddSkip(sizeBytes uint64, atBlock *uint32) error {
	return s.addUniform(Skip, 0, sizeBytes, atBlock)
}

func (s *Sparse) addUniform(kind ChunkKind, value uint32, sizeBytes uint64, atBlock *uint32) error {
	if sizeBytes%uint64(s.BlockSize) != 0 {
		return xerrors.Errorf("size %d is not a multiple of block_size %d: %w", sizeBytes, s.BlockSize, ErrInvalidArgument)
	}
	start := s.resolveStart(atBlock)
	totalBlocks := uint32(sizeBytes / uint64(s.BlockSize))

	maxBlocksPerChunk := uint32(MaxChunkDataSize / uint64(s.BlockSize))
	if maxBlocksPerChunk > maxFillSkipBlocks {
		maxBlocksPerChunk = maxFillSkipBlocks
	}
	if maxBlocksPerChunk == 0 {
		maxBlocksPerChunk = 1
	}

	var written uint32
	for written < totalBlocks {
		n := maxBlocksPerChunk
		if totalBlocks-written < n {
			n = totalBlocks - written
		}
		if err := s.insert(Chunk{Kind: kind, StartBlock: start + written, NumBlocks: n, FillValue: value}); err != nil {
			return err
		}
		written += n
	}
	return nil
}

// Chunks returns a copy of the builder's current (non-CRC) chunk list,
// sorted by StartBlock.
func (s *Sparse) Chunks() []Chunk {
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// effectiveTotalBlocks returns the block count of the virtual flat image
// this Sparse represents, i.e. TotalBlocks, raised if authored chunks
// overshoot it. flatLen is the same length in bytes.
func (s *Sparse) effectiveTotalBlocks() uint32 {
	total := s.TotalBlocks
	if c := s.CurrentBlock(); c > total {
		total = c
	}
	return total
}

func (s *Sparse) flatLen() uint64 {
	return uint64(s.effectiveTotalBlocks()) * uint64(s.BlockSize)
}
