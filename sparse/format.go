package sparse

// On-disk constants for the sparse image format. All
// integers are little-endian; struct layouts below use no host padding
// since every field is already 2- or 4-byte aligned in declaration order.

const (
	headerMagic  = 0xED26FF3A
	majorVersion = 1

	fileHeaderSize  = 28
	chunkHeaderSize = 12

	chunkTypeRaw  = 0xCAC1
	chunkTypeFill = 0xCAC2
	chunkTypeSkip = 0xCAC3
	chunkTypeCRC  = 0xCAC4

	// MaxChunkDataSize bounds the payload of a single authored Raw chunk
	//: chunk_size * block_size <= 64 MiB.
	MaxChunkDataSize = 64 << 20

	// maxFillSkipBlocks additionally bounds a single authored Fill or Skip
	// chunk's block count.
	maxFillSkipBlocks = 0x00FF_FFFF
)

// fileHeader is the 28-byte sparse image header.
type fileHeader struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

// chunkHeader is the 12-byte per-chunk header.
type chunkHeader struct {
	ChunkType uint16
	Reserved  uint16
	ChunkSize uint32
	TotalSize uint32
}

// Header is the external summary returned by PeekHeader: just enough to
// let a caller decide how to handle the image without parsing every chunk.
type Header struct {
	BlockSize   uint32
	TotalBlocks uint32
	TotalChunks uint32
}
