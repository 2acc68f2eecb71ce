// Package lpmeta implements the Android-derived LP ("logical partition")
// super-image metadata format: parsing with the geometry fallback chain,
// an editing Builder backed by a free-region allocator, and serialization
// with SHA-256 checksums and slot placement.
package lpmeta

// On-disk constants and packed struct layouts. All integers little-endian,
// no host padding: every wire struct here is decoded/encoded
// field-by-field via encoding/binary rather than via an unsafe cast, so
// struct layout stays independent of the host's own alignment rules.

const (
	// ReservedBytes is the leading reserved region before the geometry
	// blocks (LP_PARTITION_RESERVED_BYTES).
	ReservedBytes = 4096
	// GeometryBytes is the fixed size of each geometry block on disk.
	GeometryBytes = 4096
	// SectorSize is the fixed sector size LP extents are expressed in.
	SectorSize = 512

	geometryMagic = 0x616C4467
	headerMagic   = 0x414C5030

	// CurrentMajorVersion is the major version this package writes and the
	// highest it accepts when reading (major > 10 is UnsupportedVersion).
	CurrentMajorVersion = 10
	maxSupportedMajor   = 10

	primaryGeometryOffset = ReservedBytes
	backupGeometryOffset  = ReservedBytes + GeometryBytes
	metadataRegionStart   = ReservedBytes + 2*GeometryBytes

	geometryStructSize = 4 + 4 + 32 + 4 + 4 + 4 // magic+struct_size+checksum+3 u32 fields
	headerFixedSize    = 4 + 2 + 2 + 4 + 32 + 4 + 32 + 4*tableDescriptorSize + 4
	headerReservedSize = 256 - headerFixedSize
	headerStructSize   = headerFixedSize + headerReservedSize // 256

	tableDescriptorSize = 12

	partitionEntrySize = 36 + 4 + 4 + 4 + 4 // 52
	extentEntrySize     = 8 + 4 + 8 + 4      // 24
	groupEntrySize      = 36 + 4 + 8         // 48
	blockDeviceEntrySize = 8 + 4 + 4 + 8 + 36 + 4 // 64

	nameFieldSize = 36
)

// Partition attribute bits.
const (
	AttrNone         uint32 = 0
	AttrReadonly     uint32 = 1 << 0
	AttrSlotSuffixed uint32 = 1 << 1
	AttrUpdated      uint32 = 1 << 2
	AttrDisabled     uint32 = 1 << 3
)

// PartitionGroup / BlockDevice flag bit.
const FlagSlotSuffixed uint32 = 1 << 0

// Header flag bit.
const HeaderFlagVirtualABDevice uint32 = 1

// Extent target types.
const (
	TargetLinear uint32 = 0
	TargetZero   uint32 = 1
)

// geometryWire is the 52-byte logical content of a 4096-byte geometry
// block (the remainder is zero padding).
type geometryWire struct {
	Magic             uint32
	StructSize        uint32
	Checksum          [32]byte
	MetadataMaxSize   uint32
	MetadataSlotCount uint32
	LogicalBlockSize  uint32
}

// tableDescriptorWire locates one of the four tables within the
// concatenated tables blob.
type tableDescriptorWire struct {
	Offset     uint32
	NumEntries uint32
	EntrySize  uint32
}

// headerWire is the 256-byte header preceding the four tables in one slot.
type headerWire struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	HeaderSize      uint32
	HeaderChecksum  [32]byte
	TablesSize      uint32
	TablesChecksum  [32]byte
	Partitions      tableDescriptorWire
	Extents         tableDescriptorWire
	Groups          tableDescriptorWire
	BlockDevices    tableDescriptorWire
	Flags           uint32
	Reserved        [headerReservedSize]byte
}

type partitionWire struct {
	Name             [nameFieldSize]byte
	Attributes       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
	GroupIndex       uint32
}

type extentWire struct {
	NumSectors   uint64
	TargetType   uint32
	TargetData   uint64
	TargetSource uint32
}

type groupWire struct {
	Name        [nameFieldSize]byte
	Flags       uint32
	MaximumSize uint64
}

type blockDeviceWire struct {
	FirstLogicalSector uint64
	Alignment          uint32
	AlignmentOffset    uint32
	Size               uint64
	PartitionName      [nameFieldSize]byte
	Flags              uint32
}

// primaryMetadataOffset returns the byte offset of slot's header+tables
// blob in the primary metadata region.
func primaryMetadataOffset(slot uint32, metadataMaxSize uint32) int64 {
	return metadataRegionStart + int64(slot)*int64(metadataMaxSize)
}

// backupMetadataOffset returns the byte offset of slot's header+tables
// blob in the backup metadata region.
func backupMetadataOffset(slot, slotCount, metadataMaxSize uint32) int64 {
	return metadataRegionStart + int64(slotCount)*int64(metadataMaxSize) + int64(slot)*int64(metadataMaxSize)
}

// slotSuffix returns the runtime slot suffix for slot.
func slotSuffix(slot uint32) string {
	if slot == 0 {
		return "_a"
	}
	return "_b"
}

func nameToBytes(s string) [nameFieldSize]byte {
	var b [nameFieldSize]byte
	copy(b[:], s)
	return b
}

func bytesToName(b [nameFieldSize]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
