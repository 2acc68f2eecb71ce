package lpmeta

// Geometry is the logical content of the 4096-byte geometry block: magic,
// struct_size and the checksum are wire-only detail reconstructed at
// serialization time.
type Geometry struct {
	MetadataMaxSize   uint32
	MetadataSlotCount uint32
	LogicalBlockSize  uint32
}

// Extent describes a contiguous run of sectors backing part of a
// partition.
type Extent struct {
	NumSectors   uint64
	TargetType   uint32 // TargetLinear or TargetZero
	TargetData   uint64 // start sector on the block device, for TargetLinear
	TargetSource uint32 // block-device index
}

// MetaPartition is a partition entry as it appears in parsed/exported
// Metadata: its extents are a contiguous slice of Metadata.Extents located
// by FirstExtentIndex/NumExtents, not embedded directly.
type MetaPartition struct {
	Name             string
	Attributes       uint32
	GroupIndex       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
}

// PartitionGroup is a named cap on the sum of its partitions' sizes.
// MaximumSize == 0 means unlimited.
type PartitionGroup struct {
	Name        string
	Flags       uint32
	MaximumSize uint64
}

// BlockDevice describes one physical block device backing the super image
//. Index 0 is conventionally named "super".
type BlockDevice struct {
	FirstLogicalSector uint64
	Alignment          uint32
	AlignmentOffset    uint32
	Size               uint64
	PartitionName      string
	Flags              uint32
}

// Metadata is the normalized, wire-shaped representation of one header+
// tables slot: the form read_metadata/ReadMetadata return and
// SerializeMetadata consumes.
type Metadata struct {
	Geometry     Geometry
	Flags        uint32
	Partitions   []MetaPartition
	Extents      []Extent
	Groups       []PartitionGroup
	BlockDevices []BlockDevice
}

// PartitionExtents returns the slice of m.Extents belonging to partition i.
func (m *Metadata) PartitionExtents(i int) []Extent {
	p := m.Partitions[i]
	return m.Extents[p.FirstExtentIndex : p.FirstExtentIndex+p.NumExtents]
}
