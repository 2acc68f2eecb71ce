package lpmeta

import "golang.org/x/xerrors"

// builderPartition is a partition with its extents embedded directly,
// rather than addressed through a flat table: the shape a
// Builder edits in place, denormalized from Metadata's wire layout.
type builderPartition struct {
	Name       string
	Attributes uint32
	GroupIndex int
	Extents    []Extent
}

type builderGroup struct {
	Name        string
	Flags       uint32
	MaximumSize uint64
}

// Builder edits an LP metadata layout: partitions, groups, the single
// block device ("super", index 0) and extent allocation.
// Group 0 is always "default" and cannot be removed.
type Builder struct {
	geometry    Geometry
	flags       uint32
	blockDevice BlockDevice
	partitions  []builderPartition
	groups      []builderGroup
}

// NewBuilder creates an empty layout sized for deviceSize bytes, with
// first_logical_sector placed immediately past the reserved, geometry and
// metadata-slot regions, aligned up to 4096 bytes.
func NewBuilder(deviceSize uint64, metadataMaxSize, metadataSlotCount, logicalBlockSize, alignment, alignmentOffset uint32) *Builder {
	footprint := uint64(metadataRegionStart) + 2*uint64(metadataMaxSize)*uint64(metadataSlotCount)
	aligned := (footprint + 4095) &^ 4095
	firstSector := aligned / SectorSize

	return &Builder{
		geometry: Geometry{MetadataMaxSize: metadataMaxSize, MetadataSlotCount: metadataSlotCount, LogicalBlockSize: logicalBlockSize},
		groups:   []builderGroup{{Name: "default"}},
		blockDevice: BlockDevice{
			FirstLogicalSector: firstSector,
			Alignment:          alignment,
			AlignmentOffset:    alignmentOffset,
			Size:               deviceSize,
			PartitionName:      "super",
		},
	}
}

// FromMetadata denormalizes m into an editable Builder.
func FromMetadata(m *Metadata) (*Builder, error) {
	if len(m.BlockDevices) == 0 {
		return nil, xerrors.Errorf("metadata has no block devices: %w", ErrInvalidArgument)
	}
	b := &Builder{
		geometry:    m.Geometry,
		flags:       m.Flags,
		blockDevice: m.BlockDevices[0],
	}
	for _, g := range m.Groups {
		b.groups = append(b.groups, builderGroup{Name: g.Name, Flags: g.Flags, MaximumSize: g.MaximumSize})
	}
	for i, p := range m.Partitions {
		ext := append([]Extent(nil), m.PartitionExtents(i)...)
		b.partitions = append(b.partitions, builderPartition{
			Name:       p.Name,
			Attributes: p.Attributes,
			GroupIndex: int(p.GroupIndex),
			Extents:    ext,
		})
	}
	return b, nil
}

func (b *Builder) groupIndex(name string) int {
	for i, g := range b.groups {
		if g.Name == name {
			return i
		}
	}
	return -1
}

func (b *Builder) partitionIndex(name string) int {
	for i, p := range b.partitions {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func sectorsOf(extents []Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += e.NumSectors
	}
	return n
}

// AddGroup adds a new, empty partition group.
func (b *Builder) AddGroup(name string, maximumSize uint64) error {
	if b.groupIndex(name) >= 0 {
		return xerrors.Errorf("group %q already exists: %w", name, ErrInvalidArgument)
	}
	b.groups = append(b.groups, builderGroup{Name: name, MaximumSize: maximumSize})
	return nil
}

// RemoveGroup removes an empty, unused group. "default" can never be
// removed, nor can a group that still has member partitions.
func (b *Builder) RemoveGroup(name string) error {
	if name == "default" {
		return xerrors.Errorf("cannot remove the default group: %w", ErrGroupInUse)
	}
	idx := b.groupIndex(name)
	if idx < 0 {
		return xerrors.Errorf("group %q: %w", name, ErrUnknownGroup)
	}
	for _, p := range b.partitions {
		if p.GroupIndex == idx {
			return xerrors.Errorf("group %q still has partition %q: %w", name, p.Name, ErrGroupInUse)
		}
	}
	b.groups = append(b.groups[:idx], b.groups[idx+1:]...)
	for i := range b.partitions {
		if b.partitions[i].GroupIndex > idx {
			b.partitions[i].GroupIndex--
		}
	}
	return nil
}

// ResizeGroup changes a group's maximum_size cap (0 means unlimited).
func (b *Builder) ResizeGroup(name string, maximumSize uint64) error {
	idx := b.groupIndex(name)
	if idx < 0 {
		return xerrors.Errorf("group %q: %w", name, ErrUnknownGroup)
	}
	b.groups[idx].MaximumSize = maximumSize
	return nil
}

// AddPartition adds an empty (zero-extent) partition to group.
func (b *Builder) AddPartition(name, group string, attributes uint32) error {
	if b.partitionIndex(name) >= 0 {
		return xerrors.Errorf("partition %q: %w", name, ErrDuplicatePartition)
	}
	gi := b.groupIndex(group)
	if gi < 0 {
		return xerrors.Errorf("group %q: %w", group, ErrUnknownGroup)
	}
	b.partitions = append(b.partitions, builderPartition{Name: name, Attributes: attributes, GroupIndex: gi})
	return nil
}

// RemovePartition deletes a partition and frees its extents.
func (b *Builder) RemovePartition(name string) error {
	idx := b.partitionIndex(name)
	if idx < 0 {
		return xerrors.Errorf("partition %q: %w", name, ErrUnknownPartition)
	}
	b.partitions = append(b.partitions[:idx], b.partitions[idx+1:]...)
	return nil
}

// ReorderPartitions reassigns serialization order to exactly names, which
// must be a permutation of the current partition set.
func (b *Builder) ReorderPartitions(names []string) error {
	if len(names) != len(b.partitions) {
		return xerrors.Errorf("reorder list has %d names, have %d partitions: %w", len(names), len(b.partitions), ErrInvalidArgument)
	}
	next := make([]builderPartition, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		idx := b.partitionIndex(n)
		if idx < 0 {
			return xerrors.Errorf("partition %q: %w", n, ErrUnknownPartition)
		}
		if seen[n] {
			return xerrors.Errorf("partition %q listed twice: %w", n, ErrInvalidArgument)
		}
		seen[n] = true
		next = append(next, b.partitions[idx])
	}
	b.partitions = next
	return nil
}

// occupiedRanges returns the sector ranges already claimed by Linear
// extents on the super block device, excluding partition exceptPartition.
func (b *Builder) occupiedRanges(exceptPartition int) []sectorRange {
	var occ []sectorRange
	for i, p := range b.partitions {
		if i == exceptPartition {
			continue
		}
		for _, e := range p.Extents {
			if e.TargetType != TargetLinear {
				continue
			}
			occ = append(occ, sectorRange{Start: e.TargetData, End: e.TargetData + e.NumSectors})
		}
	}
	return occ
}

func (b *Builder) groupUsedSectors(groupIndex, exceptPartition int) uint64 {
	var total uint64
	for i, p := range b.partitions {
		if p.GroupIndex != groupIndex || i == exceptPartition {
			continue
		}
		total += sectorsOf(p.Extents)
	}
	return total
}

func (b *Builder) alignSectors() (align, offset uint64) {
	a := uint64(b.blockDevice.Alignment)
	o := uint64(b.blockDevice.AlignmentOffset)
	if a < SectorSize {
		return 1, 0
	}
	return a / SectorSize, o / SectorSize
}

// ResizePartition grows or shrinks a partition to requestedSizeBytes,
// rounding up to a whole sector. Shrinking trims or drops
// extents from the tail; growing allocates from the free-region map,
// respecting alignment and the partition's group cap.
func (b *Builder) ResizePartition(name string, requestedSizeBytes uint64) error {
	idx := b.partitionIndex(name)
	if idx < 0 {
		return xerrors.Errorf("partition %q: %w", name, ErrUnknownPartition)
	}
	p := &b.partitions[idx]
	wantSectors := (requestedSizeBytes + SectorSize - 1) / SectorSize
	haveSectors := sectorsOf(p.Extents)

	if wantSectors == haveSectors {
		return nil
	}

	if wantSectors < haveSectors {
		var kept []Extent
		var total uint64
		for _, e := range p.Extents {
			if total >= wantSectors {
				break
			}
			remaining := wantSectors - total
			if e.NumSectors <= remaining {
				kept = append(kept, e)
				total += e.NumSectors
				continue
			}
			e.NumSectors = remaining
			kept = append(kept, e)
			total += remaining
			break
		}
		p.Extents = kept
		return nil
	}

	deficit := wantSectors - haveSectors
	group := b.groups[p.GroupIndex]
	if group.MaximumSize != 0 {
		capSectors := group.MaximumSize / SectorSize
		if b.groupUsedSectors(p.GroupIndex, -1)+deficit > capSectors {
			return xerrors.Errorf("partition %q grow by %d sectors exceeds group %q cap: %w", name, deficit, group.Name, ErrGroupOverflow)
		}
	}

	align, offset := b.alignSectors()
	free := freeRegions(b.occupiedRanges(-1), b.blockDevice.FirstLogicalSector, b.blockDevice.Size/SectorSize)
	allocated, leftover := allocateExtents(free, deficit, align, offset, 0)
	if leftover > 0 {
		return xerrors.Errorf("partition %q needs %d more sectors than available: %w", name, leftover, ErrDiskFull)
	}
	p.Extents = append(p.Extents, allocated...)
	return nil
}

// ResizeBlockDevice changes the super device's total size. Shrinking below
// any allocated extent's end is rejected.
func (b *Builder) ResizeBlockDevice(newSize uint64) error {
	limit := newSize / SectorSize
	for _, p := range b.partitions {
		for _, e := range p.Extents {
			if e.TargetType == TargetLinear && e.TargetData+e.NumSectors > limit {
				return xerrors.Errorf("partition %q extent ends at sector %d, beyond new size: %w", p.Name, e.TargetData+e.NumSectors, ErrDeviceTooSmall)
			}
		}
	}
	b.blockDevice.Size = newSize
	return nil
}

// CompactPartitions reallocates every partition's Linear extents into a
// single contiguous run each, packed bottom-up from first_logical_sector
// in partition order, preserving each partition's total size.
func (b *Builder) CompactPartitions() error {
	align, offset := b.alignSectors()
	cursor := b.blockDevice.FirstLogicalSector
	limit := b.blockDevice.Size / SectorSize

	next := make([]builderPartition, len(b.partitions))
	for i, p := range b.partitions {
		needed := sectorsOf(p.Extents)
		next[i] = builderPartition{Name: p.Name, Attributes: p.Attributes, GroupIndex: p.GroupIndex}
		if needed == 0 {
			continue
		}
		start := alignUpSector(cursor, align, offset)
		if start+needed > limit {
			return xerrors.Errorf("compacting partition %q: %w", p.Name, ErrDiskFull)
		}
		next[i].Extents = []Extent{{NumSectors: needed, TargetType: TargetLinear, TargetData: start, TargetSource: 0}}
		cursor = start + needed
	}
	b.partitions = next
	return nil
}

// Export flattens the Builder into a normalized Metadata ready for
// SerializeMetadata.
func (b *Builder) Export() (*Metadata, error) {
	m := &Metadata{
		Geometry:     b.geometry,
		Flags:        b.flags,
		BlockDevices: []BlockDevice{b.blockDevice},
	}
	for _, g := range b.groups {
		m.Groups = append(m.Groups, PartitionGroup{Name: g.Name, Flags: g.Flags, MaximumSize: g.MaximumSize})
	}
	for _, p := range b.partitions {
		first := uint32(len(m.Extents))
		m.Extents = append(m.Extents, p.Extents...)
		m.Partitions = append(m.Partitions, MetaPartition{
			Name:             p.Name,
			Attributes:       p.Attributes,
			GroupIndex:       uint32(p.GroupIndex),
			FirstExtentIndex: first,
			NumExtents:       uint32(len(p.Extents)),
		})
	}
	return m, nil
}
