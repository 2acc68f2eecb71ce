package lpmeta

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSlotOffsets(t *testing.T) {
	// metadata_max_size=65536, metadata_slot_count=2.
	if got, want := primaryMetadataOffset(1, 65536), int64(77824); got != want {
		t.Fatalf("primaryMetadataOffset(1,65536) = %d, want %d", got, want)
	}
	if got, want := backupMetadataOffset(0, 2, 65536), int64(143360); got != want {
		t.Fatalf("backupMetadataOffset(0,2,65536) = %d, want %d", got, want)
	}
}

func TestGeometryRoundTrip(t *testing.T) {
	g := Geometry{MetadataMaxSize: 65536, MetadataSlotCount: 2, LogicalBlockSize: 4096}
	blob, err := SerializeGeometry(g)
	if err != nil {
		t.Fatalf("SerializeGeometry: %v", err)
	}
	got, err := readGeometryAt(bytes.NewReader(blob[:]), 0)
	if err != nil {
		t.Fatalf("readGeometryAt: %v", err)
	}
	if diff := cmp.Diff(g, got); diff != "" {
		t.Fatalf("geometry round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGeometryBadChecksum(t *testing.T) {
	g := Geometry{MetadataMaxSize: 65536, MetadataSlotCount: 2, LogicalBlockSize: 4096}
	blob, err := SerializeGeometry(g)
	if err != nil {
		t.Fatalf("SerializeGeometry: %v", err)
	}
	blob[50] ^= 0xff
	if _, err := readGeometryAt(bytes.NewReader(blob[:]), 0); err == nil {
		t.Fatal("expected checksum failure, got nil")
	}
}

func buildSmallMetadata() *Metadata {
	b := NewBuilder(64<<20, 4096, 2, 4096, 0, 0)
	b.AddPartition("system", "default", AttrReadonly)
	b.ResizePartition("system", 1<<20)
	m, _ := b.Export()
	return m
}

func writeAndReadBack(t *testing.T, m *Metadata) *Metadata {
	t.Helper()
	size := metadataRegionStart + 2*int64(m.Geometry.MetadataMaxSize)*int64(m.Geometry.MetadataSlotCount)
	bw := &byteWriterAt{buf: make([]byte, size)}
	if err := WriteToImage(bw, m); err != nil {
		t.Fatalf("WriteToImage: %v", err)
	}
	got, err := ReadMetadata(bytes.NewReader(bw.buf), 0)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	return got
}

func TestWriteToImageRoundTrip(t *testing.T) {
	m := buildSmallMetadata()
	got := writeAndReadBack(t, m)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("metadata round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteToImageReadsFromBackupSlot(t *testing.T) {
	m := buildSmallMetadata()
	size := metadataRegionStart + 2*int64(m.Geometry.MetadataMaxSize)*int64(m.Geometry.MetadataSlotCount)
	bw := &byteWriterAt{buf: make([]byte, size)}
	if err := WriteToImage(bw, m); err != nil {
		t.Fatalf("WriteToImage: %v", err)
	}
	primaryOff := primaryMetadataOffset(0, m.Geometry.MetadataMaxSize)
	for i := primaryOff; i < primaryOff+int64(m.Geometry.MetadataMaxSize); i++ {
		bw.buf[i] = 0xff
	}
	got, err := ReadMetadata(bytes.NewReader(bw.buf), 0)
	if err != nil {
		t.Fatalf("ReadMetadata after corrupting primary slot: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("metadata from backup slot mismatch (-want +got):\n%s", diff)
	}
}

// TestWriteToImageReadsFromBackupSlotOnTablesCorruption corrupts only the
// tables blob that follows the primary slot's header, leaving the header
// (and its checksum) intact, so that readHeaderAt succeeds and only the
// tables checksum comparison fails. This exercises the fallback path that
// TestWriteToImageReadsFromBackupSlot's whole-slot corruption cannot reach.
func TestWriteToImageReadsFromBackupSlotOnTablesCorruption(t *testing.T) {
	m := buildSmallMetadata()
	size := metadataRegionStart + 2*int64(m.Geometry.MetadataMaxSize)*int64(m.Geometry.MetadataSlotCount)
	bw := &byteWriterAt{buf: make([]byte, size)}
	if err := WriteToImage(bw, m); err != nil {
		t.Fatalf("WriteToImage: %v", err)
	}
	primaryOff := primaryMetadataOffset(0, m.Geometry.MetadataMaxSize)
	tablesOff := primaryOff + int64(headerStructSize)
	bw.buf[tablesOff] ^= 0xff

	got, err := ReadMetadata(bytes.NewReader(bw.buf), 0)
	if err != nil {
		t.Fatalf("ReadMetadata after corrupting only the tables blob: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("metadata from backup slot mismatch (-want +got):\n%s", diff)
	}
}

// TestBuilderGrowWithAlignment exercises an 8GiB device with 4096-byte
// (8-sector) alignment, growing two partitions in turn and checking
// every allocated extent lands on an aligned sector and none overlap.
func TestBuilderGrowWithAlignment(t *testing.T) {
	b := NewBuilder(8<<30, 65536, 2, 4096, 4096, 0)
	if err := b.AddPartition("system", "default", AttrReadonly); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if err := b.ResizePartition("system", 1<<30); err != nil {
		t.Fatalf("ResizePartition grow: %v", err)
	}

	idx := b.partitionIndex("system")
	extents := b.partitions[idx].Extents
	if len(extents) != 1 {
		t.Fatalf("expected 1 extent after first grow, got %d", len(extents))
	}
	if got, want := extents[0].NumSectors, uint64((1<<30)/SectorSize); got != want {
		t.Fatalf("extent sectors = %d, want %d", got, want)
	}
	align, offset := b.alignSectors()
	if (extents[0].TargetData-offset)%align != 0 {
		t.Fatalf("extent start %d not aligned to %d sectors (offset %d)", extents[0].TargetData, align, offset)
	}
	if extents[0].TargetData != b.blockDevice.FirstLogicalSector {
		t.Fatalf("extent start %d, want first_logical_sector %d", extents[0].TargetData, b.blockDevice.FirstLogicalSector)
	}

	if err := b.AddPartition("system_ext", "default", AttrNone); err != nil {
		t.Fatalf("AddPartition system_ext: %v", err)
	}
	if err := b.ResizePartition("system_ext", 64<<20); err != nil {
		t.Fatalf("ResizePartition system_ext: %v", err)
	}

	// No overlap between the two partitions' extents.
	sysEnd := extents[0].TargetData + extents[0].NumSectors
	extIdx := b.partitionIndex("system_ext")
	for _, e := range b.partitions[extIdx].Extents {
		if e.TargetData < sysEnd {
			t.Fatalf("system_ext extent at %d overlaps system (ends at %d)", e.TargetData, sysEnd)
		}
		if (e.TargetData-offset)%align != 0 {
			t.Fatalf("system_ext extent start %d not aligned", e.TargetData)
		}
	}

	m, err := b.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	got := writeAndReadBack(t, m)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("S3 metadata round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResizePartitionShrink(t *testing.T) {
	b := NewBuilder(1<<30, 4096, 2, 4096, 0, 0)
	b.AddPartition("data", "default", AttrNone)
	if err := b.ResizePartition("data", 10*SectorSize*512); err != nil {
		t.Fatalf("grow: %v", err)
	}
	before := sectorsOf(b.partitions[b.partitionIndex("data")].Extents)
	if err := b.ResizePartition("data", 3*SectorSize*512); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	after := sectorsOf(b.partitions[b.partitionIndex("data")].Extents)
	if after >= before {
		t.Fatalf("shrink did not reduce sectors: before=%d after=%d", before, after)
	}
	if got, want := after, uint64(3*SectorSize); got != want {
		t.Fatalf("shrunk sectors = %d, want %d", got, want)
	}
}

func TestGroupCapRejectsOverflow(t *testing.T) {
	b := NewBuilder(1<<30, 4096, 2, 4096, 0, 0)
	b.AddGroup("g1", 1<<20)
	b.AddPartition("p1", "g1", AttrNone)
	if err := b.ResizePartition("p1", 2<<20); err == nil {
		t.Fatal("expected ErrGroupOverflow, got nil")
	}
}

func TestRemoveGroupInUseRejected(t *testing.T) {
	b := NewBuilder(1<<30, 4096, 2, 4096, 0, 0)
	b.AddGroup("g1", 0)
	b.AddPartition("p1", "g1", AttrNone)
	if err := b.RemoveGroup("g1"); err == nil {
		t.Fatal("expected ErrGroupInUse, got nil")
	}
	if err := b.RemoveGroup("default"); err == nil {
		t.Fatal("expected removing default group to fail")
	}
}

func TestCompactPartitionsPreservesSize(t *testing.T) {
	b := NewBuilder(1<<30, 4096, 2, 4096, 4096, 0)
	b.AddPartition("a", "default", AttrNone)
	b.AddPartition("b", "default", AttrNone)
	b.ResizePartition("a", 4<<20)
	b.ResizePartition("b", 8<<20)
	wantA := sectorsOf(b.partitions[b.partitionIndex("a")].Extents)
	wantB := sectorsOf(b.partitions[b.partitionIndex("b")].Extents)

	if err := b.CompactPartitions(); err != nil {
		t.Fatalf("CompactPartitions: %v", err)
	}
	if got := sectorsOf(b.partitions[b.partitionIndex("a")].Extents); got != wantA {
		t.Fatalf("a sectors after compact = %d, want %d", got, wantA)
	}
	if got := sectorsOf(b.partitions[b.partitionIndex("b")].Extents); got != wantB {
		t.Fatalf("b sectors after compact = %d, want %d", got, wantB)
	}
	if len(b.partitions[b.partitionIndex("a")].Extents) != 1 {
		t.Fatal("expected partition a to compact into a single extent")
	}
	aEnd := b.partitions[b.partitionIndex("a")].Extents[0].TargetData + wantA
	bStart := b.partitions[b.partitionIndex("b")].Extents[0].TargetData
	if bStart < aEnd {
		t.Fatalf("b starts at %d before a ends at %d", bStart, aEnd)
	}
}

func TestEmptyMetadataRoundTrip(t *testing.T) {
	b := NewBuilder(1<<20, 4096, 1, 4096, 0, 0)
	m, err := b.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(m.Groups) != 1 || m.Groups[0].Name != "default" {
		t.Fatalf("expected only the default group, got %+v", m.Groups)
	}
	got := writeAndReadBack(t, m)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("empty metadata round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroExtentPartitionRoundTrip(t *testing.T) {
	b := NewBuilder(1<<20, 4096, 1, 4096, 0, 0)
	b.AddPartition("placeholder", "default", AttrDisabled)
	m, err := b.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if m.Partitions[0].NumExtents != 0 {
		t.Fatalf("expected zero extents, got %d", m.Partitions[0].NumExtents)
	}
	got := writeAndReadBack(t, m)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("zero-extent metadata round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResizeBlockDeviceTooSmall(t *testing.T) {
	b := NewBuilder(1<<30, 4096, 2, 4096, 0, 0)
	b.AddPartition("a", "default", AttrNone)
	b.ResizePartition("a", 8<<20)
	if err := b.ResizeBlockDevice(1 << 20); err == nil {
		t.Fatal("expected ErrDeviceTooSmall, got nil")
	}
}
