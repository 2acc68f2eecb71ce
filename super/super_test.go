package super

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lpimgtools/lpsparse/lpmeta"
	"github.com/lpimgtools/lpsparse/provider"
)

// TestOpenPartitionBoundary exercises extents
// [{10000,2048,Linear},{20000,4096,Linear}], checking length and the
// offset mapping at and across the extent boundary.
func TestOpenPartitionBoundary(t *testing.T) {
	meta := &lpmeta.Metadata{
		Geometry:     lpmeta.Geometry{MetadataMaxSize: 4096, MetadataSlotCount: 1, LogicalBlockSize: 4096},
		BlockDevices: []lpmeta.BlockDevice{{Size: 64 << 20, PartitionName: "super"}},
		Partitions:   []lpmeta.MetaPartition{{Name: "userdata", FirstExtentIndex: 0, NumExtents: 2}},
		Extents: []lpmeta.Extent{
			{NumSectors: 2048, TargetType: lpmeta.TargetLinear, TargetData: 10000},
			{NumSectors: 4096, TargetType: lpmeta.TargetLinear, TargetData: 20000},
		},
	}

	base := make([]byte, 64<<20)
	for i := range base {
		base[i] = byte(i)
	}
	baseStream := bytes.NewReader(base)

	ps, err := OpenPartition(baseStream, meta, "userdata")
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}

	length, err := ps.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatalf("seek end: %v", err)
	}
	if want := int64((2048 + 4096) * 512); length != want {
		t.Fatalf("length = %d, want %d", length, want)
	}

	check := func(offset int64, wantBase int64) {
		t.Helper()
		if _, err := ps.Seek(offset, io.SeekStart); err != nil {
			t.Fatalf("seek %d: %v", offset, err)
		}
		var got [4]byte
		if _, err := io.ReadFull(ps, got[:]); err != nil {
			t.Fatalf("read at %d: %v", offset, err)
		}
		var want [4]byte
		copy(want[:], base[wantBase:])
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("offset %d base mapping mismatch (-want +got):\n%s", offset, diff)
		}
	}

	check(0, 10000*512)
	check(500000, 10000*512+500000)
	// Exactly at the first extent's end: start of the second extent.
	check(2048*512, 20000*512)
	check(2048*512+100, 20000*512+100)
}

// TestOpenPartitionReadAtSpansExtents issues a single ReadAt call whose
// buffer straddles the boundary between two Linear extents, checking that
// readAt continues into the second extent instead of silently returning a
// short read with a nil error.
func TestOpenPartitionReadAtSpansExtents(t *testing.T) {
	meta := &lpmeta.Metadata{
		Geometry:     lpmeta.Geometry{MetadataMaxSize: 4096, MetadataSlotCount: 1, LogicalBlockSize: 4096},
		BlockDevices: []lpmeta.BlockDevice{{Size: 64 << 20, PartitionName: "super"}},
		Partitions:   []lpmeta.MetaPartition{{Name: "userdata", FirstExtentIndex: 0, NumExtents: 2}},
		Extents: []lpmeta.Extent{
			{NumSectors: 2048, TargetType: lpmeta.TargetLinear, TargetData: 10000},
			{NumSectors: 4096, TargetType: lpmeta.TargetLinear, TargetData: 20000},
		},
	}

	base := make([]byte, 64<<20)
	for i := range base {
		base[i] = byte(i)
	}
	baseStream := bytes.NewReader(base)

	ps, err := OpenPartition(baseStream, meta, "userdata")
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	reader, ok := ps.(io.ReaderAt)
	if !ok {
		t.Fatal("partition stream does not implement io.ReaderAt")
	}

	boundary := int64(2048 * 512)
	off := boundary - 100
	buf := make([]byte, 300) // 100 bytes from the first extent's tail, 200 from the second's head
	n, err := reader.ReadAt(buf, off)
	if err != nil {
		t.Fatalf("ReadAt spanning extents: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("ReadAt returned n=%d, want %d", n, len(buf))
	}

	want := make([]byte, 300)
	copy(want[:100], base[10000*512+2048*512-100:10000*512+2048*512])
	copy(want[100:], base[20000*512:20000*512+200])
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("cross-extent read mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenPartitionZeroExtent(t *testing.T) {
	meta := &lpmeta.Metadata{
		Geometry:     lpmeta.Geometry{MetadataMaxSize: 4096, MetadataSlotCount: 1, LogicalBlockSize: 4096},
		BlockDevices: []lpmeta.BlockDevice{{Size: 1 << 20, PartitionName: "super"}},
		Partitions:   []lpmeta.MetaPartition{{Name: "cow", FirstExtentIndex: 0, NumExtents: 1}},
		Extents:      []lpmeta.Extent{{NumSectors: 8, TargetType: lpmeta.TargetZero}},
	}
	ps, err := OpenPartition(bytes.NewReader(make([]byte, 1<<20)), meta, "cow")
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	buf := make([]byte, 8*512)
	if _, err := io.ReadFull(ps, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestOpenPartitionUnknown(t *testing.T) {
	meta := &lpmeta.Metadata{BlockDevices: []lpmeta.BlockDevice{{Size: 1 << 20}}}
	if _, err := OpenPartition(bytes.NewReader(nil), meta, "missing"); err == nil {
		t.Fatal("expected error for unknown partition")
	}
}

func buildTestMetadata(t *testing.T, partSectors uint64) *lpmeta.Metadata {
	t.Helper()
	b := lpmeta.NewBuilder(16<<20, 4096, 1, 4096, 4096, 0)
	if err := b.AddPartition("a", "default", lpmeta.AttrNone); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if err := b.ResizePartition("a", partSectors*512); err != nil {
		t.Fatalf("ResizePartition: %v", err)
	}
	m, err := b.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	return m
}

func TestBuildSuperRoundTrip(t *testing.T) {
	m := buildTestMetadata(t, 16) // 8192 bytes
	data := bytes.Repeat([]byte{0xAB}, 8192)
	providers := map[string]provider.Provider{"a": provider.NewMemory(data)}

	s, err := BuildSuper(m, providers)
	if err != nil {
		t.Fatalf("BuildSuper: %v", err)
	}

	var buf bytes.Buffer
	if err := s.WriteFlat(&buf, false); err != nil {
		t.Fatalf("WriteFlat: %v", err)
	}
	flat := buf.Bytes()

	got, err := lpmeta.ReadMetadata(bytes.NewReader(flat), 0)
	if err != nil {
		t.Fatalf("ReadMetadata from composed super image: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("metadata round-trip through composed image mismatch (-want +got):\n%s", diff)
	}

	idx := -1
	for i, p := range got.Partitions {
		if p.Name == "a" {
			idx = i
		}
	}
	if idx < 0 {
		t.Fatal("partition a missing from round-tripped metadata")
	}
	extent := got.PartitionExtents(idx)[0]
	start := extent.TargetData * 512
	if diff := cmp.Diff(data, flat[start:start+uint64(len(data))]); diff != "" {
		t.Fatalf("partition payload mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSuperZeroFillsMissingPartition(t *testing.T) {
	m := buildTestMetadata(t, 16)
	s, err := BuildSuper(m, nil)
	if err != nil {
		t.Fatalf("BuildSuper: %v", err)
	}
	var buf bytes.Buffer
	if err := s.WriteFlat(&buf, false); err != nil {
		t.Fatalf("WriteFlat: %v", err)
	}
	flat := buf.Bytes()

	extent := m.Extents[0]
	start := extent.TargetData * 512
	end := start + extent.NumSectors*512
	for i := start; i < end; i++ {
		if flat[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0 (missing-partition region)", i, flat[i])
		}
	}
}
