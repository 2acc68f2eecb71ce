package sparse

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"

	"github.com/lpimgtools/lpsparse/provider"
)

func mustNew(t *testing.T, blockSize uint32, totalBytes uint64) *Sparse {
	t.Helper()
	s, err := New(blockSize, totalBytes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// buildSample constructs a small mixed-chunk image: one raw block, one
// fill run, an explicit skip gap, and a second raw block.
func buildSample(t *testing.T) (*Sparse, []byte) {
	t.Helper()
	const blockSize = 4096
	s := mustNew(t, blockSize, 5*blockSize)

	raw0 := make([]byte, blockSize)
	for i := range raw0 {
		raw0[i] = byte(i)
	}
	zero := uint32(0)
	if err := s.AddRaw(provider.NewMemory(raw0), &zero); err != nil {
		t.Fatalf("AddRaw: %v", err)
	}
	one := uint32(1)
	if err := s.AddFill(0xdeadbeef, 2*blockSize, &one); err != nil {
		t.Fatalf("AddFill: %v", err)
	}
	// block 3 left as an implicit gap (Skip).
	raw4 := make([]byte, blockSize)
	for i := range raw4 {
		raw4[i] = byte(255 - i)
	}
	four := uint32(4)
	if err := s.AddRaw(provider.NewMemory(raw4), &four); err != nil {
		t.Fatalf("AddRaw: %v", err)
	}

	expectedFlat := make([]byte, 5*blockSize)
	copy(expectedFlat[0:blockSize], raw0)
	pattern := []byte{0xef, 0xbe, 0xad, 0xde}
	for i := blockSize; i < 3*blockSize; i++ {
		expectedFlat[i] = pattern[(i-blockSize)%4]
	}
	copy(expectedFlat[4*blockSize:5*blockSize], raw4)
	return s, expectedFlat
}

// TestRoundTripWriteParse checks that a small sparse image, written with
// CRC, parses back to the same flat image byte-for-byte.
func TestRoundTripWriteParse(t *testing.T) {
	s, expectedFlat := buildSample(t)

	var buf bytes.Buffer
	if err := s.Write(&buf, false, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	parsed, err := FromStream(bytes.NewReader(buf.Bytes()), true)
	if err != nil {
		t.Fatalf("FromStream: %v", err)
	}
	if parsed.BlockSize != s.BlockSize {
		t.Fatalf("block size %d != %d", parsed.BlockSize, s.BlockSize)
	}

	var flatBuf bytes.Buffer
	if err := parsed.WriteFlat(&flatBuf, false); err != nil {
		t.Fatalf("WriteFlat: %v", err)
	}
	if diff := cmp.Diff(expectedFlat, flatBuf.Bytes()); diff != "" {
		t.Fatalf("flat image mismatch (-want +got):\n%s", diff)
	}

	var directFlat bytes.Buffer
	if err := s.WriteFlat(&directFlat, false); err != nil {
		t.Fatalf("WriteFlat on original: %v", err)
	}
	if diff := cmp.Diff(directFlat.Bytes(), flatBuf.Bytes()); diff != "" {
		t.Fatalf("original vs round-tripped flat image mismatch (-want +got):\n%s", diff)
	}
}

// TestWriteDetectsChecksumTamper corrupts one payload byte after writing and
// confirms Parse with ValidateCRC rejects it.
func TestWriteDetectsChecksumTamper(t *testing.T) {
	s, _ := buildSample(t)
	var buf bytes.Buffer
	if err := s.Write(&buf, false, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	corrupted := append([]byte(nil), buf.Bytes()...)
	corrupted[fileHeaderSize+chunkHeaderSize] ^= 0xff

	if _, err := FromStream(bytes.NewReader(corrupted), true); err == nil {
		t.Fatalf("expected checksum mismatch, got nil error")
	}
}

// TestResparseSplit checks that a 100 MiB single-raw-chunk image with a
// 40 MiB piece limit splits into exactly three pieces, each within the
// limit, whose data written over one target reconstructs the original.
func TestResparseSplit(t *testing.T) {
	const blockSize = 4096
	const totalBytes = 100 << 20
	s := mustNew(t, blockSize, totalBytes)

	data := make([]byte, totalBytes)
	for i := range data {
		data[i] = byte(i * 7)
	}
	zero := uint32(0)
	if err := s.AddRaw(provider.NewMemory(data), &zero); err != nil {
		t.Fatalf("AddRaw: %v", err)
	}

	const maxBytes = 40 << 20
	pieces, err := s.Resparse(maxBytes)
	if err != nil {
		t.Fatalf("Resparse: %v", err)
	}
	if len(pieces) != 3 {
		t.Fatalf("got %d pieces, want 3", len(pieces))
	}

	// Every piece spans the whole image and seeks past its Skip regions in
	// sparse mode, so writing each one from offset 0 overlays its data.
	ws := &writerseeker.WriterSeeker{}
	for i, p := range pieces {
		if got := p.Length(true, true); got > maxBytes {
			t.Fatalf("piece %d serializes to %d bytes, exceeds max_bytes %d", i, got, maxBytes)
		}
		var pieceBuf bytes.Buffer
		if err := p.Write(&pieceBuf, false, true); err != nil {
			t.Fatalf("piece %d Write: %v", i, err)
		}
		if uint64(pieceBuf.Len()) > maxBytes {
			t.Fatalf("piece %d actual output %d bytes exceeds max_bytes %d", i, pieceBuf.Len(), maxBytes)
		}
		if _, err := ws.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("piece %d Seek: %v", i, err)
		}
		if err := p.WriteFlat(ws, true); err != nil {
			t.Fatalf("piece %d WriteFlat: %v", i, err)
		}
	}
	flat, err := io.ReadAll(ws.Reader())
	if err != nil {
		t.Fatalf("reading back overlaid pieces: %v", err)
	}

	var wantFlat bytes.Buffer
	if err := s.WriteFlat(&wantFlat, false); err != nil {
		t.Fatalf("WriteFlat original: %v", err)
	}
	if diff := cmp.Diff(wantFlat.Bytes(), flat); diff != "" {
		t.Fatalf("overlaid piece flat images mismatch (-want +got):\n%s", diff)
	}
}

// TestResparseCannotSplit checks the L_max-too-small error path.
func TestResparseCannotSplit(t *testing.T) {
	s := mustNew(t, 4096, 4096)
	zero := uint32(0)
	if err := s.AddRaw(provider.NewMemory(make([]byte, 4096)), &zero); err != nil {
		t.Fatalf("AddRaw: %v", err)
	}
	if _, err := s.Resparse(32); err == nil {
		t.Fatalf("expected error for impossibly small max_bytes")
	}
}

// TestSparseStreamRandomAccess checks that SparseStream.ReadAt at
// scattered offsets agrees with the flat image built by WriteFlat.
func TestSparseStreamRandomAccess(t *testing.T) {
	s, expectedFlat := buildSample(t)
	stream := s.Stream()

	offsets := []int64{0, 1, 4095, 4096, 4097, 8192, 12287, 12288, 16383, 20479}
	for _, off := range offsets {
		want := expectedFlat[off : off+1]
		got := make([]byte, 1)
		if _, err := stream.Seek(off, io.SeekStart); err != nil {
			t.Fatalf("Seek(%d): %v", off, err)
		}
		if _, err := io.ReadFull(stream, got); err != nil {
			t.Fatalf("Read at %d: %v", off, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("byte at offset %d mismatch (-want +got):\n%s", off, diff)
		}
	}

	// A single large cross-chunk read must also match.
	big := make([]byte, len(expectedFlat))
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek(0): %v", err)
	}
	if _, err := io.ReadFull(stream, big); err != nil {
		t.Fatalf("full read: %v", err)
	}
	if diff := cmp.Diff(expectedFlat, big); diff != "" {
		t.Fatalf("full stream read mismatch (-want +got):\n%s", diff)
	}
}

// TestImageStreamFullRange checks that a slice re-encoded with full_range
// set reports the original total_blocks and reproduces the sliced region
// exactly, with the rest reading as zero.
func TestImageStreamFullRange(t *testing.T) {
	s, expectedFlat := buildSample(t)

	rc, err := s.ImageStream(1, 3, true, true)
	if err != nil {
		t.Fatalf("ImageStream: %v", err)
	}
	defer rc.Close()

	sliced, err := FromStream(rc, true)
	if err != nil {
		t.Fatalf("FromStream(sliced): %v", err)
	}
	if sliced.TotalBlocks != s.TotalBlocks {
		t.Fatalf("sliced total_blocks %d != original %d", sliced.TotalBlocks, s.TotalBlocks)
	}

	var flat bytes.Buffer
	if err := sliced.WriteFlat(&flat, false); err != nil {
		t.Fatalf("WriteFlat: %v", err)
	}
	want := make([]byte, len(expectedFlat))
	copy(want[1*4096:3*4096], expectedFlat[1*4096:3*4096])
	if diff := cmp.Diff(want, flat.Bytes()); diff != "" {
		t.Fatalf("full-range slice mismatch (-want +got):\n%s", diff)
	}
}

// TestImageStreamRebased checks that a non-full_range slice is rebased to
// start at block 0 and sized to just the requested range.
func TestImageStreamRebased(t *testing.T) {
	s, expectedFlat := buildSample(t)

	rc, err := s.ImageStream(1, 3, false, false)
	if err != nil {
		t.Fatalf("ImageStream: %v", err)
	}
	defer rc.Close()

	sliced, err := FromStream(rc, false)
	if err != nil {
		t.Fatalf("FromStream(sliced): %v", err)
	}
	if sliced.TotalBlocks != 2 {
		t.Fatalf("sliced total_blocks %d != 2", sliced.TotalBlocks)
	}

	var flat bytes.Buffer
	if err := sliced.WriteFlat(&flat, false); err != nil {
		t.Fatalf("WriteFlat: %v", err)
	}
	if diff := cmp.Diff(expectedFlat[1*4096:3*4096], flat.Bytes()); diff != "" {
		t.Fatalf("rebased slice mismatch (-want +got):\n%s", diff)
	}
}

// TestImageStreamSeek checks that SparseImageStream.Seek and ReadAt serve
// scattered, out-of-order reads over the section table consistently with a
// single sequential read of the same bytes from offset 0.
func TestImageStreamSeek(t *testing.T) {
	s, _ := buildSample(t)

	is, err := s.ImageStream(0, s.TotalBlocks, true, true)
	if err != nil {
		t.Fatalf("ImageStream: %v", err)
	}
	defer is.Close()

	length, err := is.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(SeekEnd): %v", err)
	}

	whole := make([]byte, length)
	if _, err := is.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek(SeekStart): %v", err)
	}
	if _, err := io.ReadFull(is, whole); err != nil {
		t.Fatalf("sequential read: %v", err)
	}

	// Re-read a few overlapping, out-of-order, non-block-aligned windows
	// via Seek+Read, each of which must agree with the full sequential
	// read above.
	windows := [][2]int64{
		{length - 37, 37},
		{5, 19},
		{length / 2, 41},
		{0, 1},
	}
	for _, w := range windows {
		off, n := w[0], w[1]
		if _, err := is.Seek(off, io.SeekStart); err != nil {
			t.Fatalf("Seek(%d): %v", off, err)
		}
		got := make([]byte, n)
		if _, err := io.ReadFull(is, got); err != nil {
			t.Fatalf("read at %d: %v", off, err)
		}
		if diff := cmp.Diff(whole[off:off+n], got); diff != "" {
			t.Fatalf("window [%d,%d) mismatch (-want +got):\n%s", off, off+n, diff)
		}
	}

	// A direct ReadAt must agree too, exercising the binary search without
	// going through pos-tracking Seek/Read at all.
	direct := make([]byte, 50)
	if _, err := is.ReadAt(direct, 10); err != nil {
		t.Fatalf("ReadAt(10): %v", err)
	}
	if diff := cmp.Diff(whole[10:60], direct); diff != "" {
		t.Fatalf("ReadAt(10) mismatch (-want +got):\n%s", diff)
	}
}

// TestWriteFlatSparseHolePunch exercises the io.WriteSeeker hole-punching
// path using an in-memory WriteSeeker, verifying the output still matches
// byte-for-byte despite Skip regions being seeked past rather than written.
func TestWriteFlatSparseHolePunch(t *testing.T) {
	s, expectedFlat := buildSample(t)
	ws := &writerseeker.WriterSeeker{}
	if err := s.WriteFlat(ws, true); err != nil {
		t.Fatalf("WriteFlat: %v", err)
	}
	r := ws.Reader()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if diff := cmp.Diff(expectedFlat, got); diff != "" {
		t.Fatalf("sparse-mode flat output mismatch (-want +got):\n%s", diff)
	}
}
