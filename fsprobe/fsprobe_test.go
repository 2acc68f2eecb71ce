package fsprobe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type memSource struct{ data []byte }

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func TestProbeSquashFS(t *testing.T) {
	b := make([]byte, 4096)
	binary.LittleEndian.PutUint32(b[0:], 0x73717368)
	binary.LittleEndian.PutUint64(b[40:], 123456789)
	got, err := Probe(memSource{b}, 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Type != SquashFS || got.SizeBytes != 123456789 {
		t.Fatalf("got %+v", got)
	}
}

func TestProbeEROFS(t *testing.T) {
	b := make([]byte, 4096)
	binary.LittleEndian.PutUint32(b[1024:], 0xE0F5E1E2)
	b[1024+12] = 12
	binary.LittleEndian.PutUint32(b[1024+44:], 100)
	got, err := Probe(memSource{b}, 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Type != EROFS || got.SizeBytes != 100<<12 {
		t.Fatalf("got %+v", got)
	}
}

func TestProbeEXT4(t *testing.T) {
	b := make([]byte, 4096)
	binary.LittleEndian.PutUint16(b[1024+0x38:], 0xEF53)
	binary.LittleEndian.PutUint32(b[1024+4:], 1000)
	binary.LittleEndian.PutUint32(b[1024+0x18:], 2) // block size 1024<<2 = 4096
	got, err := Probe(memSource{b}, 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Type != EXT || got.SizeBytes != 1000*4096 {
		t.Fatalf("got %+v", got)
	}
}

func TestProbeF2FS(t *testing.T) {
	b := make([]byte, 4096)
	binary.LittleEndian.PutUint32(b[1024:], 0xF2F52010)
	binary.LittleEndian.PutUint32(b[1024+0x48:], 50)
	got, err := Probe(memSource{b}, 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Type != F2FS || got.SizeBytes != 50*4096 {
		t.Fatalf("got %+v", got)
	}
}

func TestProbeFAT(t *testing.T) {
	b := make([]byte, 512)
	b[510] = 0x55
	b[511] = 0xAA
	got, err := Probe(memSource{b}, 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Type != FAT {
		t.Fatalf("got %+v", got)
	}
}

func TestProbeUnknown(t *testing.T) {
	got, err := Probe(memSource{bytes.Repeat([]byte{0x42}, 4096)}, 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got.Type != Unknown || got.SizeBytes != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestProbeShortSourceNeverFails(t *testing.T) {
	got, err := Probe(memSource{[]byte{1, 2, 3}}, 0)
	if err != nil {
		t.Fatalf("Probe on short source: %v", err)
	}
	if got.Type != Unknown {
		t.Fatalf("got %+v", got)
	}
}
