package lpmeta

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"

	"golang.org/x/xerrors"
)

// readFullAt fills buf entirely from r starting at off, treating any short
// read (even one reported as io.EOF) as ErrTruncatedMetadata.
func readFullAt(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n < len(buf) {
		return xerrors.Errorf("reading %d bytes at offset %d: %w", len(buf), off, ErrTruncatedMetadata)
	}
	if err != nil && err != io.EOF {
		return xerrors.Errorf("reading %d bytes at offset %d: %w: %v", len(buf), off, ErrIO, err)
	}
	return nil
}

// readGeometryAt decodes and verifies one geometry block at offset.
func readGeometryAt(r io.ReaderAt, offset int64) (Geometry, error) {
	raw := make([]byte, GeometryBytes)
	if err := readFullAt(r, raw, offset); err != nil {
		return Geometry{}, err
	}
	var gw geometryWire
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &gw); err != nil {
		return Geometry{}, xerrors.Errorf("decoding geometry at %d: %w", offset, ErrBadGeometry)
	}
	if gw.Magic != geometryMagic {
		return Geometry{}, xerrors.Errorf("geometry magic %#x at %d: %w", gw.Magic, offset, ErrBadMagic)
	}
	if gw.StructSize < geometryStructSize || int(gw.StructSize) > len(raw) {
		return Geometry{}, xerrors.Errorf("geometry struct_size %d at %d: %w", gw.StructSize, offset, ErrBadGeometry)
	}
	check := append([]byte(nil), raw[:gw.StructSize]...)
	for i := 8; i < 40; i++ {
		check[i] = 0
	}
	sum := sha256.Sum256(check)
	if !bytes.Equal(sum[:], gw.Checksum[:]) {
		return Geometry{}, xerrors.Errorf("geometry checksum at %d: %w", offset, ErrBadChecksum)
	}
	return Geometry{MetadataMaxSize: gw.MetadataMaxSize, MetadataSlotCount: gw.MetadataSlotCount, LogicalBlockSize: gw.LogicalBlockSize}, nil
}

// readGeometry tries the primary geometry block, then the backup, then the
// legacy offset 0: at least one must validate.
func readGeometry(r io.ReaderAt) (Geometry, error) {
	offsets := []int64{primaryGeometryOffset, backupGeometryOffset, 0}
	var firstErr error
	for _, off := range offsets {
		g, err := readGeometryAt(r, off)
		if err == nil {
			return g, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Geometry{}, xerrors.Errorf("no geometry block validated at offsets %v (%v): %w", offsets, firstErr, ErrBadGeometry)
}

// readHeaderAt decodes and verifies the header at offset, returning the
// decoded header; its HeaderSize locates the tables blob that immediately
// follows.
func readHeaderAt(r io.ReaderAt, offset int64) (headerWire, error) {
	prefix := make([]byte, headerStructSize)
	if err := readFullAt(r, prefix, offset); err != nil {
		return headerWire{}, err
	}
	var hw headerWire
	if err := binary.Read(bytes.NewReader(prefix), binary.LittleEndian, &hw); err != nil {
		return headerWire{}, xerrors.Errorf("decoding header at %d: %w", offset, ErrTruncatedMetadata)
	}
	if hw.Magic != headerMagic {
		return headerWire{}, xerrors.Errorf("header magic %#x at %d: %w", hw.Magic, offset, ErrBadMagic)
	}
	if hw.MajorVersion > maxSupportedMajor {
		return headerWire{}, xerrors.Errorf("major_version %d: %w", hw.MajorVersion, ErrUnsupportedVersion)
	}
	if hw.HeaderSize < headerFixedSize {
		return headerWire{}, xerrors.Errorf("header_size %d at %d: %w", hw.HeaderSize, offset, ErrTruncatedMetadata)
	}

	raw := prefix
	if int(hw.HeaderSize) > len(raw) {
		extra := make([]byte, int(hw.HeaderSize)-len(raw))
		if err := readFullAt(r, extra, offset+int64(len(raw))); err != nil {
			return headerWire{}, err
		}
		raw = append(raw, extra...)
	} else {
		raw = raw[:hw.HeaderSize]
	}
	check := append([]byte(nil), raw...)
	for i := 12; i < 12+32; i++ {
		check[i] = 0
	}
	sum := sha256.Sum256(check)
	if !bytes.Equal(sum[:], hw.HeaderChecksum[:]) {
		return headerWire{}, xerrors.Errorf("header checksum at %d: %w", offset, ErrBadChecksum)
	}
	return hw, nil
}

func decodeTable(tables []byte, d tableDescriptorWire, wantEntrySize uint32, decode func([]byte) error) error {
	if d.NumEntries == 0 {
		return nil
	}
	if d.EntrySize != wantEntrySize {
		return xerrors.Errorf("table entry_size %d, want %d: %w", d.EntrySize, wantEntrySize, ErrTruncatedMetadata)
	}
	for i := uint32(0); i < d.NumEntries; i++ {
		start := int(d.Offset) + int(i*d.EntrySize)
		end := start + int(d.EntrySize)
		if start < 0 || end > len(tables) {
			return xerrors.Errorf("table entry %d offset %d out of range: %w", i, start, ErrTruncatedMetadata)
		}
		if err := decode(tables[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func decodePartitions(tables []byte, d tableDescriptorWire) ([]MetaPartition, error) {
	var out []MetaPartition
	err := decodeTable(tables, d, partitionEntrySize, func(b []byte) error {
		var pw partitionWire
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &pw); err != nil {
			return xerrors.Errorf("decoding partition entry: %w", ErrTruncatedMetadata)
		}
		out = append(out, MetaPartition{
			Name:             bytesToName(pw.Name),
			Attributes:       pw.Attributes,
			GroupIndex:       pw.GroupIndex,
			FirstExtentIndex: pw.FirstExtentIndex,
			NumExtents:       pw.NumExtents,
		})
		return nil
	})
	return out, err
}

func decodeExtents(tables []byte, d tableDescriptorWire) ([]Extent, error) {
	var out []Extent
	err := decodeTable(tables, d, extentEntrySize, func(b []byte) error {
		var ew extentWire
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &ew); err != nil {
			return xerrors.Errorf("decoding extent entry: %w", ErrTruncatedMetadata)
		}
		out = append(out, Extent{NumSectors: ew.NumSectors, TargetType: ew.TargetType, TargetData: ew.TargetData, TargetSource: ew.TargetSource})
		return nil
	})
	return out, err
}

func decodeGroups(tables []byte, d tableDescriptorWire) ([]PartitionGroup, error) {
	var out []PartitionGroup
	err := decodeTable(tables, d, groupEntrySize, func(b []byte) error {
		var gw groupWire
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &gw); err != nil {
			return xerrors.Errorf("decoding group entry: %w", ErrTruncatedMetadata)
		}
		out = append(out, PartitionGroup{Name: bytesToName(gw.Name), Flags: gw.Flags, MaximumSize: gw.MaximumSize})
		return nil
	})
	return out, err
}

func decodeBlockDevices(tables []byte, d tableDescriptorWire) ([]BlockDevice, error) {
	var out []BlockDevice
	err := decodeTable(tables, d, blockDeviceEntrySize, func(b []byte) error {
		var bw blockDeviceWire
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &bw); err != nil {
			return xerrors.Errorf("decoding block device entry: %w", ErrTruncatedMetadata)
		}
		out = append(out, BlockDevice{
			FirstLogicalSector: bw.FirstLogicalSector,
			Alignment:          bw.Alignment,
			AlignmentOffset:    bw.AlignmentOffset,
			Size:               bw.Size,
			PartitionName:      bytesToName(bw.PartitionName),
			Flags:              bw.Flags,
		})
		return nil
	})
	return out, err
}

// metadataSlot is one fully decoded metadata slot: a header plus its
// tables, with the tables already validated and unmarshaled.
type metadataSlot struct {
	flags        uint32
	partitions   []MetaPartition
	extents      []Extent
	groups       []PartitionGroup
	blockDevices []BlockDevice
}

// readMetadataSlotAt reads, validates and decodes a complete metadata slot
// (header, tables checksum, and all four tables) at offset. Any failure
// anywhere in that chain — a torn header, a tables checksum mismatch, or a
// malformed table entry — is reported as a single error so the caller can
// retry the whole slot at a different offset.
func readMetadataSlotAt(r io.ReaderAt, offset int64) (metadataSlot, error) {
	hw, err := readHeaderAt(r, offset)
	if err != nil {
		return metadataSlot{}, err
	}

	tablesOff := offset + int64(hw.HeaderSize)
	tables := make([]byte, hw.TablesSize)
	if err := readFullAt(r, tables, tablesOff); err != nil {
		return metadataSlot{}, err
	}
	sum := sha256.Sum256(tables)
	if !bytes.Equal(sum[:], hw.TablesChecksum[:]) {
		return metadataSlot{}, xerrors.Errorf("tables checksum at %d: %w", tablesOff, ErrBadChecksum)
	}

	partitions, err := decodePartitions(tables, hw.Partitions)
	if err != nil {
		return metadataSlot{}, err
	}
	extents, err := decodeExtents(tables, hw.Extents)
	if err != nil {
		return metadataSlot{}, err
	}
	groups, err := decodeGroups(tables, hw.Groups)
	if err != nil {
		return metadataSlot{}, err
	}
	blockDevices, err := decodeBlockDevices(tables, hw.BlockDevices)
	if err != nil {
		return metadataSlot{}, err
	}

	return metadataSlot{
		flags:        hw.Flags,
		partitions:   partitions,
		extents:      extents,
		groups:       groups,
		blockDevices: blockDevices,
	}, nil
}

// ReadMetadata reads and verifies slotNumber's metadata from r. The
// primary metadata slot is tried first; on any validation failure in that
// slot's header OR its tables (torn read, bad checksum, malformed entry),
// the backup slot at the same slot number is retried in full before giving
// up, mirroring the geometry fallback chain's "at least one must
// validate" resilience.
func ReadMetadata(r io.ReaderAt, slotNumber uint32) (*Metadata, error) {
	geom, err := readGeometry(r)
	if err != nil {
		return nil, err
	}

	primaryOff := primaryMetadataOffset(slotNumber, geom.MetadataMaxSize)
	slot, err := readMetadataSlotAt(r, primaryOff)
	if err != nil {
		backupOff := backupMetadataOffset(slotNumber, geom.MetadataSlotCount, geom.MetadataMaxSize)
		slot, err = readMetadataSlotAt(r, backupOff)
		if err != nil {
			return nil, err
		}
	}

	return &Metadata{
		Geometry:     geom,
		Flags:        slot.flags,
		Partitions:   slot.partitions,
		Extents:      slot.extents,
		Groups:       slot.groups,
		BlockDevices: slot.blockDevices,
	}, nil
}

// ReadFromImage opens path and reads slotNumber's metadata from it.
func ReadFromImage(path string, slotNumber uint32) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadMetadata(f, slotNumber)
}
