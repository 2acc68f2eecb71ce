package lpmeta

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// SerializeGeometry encodes g as a 4096-byte geometry block: magic and
// struct_size are filled in, the checksum field is computed over the
// struct with itself zeroed, and the remainder of the 4096 bytes is left
// zero.
func SerializeGeometry(g Geometry) ([GeometryBytes]byte, error) {
	var out [GeometryBytes]byte
	gw := geometryWire{
		Magic:             geometryMagic,
		StructSize:        geometryStructSize,
		MetadataMaxSize:   g.MetadataMaxSize,
		MetadataSlotCount: g.MetadataSlotCount,
		LogicalBlockSize:  g.LogicalBlockSize,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, gw); err != nil {
		return out, xerrors.Errorf("encoding geometry: %w", err)
	}
	b := buf.Bytes()
	sum := sha256.Sum256(b[:geometryStructSize])
	copy(b[8:40], sum[:])
	copy(out[:], b)
	return out, nil
}

func encodeTableEntries(entries int, entrySize uint32, encode func(i int) ([]byte, error)) ([]byte, error) {
	out := make([]byte, 0, entries*int(entrySize))
	for i := 0; i < entries; i++ {
		b, err := encode(i)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func encodeWire(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, xerrors.Errorf("encoding table entry: %w", err)
	}
	return buf.Bytes(), nil
}

// SerializeMetadata encodes meta's header and four tables,
// in the fixed table order partitions, extents, groups, block_devices.
// meta.Partitions must already carry correct FirstExtentIndex/NumExtents
// into meta.Extents (Builder.Export's job, not this function's).
func SerializeMetadata(meta *Metadata) ([]byte, error) {
	partBytes, err := encodeTableEntries(len(meta.Partitions), partitionEntrySize, func(i int) ([]byte, error) {
		p := meta.Partitions[i]
		return encodeWire(partitionWire{
			Name:             nameToBytes(p.Name),
			Attributes:       p.Attributes,
			FirstExtentIndex: p.FirstExtentIndex,
			NumExtents:       p.NumExtents,
			GroupIndex:       p.GroupIndex,
		})
	})
	if err != nil {
		return nil, err
	}
	extBytes, err := encodeTableEntries(len(meta.Extents), extentEntrySize, func(i int) ([]byte, error) {
		e := meta.Extents[i]
		return encodeWire(extentWire{NumSectors: e.NumSectors, TargetType: e.TargetType, TargetData: e.TargetData, TargetSource: e.TargetSource})
	})
	if err != nil {
		return nil, err
	}
	groupBytes, err := encodeTableEntries(len(meta.Groups), groupEntrySize, func(i int) ([]byte, error) {
		g := meta.Groups[i]
		return encodeWire(groupWire{Name: nameToBytes(g.Name), Flags: g.Flags, MaximumSize: g.MaximumSize})
	})
	if err != nil {
		return nil, err
	}
	bdBytes, err := encodeTableEntries(len(meta.BlockDevices), blockDeviceEntrySize, func(i int) ([]byte, error) {
		d := meta.BlockDevices[i]
		return encodeWire(blockDeviceWire{
			FirstLogicalSector: d.FirstLogicalSector,
			Alignment:          d.Alignment,
			AlignmentOffset:    d.AlignmentOffset,
			Size:               d.Size,
			PartitionName:      nameToBytes(d.PartitionName),
			Flags:              d.Flags,
		})
	})
	if err != nil {
		return nil, err
	}

	var tables bytes.Buffer
	partDesc := tableDescriptorWire{Offset: uint32(tables.Len()), NumEntries: uint32(len(meta.Partitions)), EntrySize: partitionEntrySize}
	tables.Write(partBytes)
	extDesc := tableDescriptorWire{Offset: uint32(tables.Len()), NumEntries: uint32(len(meta.Extents)), EntrySize: extentEntrySize}
	tables.Write(extBytes)
	groupDesc := tableDescriptorWire{Offset: uint32(tables.Len()), NumEntries: uint32(len(meta.Groups)), EntrySize: groupEntrySize}
	tables.Write(groupBytes)
	bdDesc := tableDescriptorWire{Offset: uint32(tables.Len()), NumEntries: uint32(len(meta.BlockDevices)), EntrySize: blockDeviceEntrySize}
	tables.Write(bdBytes)

	tablesChecksum := sha256.Sum256(tables.Bytes())

	hw := headerWire{
		Magic:        headerMagic,
		MajorVersion: CurrentMajorVersion,
		MinorVersion: 0,
		HeaderSize:   headerStructSize,
		TablesSize:   uint32(tables.Len()),
		Partitions:   partDesc,
		Extents:      extDesc,
		Groups:       groupDesc,
		BlockDevices: bdDesc,
		Flags:        meta.Flags,
	}
	copy(hw.TablesChecksum[:], tablesChecksum[:])

	var headerBuf bytes.Buffer
	if err := binary.Write(&headerBuf, binary.LittleEndian, hw); err != nil {
		return nil, xerrors.Errorf("encoding header: %w", err)
	}
	hb := headerBuf.Bytes()
	headerChecksum := sha256.Sum256(hb)
	copy(hb[12:44], headerChecksum[:])

	out := append(hb, tables.Bytes()...)
	if meta.Geometry.MetadataMaxSize != 0 && uint32(len(out)) > meta.Geometry.MetadataMaxSize {
		return nil, xerrors.Errorf("serialized metadata %d bytes exceeds metadata_max_size %d: %w", len(out), meta.Geometry.MetadataMaxSize, ErrMetadataTooLarge)
	}
	return out, nil
}

// WriteToImage writes meta's geometry (primary + backup) and every
// primary/backup metadata slot into w at their fixed offsets, leaving
// any other region of the target untouched.
func WriteToImage(w io.WriterAt, meta *Metadata) error {
	geomBlob, err := SerializeGeometry(meta.Geometry)
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(geomBlob[:], primaryGeometryOffset); err != nil {
		return xerrors.Errorf("writing primary geometry: %w", err)
	}
	if _, err := w.WriteAt(geomBlob[:], backupGeometryOffset); err != nil {
		return xerrors.Errorf("writing backup geometry: %w", err)
	}

	slotBlob, err := SerializeMetadata(meta)
	if err != nil {
		return err
	}
	padded := make([]byte, meta.Geometry.MetadataMaxSize)
	copy(padded, slotBlob)

	for slot := uint32(0); slot < meta.Geometry.MetadataSlotCount; slot++ {
		if _, err := w.WriteAt(padded, primaryMetadataOffset(slot, meta.Geometry.MetadataMaxSize)); err != nil {
			return xerrors.Errorf("writing primary slot %d: %w", slot, err)
		}
		if _, err := w.WriteAt(padded, backupMetadataOffset(slot, meta.Geometry.MetadataSlotCount, meta.Geometry.MetadataMaxSize)); err != nil {
			return xerrors.Errorf("writing backup slot %d: %w", slot, err)
		}
	}
	return nil
}

// WriteToImageFile opens path for read-write and patches meta's metadata
// structures into it in place, leaving the rest of the file (partition
// payloads) untouched. Suitable for a real block device path, which
// cannot be atomically replaced.
func WriteToImageFile(path string, meta *Metadata) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteToImage(f, meta)
}

// byteWriterAt is an io.WriterAt over a fixed in-memory buffer, used by
// WriteNewMetadataImage to stage content before the atomic rename.
type byteWriterAt struct{ buf []byte }

func (b *byteWriterAt) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if off < 0 || end > int64(len(b.buf)) {
		return 0, xerrors.Errorf("write [%d,%d) exceeds buffer of %d bytes: %w", off, end, len(b.buf), ErrInvalidArgument)
	}
	copy(b.buf[off:end], p)
	return len(p), nil
}

// WriteNewMetadataImage atomically creates a new, minimal metadata-only
// image file at path: reserved region, both geometry blocks, and every
// primary/backup slot, sized to exactly cover them and nothing more. Real
// super images additionally carry partition payloads past this region,
// written by the super composer; this entry point is for producing or
// testing metadata in isolation.
func WriteNewMetadataImage(path string, meta *Metadata) error {
	size := metadataRegionStart + 2*int64(meta.Geometry.MetadataMaxSize)*int64(meta.Geometry.MetadataSlotCount)
	bw := &byteWriterAt{buf: make([]byte, size)}
	if err := WriteToImage(bw, meta); err != nil {
		return err
	}
	return renameio.WriteFile(path, bw.buf, 0644)
}
