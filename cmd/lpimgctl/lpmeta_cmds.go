package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/lpmeta"
)

const lpReadHelp = `lpimgctl lp-read -image=<path> [-slot=0]

Print one metadata slot of an LP super image: geometry, partitions (with
their resolved extents), groups, and block devices.
`

func lpRead(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("lp-read", flag.ExitOnError)
	var (
		image = fset.String("image", "", "path to a super image or its metadata region")
		slot  = fset.Uint("slot", 0, "metadata slot to read")
	)
	fset.Usage = usage(fset, lpReadHelp)
	fset.Parse(args)
	if *image == "" {
		return xerrors.Errorf("syntax: lpimgctl lp-read -image=<path>")
	}

	m, err := lpmeta.ReadFromImage(*image, uint32(*slot))
	if err != nil {
		return err
	}

	g := m.Geometry
	fmt.Printf("geometry: metadata_max_size=%d metadata_slot_count=%d logical_block_size=%d\n",
		g.MetadataMaxSize, g.MetadataSlotCount, g.LogicalBlockSize)
	for _, bd := range m.BlockDevices {
		fmt.Printf("block device %q: size=%d alignment=%d alignment_offset=%d first_logical_sector=%d\n",
			bd.PartitionName, bd.Size, bd.Alignment, bd.AlignmentOffset, bd.FirstLogicalSector)
	}
	for _, grp := range m.Groups {
		fmt.Printf("group %q: maximum_size=%d\n", grp.Name, grp.MaximumSize)
	}
	for i, p := range m.Partitions {
		fmt.Printf("partition %q: group_index=%d attributes=%#x\n", p.Name, p.GroupIndex, p.Attributes)
		for _, e := range m.PartitionExtents(i) {
			switch e.TargetType {
			case lpmeta.TargetZero:
				fmt.Printf("  extent: %d sectors, zero-fill\n", e.NumSectors)
			default:
				fmt.Printf("  extent: %d sectors at device %d sector %d\n", e.NumSectors, e.TargetSource, e.TargetData)
			}
		}
	}
	return nil
}

const lpBuildHelp = `lpimgctl lp-build -out=<path> -device-size=<bytes> -partitions=name:bytes[,name:bytes...] [-metadata-max-size=65536] [-metadata-slots=2] [-logical-block-size=4096] [-alignment=1048576] [-alignment-offset=0]

Build a new LP super image's metadata-only region (reserved block, geometry,
and primary/backup metadata slots) from a flat list of partition sizes, all
placed in the default group with no cap.
`

func parsePartitionList(spec string) ([]string, []uint64, error) {
	var names []string
	var sizes []uint64
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameSize := strings.SplitN(part, ":", 2)
		if len(nameSize) != 2 {
			return nil, nil, xerrors.Errorf("partition entry %q: want name:bytes", part)
		}
		size, err := strconv.ParseUint(nameSize[1], 10, 64)
		if err != nil {
			return nil, nil, xerrors.Errorf("partition %q size: %w", nameSize[0], err)
		}
		names = append(names, nameSize[0])
		sizes = append(sizes, size)
	}
	return names, sizes, nil
}

func lpBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("lp-build", flag.ExitOnError)
	var (
		out              = fset.String("out", "", "output image path")
		deviceSize       = fset.Uint64("device-size", 0, "block device size in bytes (0: probe -device)")
		device           = fset.String("device", "", "path to size the device from, when -device-size is 0")
		partitions       = fset.String("partitions", "", "comma-separated name:bytes list")
		metadataMaxSize  = fset.Uint("metadata-max-size", 65536, "bytes reserved per metadata slot")
		metadataSlots    = fset.Uint("metadata-slots", 2, "number of primary/backup metadata slot pairs")
		logicalBlockSize = fset.Uint("logical-block-size", 4096, "logical block size in bytes")
		alignment        = fset.Uint("alignment", 1<<20, "partition extent alignment in bytes")
		alignmentOffset  = fset.Uint("alignment-offset", 0, "partition extent alignment offset in bytes")
	)
	fset.Usage = usage(fset, lpBuildHelp)
	fset.Parse(args)
	if *out == "" || *partitions == "" || (*deviceSize == 0 && *device == "") {
		return xerrors.Errorf("syntax: lpimgctl lp-build -out=<path> -device-size=<bytes>|-device=<path> -partitions=name:bytes[,...]")
	}

	size := *deviceSize
	if size == 0 {
		var err error
		size, err = blockDeviceSize(*device)
		if err != nil {
			return xerrors.Errorf("sizing %s: %w", *device, err)
		}
	}

	names, sizes, err := parsePartitionList(*partitions)
	if err != nil {
		return err
	}

	b := lpmeta.NewBuilder(size, uint32(*metadataMaxSize), uint32(*metadataSlots), uint32(*logicalBlockSize), uint32(*alignment), uint32(*alignmentOffset))
	for i, name := range names {
		if err := b.AddPartition(name, "default", lpmeta.AttrNone); err != nil {
			return xerrors.Errorf("adding partition %q: %w", name, err)
		}
		if err := b.ResizePartition(name, sizes[i]); err != nil {
			return xerrors.Errorf("sizing partition %q to %d bytes: %w", name, sizes[i], err)
		}
	}

	m, err := b.Export()
	if err != nil {
		return xerrors.Errorf("exporting metadata: %w", err)
	}
	if err := lpmeta.WriteNewMetadataImage(*out, m); err != nil {
		return xerrors.Errorf("writing %s: %w", *out, err)
	}
	return nil
}
