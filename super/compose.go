// Package super implements the super-image composer and partition read
// adapter: building a sparse super image from LP
// metadata plus per-partition data, and exposing one logical partition as
// a contiguous read stream over a base image.
package super

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/lpmeta"
	"github.com/lpimgtools/lpsparse/provider"
	"github.com/lpimgtools/lpsparse/sparse"
)

type ownedExtent struct {
	partitionName string
	extent        lpmeta.Extent
}

// BuildSuper composes a sparse super image from meta and an optional map
// of partition name to backing data. Partitions absent from
// partitionProviders, or whose provider is shorter than their extents,
// are zero-filled for the remainder.
func BuildSuper(meta *lpmeta.Metadata, partitionProviders map[string]provider.Provider) (*sparse.Sparse, error) {
	if len(meta.BlockDevices) == 0 {
		return nil, ErrNoBlockDevice
	}
	bd := meta.BlockDevices[0]
	blockSize := meta.Geometry.LogicalBlockSize

	s, err := sparse.New(blockSize, bd.Size)
	if err != nil {
		return nil, err
	}

	if err := s.AddSkip(lpmeta.ReservedBytes, nil); err != nil {
		return nil, err
	}

	geomBlob, err := lpmeta.SerializeGeometry(meta.Geometry)
	if err != nil {
		return nil, err
	}
	if err := s.AddRaw(provider.NewMemory(geomBlob[:]), nil); err != nil {
		return nil, err
	}
	if err := s.AddRaw(provider.NewMemory(geomBlob[:]), nil); err != nil {
		return nil, err
	}

	slotBlob, err := lpmeta.SerializeMetadata(meta)
	if err != nil {
		return nil, err
	}
	paddedSlot := make([]byte, meta.Geometry.MetadataMaxSize)
	copy(paddedSlot, slotBlob)
	for slot := uint32(0); slot < meta.Geometry.MetadataSlotCount; slot++ {
		if err := s.AddRaw(provider.NewMemory(paddedSlot), nil); err != nil {
			return nil, err
		}
	}

	curBytes := uint64(s.CurrentBlock()) * uint64(blockSize)
	firstSectorBytes := bd.FirstLogicalSector * lpmeta.SectorSize
	if firstSectorBytes > curBytes {
		if err := s.AddSkip(firstSectorBytes-curBytes, nil); err != nil {
			return nil, err
		}
	}

	var linear []ownedExtent
	for pi, p := range meta.Partitions {
		for _, e := range meta.PartitionExtents(pi) {
			if e.TargetType == lpmeta.TargetLinear {
				linear = append(linear, ownedExtent{partitionName: p.Name, extent: e})
			}
		}
	}
	sort.Slice(linear, func(i, j int) bool { return linear[i].extent.TargetData < linear[j].extent.TargetData })

	written := make(map[string]uint64)
	cursorSectors := bd.FirstLogicalSector
	for _, oe := range linear {
		e := oe.extent
		if e.TargetData > cursorSectors {
			if err := s.AddSkip((e.TargetData-cursorSectors)*lpmeta.SectorSize, nil); err != nil {
				return nil, err
			}
		}
		extentBytes := e.NumSectors * lpmeta.SectorSize

		var rawBytes uint64
		if prov, ok := partitionProviders[oe.partitionName]; ok {
			already := written[oe.partitionName]
			if prov.Len() > already {
				rawBytes = prov.Len() - already
			}
			if rawBytes > extentBytes {
				rawBytes = extentBytes
			}
			if rawBytes > 0 {
				sub, err := prov.SubProvider(already, rawBytes)
				if err != nil {
					return nil, err
				}
				if err := s.AddRaw(sub, nil); err != nil {
					return nil, err
				}
			}
			written[oe.partitionName] = already + rawBytes
		}
		if zeroBytes := extentBytes - rawBytes; zeroBytes > 0 {
			if err := s.AddFill(0, zeroBytes, nil); err != nil {
				return nil, err
			}
		}
		cursorSectors = e.TargetData + e.NumSectors
	}

	backupStartBytes := bd.Size - uint64(meta.Geometry.MetadataMaxSize)*uint64(meta.Geometry.MetadataSlotCount)
	curBytes = uint64(s.CurrentBlock()) * uint64(blockSize)
	if backupStartBytes > curBytes {
		if err := s.AddSkip(backupStartBytes-curBytes, nil); err != nil {
			return nil, err
		}
	} else if backupStartBytes < curBytes {
		return nil, xerrors.Errorf("partition data overruns backup metadata region (cursor %d > backup start %d): %w", curBytes, backupStartBytes, ErrInvalidArgument)
	}

	for slot := uint32(0); slot < meta.Geometry.MetadataSlotCount; slot++ {
		if err := s.AddRaw(provider.NewMemory(paddedSlot), nil); err != nil {
			return nil, err
		}
	}

	return s, nil
}
