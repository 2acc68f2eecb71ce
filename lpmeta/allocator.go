package lpmeta

import "sort"

// sectorRange is a half-open [Start, End) run of sectors.
type sectorRange struct{ Start, End uint64 }

// freeRegions computes the complement of occupied (sorted, merged) within
// [first, limit).
func freeRegions(occupied []sectorRange, first, limit uint64) []sectorRange {
	sorted := append([]sectorRange(nil), occupied...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := make([]sectorRange, 0, len(sorted))
	for _, r := range sorted {
		if r.End <= r.Start {
			continue
		}
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}

	var free []sectorRange
	cursor := first
	for _, r := range merged {
		start := r.Start
		if start < cursor {
			start = cursor
		}
		if start > limit {
			start = limit
		}
		if start > cursor {
			free = append(free, sectorRange{Start: cursor, End: start})
		}
		if r.End > cursor {
			cursor = r.End
		}
		if cursor > limit {
			cursor = limit
		}
	}
	if cursor < limit {
		free = append(free, sectorRange{Start: cursor, End: limit})
	}
	return free
}

// alignUpSector returns the smallest sector >= start satisfying
// (sector - alignOffsetSectors) % alignSectors == 0, per the block
// device's alignment/alignment_offset.
func alignUpSector(start, alignSectors, alignOffsetSectors uint64) uint64 {
	if alignSectors == 0 {
		return start
	}
	if start < alignOffsetSectors {
		start = alignOffsetSectors
	}
	rem := (start - alignOffsetSectors) % alignSectors
	if rem == 0 {
		return start
	}
	return start + (alignSectors - rem)
}

// allocateExtents greedily carves needed sectors out of free regions
// ascending by start, aligning each region's usable start first. Returns
// the allocated Linear extents (in the order carved) and any sectors that
// could not be satisfied.
func allocateExtents(free []sectorRange, needed uint64, alignSectors, alignOffsetSectors uint64, blockDeviceIndex uint32) ([]Extent, uint64) {
	var out []Extent
	for _, r := range free {
		if needed == 0 {
			break
		}
		start := alignUpSector(r.Start, alignSectors, alignOffsetSectors)
		if start >= r.End {
			continue
		}
		avail := r.End - start
		take := avail
		if take > needed {
			take = needed
		}
		out = append(out, Extent{NumSectors: take, TargetType: TargetLinear, TargetData: start, TargetSource: blockDeviceIndex})
		needed -= take
	}
	return out, needed
}
