package sparse

import (
	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/provider"
)

// clone returns a Sparse with the same BlockSize/TotalBlocks and an
// independent copy of the chunk list.
func (s *Sparse) clone() *Sparse {
	c := &Sparse{BlockSize: s.BlockSize, TotalBlocks: s.TotalBlocks}
	c.chunks = append([]Chunk(nil), s.chunks...)
	return c
}

// cloneWith returns a clone of s with ch additionally inserted, for
// speculative size probing without mutating s.
func (s *Sparse) cloneWith(ch Chunk) (*Sparse, error) {
	c := s.clone()
	if err := c.insert(ch); err != nil {
		return nil, err
	}
	return c, nil
}

// dataEntries returns s's Raw and Fill chunks (not Skip) in ascending
// order — the "data entries" resparse walks
func (s *Sparse) dataEntries() []Chunk {
	var out []Chunk
	for _, c := range s.chunks {
		if c.Kind == Raw || c.Kind == Fill {
			out = append(out, c)
		}
	}
	return out
}

// splitRawProvider divides a Raw chunk's data provider at block k,
// tolerating a provider shorter than its declared block range (the
// remainder of such a short chunk is implicitly zero, same as at
// serialization time).
func splitRawProvider(data provider.Provider, blockSize uint32, k uint32) (taken, remainder provider.Provider, err error) {
	if data == nil {
		return nil, nil, nil
	}
	total := data.Len()
	splitByte := uint64(k) * uint64(blockSize)
	if splitByte >= total {
		if total > 0 {
			if taken, err = data.SubProvider(0, total); err != nil {
				return nil, nil, err
			}
		}
		return taken, nil, nil
	}
	if taken, err = data.SubProvider(0, splitByte); err != nil {
		return nil, nil, err
	}
	if remainder, err = data.SubProvider(splitByte, total-splitByte); err != nil {
		return nil, nil, err
	}
	return taken, remainder, nil
}

// splitChunk divides a data entry e into its first k blocks and the
// remaining blocks.
func splitChunk(e Chunk, blockSize uint32, k uint32) (taken, remainder Chunk, err error) {
	taken = Chunk{Kind: e.Kind, StartBlock: e.StartBlock, NumBlocks: k, FillValue: e.FillValue}
	remainder = Chunk{Kind: e.Kind, StartBlock: e.StartBlock + k, NumBlocks: e.NumBlocks - k, FillValue: e.FillValue}
	if e.Kind == Raw {
		t, r, err := splitRawProvider(e.Data, blockSize, k)
		if err != nil {
			return Chunk{}, Chunk{}, err
		}
		taken.Data, remainder.Data = t, r
	}
	return taken, remainder, nil
}

// fitBlocks returns the largest k in [0, e.NumBlocks] such that piece with
// the first k blocks of e inserted still serializes (sparse, with CRC) to
// at most maxBytes. The search is monotonic: adding more blocks never
// shrinks the serialized size.
func (s *Sparse) fitBlocks(piece *Sparse, e Chunk, maxBytes uint64) (uint32, error) {
	lo, hi := uint32(0), e.NumBlocks
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		taken, _, err := splitChunk(e, s.BlockSize, mid)
		if err != nil {
			return 0, err
		}
		cand, err := piece.cloneWith(taken)
		if err != nil {
			return 0, err
		}
		if cand.Length(true, true) <= maxBytes {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// Resparse splits s into a sequence of sparse images, each serializing
// (with CRC) to at most maxBytes. Every piece keeps s's total_blocks and
// covers the blocks it does not carry with Skip chunks, so writing each
// piece's data over the same target reconstructs s's flat image.
func (s *Sparse) Resparse(maxBytes uint64) ([]*Sparse, error) {
	// A piece always carries at least a file header, a trailing CRC chunk,
	// and — for every piece after reconstruction except possibly the
	// first/last — a leading and a trailing Skip chunk header. spec.md's
	// own overhead constant reserves only one Skip header; we reserve one
	// more as a safety margin (a strictly more conservative bound is still
	// a valid policy per the §9 note that any L_max-respecting split is
	// acceptable), then let actual Length() calls (not estimated
	// arithmetic) make every accept/reject decision, so there's no risk of
	// the estimate drifting from what Write would actually produce.
	minOverhead := uint64(fileHeaderSize) + 2*uint64(chunkHeaderSize) + uint64(chunkHeaderSize) + 4
	if maxBytes <= minOverhead {
		return nil, xerrors.Errorf("max_bytes %d too small (overhead alone is %d): %w", maxBytes, minOverhead, ErrCannotSplit)
	}

	totalBlocks := s.effectiveTotalBlocks()
	entries := s.dataEntries()

	if len(entries) == 0 {
		piece := &Sparse{BlockSize: s.BlockSize, TotalBlocks: totalBlocks}
		if totalBlocks > 0 {
			zero := uint32(0)
			if err := piece.AddSkip(uint64(totalBlocks)*uint64(s.BlockSize), &zero); err != nil {
				return nil, err
			}
		}
		if piece.Length(true, true) > maxBytes {
			return nil, xerrors.Errorf("single-skip image (%d bytes) exceeds max_bytes %d: %w", piece.Length(true, true), maxBytes, ErrCannotSplit)
		}
		return []*Sparse{piece}, nil
	}

	var pieces []*Sparse
	piece := &Sparse{BlockSize: s.BlockSize, TotalBlocks: totalBlocks}

	for i := 0; i < len(entries); {
		e := entries[i]
		whole, err := piece.cloneWith(e)
		if err != nil {
			return nil, err
		}
		if whole.Length(true, true) <= maxBytes {
			piece = whole
			i++
			continue
		}

		noDataYet := len(piece.chunks) == 0
		bt, err := piece.fitBlocks(e, maxBytes)
		if err != nil {
			return nil, err
		}
		if bt == 0 && noDataYet {
			return nil, xerrors.Errorf("entry at block %d (kind %v) cannot be split to fit max_bytes %d: %w", e.StartBlock, e.Kind, maxBytes, ErrCannotSplit)
		}
		// Heuristic: avoid a tiny tail fragment unless this piece would
		// otherwise be empty.
		if bt > 0 && !noDataYet && uint64(bt)*uint64(s.BlockSize) <= maxBytes/8 {
			bt = 0
		}

		if bt > 0 {
			taken, remainder, err := splitChunk(e, s.BlockSize, bt)
			if err != nil {
				return nil, err
			}
			if err := piece.insert(taken); err != nil {
				return nil, err
			}
			entries[i] = remainder
		}
		pieces = append(pieces, piece)
		piece = &Sparse{BlockSize: s.BlockSize, TotalBlocks: totalBlocks}
		// If bt == 0, e (unchanged) is retried against the fresh piece.
	}
	if len(piece.chunks) > 0 {
		pieces = append(pieces, piece)
	}
	return pieces, nil
}
