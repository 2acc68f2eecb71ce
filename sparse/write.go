package sparse

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/lpimgtools/lpsparse/provider"
)

// buildOutputChunks returns s's chunks in ascending, gap-free order (gaps
// synthesized as Skip chunks) together with the effective total_blocks:
// raised above s.TotalBlocks if authored chunks overshoot it
// open question 1 ("serialization must never truncate authored data").
func (s *Sparse) buildOutputChunks() ([]Chunk, uint32) {
	sorted := s.Chunks()
	out := make([]Chunk, 0, len(sorted)+2)
	var cursor uint32
	for _, c := range sorted {
		if c.StartBlock > cursor {
			out = append(out, Chunk{Kind: Skip, StartBlock: cursor, NumBlocks: c.StartBlock - cursor})
		}
		out = append(out, c)
		cursor = c.endBlock()
	}
	total := s.TotalBlocks
	if cursor > total {
		total = cursor
	} else if cursor < total {
		out = append(out, Chunk{Kind: Skip, StartBlock: cursor, NumBlocks: total - cursor})
		cursor = total
	}
	return out, total
}

// truncater is implemented by *os.File and similar sinks that support
// resizing after writing (used to pad a flat-written file up to its
// declared length when trailing regions were seeked past instead of
// written).
type truncater interface {
	Truncate(size int64) error
}

// Write serializes s as a sparse-container image to w. If
// gzipWrap is true the whole output is wrapped in a pgzip.Writer. If
// includeCRC is true, a trailing CRC32 chunk covering the virtual flat
// image is emitted, and if w is also an io.WriteSeeker and gzipWrap is
// false, the header's image_checksum field is patched in place afterwards.
func (s *Sparse) Write(w io.Writer, gzipWrap, includeCRC bool) error {
	var out io.Writer = w
	var gz *pgzip.Writer
	if gzipWrap {
		gz = pgzip.NewWriter(w)
		out = gz
	}

	chunks, totalBlocks := s.buildOutputChunks()
	totalChunks := uint32(len(chunks))
	if includeCRC {
		totalChunks++
	}

	hdr := fileHeader{
		Magic:           headerMagic,
		MajorVersion:    majorVersion,
		FileHeaderSize:  fileHeaderSize,
		ChunkHeaderSize: chunkHeaderSize,
		BlockSize:       s.BlockSize,
		TotalBlocks:     totalBlocks,
		TotalChunks:     totalChunks,
	}
	if _, err := out.Write(encodeFileHeader(hdr)); err != nil {
		return xerrors.Errorf("writing header: %w", err)
	}

	var crc uint32
	var crcAcc *uint32
	if includeCRC {
		crcAcc = &crc
	}
	for _, c := range chunks {
		if err := writeChunk(out, s.BlockSize, c, crcAcc); err != nil {
			return err
		}
	}

	if includeCRC {
		ch := chunkHeader{ChunkType: chunkTypeCRC, ChunkSize: 0, TotalSize: chunkHeaderSize + 4}
		if _, err := out.Write(encodeChunkHeader(ch)); err != nil {
			return xerrors.Errorf("writing crc chunk: %w", err)
		}
		var crcBytes [4]byte
		binary.LittleEndian.PutUint32(crcBytes[:], crc)
		if _, err := out.Write(crcBytes[:]); err != nil {
			return xerrors.Errorf("writing crc value: %w", err)
		}

		if !gzipWrap {
			if ws, ok := w.(io.WriteSeeker); ok {
				if cur, err := ws.Seek(0, io.SeekCurrent); err == nil {
					if _, err := ws.Seek(24, io.SeekStart); err == nil {
						if _, err := ws.Write(crcBytes[:]); err == nil {
							ws.Seek(cur, io.SeekStart)
						}
					}
				}
			}
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return xerrors.Errorf("closing gzip writer: %w", err)
		}
	}
	return nil
}

func writeChunk(w io.Writer, blockSize uint32, c Chunk, crc *uint32) error {
	nbytes := uint64(c.NumBlocks) * uint64(blockSize)
	switch c.Kind {
	case Raw:
		ch := chunkHeader{ChunkType: chunkTypeRaw, ChunkSize: c.NumBlocks, TotalSize: uint32(uint64(chunkHeaderSize) + nbytes)}
		if _, err := w.Write(encodeChunkHeader(ch)); err != nil {
			return xerrors.Errorf("writing raw chunk header: %w", err)
		}
		if _, err := copyProviderPadded(w, c.Data, nbytes, crc); err != nil {
			return xerrors.Errorf("writing raw chunk payload: %w", err)
		}
	case Fill:
		ch := chunkHeader{ChunkType: chunkTypeFill, ChunkSize: c.NumBlocks, TotalSize: chunkHeaderSize + 4}
		if _, err := w.Write(encodeChunkHeader(ch)); err != nil {
			return xerrors.Errorf("writing fill chunk header: %w", err)
		}
		var vb [4]byte
		binary.LittleEndian.PutUint32(vb[:], c.FillValue)
		if _, err := w.Write(vb[:]); err != nil {
			return xerrors.Errorf("writing fill value: %w", err)
		}
		if crc != nil {
			*crc = crcUpdateFill(*crc, c.FillValue, nbytes)
		}
	case Skip:
		ch := chunkHeader{ChunkType: chunkTypeSkip, ChunkSize: c.NumBlocks, TotalSize: chunkHeaderSize}
		if _, err := w.Write(encodeChunkHeader(ch)); err != nil {
			return xerrors.Errorf("writing skip chunk header: %w", err)
		}
		if crc != nil {
			*crc = crcUpdateZero(*crc, nbytes)
		}
	}
	return nil
}

// copyProviderPadded copies nbytes bytes derived from p to w (p may be nil
// or shorter than nbytes, in which case the remainder reads as zero),
// optionally folding every byte written through crc.
func copyProviderPadded(w io.Writer, p provider.Provider, nbytes uint64, crc *uint32) (uint64, error) {
	const bufSize = 1 << 20
	n := bufSize
	if uint64(n) > nbytes {
		n = int(nbytes)
	}
	if n == 0 {
		return 0, nil
	}
	buf := make([]byte, n)

	var plen uint64
	if p != nil {
		plen = p.Len()
	}

	var written uint64
	for written < nbytes {
		want := uint64(len(buf))
		if want > nbytes-written {
			want = nbytes - written
		}
		if p != nil && written < plen {
			avail := plen - written
			readLen := want
			if readLen > avail {
				readLen = avail
			}
			got, err := p.ReadAt(written, buf[:readLen])
			if err != nil {
				return written, err
			}
			for i := uint64(got); i < want; i++ {
				buf[i] = 0
			}
		} else {
			for i := uint64(0); i < want; i++ {
				buf[i] = 0
			}
		}
		if _, err := w.Write(buf[:want]); err != nil {
			return written, err
		}
		if crc != nil {
			*crc = crcUpdate(*crc, buf[:want])
		}
		written += want
	}
	return written, nil
}

func writeFillBytes(w io.Writer, value uint32, nbytes uint64) error {
	if nbytes == 0 {
		return nil
	}
	const bufSize = 1 << 20
	bufLen := bufSize
	if uint64(bufLen) > nbytes {
		bufLen = int(nbytes)
	}
	if bufLen%4 != 0 {
		bufLen += 4 - bufLen%4
	}
	buf := make([]byte, bufLen)
	var vb [4]byte
	binary.LittleEndian.PutUint32(vb[:], value)
	for i := 0; i < bufLen; i += 4 {
		copy(buf[i:i+4], vb[:])
	}
	var written uint64
	for written < nbytes {
		n := uint64(len(buf))
		if n > nbytes-written {
			n = nbytes - written
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return nil
}

// WriteFlat serializes s as a flat (raw) image to w. If
// sparseMode is true and w is also an io.WriteSeeker, Skip regions are
// seeked past rather than written as zeros, producing an OS-level sparse
// file; the output is then extended (via Truncate, if available) to its
// full declared length.
func (s *Sparse) WriteFlat(w io.Writer, sparseMode bool) error {
	chunks, totalBlocks := s.buildOutputChunks()
	ws, seekable := w.(io.WriteSeeker)
	seekedPastTail := false

	for _, c := range chunks {
		nbytes := uint64(c.NumBlocks) * uint64(s.BlockSize)
		if c.Kind == Skip && sparseMode && seekable {
			if _, err := ws.Seek(int64(nbytes), io.SeekCurrent); err != nil {
				return xerrors.Errorf("seeking past skip region: %w", err)
			}
			seekedPastTail = true
			continue
		}
		seekedPastTail = false
		switch c.Kind {
		case Raw:
			if _, err := copyProviderPadded(w, c.Data, nbytes, nil); err != nil {
				return xerrors.Errorf("writing raw region: %w", err)
			}
		case Fill:
			if err := writeFillBytes(w, c.FillValue, nbytes); err != nil {
				return xerrors.Errorf("writing fill region: %w", err)
			}
		case Skip:
			if err := writeFillBytes(w, 0, nbytes); err != nil {
				return xerrors.Errorf("writing skip region: %w", err)
			}
		}
	}

	if seekedPastTail {
		if t, ok := w.(truncater); ok {
			want := uint64(totalBlocks) * uint64(s.BlockSize)
			if err := t.Truncate(int64(want)); err != nil {
				return xerrors.Errorf("extending output to full length: %w", err)
			}
		}
	}
	return nil
}

// Length returns the byte length Write (sparseMode=true) or WriteFlat
// (sparseMode=false) would produce, without actually writing anything
// (gzip compression ratios aren't predictable ahead of time, so this
// always reflects the uncompressed size).
func (s *Sparse) Length(sparseMode, includeCRC bool) uint64 {
	chunks, totalBlocks := s.buildOutputChunks()
	if !sparseMode {
		return uint64(totalBlocks) * uint64(s.BlockSize)
	}
	total := uint64(fileHeaderSize)
	for _, c := range chunks {
		switch c.Kind {
		case Raw:
			total += uint64(chunkHeaderSize) + uint64(c.NumBlocks)*uint64(s.BlockSize)
		case Fill:
			total += uint64(chunkHeaderSize) + 4
		case Skip:
			total += uint64(chunkHeaderSize)
		}
	}
	if includeCRC {
		total += uint64(chunkHeaderSize) + 4
	}
	return total
}
