package sparse

import (
	"encoding/binary"
	"hash/crc32"
)

// crcTable is the reflected IEEE 802.3 polynomial (0xEDB88320), the
// variant spec.md §4.B.4 and §9 call for; it is exactly hash/crc32's
// built-in IEEE table, so no custom table construction is needed.
var crcTable = crc32.MakeTable(crc32.IEEE)

func crcUpdate(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crcTable, p)
}

// fillPatternBufSize bounds the scratch buffer used to feed a repeated
// 4-byte fill pattern through the CRC in chunks, rather than allocating a
// buffer the full size of the (potentially many-megabyte) fill region.
const fillPatternBufSize = 64 * 1024

// crcUpdateFill advances crc as if nBytes bytes of the 4-byte little-endian
// pattern `value`, repeated and phase-aligned from byte 0, had been fed
// through it.
func crcUpdateFill(crc uint32, value uint32, nBytes uint64) uint32 {
	if nBytes == 0 {
		return crc
	}
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], value)

	bufLen := fillPatternBufSize
	if uint64(bufLen) > nBytes {
		bufLen = int(nBytes)
	}
	// Round up so the buffer is a whole number of 4-byte words, preserving
	// phase across buffer boundaries.
	if bufLen%4 != 0 {
		bufLen += 4 - bufLen%4
	}
	buf := make([]byte, bufLen)
	for i := 0; i < bufLen; i += 4 {
		copy(buf[i:i+4], pattern[:])
	}

	var written uint64
	for written < nBytes {
		n := uint64(len(buf))
		if n > nBytes-written {
			n = nBytes - written
		}
		crc = crcUpdate(crc, buf[:n])
		written += n
	}
	return crc
}

// crcUpdateZero advances crc as if nBytes zero bytes had been fed through
// it (used for Skip chunks and synthesized gap-fill).
func crcUpdateZero(crc uint32, nBytes uint64) uint32 {
	return crcUpdateFill(crc, 0, nBytes)
}
