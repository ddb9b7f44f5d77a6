package storage

import (
	"fmt"
	"hash/crc32"
)

// ChecksumFunc computes a checksum over a whole record payload.
//
// Whether checksums are computed is a store setting, so a stored zero is
// validated like any other sum.
type ChecksumFunc func(data []byte) uint32

const (
	ChecksumFletcher32 = "fletcher32"
	ChecksumCRC32C     = "crc32c"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Fletcher32 computes the Fletcher-32 checksum of data, read as
// little-endian 16 bit words. An odd trailing byte is zero padded.
func Fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32

	n := len(data)
	for i := 0; i < n; {
		// Reduce every 359 words to keep the sums in 32 bits
		block := 0
		for ; i < n && block < 359; block++ {
			w := uint32(data[i])
			if i+1 < n {
				w |= uint32(data[i+1]) << 8
			}
			i += 2

			sum1 += w
			sum2 += sum1
		}
		sum1 %= 0xFFFF
		sum2 %= 0xFFFF
	}

	return sum2<<16 | sum1
}

// CRC32C computes the Castagnoli CRC of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// checksumByName resolves a checksum algorithm name from Settings.
func checksumByName(name string) (ChecksumFunc, error) {
	switch name {
	case "", ChecksumFletcher32:
		return Fletcher32, nil
	case ChecksumCRC32C:
		return CRC32C, nil
	}
	return nil, fmt.Errorf("unknown checksum %q", name)
}
