package storage

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"
)

// HashKeySize is the number of bytes in a marshalled HashKey.
const HashKeySize = 20

// HashKey is a fixed-width 160 bit record key, stored as five 32 bit
// words. Word 0 is the least significant and word 4 the most significant.
//
// HashKey is a comparable value type and can be used as a map key.
type HashKey [5]uint32

// MaxHashKey is the largest possible key. It is used as the fence entry
// that terminates a record block's key table.
var MaxHashKey = HashKey{
	0xFFFFFFFF,
	0xFFFFFFFF,
	0xFFFFFFFF,
	0xFFFFFFFF,
	0xFFFFFFFF,
}

// NewHashKey builds a key from its five words, least significant first.
func NewHashKey(w0, w1, w2, w3, w4 uint32) HashKey {
	return HashKey{w0, w1, w2, w3, w4}
}

// HashBytes derives a key from the SHA-1 digest of b.
func HashBytes(b []byte) HashKey {
	sum := sha1.Sum(b)
	k, _ := HashKeyFromBytes(sum[:])
	return k
}

// HashString derives a key from the SHA-1 digest of s.
func HashString(s string) HashKey {
	return HashBytes([]byte(s))
}

// HashKeyFromBytes reads a big-endian key of at most 20 bytes. Shorter
// inputs are treated as having leading zero bytes.
func HashKeyFromBytes(b []byte) (HashKey, error) {
	if len(b) > HashKeySize {
		return HashKey{}, fmt.Errorf("hash key too long: %d bytes", len(b))
	}

	// Left-pad to the full width
	var buf [HashKeySize]byte
	copy(buf[HashKeySize-len(b):], b)

	// The last four bytes are word 0
	var k HashKey
	for i := 0; i < 5; i++ {
		end := HashKeySize - (i * 4)
		k[i] = binary.BigEndian.Uint32(buf[end-4 : end])
	}
	return k, nil
}

// Bytes returns the 20 byte big-endian form of the key.
func (k HashKey) Bytes() []byte {
	b := make([]byte, HashKeySize)
	for i := 0; i < 5; i++ {
		end := HashKeySize - (i * 4)
		binary.BigEndian.PutUint32(b[end-4:end], k[i])
	}
	return b
}

// Compare returns -1, 0 or 1, comparing from the most significant word down.
func (k HashKey) Compare(o HashKey) int {
	for i := 4; i >= 0; i-- {
		switch {
		case k[i] > o[i]:
			return 1
		case k[i] < o[i]:
			return -1
		}
	}
	return 0
}

// Less reports whether k sorts before o.
func (k HashKey) Less(o HashKey) bool {
	return k.Compare(o) < 0
}

// PrimaryHash folds all five words into a single 32 bit hash.
func (k HashKey) PrimaryHash() uint32 {
	h := (k[0] & 0xFF000000) |
		(k[1] & 0x00FF0000) |
		(k[2] & 0x0000FF00) |
		(k[3] & 0x000000FF)
	return h ^ k[4]
}

// SecondaryHash selects one word of the key by tree level. Levels start
// at 1 and wrap around after the fifth word.
func (k HashKey) SecondaryHash(level int) uint32 {
	if level < 1 {
		level = 1
	}
	return k[(level-1)%5]
}

// ShardIndex routes the key to one of n shards, where n is a power of two
// no larger than 1<<31. The shard is taken from the bits of the most
// significant word just below its sign bit.
func (k HashKey) ShardIndex(n int) int {
	if n <= 1 {
		return 0
	}
	bits := 0
	for (1 << bits) < n {
		bits++
	}
	return int((k[4] >> (31 - bits)) & uint32(n-1))
}

// String returns the key as hex, most significant word first.
func (k HashKey) String() string {
	var sb strings.Builder
	for i := 4; i >= 0; i-- {
		fmt.Fprintf(&sb, "%08X", k[i])
	}
	return sb.String()
}
