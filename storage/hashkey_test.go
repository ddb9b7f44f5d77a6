package storage

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Run("should hash strings with sha1", func(t *testing.T) {
		want, _ := hex.DecodeString("a9993e364706816aba3e25717850c26c9cd0d89d")
		k := HashString("abc")
		if !bytes.Equal(k.Bytes(), want) {
			t.Fatalf("expected %x, found %x", want, k.Bytes())
		}
		if k[4] != 0xa9993e36 || k[0] != 0x9cd0d89d {
			t.Fatalf("unexpected word order: %08x ... %08x", k[4], k[0])
		}
	})

	t.Run("should round trip bytes", func(t *testing.T) {
		b := make([]byte, HashKeySize)
		for i := range b {
			b[i] = byte(i + 1)
		}
		k, err := HashKeyFromBytes(b)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(k.Bytes(), b) {
			t.Fatalf("expected %x, found %x", b, k.Bytes())
		}
	})

	t.Run("should left pad short input", func(t *testing.T) {
		k, err := HashKeyFromBytes([]byte{1, 2})
		if err != nil {
			t.Fatal(err)
		}
		if k != NewHashKey(0x0102, 0, 0, 0, 0) {
			t.Fatalf("unexpected key %s", k)
		}
	})

	t.Run("should reject long input", func(t *testing.T) {
		if _, err := HashKeyFromBytes(make([]byte, HashKeySize+1)); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("should compare most significant word first", func(t *testing.T) {
		small := NewHashKey(0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0)
		big := NewHashKey(0, 0, 0, 0, 1)
		if !small.Less(big) {
			t.Fatal("expected small < big")
		}
		if big.Compare(small) != 1 || small.Compare(big) != -1 || big.Compare(big) != 0 {
			t.Fatal("unexpected compare result")
		}
		if !big.Less(MaxHashKey) {
			t.Fatal("expected key < max key")
		}
	})

	t.Run("should fold the primary hash", func(t *testing.T) {
		k := NewHashKey(0x11223344, 0x55667788, 0x99AABBCC, 0xDDEEFF00, 0)
		if h := k.PrimaryHash(); h != 0x1166BB00 {
			t.Fatalf("expected %08x, found %08x", 0x1166BB00, h)
		}
		k[4] = 0xFFFFFFFF
		if h := k.PrimaryHash(); h != ^uint32(0x1166BB00) {
			t.Fatalf("expected %08x, found %08x", ^uint32(0x1166BB00), h)
		}
	})

	t.Run("should select the secondary hash by level", func(t *testing.T) {
		k := NewHashKey(10, 11, 12, 13, 14)
		cases := map[int]uint32{1: 10, 2: 11, 5: 14, 6: 10, 7: 11}
		for level, want := range cases {
			if h := k.SecondaryHash(level); h != want {
				t.Fatalf("level %d: expected %d, found %d", level, want, h)
			}
		}
	})

	t.Run("should route by the high bits below the sign bit", func(t *testing.T) {
		cases := []struct {
			w4   uint32
			n    int
			want int
		}{
			{0x70000000, 8, 7},
			{0x80000000, 8, 0},
			{0x10000000, 8, 1},
			{0x3FFFFFFF, 2, 0},
			{0x40000000, 2, 1},
			{0x7FFFFFFF, 1, 0},
		}
		for _, c := range cases {
			k := NewHashKey(0, 0, 0, 0, c.w4)
			if got := k.ShardIndex(c.n); got != c.want {
				t.Fatalf("%08x over %d shards: expected %d, found %d", c.w4, c.n, c.want, got)
			}
		}
	})

	t.Run("should format as hex", func(t *testing.T) {
		k := NewHashKey(1, 0, 0, 0, 0xABCDEF01)
		want := "ABCDEF01" + "00000000" + "00000000" + "00000000" + "00000001"
		if k.String() != want {
			t.Fatalf("expected %s, found %s", want, k.String())
		}
	})
}
