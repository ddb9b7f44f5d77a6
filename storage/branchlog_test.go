package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchLog(t *testing.T) {
	ts := time.Unix(1700000000, 5)
	records := []BranchRecord{
		{Level: 3, Timestamp: ts, Bits: []byte{1, 2, 3, 4}},
		{Level: 2, Timestamp: ts, Bits: []byte{5, 6}},
		{Level: 1, Timestamp: ts, BlockPosition: 10, BlockID: 1, Bits: []byte{7, 8, 9}},
	}

	write := func(t *testing.T, rw BlockReadWriter, checksum ChecksumFunc) *BranchLog {
		l := NewBranchLog(rw, checksum)
		for _, r := range records {
			_, err := l.Append(r)
			require.NoError(t, err)
		}
		return l
	}

	t.Run("should append at increasing positions", func(t *testing.T) {
		l := NewBranchLog(NewMemBlockReadWriter(), Fletcher32)
		pos := firstBlockPosition
		for _, r := range records {
			got, err := l.Append(r)
			require.NoError(t, err)
			assert.Equal(t, pos, got)
			pos += int64(branchHeaderSize + len(r.Bits))
		}
		assert.Equal(t, pos, l.Cursor())
	})

	t.Run("should read back every record", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		write(t, rw, Fletcher32)
		require.NoError(t, rw.Grow(4096))

		l := NewBranchLog(rw, Fletcher32)
		pos := firstBlockPosition
		for _, want := range records {
			got, ok, err := l.Next()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, pos, got.Position)
			assert.Equal(t, want.Level, got.Level)
			assert.True(t, ts.Equal(got.Timestamp))
			assert.Equal(t, want.BlockPosition, got.BlockPosition)
			assert.Equal(t, want.BlockID, got.BlockID)
			assert.Equal(t, want.Bits, got.Bits)
			pos += int64(got.Size())
		}

		// Zero padding ends the log
		_, ok, err := l.Next()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, pos, l.Cursor())
	})

	t.Run("should stop at the end of storage", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		write(t, rw, nil)
		l := NewBranchLog(rw, nil)
		for range records {
			_, ok, err := l.Next()
			require.NoError(t, err)
			require.True(t, ok)
		}
		_, ok, err := l.Next()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should rewrite a record in place", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		l := write(t, rw, Fletcher32)
		r := records[1]
		r.Position = firstBlockPosition + int64(records[0].Size())
		r.Bits = []byte{0xFF, 0xEE}
		require.NoError(t, l.WriteAt(r))

		rl := NewBranchLog(rw, Fletcher32)
		_, _, err := rl.Next()
		require.NoError(t, err)
		got, ok, err := rl.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0xFF, 0xEE}, got.Bits)

		got, ok, err = rl.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint8(1), got.Level)
	})

	t.Run("should reject a bad marker", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		write(t, rw, nil)
		rw.Bytes()[firstBlockPosition] ^= 0xFF
		_, _, err := NewBranchLog(rw, nil).Next()
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("should reject a truncated header", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		_, err := rw.WriteAt([]byte{0x42, 0x52}, firstBlockPosition)
		require.NoError(t, err)
		_, _, err = NewBranchLog(rw, nil).Next()
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("should reject an empty bitset", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		b := make([]byte, branchHeaderSize)
		le.PutUint32(b, branchMarker)
		b[4] = 1
		_, err := rw.WriteAt(b, firstBlockPosition)
		require.NoError(t, err)
		_, _, err = NewBranchLog(rw, nil).Next()
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("should check the checksum", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		write(t, rw, Fletcher32)
		rw.Bytes()[firstBlockPosition+branchHeaderSize] ^= 0x01

		_, _, err := NewBranchLog(rw, Fletcher32).Next()
		assert.ErrorIs(t, err, ErrCorrupt)

		// A zero sum is still checked
		zero := NewMemBlockReadWriter()
		_, err = NewBranchLog(zero, Fletcher32).Append(BranchRecord{Level: 1, Bits: make([]byte, 4)})
		require.NoError(t, err)
		zero.Bytes()[firstBlockPosition+branchHeaderSize] = 0x01
		_, _, err = NewBranchLog(zero, Fletcher32).Next()
		assert.ErrorIs(t, err, ErrCorrupt)

		// Not checked when checksums are off
		r, ok, err := NewBranchLog(rw, nil).Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0, 2, 3, 4}, r.Bits)
	})
}
