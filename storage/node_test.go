package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelShapes(t *testing.T) {
	shapes := levelShapes(DefaultKeyCapacity, DefaultPadFactor, DefaultBranchFactors, DefaultErrorRate)
	require.Len(t, shapes, len(DefaultBranchFactors)+2)

	want := []int{0, 96, 382, 3052, 48828, 1562493}
	for level := 1; level < len(shapes); level++ {
		assert.Equal(t, want[level], shapes[level].capacity, "level %d", level)

		m, _ := bloom.EstimateParameters(uint(want[level]), DefaultErrorRate)
		assert.Equal(t, int((m+7)/8), shapes[level].nbytes, "level %d", level)
		assert.Equal(t, uint(6), shapes[level].k, "level %d", level)
	}

	assert.Equal(t, 4, levelFanOut(DefaultBranchFactors, 2))
	assert.Equal(t, 32, levelFanOut(DefaultBranchFactors, 5))
	assert.Equal(t, 0, levelFanOut(DefaultBranchFactors, 1))
	assert.Equal(t, 0, levelFanOut(DefaultBranchFactors, 6))
}

// testChain builds a root chain down to a single leaf and returns the
// arena and the leaf.
func testChain(t *testing.T) (*nodeArena, int32) {
	t.Helper()
	a := newNodeArena(4, 1.0, []int{2, 2}, 0.02)
	parent := noNode
	for level := a.topLevel(); level >= 1; level-- {
		n := a.newNode(level)
		if parent == noNode {
			a.addRoot(n)
		} else {
			a.addChild(parent, n)
		}
		parent = n
	}
	return a, parent
}

func TestNodeArena(t *testing.T) {
	t.Run("should propagate keys to every ancestor", func(t *testing.T) {
		a, leaf := testChain(t)
		require.Equal(t, uint8(3), a.topLevel())

		for i := 0; i < 4; i++ {
			a.superAddKey(leaf, testKey(i))
		}
		for i := 0; i < 4; i++ {
			for n := leaf; n != noNode; n = a.node(n).parent {
				assert.True(t, a.containsKey(n, testKey(i)), "node %d key %d", n, i)
			}
		}
	})

	t.Run("should have no false negatives", func(t *testing.T) {
		a := newNodeArena(1000, 1.0, []int{4}, 0.01)
		leaf := a.newNode(1)
		for i := 0; i < 1000; i++ {
			a.addKey(leaf, HashString(fmt.Sprint(i)))
		}
		for i := 0; i < 1000; i++ {
			require.True(t, a.containsKey(leaf, HashString(fmt.Sprint(i))), "key %d", i)
		}
	})

	t.Run("should keep the false positive rate near the target", func(t *testing.T) {
		const n, trials = 96, 20000
		a := newNodeArena(n, 1.0, []int{4}, DefaultErrorRate)
		leaf := a.newNode(1)
		ref := bloom.NewWithEstimates(n, DefaultErrorRate)
		for i := 0; i < n; i++ {
			k := HashString(fmt.Sprintf("in-%d", i))
			a.addKey(leaf, k)
			ref.Add(k.Bytes())
		}

		var ours, theirs int
		for i := 0; i < trials; i++ {
			k := HashString(fmt.Sprintf("out-%d", i))
			if a.containsKey(leaf, k) {
				ours++
			}
			if ref.Test(k.Bytes()) {
				theirs++
			}
		}
		assert.Less(t, float64(ours)/trials, 3*DefaultErrorRate)
		assert.Less(t, float64(theirs)/trials, 3*DefaultErrorRate)
	})

	t.Run("should round trip bitsets", func(t *testing.T) {
		a := newNodeArena(96, 1.0, []int{4}, DefaultErrorRate)
		leaf := a.newNode(1)
		a.node(leaf).bits.Set(9)
		a.node(leaf).bits.Set(uint(a.node(leaf).bitCount() - 1))

		b := a.node(leaf).encodeBits()
		require.Len(t, b, a.shapes[1].nbytes)
		assert.Equal(t, byte(0x02), b[1])
		assert.Equal(t, byte(0x80), b[len(b)-1])

		bits := decodeBits(b)
		for i := uint(0); i < uint(a.node(leaf).bitCount()); i++ {
			assert.Equal(t, a.node(leaf).bits.Test(i), bits.Test(i), "bit %d", i)
		}
	})

	t.Run("should treat a zero secondary hash as one", func(t *testing.T) {
		assert.Equal(t, probe(5, 0, 3, 100), probe(5, 1, 3, 100))
		assert.Equal(t, uint(8), probe(5, 1, 3, 100))
		assert.Equal(t, uint(2), probe(0xFFFFFFFF, 2, 1, 0xFFFFFFFF))
	})

	t.Run("should search the newest leaf first", func(t *testing.T) {
		a, first := testChain(t)
		parent := a.node(first).parent
		second := a.newNode(1)
		a.addChild(parent, second)

		k := testKey(1)
		a.superAddKey(first, k)
		a.superAddKey(second, k)

		var visited []int32
		st, err := a.search(k, func(leaf int32) (Status, error) {
			visited = append(visited, leaf)
			return Successful, nil
		})
		require.NoError(t, err)
		assert.Equal(t, Successful, st)
		assert.Equal(t, []int32{second}, visited)
	})

	t.Run("should count false positives", func(t *testing.T) {
		a, leaf := testChain(t)
		k := testKey(1)
		a.superAddKey(leaf, k)

		st, err := a.search(k, func(int32) (Status, error) {
			return KeyNotFound, nil
		})
		require.NoError(t, err)
		assert.Equal(t, KeyNotFound, st)
		assert.Equal(t, int64(1), a.falsePositives(1))
		assert.Equal(t, int64(1), a.falsePositives(2))
	})

	t.Run("should skip subtrees that cannot hold the key", func(t *testing.T) {
		a, _ := testChain(t)
		called := false
		st, err := a.search(testKey(1), func(int32) (Status, error) {
			called = true
			return Successful, nil
		})
		require.NoError(t, err)
		assert.Equal(t, KeyNotFound, st)
		assert.False(t, called)
	})
}

func TestNodeArenaFlush(t *testing.T) {
	rw := NewMemBlockReadWriter()
	log := NewBranchLog(rw, Fletcher32)
	a, leaf := testChain(t)
	a.node(leaf).blockPos = firstBlockPosition
	a.node(leaf).blockID = 1
	a.superAddKey(leaf, testKey(1))

	// First flush appends every node
	require.NoError(t, a.flush(log, time.Now()))
	cursor := log.Cursor()
	for i := range a.nodes {
		assert.False(t, a.nodes[i].dirty)
		assert.NotZero(t, a.nodes[i].logPos)
	}

	// Later flushes rewrite in place
	a.superAddKey(leaf, testKey(2))
	require.NoError(t, a.flush(log, time.Now()))
	assert.Equal(t, cursor, log.Cursor())

	// Parents come before children
	rl := NewBranchLog(rw, Fletcher32)
	var levels []uint8
	for {
		r, ok, err := rl.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		levels = append(levels, r.Level)
		if r.Level == 1 {
			assert.Equal(t, uint32(1), r.BlockID)
			assert.Equal(t, firstBlockPosition, r.BlockPosition)
			assert.Equal(t, a.node(leaf).encodeBits(), r.Bits)
		}
	}
	assert.Equal(t, []uint8{3, 2, 1}, levels)
}
