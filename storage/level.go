package storage

import (
	"math"

	"github.com/bits-and-blooms/bloom/v3"
)

// filterShape is the sizing of every bloom filter at one tree level.
type filterShape struct {
	capacity int  // Keys the filter is sized for
	nbytes   int  // Serialized bitset length
	k        uint // Hash functions
}

// newFilterShape sizes a filter for n keys at the given error rate.
func newFilterShape(n int, errorRate float64) filterShape {
	if n < 1 {
		n = 1
	}
	m, _ := bloom.EstimateParameters(uint(n), errorRate)
	k := uint(math.Round(math.Ln2 * float64(m) / float64(n)))
	if k < 1 {
		k = 1
	}
	return filterShape{
		capacity: n,
		nbytes:   int((m + 7) / 8),
		k:        k,
	}
}

// levelShapes computes the filter shape of every level from 1 (leaves)
// up to len(branchFactors)+1. A level L filter is sized for the keys of
// all the leaves a full level L subtree can hold.
func levelShapes(keyCapacity, padFactor float64, branchFactors []int, errorRate float64) []filterShape {
	top := len(branchFactors) + 1
	shapes := make([]filterShape, top+1)
	for level := 1; level <= top; level++ {
		n := padFactor * keyCapacity
		for i := 2; i <= level; i++ {
			n *= float64(branchFactors[i-2])
		}
		shapes[level] = newFilterShape(int(math.Ceil(n)), errorRate)
	}
	return shapes
}

// levelFanOut is the maximum number of children of a node at level,
// taken from branchFactors. Leaves have no children.
func levelFanOut(branchFactors []int, level uint8) int {
	if level < 2 || int(level)-2 >= len(branchFactors) {
		return 0
	}
	return branchFactors[level-2]
}
