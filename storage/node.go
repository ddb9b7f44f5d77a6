package storage

import (
	"time"

	"github.com/bits-and-blooms/bitset"
)

// noNode is the null node index, used as the parent of a root.
const noNode = int32(-1)

// bloomNode is one filter in a shard's index hierarchy. Interior nodes
// have children; leaves (level 1) point at a record block.
type bloomNode struct {
	level    uint8
	parent   int32
	children []int32 // In insertion order
	bits     *bitset.BitSet
	nbytes   int

	logPos int64 // Zero until the node is first written to the branch log
	dirty  bool

	// Leaves only
	blockPos int64
	blockID  uint32

	falsePositives int64
}

func (n *bloomNode) leaf() bool {
	return n.level == 1
}

// bitCount is the number of addressable bits.
func (n *bloomNode) bitCount() uint64 {
	return uint64(n.nbytes) * 8
}

// encodeBits serializes the bitset as little-endian bytes, bit i being
// bit i%8 of byte i/8.
func (n *bloomNode) encodeBits() []byte {
	b := make([]byte, n.nbytes)
	for i, w := range n.bits.Bytes() {
		for j := 0; j < 8; j++ {
			off := i*8 + j
			if off >= len(b) {
				return b
			}
			b[off] = byte(w >> (8 * j))
		}
	}
	return b
}

// decodeBits is the reverse of encodeBits.
func decodeBits(b []byte) *bitset.BitSet {
	words := make([]uint64, (len(b)+7)/8)
	for i, c := range b {
		words[i/8] |= uint64(c) << (8 * (i % 8))
	}
	return bitset.From(words)
}

// nodeArena owns every bloom node of one shard. Nodes are addressed by
// index and never removed.
type nodeArena struct {
	nodes         []bloomNode
	roots         []int32 // Oldest first
	shapes        []filterShape
	branchFactors []int
}

func newNodeArena(keyCapacity, padFactor float64, branchFactors []int, errorRate float64) *nodeArena {
	return &nodeArena{
		shapes:        levelShapes(keyCapacity, padFactor, branchFactors, errorRate),
		branchFactors: branchFactors,
	}
}

// topLevel is the level of a root node.
func (a *nodeArena) topLevel() uint8 {
	return uint8(len(a.shapes) - 1)
}

// node returns the node at index i.
func (a *nodeArena) node(i int32) *bloomNode {
	return &a.nodes[i]
}

// newNode allocates an empty, dirty node with no parent.
func (a *nodeArena) newNode(level uint8) int32 {
	shape := a.shapes[level]
	a.nodes = append(a.nodes, bloomNode{
		level:  level,
		parent: noNode,
		bits:   bitset.New(uint(shape.nbytes) * 8),
		nbytes: shape.nbytes,
		dirty:  true,
	})
	return int32(len(a.nodes) - 1)
}

// loadNode allocates a node from a branch log record.
func (a *nodeArena) loadNode(r BranchRecord) (int32, error) {
	if r.Level < 1 || r.Level > a.topLevel() {
		return 0, corruptf("branch level %d out of range at %d", r.Level, r.Position)
	}
	if len(r.Bits) != a.shapes[r.Level].nbytes {
		return 0, corruptf("branch bitset length %d does not match level %d at %d", len(r.Bits), r.Level, r.Position)
	}
	a.nodes = append(a.nodes, bloomNode{
		level:    r.Level,
		parent:   noNode,
		bits:     decodeBits(r.Bits),
		nbytes:   len(r.Bits),
		logPos:   r.Position,
		blockPos: r.BlockPosition,
		blockID:  r.BlockID,
	})
	return int32(len(a.nodes) - 1), nil
}

// addRoot appends a root to the forest.
func (a *nodeArena) addRoot(i int32) {
	a.roots = append(a.roots, i)
}

// fanOut is the maximum number of children of a node at level.
func (a *nodeArena) fanOut(level uint8) int {
	return levelFanOut(a.branchFactors, level)
}

// addChild appends child to parent's children and sets its back-reference.
func (a *nodeArena) addChild(parent, child int32) {
	p := a.node(parent)
	p.children = append(p.children, child)
	a.node(child).parent = parent
}

// probe returns the bit index of hash function i for a key.
func probe(primary, secondary uint32, i uint, bitCount uint64) uint {
	if secondary == 0 {
		secondary = 1
	}
	return uint((uint64(primary) + uint64(i)*uint64(secondary)) % bitCount)
}

// containsKey tests the key against one node's filter.
func (a *nodeArena) containsKey(i int32, key HashKey) bool {
	n := a.node(i)
	k := a.shapes[n.level].k
	primary := key.PrimaryHash()
	secondary := key.SecondaryHash(int(n.level))
	for j := uint(0); j < k; j++ {
		if !n.bits.Test(probe(primary, secondary, j, n.bitCount())) {
			return false
		}
	}
	return true
}

func (a *nodeArena) addKey(i int32, key HashKey) {
	n := a.node(i)
	k := a.shapes[n.level].k
	primary := key.PrimaryHash()
	secondary := key.SecondaryHash(int(n.level))
	for j := uint(0); j < k; j++ {
		n.bits.Set(probe(primary, secondary, j, n.bitCount()))
	}
	n.dirty = true
}

// superAddKey adds the key to node i and every one of its ancestors.
func (a *nodeArena) superAddKey(i int32, key HashKey) {
	for i != noNode {
		a.addKey(i, key)
		i = a.node(i).parent
	}
}

// evaluator runs a record operation against a candidate leaf. It returns
// KeyNotFound to keep searching.
type evaluator func(leaf int32) (Status, error)

// superContainsKey searches the subtree under node i, newest children
// first, and runs eval on every leaf whose filter matches the key. The
// first result other than KeyNotFound wins.
//
// A node whose filter matched but whose subtree did not hold the key has
// its false positive counter bumped.
func (a *nodeArena) superContainsKey(i int32, key HashKey, eval evaluator) (Status, error) {
	if !a.containsKey(i, key) {
		return KeyNotFound, nil
	}

	n := a.node(i)
	if n.leaf() {
		st, err := eval(i)
		if err != nil {
			return st, err
		}
		if st == KeyNotFound {
			n.falsePositives++
		}
		return st, nil
	}

	// Search the children, newest first
	for j := len(n.children) - 1; j >= 0; j-- {
		st, err := a.superContainsKey(n.children[j], key, eval)
		if err != nil {
			return st, err
		}
		if st != KeyNotFound {
			return st, nil
		}
	}

	// Every child missed
	a.node(i).falsePositives++
	return KeyNotFound, nil
}

// search runs superContainsKey over every root, newest first.
func (a *nodeArena) search(key HashKey, eval evaluator) (Status, error) {
	for j := len(a.roots) - 1; j >= 0; j-- {
		st, err := a.superContainsKey(a.roots[j], key, eval)
		if err != nil {
			return st, err
		}
		if st != KeyNotFound {
			return st, nil
		}
	}
	return KeyNotFound, nil
}

// falsePositives sums the false positive counters of the nodes at level.
func (a *nodeArena) falsePositives(level uint8) int64 {
	var total int64
	for i := range a.nodes {
		if a.nodes[i].level == level {
			total += a.nodes[i].falsePositives
		}
	}
	return total
}

// leaves counts the leaves in the arena.
func (a *nodeArena) leaves() int {
	var n int
	for i := range a.nodes {
		if a.nodes[i].leaf() {
			n++
		}
	}
	return n
}

// flush writes every dirty node to the branch log. Nodes are visited in
// allocation order, which is also a pre-order walk of the forest because
// the tree only grows along its newest path. That keeps parents ahead of
// their children in the log.
func (a *nodeArena) flush(log *BranchLog, now time.Time) error {
	for i := range a.nodes {
		n := &a.nodes[i]
		if !n.dirty {
			continue
		}

		r := BranchRecord{
			Position:      n.logPos,
			Level:         n.level,
			Timestamp:     now,
			BlockPosition: n.blockPos,
			BlockID:       n.blockID,
			Bits:          n.encodeBits(),
		}

		// First write takes the next log position
		if n.logPos == 0 {
			pos, err := log.Append(r)
			if err != nil {
				return err
			}
			n.logPos = pos
		} else if err := log.WriteAt(r); err != nil {
			return err
		}

		n.dirty = false
	}
	return nil
}
