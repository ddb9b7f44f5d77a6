package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tree is one shard of a store: a forest of bloom filter nodes over the
// shard's record blocks, plus the single active leaf accepting creates.
//
// Every operation holds the tree's lock for its whole duration, including
// any reads or writes of sealed blocks.
type Tree struct {
	sync.Mutex
	id       int
	settings Settings
	log      *slog.Logger
	counters *Counters

	blocks    BlockReadWriter // Record blocks
	branches  BlockReadWriter // Branch log
	branchLog *BranchLog

	arena       *nodeArena
	codec       blockCodec
	bufferSize  int
	active      int32 // Leaf index of the active block
	mem         *Memtable
	nextBlockID uint32
	closed      bool

	now func() time.Time
}

// TreeShape summarizes the filter hierarchy of a tree.
type TreeShape struct {
	Roots  int
	Nodes  int
	Leaves int
}

// NewTree opens shard id over the given block and branch storage. If the
// branch log holds any records the tree is rebuilt from them and the
// active block is restored; otherwise a fresh tree is created.
//
// Nil counters or logger are replaced with private ones.
func NewTree(id int, blocks, branches BlockReadWriter, s Settings, counters *Counters, logger *slog.Logger) (*Tree, error) {
	if counters == nil {
		counters = &Counters{}
	}
	if logger == nil {
		logger = NoopLogger()
	}
	checksum, err := s.checksumFunc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	// Size the record blocks
	keyCapacity := s.blockKeyCapacity()
	total, payloadCapacity := blockGeometry(keyCapacity, s.AverageItemSize, s.AverageItemSizeSlack)
	codec := blockCodec{
		keyCapacity: keyCapacity,
		checksum:    checksum,
		window:      s.TimeSlipWindow,
	}

	t := &Tree{
		id:         id,
		settings:   s,
		log:        logger,
		counters:   counters,
		blocks:     blocks,
		branches:   branches,
		branchLog:  NewBranchLog(branches, checksum),
		arena:      newNodeArena(s.KeyCapacity, s.PadFactor, s.BranchFactors, s.ErrorRate),
		codec:      codec,
		bufferSize: total,
		active:     noNode,
		mem:        newMemtable(codec, payloadCapacity, 0, firstBlockPosition),
		now:        time.Now,
	}

	// Rebuild from the branch log if there is one
	ok, err := t.reconstruct()
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct shard %d: %w", id, err)
	}
	if ok {
		t.log.Debug("reconstructed shard",
			"roots", len(t.arena.roots),
			"nodes", len(t.arena.nodes),
			"active_block", t.mem.ID(),
		)
		return t, nil
	}

	// Otherwise start a fresh tree
	t.nextBlockID = 1
	if err := t.reserve(firstBlockPosition); err != nil {
		return nil, err
	}
	parent := noNode
	for level := t.arena.topLevel(); level >= 2; level-- {
		parent = t.addNode(parent, level)
	}
	t.attachLeaf(parent, firstBlockPosition)

	// Done
	return t, nil
}

// addNode allocates a node at level under parent, or as a new root.
func (t *Tree) addNode(parent int32, level uint8) int32 {
	n := t.arena.newNode(level)
	if parent == noNode {
		t.arena.addRoot(n)
	} else {
		t.arena.addChild(parent, n)
	}
	return n
}

// attachLeaf allocates the next record block at pos under parent and
// makes it the active leaf.
func (t *Tree) attachLeaf(parent int32, pos int64) {
	leaf := t.addNode(parent, 1)
	n := t.arena.node(leaf)
	n.blockID = t.nextBlockID
	n.blockPos = pos
	t.nextBlockID++

	t.active = leaf
	t.mem.Reset(n.blockID, pos)
}

// reconstruct replays the branch log. It reports false if the log is
// empty.
func (t *Tree) reconstruct() (bool, error) {
	parent := noNode
	var maxID uint32
	var count int

	for {
		r, ok, err := t.branchLog.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		count++

		i, err := t.arena.loadNode(r)
		if err != nil {
			return false, err
		}

		// Interior nodes start a new root at the top level, otherwise they
		// hang under the nearest higher level of the current chain
		if r.Level > 1 {
			if len(t.arena.roots) == 0 || t.arena.node(t.arena.roots[0]).level == r.Level {
				t.arena.addRoot(i)
				parent = i
				continue
			}
			for parent != noNode && t.arena.node(parent).level <= r.Level {
				parent = t.arena.node(parent).parent
			}
			if parent == noNode {
				return false, corruptf("level %d branch at %d has no parent", r.Level, r.Position)
			}
			t.arena.addChild(parent, i)
			parent = i
			continue
		}

		// Leaves hang under the last interior node; the last one is active
		if parent == noNode {
			return false, corruptf("leaf branch at %d has no parent", r.Position)
		}
		t.arena.addChild(parent, i)
		t.active = i
		maxID = max(maxID, r.BlockID)
	}

	if count == 0 {
		return false, nil
	}
	if t.active == noNode {
		return false, corruptf("branch log has no leaves")
	}

	// Restore the active block
	t.nextBlockID = maxID + 1
	n := t.arena.node(t.active)
	if err := t.mem.Restore(t.blocks, n.blockID, n.blockPos); err != nil {
		return false, err
	}
	return true, nil
}

// reserve grows the block file so a full buffer fits at pos.
func (t *Tree) reserve(pos int64) error {
	need := pos + int64(t.bufferSize)
	size, err := t.blocks.Size()
	if err != nil {
		return err
	}
	if need <= size {
		return nil
	}

	grow := t.settings.GrowFileSize
	if grow <= 0 {
		grow = int64(t.bufferSize)
	}
	for size < need {
		size += grow
	}
	return t.blocks.Grow(size)
}

// rotate seals the active block and starts a new one right after it.
func (t *Tree) rotate() error {
	// Write out the full block
	if err := t.mem.Flush(t.blocks); err != nil {
		return fmt.Errorf("failed to flush block %d: %w", t.mem.ID(), err)
	}
	pos := t.mem.Position() + int64(t.mem.Size())
	if err := t.reserve(pos); err != nil {
		return fmt.Errorf("failed to grow block file: %w", err)
	}

	// Find a parent with room
	parent := t.arena.node(t.active).parent
	if len(t.arena.node(parent).children) >= t.arena.fanOut(2) {
		parent = t.expand(parent)
	}

	// Start the new block
	sealed := t.mem.ID()
	t.attachLeaf(parent, pos)
	t.counters.leavesRotated.Add(1)
	t.log.Debug("rotated block",
		"sealed", sealed,
		"active", t.mem.ID(),
		"position", pos,
	)
	return nil
}

// expand walks up from a full level 2 node to the nearest ancestor with
// room for another child and builds a fresh chain of interior nodes down
// to level 2 beneath it. If every ancestor is full the chain starts a new
// root. It returns the new level 2 node.
func (t *Tree) expand(from int32) int32 {
	pos := from
	for {
		parent := t.arena.node(pos).parent

		var level uint8
		switch {
		case parent == noNode:
			level = t.arena.topLevel()
		case len(t.arena.node(parent).children) < t.arena.fanOut(t.arena.node(parent).level):
			level = t.arena.node(parent).level - 1
		default:
			pos = parent
			continue
		}

		// Build the chain down to level 2
		for ; level >= 2; level-- {
			parent = t.addNode(parent, level)
		}
		t.log.Debug("expanded tree", "roots", len(t.arena.roots), "nodes", len(t.arena.nodes))
		return parent
	}
}

// fault counts corruption errors.
func (t *Tree) fault(err error) error {
	if errors.Is(err, ErrCorrupt) {
		t.counters.corruptionErrors.Add(1)
		t.log.Error("corrupt record data", "error", err)
	}
	return err
}

// Create stores a new record in the active block, rotating to a fresh
// block if it is full. A version of zero is stored as one.
func (t *Tree) Create(key HashKey, r Record) (Status, error) {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return Unsuccessful, ErrClosed
	}
	st, err := t.create(key, r)
	return st, t.fault(err)
}

func (t *Tree) create(key HashKey, r Record) (Status, error) {
	if !validRecord(r) {
		return BadParameter, nil
	}
	if r.Version == 0 {
		r.Version = 1
	}

	for tries := 2; tries > 0; tries-- {
		st := t.mem.Create(key, r, t.settings.AverageItemSizeSlack)
		if st == Successful {
			t.arena.superAddKey(t.active, key)
			t.counters.created.Add(1)
			t.counters.bytesExtant.Add(int64(len(r.Data)))
			return st, nil
		}
		if st != Unsuccessful || tries == 1 {
			return st, nil
		}

		// The block is full
		if err := t.rotate(); err != nil {
			return Unsuccessful, err
		}
	}
	return Unsuccessful, nil
}

// route runs op against the block holding key. The active block is used
// when it holds the key, otherwise the forest is searched newest first.
func (t *Tree) route(key HashKey, op func(b recordBackend) (Status, error)) (Status, error) {
	if t.mem.Contains(key) {
		return op(t.mem)
	}
	return t.arena.search(key, func(leaf int32) (Status, error) {
		if leaf == t.active {
			return KeyNotFound, nil
		}
		n := t.arena.node(leaf)
		return op(sealedBlock{
			blockCodec: t.codec,
			rw:         t.blocks,
			id:         n.blockID,
			pos:        n.blockPos,
		})
	})
}

// Read returns the newest record stored for key.
func (t *Tree) Read(key HashKey) (Record, Status, error) {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return Record{}, Unsuccessful, ErrClosed
	}

	var rec Record
	st, err := t.route(key, func(b recordBackend) (Status, error) {
		r, st, err := b.Read(key)
		rec = r
		return st, err
	})
	if err != nil {
		return Record{}, st, t.fault(err)
	}
	if st.Found() {
		t.counters.read.Add(1)
	}
	return rec, st, nil
}

// Update rewrites the record for key in place. If the new data does not
// fit the record's slot a new record is created that supersedes it. The
// returned record carries the version and timestamp that were written.
func (t *Tree) Update(key HashKey, r Record) (Record, Status, error) {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return r, Unsuccessful, ErrClosed
	}
	if !validRecord(r) {
		return r, BadParameter, nil
	}

	now := t.now()
	written := r
	st, err := t.route(key, func(b recordBackend) (Status, error) {
		w, st, err := b.Update(key, r, now)
		written = w
		return st, err
	})
	if err != nil {
		return r, st, t.fault(err)
	}

	switch st {
	case Successful:
		t.counters.updatedInPlace.Add(1)
	case Unsuccessful:
		// Too big for the slot, supersede it
		st, err = t.create(key, written)
		if err != nil {
			return r, st, t.fault(err)
		}
		if st == Successful {
			t.counters.updatedCreated.Add(1)
		}
	}
	return written, st, nil
}

// Delete tombstones the record for key.
func (t *Tree) Delete(key HashKey) (Status, error) {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return Unsuccessful, ErrClosed
	}

	st, err := t.route(key, func(b recordBackend) (Status, error) {
		return b.Delete(key)
	})
	if err != nil {
		return st, t.fault(err)
	}
	if st == Successful {
		t.counters.deleted.Add(1)
	}
	return st, nil
}

// Flush writes the active block and every changed filter node, then syncs
// both files.
func (t *Tree) Flush() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return ErrClosed
	}
	return t.flush()
}

func (t *Tree) flush() error {
	if err := t.mem.Flush(t.blocks); err != nil {
		return fmt.Errorf("failed to flush block %d: %w", t.mem.ID(), err)
	}
	if err := t.arena.flush(t.branchLog, t.now()); err != nil {
		return fmt.Errorf("failed to flush branches: %w", err)
	}
	if err := t.blocks.Sync(); err != nil {
		return err
	}
	return t.branches.Sync()
}

// Close flushes the tree and releases its storage. Closing twice is a
// no-op.
func (t *Tree) Close() error {
	t.Lock()
	defer t.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	err := t.flush()
	return errors.Join(err, t.blocks.Close(), t.branches.Close())
}

// FalsePositives is the number of leaf filter matches that did not hold
// the key they matched.
func (t *Tree) FalsePositives() int64 {
	t.Lock()
	defer t.Unlock()
	return t.arena.falsePositives(1)
}

// Shape describes the current filter hierarchy.
func (t *Tree) Shape() TreeShape {
	t.Lock()
	defer t.Unlock()
	return TreeShape{
		Roots:  len(t.arena.roots),
		Nodes:  len(t.arena.nodes),
		Leaves: t.arena.leaves(),
	}
}
