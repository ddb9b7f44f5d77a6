package storage

import (
	"time"

	"github.com/google/btree"
)

// DefaultTreeOrder is the degree of the btree holding a memtable's
// sorted key table.
const DefaultTreeOrder = 32

// tableEntry is one row of a record block's key table.
type tableEntry struct {
	key    HashKey
	offset int32 // Offset into the payload area, or deletedOffset
}

func lessEntry(a, b tableEntry) bool {
	return a.key.Less(b.key)
}

// Memtable is the buffered record block of a shard's active leaf.
//
// Records are appended to an in-memory payload area and indexed by a
// sorted key table. Flush writes the whole block to its file position;
// sealed blocks are then served by sealedBlock.
type Memtable struct {
	blockCodec
	id              uint32
	pos             int64
	payloadCapacity int
	offsets         *btree.BTreeG[tableEntry]
	payload         []byte
	dirty           bool
}

// newMemtable returns an empty memtable for block id at pos.
func newMemtable(codec blockCodec, payloadCapacity int, id uint32, pos int64) *Memtable {
	m := &Memtable{
		blockCodec:      codec,
		payloadCapacity: payloadCapacity,
		offsets:         btree.NewG[tableEntry](DefaultTreeOrder, lessEntry),
		payload:         make([]byte, 0, payloadCapacity),
	}
	m.Reset(id, pos)
	return m
}

// Reset empties the memtable and points it at a new block. The empty
// block is written on the next flush.
func (m *Memtable) Reset(id uint32, pos int64) {
	m.id = id
	m.pos = pos
	m.offsets.Clear(false)
	m.payload = m.payload[:0]
	m.dirty = true
}

// ID returns the block id.
func (m *Memtable) ID() uint32 {
	return m.id
}

// Position returns the file position of the block.
func (m *Memtable) Position() int64 {
	return m.pos
}

// KeyCount returns the number of distinct keys, tombstones included.
func (m *Memtable) KeyCount() int {
	return m.offsets.Len()
}

// Size returns the encoded size of the block.
func (m *Memtable) Size() int {
	return keyTableSize(m.offsets.Len()) + len(m.payload) + blockTrailerSize
}

// Contains reports whether the key table holds the key, even as a
// tombstone.
func (m *Memtable) Contains(key HashKey) bool {
	_, ok := m.offsets.Get(tableEntry{key: key})
	return ok
}

// Keys returns the keys of the block in sorted order.
func (m *Memtable) Keys() []HashKey {
	keys := make([]HashKey, 0, m.offsets.Len())
	m.offsets.Ascend(func(e tableEntry) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}

// canCreate reports whether a record for key with the given slot fits.
// An empty block always accepts its first record, and a key already in
// the table does not count against the key capacity.
func (m *Memtable) canCreate(key HashKey, slot int) bool {
	n := m.offsets.Len()
	if n == 0 {
		return true
	}
	if n >= m.keyCapacity && !m.Contains(key) {
		return false
	}
	return len(m.payload)+recordHeaderSize+slot <= m.payloadCapacity
}

// Create appends a record and points the key table at it. Creating a
// key that is already present supersedes the old record without
// reclaiming its space.
//
// Unsuccessful means the block is full and the caller should rotate.
func (m *Memtable) Create(key HashKey, r Record, slack float64) Status {
	if !validRecord(r) {
		return BadParameter
	}

	// Make sure it fits
	slot := slotSize(len(r.Data), slack)
	if !m.canCreate(key, slot) {
		return Unsuccessful
	}

	// Append the record
	offset := len(m.payload)
	m.payload = append(m.payload, make([]byte, recordHeaderSize+slot)...)
	m.encodeRecord(m.payload[offset:], key, r, slot)

	// Upsert the key table
	m.offsets.ReplaceOrInsert(tableEntry{key: key, offset: int32(offset)})
	m.dirty = true

	// Done
	return Successful
}

// lookup finds the payload offset of a live key.
func (m *Memtable) lookup(key HashKey) (int, Status) {
	e, ok := m.offsets.Get(tableEntry{key: key})
	if !ok {
		return 0, KeyNotFound
	}
	if e.offset == deletedOffset {
		return 0, KeyFoundButMarkedDeleted
	}
	return int(e.offset), Successful
}

// header decodes and validates the record header at offset.
func (m *Memtable) header(key HashKey, offset int) (recordHeader, error) {
	if offset < 0 || offset+recordHeaderSize > len(m.payload) {
		return recordHeader{}, corruptf("record offset %d out of range in block %d", offset, m.id)
	}
	h, err := decodeRecordHeader(m.payload[offset:], key)
	if err != nil {
		return recordHeader{}, err
	}
	if offset+recordHeaderSize+int(h.SlotSize) > len(m.payload) {
		return recordHeader{}, corruptf("record slot overruns block %d", m.id)
	}
	return h, nil
}

func (m *Memtable) Read(key HashKey) (Record, Status, error) {
	offset, st := m.lookup(key)
	if st != Successful {
		return Record{}, st, nil
	}

	// Decode the record
	h, err := m.header(key, offset)
	if err != nil {
		return Record{}, Unsuccessful, err
	}
	start := offset + recordHeaderSize
	data := make([]byte, h.DataLen)
	copy(data, m.payload[start:start+int(h.DataLen)])

	// Check the checksum
	if err := m.verify(h, data); err != nil {
		return Record{}, Unsuccessful, err
	}

	return Record{
		Data:      data,
		Type:      h.Type,
		Timestamp: h.Timestamp,
		Version:   h.Version,
	}, Successful, nil
}

// Update rewrites a record in place. It returns the record as it would
// be written; on Unsuccessful that record carries the settled version
// and timestamp for an append-and-supersede fallback.
func (m *Memtable) Update(key HashKey, r Record, now time.Time) (Record, Status, error) {
	offset, st := m.lookup(key)
	if st != Successful {
		return r, st, nil
	}

	h, err := m.header(key, offset)
	if err != nil {
		return r, Unsuccessful, err
	}

	// Check the update rules
	if st := m.applyUpdate(h, &r, now); st != Successful {
		return r, st, nil
	}

	// Rewrite the slot
	slot := int(h.SlotSize)
	m.encodeRecord(m.payload[offset:offset+recordHeaderSize+slot], key, r, slot)
	m.dirty = true

	return r, Successful, nil
}

// Delete tombstones a key.
func (m *Memtable) Delete(key HashKey) (Status, error) {
	_, st := m.lookup(key)
	if st != Successful {
		return st, nil
	}
	m.offsets.ReplaceOrInsert(tableEntry{key: key, offset: deletedOffset})
	m.dirty = true
	return Successful, nil
}

// Encode serializes the block: header, key table with fence, payloads
// and the trailing size.
func (m *Memtable) Encode() []byte {
	n := m.offsets.Len()
	kts := keyTableSize(n)
	size := m.Size()
	b := make([]byte, size)

	// Write the header
	blockHeader{
		ID:       m.id,
		Size:     int32(size),
		KeyCount: int32(n),
	}.encode(b)

	// Write the key table
	i := 0
	m.offsets.Ascend(func(e tableEntry) bool {
		row := b[blockHeaderSize+i*keyEntrySize:]
		putKey(row, e.key)
		le.PutUint32(row[20:], uint32(e.offset))
		i++
		return true
	})

	// Write the fence
	putKey(b[blockHeaderSize+n*keyEntrySize:], MaxHashKey)

	// Write the payloads and trailer
	copy(b[kts:], m.payload)
	le.PutUint32(b[size-blockTrailerSize:], uint32(size))

	return b
}

// Flush writes the block to its file position if it changed since it
// was last written.
func (m *Memtable) Flush(rw BlockReadWriter) error {
	if !m.dirty {
		return nil
	}
	if _, err := rw.WriteAt(m.Encode(), m.pos); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

// Restore loads the block id at pos back into the memtable.
func (m *Memtable) Restore(rw BlockReadWriter, id uint32, pos int64) error {
	m.Reset(id, pos)

	// Read the header
	hb := make([]byte, blockHeaderSize)
	if err := readBlockFull(rw, hb, pos); err != nil {
		return err
	}
	h, err := decodeBlockHeader(hb, id, m.keyCapacity)
	if err != nil {
		return err
	}

	// Read the rest of the block
	b := make([]byte, h.Size)
	if err := readBlockFull(rw, b, pos); err != nil {
		return err
	}
	n := int(h.KeyCount)
	kts := keyTableSize(n)
	if getKey(b[blockHeaderSize+n*keyEntrySize:]) != MaxHashKey {
		return corruptf("missing fence key in block %d", id)
	}
	if got := int32(le.Uint32(b[h.Size-blockTrailerSize:])); got != h.Size {
		return corruptf("block %d trailer %d does not match size %d", id, got, h.Size)
	}

	// Rebuild the key table
	for i := 0; i < n; i++ {
		row := b[blockHeaderSize+i*keyEntrySize:]
		m.offsets.ReplaceOrInsert(tableEntry{
			key:    getKey(row),
			offset: int32(le.Uint32(row[20:])),
		})
	}

	// Load the payloads
	m.payload = append(m.payload[:0], b[kts:int(h.Size)-blockTrailerSize]...)
	m.dirty = false

	// Done
	return nil
}
