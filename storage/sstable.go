package storage

import (
	"sort"
	"time"
)

// recordBackend is the storage behind one leaf. The active leaf is served
// by a *Memtable and sealed leaves by a sealedBlock.
type recordBackend interface {
	Read(key HashKey) (Record, Status, error)
	Update(key HashKey, r Record, now time.Time) (Record, Status, error)
	Delete(key HashKey) (Status, error)
}

var (
	_ recordBackend = (*Memtable)(nil)
	_ recordBackend = sealedBlock{}
)

// sealedBlock is a record block that has been flushed and is no longer
// accepting creates. Every operation goes straight to the file: the key
// table is read and binary searched, then the record slot is read or
// rewritten in place.
type sealedBlock struct {
	blockCodec
	rw  BlockReadWriter
	id  uint32
	pos int64
}

// keyTable reads the block header and its key table.
func (b sealedBlock) keyTable() (blockHeader, []byte, error) {
	// Read the header
	hb := make([]byte, blockHeaderSize)
	if err := readBlockFull(b.rw, hb, b.pos); err != nil {
		return blockHeader{}, nil, err
	}
	h, err := decodeBlockHeader(hb, b.id, b.keyCapacity)
	if err != nil {
		return blockHeader{}, nil, err
	}

	// Read the keys, fence excluded
	table := make([]byte, int(h.KeyCount)*keyEntrySize)
	if err := readBlockFull(b.rw, table, b.pos+blockHeaderSize); err != nil {
		return blockHeader{}, nil, err
	}

	return h, table, nil
}

// find binary searches the key table. It returns the row index and the
// record's payload offset.
func (b sealedBlock) find(key HashKey) (h blockHeader, row int, offset int32, st Status, err error) {
	h, table, err := b.keyTable()
	if err != nil {
		return h, 0, 0, Unsuccessful, err
	}

	// Search the table
	n := int(h.KeyCount)
	row = sort.Search(n, func(i int) bool {
		return !getKey(table[i*keyEntrySize:]).Less(key)
	})
	if row == n || getKey(table[row*keyEntrySize:]) != key {
		return h, 0, 0, KeyNotFound, nil
	}

	// Is it a tombstone?
	offset = int32(le.Uint32(table[row*keyEntrySize+20:]))
	if offset == deletedOffset {
		return h, row, offset, KeyFoundButMarkedDeleted, nil
	}
	return h, row, offset, Successful, nil
}

// recordPosition converts a payload offset to a file position.
func (b sealedBlock) recordPosition(h blockHeader, offset int32) (int64, error) {
	kts := keyTableSize(int(h.KeyCount))
	if offset < 0 || kts+int(offset)+recordHeaderSize > int(h.Size)-blockTrailerSize {
		return 0, corruptf("record offset %d out of range in block %d", offset, b.id)
	}
	return b.pos + int64(kts) + int64(offset), nil
}

// header reads and validates the record header at pos.
func (b sealedBlock) header(key HashKey, pos int64) (recordHeader, error) {
	hb := make([]byte, recordHeaderSize)
	if err := readBlockFull(b.rw, hb, pos); err != nil {
		return recordHeader{}, err
	}
	return decodeRecordHeader(hb, key)
}

func (b sealedBlock) Read(key HashKey) (Record, Status, error) {
	h, _, offset, st, err := b.find(key)
	if err != nil || st != Successful {
		return Record{}, st, err
	}

	// Read the record header
	pos, err := b.recordPosition(h, offset)
	if err != nil {
		return Record{}, Unsuccessful, err
	}
	rh, err := b.header(key, pos)
	if err != nil {
		return Record{}, Unsuccessful, err
	}

	// Read the data
	data := make([]byte, rh.DataLen)
	if err := readBlockFull(b.rw, data, pos+recordHeaderSize); err != nil {
		return Record{}, Unsuccessful, err
	}
	if err := b.verify(rh, data); err != nil {
		return Record{}, Unsuccessful, err
	}

	return Record{
		Data:      data,
		Type:      rh.Type,
		Timestamp: rh.Timestamp,
		Version:   rh.Version,
	}, Successful, nil
}

// Update rewrites a record slot in the file. See Memtable.Update.
func (b sealedBlock) Update(key HashKey, r Record, now time.Time) (Record, Status, error) {
	h, _, offset, st, err := b.find(key)
	if err != nil || st != Successful {
		return r, st, err
	}

	// Read the record header
	pos, err := b.recordPosition(h, offset)
	if err != nil {
		return r, Unsuccessful, err
	}
	rh, err := b.header(key, pos)
	if err != nil {
		return r, Unsuccessful, err
	}

	// Check the update rules
	if st := b.applyUpdate(rh, &r, now); st != Successful {
		return r, st, nil
	}

	// Rewrite the slot
	slot := int(rh.SlotSize)
	buf := make([]byte, recordHeaderSize+slot)
	b.encodeRecord(buf, key, r, slot)
	if _, err := b.rw.WriteAt(buf, pos); err != nil {
		return r, Unsuccessful, err
	}

	return r, Successful, nil
}

// Delete overwrites the key's table offset with the tombstone marker.
func (b sealedBlock) Delete(key HashKey) (Status, error) {
	_, row, _, st, err := b.find(key)
	if err != nil || st != Successful {
		return st, err
	}

	var buf [4]byte
	off := deletedOffset
	le.PutUint32(buf[:], uint32(off))
	pos := b.pos + blockHeaderSize + int64(row*keyEntrySize) + 20
	if _, err := b.rw.WriteAt(buf[:], pos); err != nil {
		return Unsuccessful, err
	}
	return Successful, nil
}
