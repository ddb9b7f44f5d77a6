package storage

import (
	"time"
)

// Branch log record layout. All integers are little-endian.
//
//	marker "BRCH" u32 | level u8 | timestamp i64 | checksum u32 |
//	block position i64 | block id u32 | bitset length i32 | bitset bytes
const (
	branchHeaderSize = 33
	branchMarker     = uint32(0x48435242) // BRCH
)

// BranchRecord is one persisted bloom node.
type BranchRecord struct {
	Position      int64 // Where the record lives in the log
	Level         uint8
	Timestamp     time.Time
	BlockPosition int64  // Leaves only
	BlockID       uint32 // Leaves only
	Bits          []byte
}

// Size returns the encoded size of the record.
func (r BranchRecord) Size() int {
	return branchHeaderSize + len(r.Bits)
}

// BranchLog reads and writes bloom node records in a shard's branch file.
//
// Records are appended in creation order and later rewritten in place at
// the same position, so a node's record size never changes.
type BranchLog struct {
	rw       BlockReadWriter
	checksum ChecksumFunc // nil when checksums are disabled
	cursor   int64        // Next read position, then next append position
}

// NewBranchLog returns a log over rw, positioned at the first record.
func NewBranchLog(rw BlockReadWriter, checksum ChecksumFunc) *BranchLog {
	return &BranchLog{
		rw:       rw,
		checksum: checksum,
		cursor:   firstBlockPosition,
	}
}

// Cursor returns the position the next Append will use.
func (l *BranchLog) Cursor() int64 {
	return l.cursor
}

// Append reserves room for r at the cursor and writes it there. It
// returns the position assigned to the record.
func (l *BranchLog) Append(r BranchRecord) (int64, error) {
	pos := l.cursor
	r.Position = pos
	if err := l.WriteAt(r); err != nil {
		return 0, err
	}
	l.cursor += int64(r.Size())
	return pos, nil
}

// WriteAt writes r at r.Position.
func (l *BranchLog) WriteAt(r BranchRecord) error {
	var sum uint32
	if l.checksum != nil {
		sum = l.checksum(r.Bits)
	}

	// Encode the header and bits
	b := make([]byte, r.Size())
	le.PutUint32(b[0:], branchMarker)
	b[4] = r.Level
	putTime(b[5:], r.Timestamp)
	le.PutUint32(b[13:], sum)
	le.PutUint64(b[17:], uint64(r.BlockPosition))
	le.PutUint32(b[25:], r.BlockID)
	le.PutUint32(b[29:], uint32(len(r.Bits)))
	copy(b[branchHeaderSize:], r.Bits)

	// Write the record
	if _, err := l.rw.WriteAt(b, r.Position); err != nil {
		return err
	}
	return nil
}

// Next reads the record at the cursor and advances past it. It reports
// false at the end of the log, which is either the end of the storage or
// a header that is entirely zero.
func (l *BranchLog) Next() (BranchRecord, bool, error) {
	// Read the header
	hb := make([]byte, branchHeaderSize)
	n, err := readBlock(l.rw, hb, l.cursor)
	if err != nil {
		return BranchRecord{}, false, err
	}
	if n < branchHeaderSize {
		if n == 0 || allZero(hb[:n]) {
			return BranchRecord{}, false, nil
		}
		return BranchRecord{}, false, corruptf("truncated branch record at %d", l.cursor)
	}

	// Check the marker
	if m := le.Uint32(hb[0:]); m != branchMarker {
		if allZero(hb) {
			return BranchRecord{}, false, nil
		}
		return BranchRecord{}, false, corruptf("bad branch marker %08x at %d", m, l.cursor)
	}

	r := BranchRecord{
		Position:      l.cursor,
		Level:         hb[4],
		Timestamp:     getTime(hb[5:]),
		BlockPosition: int64(le.Uint64(hb[17:])),
		BlockID:       le.Uint32(hb[25:]),
	}
	sum := le.Uint32(hb[13:])
	size := int32(le.Uint32(hb[29:]))
	if size <= 0 {
		return BranchRecord{}, false, corruptf("branch bitset length underflow at %d", l.cursor)
	}

	// Read the bits
	r.Bits = make([]byte, size)
	if err := readBlockFull(l.rw, r.Bits, l.cursor+branchHeaderSize); err != nil {
		return BranchRecord{}, false, err
	}

	// Check the checksum
	if l.checksum != nil {
		if got := l.checksum(r.Bits); got != sum {
			return BranchRecord{}, false, corruptf("failed branch checksum at %d: want %08x, got %08x", l.cursor, sum, got)
		}
	}

	l.cursor += int64(r.Size())
	return r, true, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
