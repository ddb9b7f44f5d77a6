package storage

import (
	"encoding/binary"
	"math"
	"time"
)

// Record block ("blossom") layout. All integers are little-endian.
//
//	block header    16 bytes  "BLSM" | id u32 | block size i32 | key count i32
//	key table       (n+1)*24  key (5 x u32) | offset i32, last entry is the fence
//	payloads        ...       record header (49 bytes) | data | zero padding
//	trailer          4 bytes  block size i32
const (
	blockHeaderSize  = 16
	keyEntrySize     = 24
	recordHeaderSize = 49
	blockTrailerSize = 4

	blockMarker  = uint32(0x4D534C42) // BLSM
	recordMarker = uint32(0x464D4C42) // BLMF

	// deletedOffset marks a tombstoned key in the key table.
	deletedOffset = int32(-1)

	pageSize = 4096
)

var le = binary.LittleEndian

// keyTableSize is the size of the block header plus a key table holding
// n keys and the fence entry.
func keyTableSize(n int) int {
	return blockHeaderSize + (n+1)*keyEntrySize
}

// blockGeometry computes the nominal buffer size of one record block and
// how many of those bytes are available to payloads. The buffer is sized
// for keyCapacity records of the average size plus slack, rounded up to a
// whole page.
func blockGeometry(keyCapacity, avgItemSize int, slack float64) (total, payloadCapacity int) {
	payload := int(float64(keyCapacity) * (float64(avgItemSize)*slack + recordHeaderSize))
	total = keyTableSize(keyCapacity) + payload + blockTrailerSize
	if rem := total % pageSize; rem > 0 {
		total += pageSize - rem
	}
	payloadCapacity = total - keyTableSize(keyCapacity) - blockTrailerSize
	return total, payloadCapacity
}

// slotSize reserves room for in-place growth of a record.
func slotSize(dataLen int, slack float64) int {
	slot := int(math.Floor(float64(dataLen) * slack))
	if slot < dataLen {
		slot = dataLen
	}
	return slot
}

func putKey(b []byte, k HashKey) {
	for i := 0; i < 5; i++ {
		le.PutUint32(b[i*4:], k[i])
	}
}

func getKey(b []byte) HashKey {
	var k HashKey
	for i := 0; i < 5; i++ {
		k[i] = le.Uint32(b[i*4:])
	}
	return k
}

func putTime(b []byte, t time.Time) {
	if t.IsZero() {
		le.PutUint64(b, 0)
		return
	}
	le.PutUint64(b, uint64(t.UnixNano()))
}

func getTime(b []byte) time.Time {
	ns := int64(le.Uint64(b))
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

type blockHeader struct {
	ID       uint32
	Size     int32
	KeyCount int32
}

func (h blockHeader) encode(b []byte) {
	le.PutUint32(b[0:], blockMarker)
	le.PutUint32(b[4:], h.ID)
	le.PutUint32(b[8:], uint32(h.Size))
	le.PutUint32(b[12:], uint32(h.KeyCount))
}

// decodeBlockHeader validates the marker and the expected block id.
func decodeBlockHeader(b []byte, id uint32, keyCapacity int) (blockHeader, error) {
	if m := le.Uint32(b[0:]); m != blockMarker {
		return blockHeader{}, corruptf("bad block marker %08x", m)
	}
	h := blockHeader{
		ID:       le.Uint32(b[4:]),
		Size:     int32(le.Uint32(b[8:])),
		KeyCount: int32(le.Uint32(b[12:])),
	}
	if h.ID != id {
		return blockHeader{}, corruptf("block id mismatch: want %d, got %d", id, h.ID)
	}
	if h.KeyCount < 0 || int(h.KeyCount) > keyCapacity {
		return blockHeader{}, corruptf("block %d key count %d out of range", id, h.KeyCount)
	}
	if int(h.Size) < keyTableSize(int(h.KeyCount))+blockTrailerSize {
		return blockHeader{}, corruptf("block %d size %d too small", id, h.Size)
	}
	return h, nil
}

type recordHeader struct {
	Type      uint8
	Timestamp time.Time
	Version   int32
	Key       HashKey
	Checksum  uint32
	SlotSize  int32
	DataLen   int32
}

func (h recordHeader) encode(b []byte) {
	le.PutUint32(b[0:], recordMarker)
	b[4] = h.Type
	putTime(b[5:], h.Timestamp)
	le.PutUint32(b[13:], uint32(h.Version))
	putKey(b[17:], h.Key)
	le.PutUint32(b[37:], h.Checksum)
	le.PutUint32(b[41:], uint32(h.SlotSize))
	le.PutUint32(b[45:], uint32(h.DataLen))
}

// decodeRecordHeader reads a record header and checks it belongs to key.
func decodeRecordHeader(b []byte, key HashKey) (recordHeader, error) {
	if m := le.Uint32(b[0:]); m != recordMarker {
		return recordHeader{}, corruptf("bad record marker %08x", m)
	}
	h := recordHeader{
		Type:      b[4],
		Timestamp: getTime(b[5:]),
		Version:   int32(le.Uint32(b[13:])),
		Key:       getKey(b[17:]),
		Checksum:  le.Uint32(b[37:]),
		SlotSize:  int32(le.Uint32(b[41:])),
		DataLen:   int32(le.Uint32(b[45:])),
	}
	if h.Key != key {
		return recordHeader{}, corruptf("key mismatch: want %s, got %s", key, h.Key)
	}
	if h.SlotSize <= 0 {
		return recordHeader{}, corruptf("slot size underflow for %s", key)
	}
	if h.DataLen <= 0 {
		return recordHeader{}, corruptf("data length underflow for %s", key)
	}
	if h.DataLen > h.SlotSize {
		return recordHeader{}, corruptf("data length %d overflows slot %d for %s", h.DataLen, h.SlotSize, key)
	}
	return h, nil
}

// blockCodec holds the parameters shared by the buffered and file
// resident record block backends.
type blockCodec struct {
	keyCapacity int
	checksum    ChecksumFunc // nil when checksums are disabled
	window      time.Duration
}

func (c blockCodec) sum(data []byte) uint32 {
	if c.checksum == nil {
		return 0
	}
	return c.checksum(data)
}

func (c blockCodec) verify(h recordHeader, data []byte) error {
	if c.checksum == nil {
		return nil
	}
	if got := c.checksum(data); got != h.Checksum {
		return corruptf("failed checksum for %s: want %08x, got %08x", h.Key, h.Checksum, got)
	}
	return nil
}

// encodeRecord writes a full record slot (header, data, padding) into b,
// which must be recordHeaderSize+slot bytes long.
func (c blockCodec) encodeRecord(b []byte, key HashKey, r Record, slot int) {
	recordHeader{
		Type:      r.Type,
		Timestamp: r.Timestamp,
		Version:   r.Version,
		Key:       key,
		Checksum:  c.sum(r.Data),
		SlotSize:  int32(slot),
		DataLen:   int32(len(r.Data)),
	}.encode(b)

	n := copy(b[recordHeaderSize:], r.Data)
	clear(b[recordHeaderSize+n:])
}

// applyUpdate checks an update against the stored record header and
// settles the version and timestamp that will be written into r.
//
// A version of zero, or one equal to the stored version, is bumped to the
// stored version plus one. An older version is a conflict. A timestamp
// more than the slip window behind the stored one is a conflict; one that
// is not newer than the stored timestamp is replaced by now. A zero
// timestamp skips the timestamp rules.
//
// Unsuccessful means the rules passed but the data does not fit the slot.
func (c blockCodec) applyUpdate(h recordHeader, r *Record, now time.Time) Status {
	// Check the version
	if r.Version == 0 || r.Version == h.Version {
		r.Version = h.Version + 1
	} else if r.Version < h.Version {
		return KeyVersionConflict
	}

	// Check the timestamp
	if !r.Timestamp.IsZero() {
		if !h.Timestamp.IsZero() && r.Timestamp.Add(c.window).Before(h.Timestamp) {
			return KeyTimestampConflict
		}
		if !r.Timestamp.After(h.Timestamp) {
			r.Timestamp = now
		}
	}

	// Only update in place if the slot has room
	if len(r.Data) > int(h.SlotSize) {
		return Unsuccessful
	}
	return Successful
}

// validRecord reports whether r may be stored at all.
func validRecord(r Record) bool {
	return len(r.Data) > 0 && r.Version >= 0
}
