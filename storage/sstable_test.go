package storage

import (
	"errors"
	"testing"
	"time"
)

// writeSealedBlock flushes a block of n records to rw and returns a
// handle to it.
func writeSealedBlock(t *testing.T, rw BlockReadWriter, id uint32, pos int64, n int, slack float64) sealedBlock {
	t.Helper()
	codec := testCodec(16, Fletcher32)
	m := newMemtable(codec, 8192, id, pos)
	for i := 0; i < n; i++ {
		r := Record{Data: []byte{'v', byte(i)}, Type: 2, Version: 1}
		if st := m.Create(testKey(i), r, slack); st != Successful {
			t.Fatalf("failed to create record %d: %s", i, st)
		}
	}
	if err := m.Flush(rw); err != nil {
		t.Fatalf("failed to flush block: %s", err)
	}
	return sealedBlock{blockCodec: codec, rw: rw, id: id, pos: pos}
}

func TestSealedBlock(t *testing.T) {
	t.Run("should read every record", func(t *testing.T) {
		b := writeSealedBlock(t, NewMemBlockReadWriter(), 1, firstBlockPosition, 10, 1.0)
		for i := 0; i < 10; i++ {
			r, st, err := b.Read(testKey(i))
			if err != nil {
				t.Fatalf("failed to read record %d: %s", i, err)
			}
			if st != Successful {
				t.Fatalf("expected Successful, found %s", st)
			}
			if string(r.Data) != string([]byte{'v', byte(i)}) || r.Type != 2 || r.Version != 1 {
				t.Fatalf("unexpected record %+v", r)
			}
		}
	})

	t.Run("should not find a missing key", func(t *testing.T) {
		b := writeSealedBlock(t, NewMemBlockReadWriter(), 1, firstBlockPosition, 3, 1.0)
		for _, k := range []HashKey{testKey(100), NewHashKey(1, 0, 0, 0, 0), MaxHashKey} {
			_, st, err := b.Read(k)
			if err != nil {
				t.Fatal(err)
			}
			if st != KeyNotFound {
				t.Fatalf("expected KeyNotFound for %s, found %s", k, st)
			}
		}
	})

	t.Run("should find a block after the first", func(t *testing.T) {
		rw := NewMemBlockReadWriter()
		first := writeSealedBlock(t, rw, 1, firstBlockPosition, 3, 1.0)
		m := newMemtable(first.blockCodec, 8192, 1, firstBlockPosition)
		if err := m.Restore(rw, 1, firstBlockPosition); err != nil {
			t.Fatal(err)
		}
		pos := firstBlockPosition + int64(m.Size())
		second := writeSealedBlock(t, rw, 2, pos, 5, 1.0)
		if _, st, err := second.Read(testKey(4)); err != nil || st != Successful {
			t.Fatalf("failed to read from the second block: %s %v", st, err)
		}
		if _, st, err := first.Read(testKey(2)); err != nil || st != Successful {
			t.Fatalf("failed to read from the first block: %s %v", st, err)
		}
	})

	t.Run("should reject the wrong block id", func(t *testing.T) {
		b := writeSealedBlock(t, NewMemBlockReadWriter(), 1, firstBlockPosition, 3, 1.0)
		b.id = 2
		if _, _, err := b.Read(testKey(1)); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("expected a corrupt error, found %v", err)
		}
	})

	t.Run("should update in place", func(t *testing.T) {
		b := writeSealedBlock(t, NewMemBlockReadWriter(), 1, firstBlockPosition, 3, 2.0)
		w, st, err := b.Update(testKey(1), Record{Data: []byte("four")}, time.Now())
		if err != nil || st != Successful {
			t.Fatalf("failed to update: %s %v", st, err)
		}
		if w.Version != 2 {
			t.Fatalf("expected version 2, found %d", w.Version)
		}
		r, _, err := b.Read(testKey(1))
		if err != nil {
			t.Fatal(err)
		}
		if string(r.Data) != "four" || r.Version != 2 {
			t.Fatalf("unexpected record %+v", r)
		}

		// Neighbours are untouched
		r, _, err = b.Read(testKey(2))
		if err != nil || string(r.Data) != string([]byte{'v', 2}) {
			t.Fatalf("neighbour changed: %+v %v", r, err)
		}
	})

	t.Run("should fail an update larger than the slot", func(t *testing.T) {
		b := writeSealedBlock(t, NewMemBlockReadWriter(), 1, firstBlockPosition, 3, 2.0)
		_, st, err := b.Update(testKey(1), Record{Data: []byte("fives")}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if st != Unsuccessful {
			t.Fatalf("expected Unsuccessful, found %s", st)
		}
	})

	t.Run("should tombstone a record", func(t *testing.T) {
		b := writeSealedBlock(t, NewMemBlockReadWriter(), 1, firstBlockPosition, 3, 1.0)
		if st, err := b.Delete(testKey(1)); err != nil || st != Successful {
			t.Fatalf("failed to delete: %s %v", st, err)
		}
		if _, st, _ := b.Read(testKey(1)); st != KeyFoundButMarkedDeleted {
			t.Fatalf("expected KeyFoundButMarkedDeleted, found %s", st)
		}
		if st, _ := b.Delete(testKey(1)); st != KeyFoundButMarkedDeleted {
			t.Fatalf("expected KeyFoundButMarkedDeleted, found %s", st)
		}
		if _, st, _ := b.Update(testKey(1), Record{Data: []byte("x")}, time.Now()); st != KeyFoundButMarkedDeleted {
			t.Fatalf("expected KeyFoundButMarkedDeleted, found %s", st)
		}
		if _, st, _ := b.Read(testKey(0)); st != Successful {
			t.Fatalf("expected Successful, found %s", st)
		}
	})
}
