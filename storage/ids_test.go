package storage

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewStoreID(t *testing.T) {
	t.Run("should generate a new id", func(t *testing.T) {
		id, err := NewStoreID()
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("id is empty")
		}

		u, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("failed to parse id %q: %s", id, err)
		}
		if u.Version() != 7 {
			t.Fatalf("expected a version 7 uuid, found %d", u.Version())
		}
	})

	t.Run("should generate distinct ids", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id, err := NewStoreID()
			if err != nil {
				t.Fatal(err)
			}
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	})
}
