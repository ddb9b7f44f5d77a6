package storage

import (
	"github.com/google/uuid"
)

// NewStoreID generates the unique id of a new store. Ids are time ordered
// (UUIDv7) so stores created later sort later.
func NewStoreID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
