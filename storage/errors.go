package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt is returned when on-disk state does not match the
	// in-memory index: a bad structural marker, a key mismatch after
	// lookup, or a failed checksum. It is not recoverable by retrying.
	ErrCorrupt = errors.New("bloomfile: corrupt data")

	// ErrClosed is returned by operations on a disposed store.
	ErrClosed = errors.New("bloomfile: store is closed")

	// ErrInvalidSettings is returned when settings fail validation.
	ErrInvalidSettings = errors.New("bloomfile: invalid settings")
)

// corruptf wraps ErrCorrupt with a formatted description.
func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
