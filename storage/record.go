package storage

import (
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// Record is one stored value together with its metadata.
type Record struct {
	Data      []byte    // The payload, never empty
	Type      uint8     // Caller defined record type
	Timestamp time.Time // Zero disables timestamp conflict checks
	Version   int32     // Starts at 1 and is bumped by updates
}

// compressValue snappy-encodes a payload when compression is enabled.
func compressValue(data []byte, enabled bool) []byte {
	if !enabled {
		return data
	}
	return snappy.Encode(nil, data)
}

// decompressValue reverses compressValue.
func decompressValue(data []byte, enabled bool) ([]byte, error) {
	if !enabled {
		return data, nil
	}
	b, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress value: %v", ErrCorrupt, err)
	}
	return b, nil
}
