package storage

import (
	"fmt"
	"io"
	"sync"
)

// BlockReadWriter is the raw block storage under one file of a shard.
//
// Reads past the current end return io.EOF along with however many
// bytes were available. Writes past the end extend the storage.
type BlockReadWriter interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current size of the storage in bytes.
	Size() (int64, error)

	// Grow extends the storage to at least size bytes, zero filled.
	Grow(size int64) error

	// Sync makes all previous writes durable.
	Sync() error

	Close() error
}

// MemBlockReadWriter is an in-memory BlockReadWriter.
type MemBlockReadWriter struct {
	sync.Mutex
	buf    []byte
	closed bool
}

// NewMemBlockReadWriter returns an empty in-memory block store.
func NewMemBlockReadWriter() *MemBlockReadWriter {
	return &MemBlockReadWriter{}
}

func (m *MemBlockReadWriter) ReadAt(p []byte, off int64) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return 0, fmt.Errorf("read from closed block store")
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemBlockReadWriter) WriteAt(p []byte, off int64) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return 0, fmt.Errorf("write to closed block store")
	}
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		m.grow(end)
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemBlockReadWriter) Size() (int64, error) {
	m.Lock()
	defer m.Unlock()
	return int64(len(m.buf)), nil
}

func (m *MemBlockReadWriter) Grow(size int64) error {
	m.Lock()
	defer m.Unlock()
	if size > int64(len(m.buf)) {
		m.grow(size)
	}
	return nil
}

func (m *MemBlockReadWriter) grow(size int64) {
	b := make([]byte, size)
	copy(b, m.buf)
	m.buf = b
}

func (m *MemBlockReadWriter) Sync() error {
	return nil
}

func (m *MemBlockReadWriter) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// Bytes exposes the underlying buffer. It is meant for tests that need
// to inspect or damage the stored bytes.
func (m *MemBlockReadWriter) Bytes() []byte {
	m.Lock()
	defer m.Unlock()
	return m.buf
}
