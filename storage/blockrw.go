package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// fileHeader starts every block file.
var fileHeader = []byte("BLOOMFILE1")

// firstBlockPosition is the offset of the first block after the header.
const firstBlockPosition = int64(len("BLOOMFILE1"))

// FileBlockRW is a BlockReadWriter backed by an os.File.
type FileBlockRW struct {
	path string
	file *os.File
}

// OpenFileBlockRW opens (creating if needed) the file at p, writes or
// validates the file header, and pre-sizes it to at least initialSize.
func OpenFileBlockRW(p string, initialSize int64) (*FileBlockRW, error) {
	// Open the file
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open block file %q: %w", p, err)
	}
	rw := &FileBlockRW{path: p, file: f}

	// Check or write the header
	if err := rw.checkHeader(); err != nil {
		f.Close()
		return nil, err
	}

	// Pre-size the file
	if err := rw.Grow(initialSize); err != nil {
		f.Close()
		return nil, err
	}

	// Done
	return rw, nil
}

func (rw *FileBlockRW) checkHeader() error {
	hdr := make([]byte, len(fileHeader))
	n, err := rw.file.ReadAt(hdr, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read header of %q: %w", rw.path, err)
	}

	// A new (or never written) file gets a fresh header
	if n == 0 || bytes.Equal(hdr, make([]byte, len(fileHeader))) {
		if _, err := rw.file.WriteAt(fileHeader, 0); err != nil {
			return fmt.Errorf("failed to write header of %q: %w", rw.path, err)
		}
		return nil
	}

	if n < len(fileHeader) || !bytes.Equal(hdr, fileHeader) {
		return corruptf("bad file header in %q", rw.path)
	}
	return nil
}

func (rw *FileBlockRW) ReadAt(p []byte, off int64) (int, error) {
	return rw.file.ReadAt(p, off)
}

func (rw *FileBlockRW) WriteAt(p []byte, off int64) (int, error) {
	return rw.file.WriteAt(p, off)
}

func (rw *FileBlockRW) Size() (int64, error) {
	info, err := rw.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (rw *FileBlockRW) Grow(size int64) error {
	cur, err := rw.Size()
	if err != nil {
		return err
	}
	if size <= cur {
		return nil
	}
	if err := rw.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to grow %q to %d bytes: %w", rw.path, size, err)
	}
	return nil
}

func (rw *FileBlockRW) Sync() error {
	return syncFile(rw.file)
}

func (rw *FileBlockRW) Close() error {
	if rw.file == nil {
		return nil
	}

	// Close the file
	err := rw.file.Close()
	if err != nil {
		return err
	}

	// Reset the file handle
	rw.file = nil

	// Done
	return nil
}

// readBlock fills p from off, treating a read that runs into the end of
// the storage as a short read rather than an error.
func readBlock(rw BlockReadWriter, p []byte, off int64) (int, error) {
	n, err := rw.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

// readBlockFull is readBlock that requires every byte to be present.
func readBlockFull(rw BlockReadWriter, p []byte, off int64) error {
	n, err := readBlock(rw, p, off)
	if err != nil {
		return err
	}
	if n < len(p) {
		return corruptf("short read at %d: want %d bytes, got %d", off, len(p), n)
	}
	return nil
}
