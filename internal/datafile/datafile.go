// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

var (
	ErrLocked = errors.New("database locked by another process")
)

// File is the single append-only file backing a database: memory-mapped
// for reads, with appends going through a conventional write path.
// Reads and appends may run concurrently; appends themselves are
// single-threaded (enforced by the database's writer lock).
type File struct {
	f     *os.File
	codec *Codec

	mu      sync.RWMutex
	data    mmap.MMap
	retired []mmap.MMap

	// size includes appended-but-not-yet-synced bytes; the mapping only
	// ever covers synced bytes.
	size int64
}

// Open opens or creates the database file at path, taking an exclusive
// flock.  A fresh file gets its 4-KiB header (including a new random
// magic divider) written and synced before Open returns.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock(%s): %w", path, err)
	}

	stats, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	size := stats.Size()

	var header *fileHeader
	if size == 0 {
		if header, err = writeNewHeader(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		size = FileHeaderSize
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap.Map(%s): %w", path, err)
	}
	if err := unix.Madvise(data, syscall.MADV_RANDOM); err != nil {
		_ = data.Unmap()
		_ = f.Close()
		return nil, fmt.Errorf("madvise: %w", err)
	}

	if header == nil {
		header = &fileHeader{}
		if err := header.UnmarshalBytes(data); err != nil {
			_ = data.Unmap()
			_ = f.Close()
			return nil, err
		}
	}

	return &File{
		f:     f,
		codec: NewCodec(header.divider),
		data:  data,
		size:  size,
	}, nil
}

func writeNewHeader(f *os.File) (*fileHeader, error) {
	header, err := newFileHeader()
	if err != nil {
		return nil, err
	}
	var headerBuf [FileHeaderSize]byte
	if err := header.MarshalTo(headerBuf[:]); err != nil {
		return nil, err
	}
	if _, err := f.Write(headerBuf[:]); err != nil {
		return nil, fmt.Errorf("f.Write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("f.Sync: %w", err)
	}
	return header, nil
}

// Codec returns the record codec for this file.
func (f *File) Codec() *Codec {
	return f.codec
}

// Divider returns the file's 16-byte magic divider.
func (f *File) Divider() [DividerLen]byte {
	return f.codec.Divider()
}

// Size returns the logical file length, including bytes appended but
// not yet synced.
func (f *File) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Data returns the current read-only mapping.  The slice stays valid
// (though stale) across later appends: old mappings are only unmapped
// at Close.
func (f *File) Data() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.data
}

// DecodeAt decodes the record starting at off through the current
// mapping.
func (f *File) DecodeAt(off int64) (*Record, error) {
	return f.codec.Decode(f.Data(), off)
}

// Append writes buf at the end of the file and returns the offset it
// was written at.  The bytes are not readable through the mapping (and
// not durable) until Sync.
func (f *File) Append(buf []byte) (off int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	off = f.size
	n, err := f.f.WriteAt(buf, off)
	if err != nil {
		return 0, fmt.Errorf("f.WriteAt(%d): %w", off, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short write: %d != %d", n, len(buf))
	}
	f.size += int64(n)
	return off, nil
}

// Sync fsyncs appended bytes and grows the mapping over them.  It only
// returns once the data is durably on disk.
func (f *File) Sync() error {
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("f.Sync: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.data)) == f.size {
		return nil
	}

	data, err := mmap.Map(f.f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mmap.Map: %w", err)
	}
	if err := unix.Madvise(data, syscall.MADV_RANDOM); err != nil {
		_ = data.Unmap()
		return fmt.Errorf("madvise: %w", err)
	}
	// concurrent readers may still hold slices into the old mapping, so
	// retire it instead of unmapping
	f.retired = append(f.retired, f.data)
	f.data = data
	return nil
}

// Close unmaps the file (including retired mappings) and releases the
// lock.  The caller is responsible for flushing first; Close must not
// race in-flight reads.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, m := range append(f.retired, f.data) {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
	}
	f.retired = nil
	f.data = nil

	if err := unix.Flock(int(f.f.Fd()), unix.LOCK_UN); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flock(LOCK_UN): %w", err)
	}
	if err := f.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("f.Close: %w", err)
	}
	return firstErr
}
