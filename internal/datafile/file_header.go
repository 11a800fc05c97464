// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FileHeaderSize is the size of the reserved region at the start of
	// every database file.  Records begin at this offset.
	FileHeaderSize = 4096

	// DividerLen is the length of the per-database magic divider that
	// prefixes every record.
	DividerLen = 16
)

// magicFileHeader identifies a meshanina database file; it doubles as
// the format version.
var magicFileHeader = []byte("meshanina2")

var dividerOff = len(magicFileHeader)

var (
	ErrBadHeader = errors.New("not a meshanina data file (or corrupted header)")
)

type fileHeader struct {
	divider [DividerLen]byte
}

// newFileHeader creates a header for a fresh database file, drawing a
// new random magic divider.
func newFileHeader() (*fileHeader, error) {
	h := &fileHeader{}
	if _, err := rand.Read(h.divider[:]); err != nil {
		return nil, fmt.Errorf("rand.Read: %w", err)
	}
	return h, nil
}

func (h *fileHeader) MarshalTo(headerBytes []byte) error {
	if len(headerBytes) < FileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), FileHeaderSize)
	}

	copy(headerBytes, magicFileHeader)
	copy(headerBytes[dividerOff:dividerOff+DividerLen], h.divider[:])
	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < FileHeaderSize {
		return fmt.Errorf("%w: file shorter than header (%d bytes)", ErrBadHeader, len(headerBytes))
	}

	if !bytes.Equal(headerBytes[:len(magicFileHeader)], magicFileHeader) {
		return fmt.Errorf("%w: bad magic %q", ErrBadHeader, headerBytes[:len(magicFileHeader)])
	}

	copy(h.divider[:], headerBytes[dividerOff:dividerOff+DividerLen])
	return nil
}

// ParseHeader validates the file header at the start of data and
// returns the magic divider, for tools that read database files
// without opening them.
func ParseHeader(data []byte) ([DividerLen]byte, error) {
	var h fileHeader
	if err := h.UnmarshalBytes(data); err != nil {
		return [DividerLen]byte{}, err
	}
	return h.divider, nil
}

// sipKey derives the SipHash-1-3 key for record checksums from the
// divider, tying checksums to this particular database file.
func (h *fileHeader) sipKey() (k0, k1 uint64) {
	k0 = binary.LittleEndian.Uint64(h.divider[0:8])
	k1 = binary.LittleEndian.Uint64(h.divider[8:16])
	return k0, k1
}
