// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/dgryski/go-sip13"
	"github.com/pierrec/lz4/v4"
)

// Key is a 256-bit content hash.  The first 128 bits index the HAMT;
// all 256 are stored in the data record and compared on lookup.
type Key [32]byte

type RecordKind uint32

const (
	KindData     RecordKind = 0
	KindInterior RecordKind = 1
	KindRoot     RecordKind = 2
)

const (
	checksumOff = DividerLen
	kindOff     = DividerLen + 8
	lengthOff   = DividerLen + 8 + 4

	// FrameHeaderSize is the fixed prefix of every record: divider,
	// checksum, kind, and content length.
	FrameHeaderSize = DividerLen + 8 + 4 + 4

	// RecordAlign is the boundary record dividers are aligned to;
	// records are preceded by zero padding up to it.
	RecordAlign = 8

	dataKeySize     = 32
	dataValueLenOff = dataKeySize
	dataBlockOff    = dataKeySize + 8

	// MaxValueLen bounds the uncompressed size of a single value.
	MaxValueLen = 1 << 30
)

var (
	ErrNotRecord  = errors.New("no record at offset")
	ErrBadKind    = errors.New("unknown record kind")
	ErrShortValue = errors.New("data record content too short")
)

// lz4 compressors hold a hash table we'd rather not reallocate per
// value.
var compressorPool = sync.Pool{
	New: func() any {
		return new(lz4.Compressor)
	},
}

// Codec frames and unframes records for one database file, identified
// by its magic divider.
type Codec struct {
	divider [DividerLen]byte
	k0, k1  uint64
}

func NewCodec(divider [DividerLen]byte) *Codec {
	h := fileHeader{divider: divider}
	k0, k1 := h.sipKey()
	return &Codec{
		divider: divider,
		k0:      k0,
		k1:      k1,
	}
}

func (c *Codec) Divider() [DividerLen]byte {
	return c.divider
}

func (c *Codec) checksum(framed []byte) uint64 {
	// covers kind || length || content, which are contiguous
	return sip13.Sum64(c.k0, c.k1, framed[kindOff:])
}

func (c *Codec) frame(kind RecordKind, contentLen int) []byte {
	framed := make([]byte, FrameHeaderSize+contentLen)
	copy(framed, c.divider[:])
	binary.LittleEndian.PutUint32(framed[kindOff:], uint32(kind))
	binary.LittleEndian.PutUint32(framed[lengthOff:], uint32(contentLen))
	return framed
}

func (c *Codec) seal(framed []byte) []byte {
	binary.LittleEndian.PutUint64(framed[checksumOff:], c.checksum(framed))
	return framed
}

// EncodeData frames a key/value pair as a data record, compressing the
// value.
func (c *Codec) EncodeData(key Key, value []byte) []byte {
	block := compressValue(value)
	framed := c.frame(KindData, dataBlockOff+len(block))
	content := framed[FrameHeaderSize:]
	copy(content, key[:])
	binary.LittleEndian.PutUint64(content[dataValueLenOff:], uint64(len(value)))
	copy(content[dataBlockOff:], block)
	return c.seal(framed)
}

// EncodeNode frames a HAMT interior or root node.  offsets must hold
// exactly one entry per set bit of bitmap, in slot order.
func (c *Codec) EncodeNode(kind RecordKind, bitmap uint64, offsets []uint64) []byte {
	if kind != KindInterior && kind != KindRoot {
		panic(fmt.Sprintf("EncodeNode called with kind %d", kind))
	}
	if n := bits.OnesCount64(bitmap); n != len(offsets) {
		panic(fmt.Sprintf("bitmap popcount %d != %d offsets", n, len(offsets)))
	}
	framed := c.frame(kind, 8+8*len(offsets))
	content := framed[FrameHeaderSize:]
	binary.LittleEndian.PutUint64(content, bitmap)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(content[8+8*i:], off)
	}
	return c.seal(framed)
}

// compressValue returns the on-disk form of a value: an LZ4 block, or
// the raw bytes when LZ4 can't shrink them (the decoder tells the two
// apart by comparing stored and uncompressed lengths).
func compressValue(value []byte) []byte {
	if len(value) == 0 {
		return nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(value)))
	compressor := compressorPool.Get().(*lz4.Compressor)
	n, err := compressor.CompressBlock(value, dst)
	compressorPool.Put(compressor)
	if err != nil || n == 0 || n >= len(value) {
		// incompressible
		raw := make([]byte, len(value))
		copy(raw, value)
		return raw
	}
	return dst[:n]
}

// Record is a decoded view of one on-disk record.  content aliases the
// caller's buffer (usually the memory map) and must not be modified.
type Record struct {
	Kind    RecordKind
	Off     int64
	content []byte
}

// FrameLen is the total length of the record on disk, excluding any
// alignment padding that precedes it.
func (r *Record) FrameLen() int64 {
	return int64(FrameHeaderSize + len(r.content))
}

// Key returns the 256-bit key of a data record.
func (r *Record) Key() (key Key) {
	copy(key[:], r.content[:dataKeySize])
	return key
}

// Value decompresses and returns the value of a data record.  The
// result never aliases the underlying file.
func (r *Record) Value() ([]byte, error) {
	uncompressedLen := binary.LittleEndian.Uint64(r.content[dataValueLenOff:])
	if uncompressedLen > MaxValueLen {
		return nil, fmt.Errorf("value length %d exceeds maximum", uncompressedLen)
	}
	block := r.content[dataBlockOff:]
	if uncompressedLen == 0 {
		return []byte{}, nil
	}
	value := make([]byte, uncompressedLen)
	if uint64(len(block)) == uncompressedLen {
		// stored raw
		copy(value, block)
		return value, nil
	}
	n, err := lz4.UncompressBlock(block, value)
	if err != nil {
		return nil, fmt.Errorf("lz4.UncompressBlock: %w", err)
	}
	if uint64(n) != uncompressedLen {
		return nil, fmt.Errorf("short decompress: %d != %d", n, uncompressedLen)
	}
	return value, nil
}

// Bitmap returns the child-occupancy bitmap of a HAMT node record.
func (r *Record) Bitmap() uint64 {
	return binary.LittleEndian.Uint64(r.content)
}

// ChildOffset returns the i'th child offset of a HAMT node record, in
// slot order.
func (r *Record) ChildOffset(i int) uint64 {
	return binary.LittleEndian.Uint64(r.content[8+8*i:])
}

// ChildOffsets returns all child offsets of a HAMT node record.
func (r *Record) ChildOffsets() []uint64 {
	n := bits.OnesCount64(r.Bitmap())
	offsets := make([]uint64, n)
	for i := range offsets {
		offsets[i] = r.ChildOffset(i)
	}
	return offsets
}

// Decode attempts to read a record starting at off in data.  All
// failures mean "there is no record here": the caller decides whether
// that is fatal.
func (c *Codec) Decode(data []byte, off int64) (*Record, error) {
	if off < FileHeaderSize || off+FrameHeaderSize > int64(len(data)) {
		return nil, ErrNotRecord
	}
	framed := data[off:]
	if !bytes.Equal(framed[:DividerLen], c.divider[:]) {
		return nil, ErrNotRecord
	}
	kind := RecordKind(binary.LittleEndian.Uint32(framed[kindOff:]))
	if kind > KindRoot {
		return nil, ErrBadKind
	}
	contentLen := int64(binary.LittleEndian.Uint32(framed[lengthOff:]))
	if off+FrameHeaderSize+contentLen > int64(len(data)) {
		return nil, ErrNotRecord
	}
	framed = framed[:FrameHeaderSize+contentLen]

	expectedChecksum := binary.LittleEndian.Uint64(framed[checksumOff:])
	if expectedChecksum != c.checksum(framed) {
		return nil, fmt.Errorf("%w: checksum mismatch at %d", ErrNotRecord, off)
	}

	content := framed[FrameHeaderSize:]
	switch kind {
	case KindData:
		if contentLen < dataBlockOff {
			return nil, ErrShortValue
		}
	case KindInterior, KindRoot:
		if contentLen < 8 {
			return nil, fmt.Errorf("%w: node content %d bytes", ErrNotRecord, contentLen)
		}
		n := bits.OnesCount64(binary.LittleEndian.Uint64(content))
		if contentLen != int64(8+8*n) {
			return nil, fmt.Errorf("%w: node content %d bytes for %d children", ErrNotRecord, contentLen, n)
		}
	}

	return &Record{
		Kind:    kind,
		Off:     off,
		content: content,
	}, nil
}
