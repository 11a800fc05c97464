// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

import (
	"encoding/binary"
	"math/bits"

	"github.com/bpowers/meshanina/internal/datafile"
)

const (
	bitsPerLevel = 6
	fanout       = 1 << bitsPerLevel // 64
	slotMask     = fanout - 1

	// indexLevels covers the first 128 bits of the key, the normal
	// indexing depth.  When two distinct keys collide in all 128 index
	// bits the trie deepens one level at a time into the remaining 128
	// bits, up to maxLevels.
	indexLevels = (128 + bitsPerLevel - 1) / bitsPerLevel // 22
	maxLevels   = (256 + bitsPerLevel - 1) / bitsPerLevel // 43
)

// slot extracts the level'th 6-bit slice of key, least-significant bits
// first.
func slot(key datafile.Key, level int) uint64 {
	bit := level * bitsPerLevel
	word := bit / 64
	shift := uint(bit % 64)
	s := binary.LittleEndian.Uint64(key[word*8:]) >> shift
	if shift > 64-bitsPerLevel && word < 3 {
		// slice straddles a word boundary
		s |= binary.LittleEndian.Uint64(key[(word+1)*8:]) << (64 - shift)
	}
	return s & slotMask
}

// pendingData is a key/value binding staged in memory since the last
// flush.  The value is kept uncompressed; it is compressed when the
// record is emitted.
type pendingData struct {
	key   datafile.Key
	value []byte
}

// child is one occupied slot of a pending node: exactly one of node,
// data, or off is meaningful.  off == 0 means the child is pending
// (offset 0 is inside the file header and never a record).
type child struct {
	node *node
	data *pendingData
	off  uint64
}

func diskChild(off uint64) child {
	return child{off: off}
}

// node is an unflushed HAMT interior (or root) node.  Nodes are shared
// by reference between successive pending roots: an insert copies only
// the path it rewrites.
type node struct {
	bitmap   uint64
	children []child // one entry per set bit of bitmap, in slot order
}

// rank is the packed-array index for s: the number of occupied slots
// below it.
func (n *node) rank(s uint64) int {
	return bits.OnesCount64(n.bitmap & (1<<s - 1))
}

func (n *node) childAt(s uint64) (child, bool) {
	if n.bitmap&(1<<s) == 0 {
		return child{}, false
	}
	return n.children[n.rank(s)], true
}

// clone returns a copy of n whose children slice is safe to mutate.
func (n *node) clone() *node {
	children := make([]child, len(n.children), len(n.children)+1)
	copy(children, n.children)
	return &node{
		bitmap:   n.bitmap,
		children: children,
	}
}

// withChild returns a copy of n with slot s set to c.
func (n *node) withChild(s uint64, c child) *node {
	cp := n.clone()
	i := cp.rank(s)
	if cp.bitmap&(1<<s) != 0 {
		cp.children[i] = c
		return cp
	}
	cp.bitmap |= 1 << s
	cp.children = append(cp.children, child{})
	copy(cp.children[i+1:], cp.children[i:])
	cp.children[i] = c
	return cp
}

// diskNode rehydrates an on-disk interior or root record into a pending
// node whose children are all offsets.
func diskNode(rec *datafile.Record) *node {
	offsets := rec.ChildOffsets()
	children := make([]child, len(offsets))
	for i, off := range offsets {
		children[i] = diskChild(off)
	}
	return &node{
		bitmap:   rec.Bitmap(),
		children: children,
	}
}
