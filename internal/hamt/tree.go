// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package hamt implements the incremental hash array mapped trie that
// indexes a meshanina database: lookup and insert over a mixed graph of
// on-disk records and unflushed in-memory nodes, the flush discipline
// that commits pending nodes, and the backward scan that recovers the
// newest valid root on open.
package hamt

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bpowers/meshanina/internal/datafile"
)

var (
	// ErrCorrupt means a record reachable from the live root failed to
	// decode.  Unlike decode failures during recovery (which just mean
	// "keep scanning"), it is returned to the caller.  The tree does not
	// mark itself failed: later operations that reach the same record
	// return ErrCorrupt again.
	ErrCorrupt = errors.New("database corrupt")
)

// rootRef is the unit of atomicity for readers: either a pending
// in-memory root (dirty) or the offset of the newest on-disk root.
// off == 0 means no root has ever been committed.
type rootRef struct {
	node *node
	off  uint64
}

// Tree is the live index of one database.  Lookups are lock-free and
// may run concurrently with one writer; Insert and Flush must be
// serialized by the caller.
type Tree struct {
	f    *datafile.File
	log  *zap.Logger
	root atomic.Pointer[rootRef]
}

// New recovers the newest valid root from f and returns a tree resuming
// from it.  A file with no valid root is an empty database.
func New(f *datafile.File, log *zap.Logger) (*Tree, error) {
	t := &Tree{
		f:   f,
		log: log,
	}
	off := findRoot(f, log)
	t.root.Store(&rootRef{off: off})
	return t, nil
}

// RootOffset returns the offset of the newest committed root, or 0.
func (t *Tree) RootOffset() uint64 {
	return t.root.Load().off
}

// Dirty reports whether there are bindings not yet flushed.
func (t *Tree) Dirty() bool {
	return t.root.Load().node != nil
}

// Lookup walks the trie from the current root.  A missing binding is
// (nil, false, nil); an error always wraps ErrCorrupt.
func (t *Tree) Lookup(key datafile.Key) ([]byte, bool, error) {
	r := t.root.Load()
	if r.node != nil {
		return t.lookupPending(r.node, key)
	}
	if r.off != 0 {
		return t.lookupDisk(r.off, key, 0)
	}
	return nil, false, nil
}

func (t *Tree) lookupPending(n *node, key datafile.Key) ([]byte, bool, error) {
	for level := 0; ; level++ {
		c, ok := n.childAt(slot(key, level))
		if !ok {
			return nil, false, nil
		}
		switch {
		case c.node != nil:
			n = c.node
		case c.data != nil:
			if c.data.key != key {
				return nil, false, nil
			}
			value := make([]byte, len(c.data.value))
			copy(value, c.data.value)
			return value, true, nil
		default:
			return t.lookupDisk(c.off, key, level+1)
		}
	}
}

func (t *Tree) lookupDisk(off uint64, key datafile.Key, level int) ([]byte, bool, error) {
	for {
		rec, err := t.f.DecodeAt(int64(off))
		if err != nil {
			return nil, false, fmt.Errorf("%w: record at %d: %v", ErrCorrupt, off, err)
		}
		if rec.Kind == datafile.KindData {
			if rec.Key() != key {
				return nil, false, nil
			}
			value, err := rec.Value()
			if err != nil {
				return nil, false, fmt.Errorf("%w: value at %d: %v", ErrCorrupt, off, err)
			}
			return value, true, nil
		}

		s := slot(key, level)
		bitmap := rec.Bitmap()
		if bitmap&(1<<s) == 0 {
			return nil, false, nil
		}
		off = rec.ChildOffset(bits.OnesCount64(bitmap & (1<<s - 1)))
		level++
	}
}

// Insert stages key → value in memory; nothing reaches disk until
// Flush.  Re-inserting a key whose binding is already committed is a
// no-op; re-inserting one staged since the last flush replaces the
// staged blob.  The caller must hold the writer lock.
func (t *Tree) Insert(key datafile.Key, value []byte) error {
	r := t.root.Load()
	pd := &pendingData{
		key:   key,
		value: append([]byte(nil), value...),
	}

	var root *node
	var err error
	switch {
	case r.node != nil:
		root, err = t.insert(r.node, pd, 0)
	case r.off != 0:
		var n *node
		if n, err = t.loadNode(r.off); err == nil {
			root, err = t.insert(n, pd, 0)
		}
	default:
		root = (&node{}).withChild(slot(key, 0), child{data: pd})
	}
	if err != nil {
		return err
	}
	if root == nil {
		// binding already committed, nothing to stage
		return nil
	}
	t.root.Store(&rootRef{node: root, off: r.off})
	return nil
}

// insert returns a new node with pd bound, sharing unchanged subtrees
// with n.  A nil node (and nil error) means the binding is already
// durable and the trie is unchanged.
func (t *Tree) insert(n *node, pd *pendingData, level int) (*node, error) {
	s := slot(pd.key, level)
	c, ok := n.childAt(s)
	if !ok {
		return n.withChild(s, child{data: pd}), nil
	}

	switch {
	case c.node != nil:
		nn, err := t.insert(c.node, pd, level+1)
		if err != nil || nn == nil {
			return nil, err
		}
		return n.withChild(s, child{node: nn}), nil

	case c.data != nil:
		if c.data.key == pd.key {
			return n.withChild(s, child{data: pd}), nil
		}
		split, err := splitChild(child{data: c.data}, c.data.key, pd, level+1)
		if err != nil {
			return nil, err
		}
		return n.withChild(s, child{node: split}), nil

	default:
		rec, err := t.f.DecodeAt(int64(c.off))
		if err != nil {
			return nil, fmt.Errorf("%w: record at %d: %v", ErrCorrupt, c.off, err)
		}
		if rec.Kind == datafile.KindData {
			existingKey := rec.Key()
			if existingKey == pd.key {
				return nil, nil
			}
			split, err := splitChild(diskChild(c.off), existingKey, pd, level+1)
			if err != nil {
				return nil, err
			}
			return n.withChild(s, child{node: split}), nil
		}
		nn, err := t.insert(diskNode(rec), pd, level+1)
		if err != nil || nn == nil {
			return nil, err
		}
		return n.withChild(s, child{node: nn}), nil
	}
}

// splitChild builds the chain of interior nodes separating two keys
// that collide in all 6-bit slices above level.
func splitChild(existing child, existingKey datafile.Key, pd *pendingData, level int) (*node, error) {
	if level >= maxLevels {
		// distinct bindings under one 256-bit key would break the
		// content-addressing contract
		return nil, fmt.Errorf("%w: two values for key %x", ErrCorrupt, pd.key)
	}
	se, sn := slot(existingKey, level), slot(pd.key, level)
	if se == sn {
		inner, err := splitChild(existing, existingKey, pd, level+1)
		if err != nil {
			return nil, err
		}
		return (&node{}).withChild(se, child{node: inner}), nil
	}
	n := (&node{}).withChild(se, existing)
	return n.withChild(sn, child{data: pd}), nil
}

// loadNode rehydrates the interior or root record at off.
func (t *Tree) loadNode(off uint64) (*node, error) {
	rec, err := t.f.DecodeAt(int64(off))
	if err != nil {
		return nil, fmt.Errorf("%w: record at %d: %v", ErrCorrupt, off, err)
	}
	if rec.Kind == datafile.KindData {
		return nil, fmt.Errorf("%w: expected node record at %d, found data", ErrCorrupt, off)
	}
	return diskNode(rec), nil
}
