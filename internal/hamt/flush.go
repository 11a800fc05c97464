// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bpowers/meshanina/internal/datafile"
)

// Flush commits the pending set: data and interior records are emitted
// in post-order (children strictly before parents, so every child
// offset is known when its parent is framed), the new root goes last,
// then a single fsync.  A crash before the root record is durable
// leaves orphan records recovery will skip; a crash after commits the
// flush atomically.  The caller must hold the writer lock.
func (t *Tree) Flush() error {
	r := t.root.Load()
	if r.node == nil {
		return nil
	}
	start := time.Now()

	e := &emitter{
		codec: t.f.Codec(),
		base:  t.f.Size(),
		nodes: make(map[*node]uint64),
		data:  make(map[*pendingData]uint64),
	}
	rootOff := e.emitNode(r.node, datafile.KindRoot)

	off, err := t.f.Append(e.buf.Bytes())
	if err != nil {
		return fmt.Errorf("datafile.Append: %w", err)
	}
	if off != e.base {
		return fmt.Errorf("invariant broken: append landed at %d, expected %d", off, e.base)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("datafile.Sync: %w", err)
	}

	// the pending set is dropped here: readers resume from the on-disk
	// root
	t.root.Store(&rootRef{off: rootOff})

	t.log.Info("flushed",
		zap.Int("records", e.count),
		zap.Int("bytes", e.buf.Len()),
		zap.Uint64("rootOffset", rootOff),
		zap.Duration("took", time.Since(start)))
	return nil
}

// emitter serializes the pending graph into one append buffer,
// assigning each record its absolute file offset as it goes.  Shared
// pending nodes (the trie is a DAG in memory) are emitted once.
type emitter struct {
	codec *datafile.Codec
	base  int64
	buf   bytes.Buffer
	nodes map[*node]uint64
	data  map[*pendingData]uint64
	count int
}

func (e *emitter) emitNode(n *node, kind datafile.RecordKind) uint64 {
	if off, ok := e.nodes[n]; ok {
		return off
	}
	offsets := make([]uint64, len(n.children))
	for i, c := range n.children {
		switch {
		case c.node != nil:
			offsets[i] = e.emitNode(c.node, datafile.KindInterior)
		case c.data != nil:
			offsets[i] = e.emitData(c.data)
		default:
			offsets[i] = c.off
		}
	}
	off := e.append(e.codec.EncodeNode(kind, n.bitmap, offsets))
	e.nodes[n] = off
	return off
}

func (e *emitter) emitData(pd *pendingData) uint64 {
	if off, ok := e.data[pd]; ok {
		return off
	}
	off := e.append(e.codec.EncodeData(pd.key, pd.value))
	e.data[pd] = off
	return off
}

var padding [datafile.RecordAlign]byte

// append zero-pads to the record alignment boundary, appends the framed
// record, and returns the absolute offset of its divider.
func (e *emitter) append(framed []byte) uint64 {
	pos := e.base + int64(e.buf.Len())
	if pad := int(-pos & (datafile.RecordAlign - 1)); pad > 0 {
		e.buf.Write(padding[:pad])
	}
	off := e.base + int64(e.buf.Len())
	e.buf.Write(framed)
	e.count++
	return uint64(off)
}
