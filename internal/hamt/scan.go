// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/bpowers/meshanina/internal/datafile"
)

// findRoot scans backward from the end of the file for occurrences of
// the magic divider, returning the offset of the newest record that
// decodes as a root and whose direct children all decode.  0 means no
// valid root: the database is empty (a freshly created file, or one
// whose only flush was torn before its root reached disk).
func findRoot(f *datafile.File, log *zap.Logger) uint64 {
	data := f.Data()
	divider := f.Divider()

	end := int64(len(data))
	for end > datafile.FileHeaderSize {
		i := bytes.LastIndex(data[datafile.FileHeaderSize:end], divider[:])
		if i < 0 {
			break
		}
		off := datafile.FileHeaderSize + int64(i)

		rec, err := f.DecodeAt(off)
		if err == nil && rec.Kind == datafile.KindRoot && childrenDecode(f, rec) {
			log.Info("recovered root", zap.Int64("offset", off))
			return uint64(off)
		}
		if err != nil {
			log.Debug("skipping divider occurrence", zap.Int64("offset", off), zap.Error(err))
		}

		// resume the search strictly before this occurrence
		end = off + datafile.DividerLen - 1
	}

	if trailing := int64(len(data)) - datafile.FileHeaderSize; trailing > 0 {
		log.Warn("no valid root found, treating database as empty",
			zap.Int64("trailingBytes", trailing))
	}
	return 0
}

// childrenDecode shallow-validates a root candidate: every child offset
// it references must itself decode as a record.  Deeper records are
// validated lazily on first dereference.
func childrenDecode(f *datafile.File, root *datafile.Record) bool {
	for _, off := range root.ChildOffsets() {
		rec, err := f.DecodeAt(int64(off))
		if err != nil || rec.Kind == datafile.KindRoot {
			return false
		}
	}
	return true
}
