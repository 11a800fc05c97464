// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, int64(FileHeaderSize), f.Size())

	divider := f.Divider()
	require.NotEqual(t, [DividerLen]byte{}, divider)
	require.NoError(t, f.Close())

	// reopen sees the same divider
	f, err = Open(path)
	require.NoError(t, err)
	require.Equal(t, divider, f.Divider())
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, FileHeaderSize)
	require.Equal(t, magicFileHeader, raw[:len(magicFileHeader)])
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a.db")
	require.NoError(t, os.WriteFile(path, make([]byte, FileHeaderSize), 0o644))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestOpenIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path)
	require.NoError(t, err)

	_, err = Open(path)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, f.Close())

	// lock released, open succeeds again
	f, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestAppendAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	framed := f.Codec().EncodeData(Key{0xaa}, []byte("value one"))
	off, err := f.Append(framed)
	require.NoError(t, err)
	require.Equal(t, int64(FileHeaderSize), off)
	require.Equal(t, int64(FileHeaderSize+len(framed)), f.Size())

	// not yet visible through the mapping
	_, err = f.DecodeAt(off)
	require.Error(t, err)

	require.NoError(t, f.Sync())

	rec, err := f.DecodeAt(off)
	require.NoError(t, err)
	require.Equal(t, KindData, rec.Kind)
	require.Equal(t, Key{0xaa}, rec.Key())
	value, err := rec.Value()
	require.NoError(t, err)
	require.Equal(t, []byte("value one"), value)

	// stale slices from before a grow stay readable
	before := f.Data()
	framed2 := f.Codec().EncodeData(Key{0xbb}, []byte("value two"))
	_, err = f.Append(framed2)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	_, err = f.Codec().Decode(before, off)
	require.NoError(t, err)
}
