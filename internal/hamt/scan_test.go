// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hamt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoverNewestRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	f := openTestFile(t, path)
	tree := newTestTree(t, f)

	var lastRoot uint64
	for batch := uint64(0); batch < 3; batch++ {
		for i := uint64(0); i < 50; i++ {
			key := testKey(batch*50 + i)
			require.NoError(t, tree.Insert(key, []byte{byte(batch), byte(i)}))
		}
		require.NoError(t, tree.Flush())
		require.Greater(t, tree.RootOffset(), lastRoot)
		lastRoot = tree.RootOffset()
	}
	require.NoError(t, f.Close())

	f = openTestFile(t, path)
	defer func() {
		require.NoError(t, f.Close())
	}()
	tree = newTestTree(t, f)
	require.Equal(t, lastRoot, tree.RootOffset())

	for i := uint64(0); i < 150; i++ {
		value, found, err := tree.Lookup(testKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, []byte{byte(i / 50), byte(i % 50)}, value)
	}
}

func TestTornFlushRecoversPriorRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	f := openTestFile(t, path)
	tree := newTestTree(t, f)

	require.NoError(t, tree.Insert(testKey(1), []byte("committed")))
	require.NoError(t, tree.Flush())
	committedRoot := tree.RootOffset()
	require.NoError(t, f.Close())

	// a crash mid-flush leaves appended bytes with no root record; the
	// next open must resume from the previous root
	raw, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	garbage := make([]byte, 1024)
	for i := range garbage {
		garbage[i] = 0xff
	}
	_, err = raw.Write(garbage)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	f = openTestFile(t, path)
	defer func() {
		require.NoError(t, f.Close())
	}()
	tree = newTestTree(t, f)
	require.Equal(t, committedRoot, tree.RootOffset())

	value, found, err := tree.Lookup(testKey(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("committed"), value)
}

func TestTruncatedRootFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	f := openTestFile(t, path)
	tree := newTestTree(t, f)

	require.NoError(t, tree.Insert(testKey(1), []byte("old")))
	require.NoError(t, tree.Flush())
	firstRoot := tree.RootOffset()

	require.NoError(t, tree.Insert(testKey(2), []byte("new")))
	require.NoError(t, tree.Flush())
	secondRoot := tree.RootOffset()
	require.NoError(t, f.Close())

	// dropping the newest root uncommits its flush
	require.NoError(t, os.Truncate(path, int64(secondRoot)))

	f = openTestFile(t, path)
	defer func() {
		require.NoError(t, f.Close())
	}()
	tree = newTestTree(t, f)
	require.Equal(t, firstRoot, tree.RootOffset())

	_, found, err := tree.Lookup(testKey(1))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = tree.Lookup(testKey(2))
	require.NoError(t, err)
	require.False(t, found)
}

func TestTruncatedOnlyRootMeansEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	f := openTestFile(t, path)
	tree := newTestTree(t, f)

	require.NoError(t, tree.Insert(testKey(1), []byte("lost")))
	require.NoError(t, tree.Flush())
	rootOff := tree.RootOffset()
	require.NoError(t, f.Close())

	require.NoError(t, os.Truncate(path, int64(rootOff)))

	f = openTestFile(t, path)
	defer func() {
		require.NoError(t, f.Close())
	}()
	tree = newTestTree(t, f)
	require.Zero(t, tree.RootOffset())

	_, found, err := tree.Lookup(testKey(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestRecoverEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	f := openTestFile(t, path)
	defer func() {
		require.NoError(t, f.Close())
	}()

	tree := newTestTree(t, f)
	require.Zero(t, tree.RootOffset())
	require.False(t, tree.Dirty())
}
