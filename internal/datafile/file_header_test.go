// Copyright 2024 The meshanina Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHeaderRoundTrip(t *testing.T) {
	var zero [DividerLen]byte

	origH, err := newFileHeader()
	require.NoError(t, err)
	require.NotEqual(t, zero, origH.divider)

	// this should be an error
	err = origH.MarshalTo(nil)
	assert.Error(t, err)

	var newH fileHeader
	headerBytes := make([]byte, FileHeaderSize)
	// this should be an error -- missing magic literal
	err = newH.UnmarshalBytes(headerBytes)
	assert.ErrorIs(t, err, ErrBadHeader)

	err = origH.MarshalTo(headerBytes)
	require.NoError(t, err)

	// this should be an error -- too short
	err = newH.UnmarshalBytes(headerBytes[:FileHeaderSize-1])
	assert.ErrorIs(t, err, ErrBadHeader)

	err = newH.UnmarshalBytes(headerBytes)
	require.NoError(t, err)
	require.Equal(t, origH.divider, newH.divider)

	k0, k1 := newH.sipKey()
	origK0, origK1 := origH.sipKey()
	require.Equal(t, origK0, k0)
	require.Equal(t, origK1, k1)
}

func TestFileHeadersAreUnique(t *testing.T) {
	a, err := newFileHeader()
	require.NoError(t, err)
	b, err := newFileHeader()
	require.NoError(t, err)
	require.NotEqual(t, a.divider, b.divider)
}
