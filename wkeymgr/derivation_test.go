// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivationPathPack(t *testing.T) {
	t.Parallel()

	path := DerivationPath{0, 1, 2, HardenedKeyStart}
	packed := path.Pack()
	require.Len(t, packed, 16)

	unpacked, err := UnpackDerivationPath(packed)
	require.NoError(t, err)
	require.True(t, path.Equal(unpacked))

	_, err = UnpackDerivationPath(packed[:7])
	require.True(t, IsError(err, ErrMalformedData))
}

func TestDerivationPathPackOrdering(t *testing.T) {
	t.Parallel()

	// The packed form must sort lexicographically in index order; the
	// watermark queries compare packed paths directly.
	low := ReceivingSubpath.Extend(9)
	high := ReceivingSubpath.Extend(300)
	require.Negative(t, bytes.Compare(low.Pack(), high.Pack()))
}

func TestDerivationPathPrefix(t *testing.T) {
	t.Parallel()

	path := ReceivingSubpath.Extend(7)
	require.True(t, path.HasPrefix(ReceivingSubpath))
	require.False(t, path.HasPrefix(ChangeSubpath))
	require.False(t, ReceivingSubpath.HasPrefix(path))
	require.Equal(t, "m/0/7", path.String())
}
