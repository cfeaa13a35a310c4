// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package padding

import (
	"bytes"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockSize(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal(256, BlockSize(0))
	require.Equal(256, BlockSize(1))
	require.Equal(256, BlockSize(255))
	require.Equal(512, BlockSize(256))
	require.Equal(512, BlockSize(511))
	require.Equal(1024, BlockSize(512))
	require.Equal(2048, BlockSize(1100))
	require.Equal(2048, BlockSize(2047))
	require.Equal(2048, BlockSize(2048), "ladder top keeps its own length")
	require.Equal(5000, BlockSize(5000))
}

func TestPadUnpadRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Lengths whose distance to the next rung fits the marker byte.
	// Outside this domain Pad passes data through, and Unpad on
	// arbitrary unpadded bytes is undefined by construction.
	r := mrand.New(mrand.NewSource(42))
	for _, n := range []int{1, 17, 100, 255, 300, 400, 511, 900, 1023, 1800, 2047} {
		data := make([]byte, n)
		r.Read(data)

		target := BlockSize(n)
		require.LessOrEqual(target-n, MaxPadding, "test vector %d out of domain", n)

		padded := Pad(data, target)
		require.Equal(target, len(padded), "length %d should pad to %d", n, target)
		require.True(bytes.Equal(data, Unpad(padded)), "round trip at length %d", n)
	}
}

func TestPadInexpressible(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A gap wider than the marker byte can express passes through.
	data := make([]byte, 600)
	for i := range data {
		data[i] = 0xA5
	}
	out := Pad(data, 1024)
	require.Equal(600, len(out))

	// As does data already at or past the target.
	out = Pad(data, 600)
	require.Equal(600, len(out))
	out = Pad(data, 300)
	require.Equal(600, len(out))
}

func TestUnpadHostile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Empty(Unpad(nil))

	// Marker of zero is impossible, the data is untouched.
	data := []byte{1, 2, 3, 0}
	require.True(bytes.Equal(data, Unpad(data)))

	// Marker past the data length is impossible too.
	data = []byte{1, 2, 0xff}
	require.True(bytes.Equal(data, Unpad(data)))

	// Marker consuming the whole input is legal, everything was pad.
	data = []byte{7, 7, 7, 7, 7, 7, 7}
	require.Empty(Unpad(data))
}
