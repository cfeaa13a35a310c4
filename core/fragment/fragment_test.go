// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fragment

import (
	"bytes"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/wire"
)

var testSender = wire.PeerIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8})

func TestSplitReassemble(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := mrand.New(mrand.NewSource(7))
	now := time.Now()

	for _, tc := range []struct{ size, chunk int }{
		{1, 128},
		{128, 128},
		{129, 128},
		{1000, 100},
		{4096, 512},
		{100000, 500},
	} {
		data := make([]byte, tc.size)
		r.Read(data)

		frags, err := Split(data, tc.chunk)
		require.NoError(err, "Split(%d, %d)", tc.size, tc.chunk)
		want := (tc.size + tc.chunk - 1) / tc.chunk
		require.Equal(want, len(frags))

		ra := NewReassembler(8, time.Minute)
		var out []byte
		for i, p := range frags {
			out, err = ra.Add(testSender, p, now)
			require.NoError(err)
			if i < len(frags)-1 {
				require.Nil(out, "premature completion at fragment %d", i)
			}
		}
		require.True(bytes.Equal(data, out), "round trip %d/%d", tc.size, tc.chunk)
		require.Equal(0, ra.Len(), "buffer should retire on completion")
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	data := make([]byte, 1000)
	mrand.New(mrand.NewSource(8)).Read(data)
	frags, err := Split(data, 100)
	require.NoError(err)

	perm := mrand.New(mrand.NewSource(9)).Perm(len(frags))
	ra := NewReassembler(8, time.Minute)
	now := time.Now()

	var out []byte
	for _, i := range perm {
		prev := out
		out, err = ra.Add(testSender, frags[i], now)
		require.NoError(err)
		if out == nil {
			out = prev
		}
	}
	require.True(bytes.Equal(data, out))

	// Duplicate fragments after completion start a fresh buffer but
	// never corrupt anything.
	res, err := ra.Add(testSender, frags[0], now)
	require.NoError(err)
	require.Nil(res)
}

func TestSplitBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Split(make([]byte, MaxFragments*100+1), 100)
	require.ErrorIs(err, ErrTooLarge)

	_, err = Split(nil, 100)
	require.ErrorIs(err, ErrMalformed)

	_, err = Split([]byte{1}, 0)
	require.Error(err)

	// Oversized chunk requests clamp rather than fail.
	frags, err := Split(make([]byte, MaxChunk+1), MaxChunk*2)
	require.NoError(err)
	require.Equal(2, len(frags))
}

func TestParseHostile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Too short to carry any chunk.
	_, err := Parse([]byte{markerPacket, 0, 0, 0, 1, 1, 2, 3, 4})
	require.ErrorIs(err, ErrMalformed)

	// Unknown marker.
	_, err = Parse([]byte{0x7f, 0, 0, 0, 1, 1, 2, 3, 4, 0xaa})
	require.ErrorIs(err, ErrMalformed)

	// Zero count.
	_, err = Parse([]byte{markerPacket, 0, 0, 0, 0, 1, 2, 3, 4, 0xaa})
	require.ErrorIs(err, ErrMalformed)

	// Index past count.
	_, err = Parse([]byte{markerPacket, 0, 2, 0, 2, 1, 2, 3, 4, 0xaa})
	require.ErrorIs(err, ErrMalformed)

	// Valid single fragment.
	f, err := Parse([]byte{markerPacket, 0, 0, 0, 1, 1, 2, 3, 4, 0xaa})
	require.NoError(err)
	require.Equal(uint16(0), f.Index)
	require.Equal(uint16(1), f.Count)
	require.Equal(MessageID{1, 2, 3, 4}, f.MessageID)
	require.Equal([]byte{0xaa}, f.Chunk)
}

func TestReassemblerCountConflict(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ra := NewReassembler(8, time.Minute)
	now := time.Now()

	data := make([]byte, 300)
	frags, err := Split(data, 100)
	require.NoError(err)
	require.Equal(3, len(frags))

	_, err = ra.Add(testSender, frags[0], now)
	require.NoError(err)

	// Same message id, different declared count.
	forged := append([]byte{}, frags[1]...)
	forged[3], forged[4] = 0, 7
	_, err = ra.Add(testSender, forged, now)
	require.ErrorIs(err, ErrMismatch)
	require.Equal(1, ra.Len(), "conflict must not disturb the buffer")
}

func TestReassemblerExpiry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ra := NewReassembler(8, 30*time.Second)
	start := time.Now()

	frags, err := Split(make([]byte, 500), 100)
	require.NoError(err)
	_, err = ra.Add(testSender, frags[0], start)
	require.NoError(err)
	require.Equal(1, ra.Len())

	require.Equal(0, ra.Sweep(start.Add(29*time.Second)))
	require.Equal(1, ra.Len())

	require.Equal(1, ra.Sweep(start.Add(31*time.Second)))
	require.Equal(0, ra.Len())

	// Late fragments just open a fresh buffer.
	out, err := ra.Add(testSender, frags[1], start.Add(32*time.Second))
	require.NoError(err)
	require.Nil(out)
	require.Equal(1, ra.Len())
}

func TestReassemblerCapacity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ra := NewReassembler(2, time.Minute)
	now := time.Now()

	mk := func(at time.Time) [][]byte {
		frags, err := Split(make([]byte, 300), 100)
		require.NoError(err)
		_, err = ra.Add(testSender, frags[0], at)
		require.NoError(err)
		return frags
	}

	oldest := mk(now)
	mk(now.Add(time.Second))
	require.Equal(2, ra.Len())
	require.Zero(ra.Evictions())

	// A third split forces out the oldest buffer.
	mk(now.Add(2 * time.Second))
	require.Equal(2, ra.Len())
	require.Equal(uint64(1), ra.Evictions())

	// The evicted split can no longer complete.
	var out []byte
	var err error
	for _, p := range oldest[1:] {
		out, err = ra.Add(testSender, p, now.Add(3*time.Second))
		require.NoError(err)
	}
	require.Nil(out)
}
