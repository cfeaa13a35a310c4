// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/gcs"
	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/rand"
	"github.com/funkpost/funkpost/core/wire"
)

func testPacketBytes(t *testing.T, ident *identity.Identity, kind wire.Type, ts uint64, payload []byte) []byte {
	t.Helper()
	pkt := &wire.Packet{
		Type:      kind,
		TTL:       DefaultTTL,
		Timestamp: ts,
		SenderID:  ident.PeerID(),
		Payload:   payload,
	}
	require.NoError(t, wire.Sign(pkt, ident.SigningPrivate()))
	raw, err := wire.EncodeCanonical(pkt)
	require.NoError(t, err)
	return raw
}

func TestSyncRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	ids := [][]byte{[]byte("id-one-0123456789"), []byte("id-two-0123456789")}
	filter, err := gcs.Build(ids, gcs.DefaultP, gcs.DefaultM)
	require.NoError(err)

	payload := buildSyncRequest(filter, classMessages|classFiles)
	classes, got, err := parseSyncRequest(payload)
	require.NoError(err)
	require.EqualValues(classMessages|classFiles, classes)
	require.Equal(filter.N(), got.N())
	require.Equal(filter.P(), got.P())
	require.Equal(filter.Bytes(), got.Bytes())
}

func TestSyncRequestRejects(t *testing.T) {
	require := require.New(t)

	_, _, err := parseSyncRequest(nil)
	require.ErrorIs(err, errBadSyncRequest)

	_, _, err = parseSyncRequest([]byte{0x7f, classAll, 8, 0, 0, 0, 0})
	require.ErrorIs(err, errBadSyncRequest)
}

func TestSyncIDStableAcrossTTL(t *testing.T) {
	require := require.New(t)

	ident, err := identity.New(rand.Reader)
	require.NoError(err)
	raw := testPacketBytes(t, ident, wire.TypeMessage, 1000, []byte("hop count varies"))

	hopped := append([]byte{}, raw...)
	hopped[wire.TTLOffset] = 2

	require.Equal(makeSyncID(raw), makeSyncID(hopped))
}

func TestMissingForPeer(t *testing.T) {
	require := require.New(t)

	ident, err := identity.New(rand.Reader)
	require.NoError(err)
	now := time.Now()

	cache := newPacketCache(64)
	var raws [][]byte
	for i := uint64(0); i < 8; i++ {
		raw := testPacketBytes(t, ident, wire.TypeMessage, 1000+i, []byte{byte(i)})
		raws = append(raws, raw)
		cache.store(raw, wire.TypeMessage, now.Add(time.Duration(i)))
	}
	require.Equal(8, cache.len())

	// A requester that knows the first half provably lacks the rest.
	// False positives may hide a gap, never invent one, so the result
	// is always a subset of the true gap set.
	var known [][]byte
	for _, e := range cache.byClass(classAll)[:4] {
		id := e.id
		known = append(known, id[:])
	}
	filter, err := gcs.Build(known, gcs.DefaultP, gcs.DefaultM)
	require.NoError(err)

	batch, err := missingForPeer(cache, classAll, filter)
	require.NoError(err)
	require.LessOrEqual(len(batch), 4)
	wantMissing := make(map[string]bool)
	for _, e := range cache.byClass(classAll)[4:] {
		wantMissing[string(e.raw)] = true
	}
	for _, raw := range batch {
		require.True(wantMissing[string(raw)], "re-sent a packet the requester already had")
	}

	// An empty filter means the requester has nothing: everything in
	// the class comes back, oldest first, under the batch caps.
	empty, err := gcs.Build(nil, gcs.DefaultP, gcs.DefaultM)
	require.NoError(err)
	batch, err = missingForPeer(cache, classAll, empty)
	require.NoError(err)
	require.Len(batch, 8)
	for i, raw := range batch {
		require.Equal(makeSyncID(raws[i]), makeSyncID(raw))
	}

	// Class masks exclude cached presence traffic.
	ann := testPacketBytes(t, ident, wire.TypeAnnounce, 2000, []byte("presence"))
	cache.store(ann, wire.TypeAnnounce, now.Add(time.Hour))
	batch, err = missingForPeer(cache, classMessages, empty)
	require.NoError(err)
	require.Len(batch, 8)
}

func TestMissingForPeerBatchCap(t *testing.T) {
	require := require.New(t)

	ident, err := identity.New(rand.Reader)
	require.NoError(err)
	now := time.Now()

	cache := newPacketCache(128)
	for i := uint64(0); i < 100; i++ {
		raw := testPacketBytes(t, ident, wire.TypeMessage, 5000+i, []byte{byte(i)})
		cache.store(raw, wire.TypeMessage, now.Add(time.Duration(i)))
	}

	empty, err := gcs.Build(nil, gcs.DefaultP, gcs.DefaultM)
	require.NoError(err)
	batch, err := missingForPeer(cache, classAll, empty)
	require.NoError(err)
	require.Len(batch, syncMaxBatchPackets)
}

func TestPacketCacheEviction(t *testing.T) {
	require := require.New(t)

	ident, err := identity.New(rand.Reader)
	require.NoError(err)
	now := time.Now()

	cache := newPacketCache(4)
	for i := uint64(0); i < 6; i++ {
		raw := testPacketBytes(t, ident, wire.TypeMessage, 100+i, []byte{byte(i)})
		cache.store(raw, wire.TypeMessage, now.Add(time.Duration(i)))
	}
	require.Equal(4, cache.len())

	// Oldest first went out.
	oldest := cache.byClass(classAll)[0]
	require.Equal(uint64(102), decodeTimestamp(t, oldest.raw))

	// Non reconcilable types are never cached.
	hs := testPacketBytes(t, ident, wire.TypeNoiseHandshake, 9999, []byte("x"))
	cache.store(hs, wire.TypeNoiseHandshake, now)
	require.Equal(4, cache.len())
}

func decodeTimestamp(t *testing.T, raw []byte) uint64 {
	t.Helper()
	pkt, err := wire.Decode(raw)
	require.NoError(t, err)
	return pkt.Timestamp
}
