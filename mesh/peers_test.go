// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/wire"
)

func TestRetryDelay(t *testing.T) {
	require := require.New(t)

	require.Equal(5*time.Second, retryDelay(1))
	require.Equal(10*time.Second, retryDelay(2))
	require.Equal(40*time.Second, retryDelay(4))
	require.Equal(2*time.Minute, retryDelay(6))
	// Capped, not unbounded.
	require.Equal(2*time.Minute, retryDelay(30))
}

func TestCandidatesOrdering(t *testing.T) {
	require := require.New(t)

	tbl := newPeerTable()
	now := time.Now()

	weak := tbl.sight(nil, "mem://weak", -80, now)
	strong := tbl.sight(nil, "mem://strong", -40, now)
	mid := tbl.sight(nil, "mem://mid", -60, now)

	got := tbl.candidates(now)
	require.Equal([]*peer{strong, mid, weak}, got)

	// A peer in backoff is not a candidate until its retry time.
	mid.nextAttempt = now.Add(time.Minute)
	got = tbl.candidates(now)
	require.Equal([]*peer{strong, weak}, got)
	got = tbl.candidates(now.Add(2 * time.Minute))
	require.Len(got, 3)

	// Connecting or connected peers never re-dial.
	strong.state = PeerConnecting
	weak.state = PeerReady
	got = tbl.candidates(now)
	require.Empty(got)
}

func TestStaleCollection(t *testing.T) {
	require := require.New(t)

	tbl := newPeerTable()
	now := time.Now()
	window := 3 * time.Minute

	old := tbl.sight(nil, "mem://old", 0, now.Add(-10*time.Minute))
	fresh := tbl.sight(nil, "mem://fresh", 0, now)
	connected := tbl.sight(nil, "mem://connected", 0, now.Add(-10*time.Minute))
	connected.state = PeerReady

	got := tbl.stale(now, window)
	require.Equal([]*peer{old}, got)
	_ = fresh

	// A live link shields a peer from staleness regardless of age.
	connected.state = PeerDisconnected
	got = tbl.stale(now, window)
	require.Len(got, 2)

	tbl.purge(old)
	require.Nil(tbl.fromHandle("mem://old"))
}

func TestIdentifySupersede(t *testing.T) {
	require := require.New(t)

	tbl := newPeerTable()
	now := time.Now()
	id := wire.PeerID{0xaa, 1, 2, 3, 4, 5, 6, 7}

	// The identity is first learned through a relayed announce, then
	// shows up on a direct link.  The direct entry absorbs the mesh
	// learned one.
	relayed := tbl.known(id, now)
	relayed.pending = append(relayed.pending, pendingSend{kind: wire.TypeMessage, payload: []byte("queued")})

	direct := tbl.sight(nil, "mem://direct", -50, now)
	tbl.identify(direct, id, "nick", [32]byte{}, nil)

	require.Equal(direct, tbl.byPeerID(id))
	require.True(direct.identified)
	require.Equal("nick", direct.nickname)
	require.Len(direct.pending, 1)

	// An identity moving to a new link carries its queue along, last
	// writer wins.
	direct2 := tbl.sight(nil, "mem://direct2", -50, now)
	tbl.identify(direct2, id, "nick", [32]byte{}, nil)
	require.Equal(direct2, tbl.byPeerID(id))
	require.Len(direct2.pending, 1)
}

func TestSnapshots(t *testing.T) {
	require := require.New(t)

	tbl := newPeerTable()
	now := time.Now()
	p := tbl.sight(nil, "mem://a", -42, now)
	tbl.identify(p, wire.PeerID{1}, "alice", [32]byte{}, nil)
	p.state = PeerReady

	snaps := tbl.snapshots()
	require.Len(snaps, 1)
	require.Equal("alice", snaps[0].Nickname)
	require.Equal(PeerReady, snaps[0].State)
	require.EqualValues(-42, snaps[0].RSSI)
	require.True(snaps[0].Direct)
	require.False(snaps[0].HasSession)
}
