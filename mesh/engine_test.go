// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/core/rand"
	"github.com/funkpost/funkpost/transport"
	"github.com/funkpost/funkpost/transport/memnet"
)

type testNode struct {
	engine *Engine
	tr     *memnet.Transport
}

func startNode(t *testing.T, fabric *memnet.Fabric, name string, mutate func(*Config)) *testNode {
	t.Helper()
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	ident, err := identity.New(rand.Reader)
	require.NoError(t, err)
	tr, err := fabric.Join(name)
	require.NoError(t, err)

	cfg := &Config{
		Identity:   ident,
		Nickname:   name,
		Transports: []transport.Transport{tr},
		LogBackend: backend,
		// Tight intervals keep the tests fast.
		AnnounceInterval: 2 * time.Second,
		SyncInterval:     2 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Halt)
	return &testNode{engine: e, tr: tr}
}

// awaitEvent consumes the node's event stream until match accepts an
// event or the deadline passes.
func awaitEvent(t *testing.T, n *testNode, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev, ok := <-n.engine.Events():
			if !ok {
				t.Fatalf("event stream closed awaiting %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out awaiting %s", what)
		}
	}
}

func isMessage(payload string) func(Event) bool {
	return func(ev Event) bool {
		m, ok := ev.(*MessageEvent)
		return ok && string(m.Payload) == payload
	}
}

// noMessage asserts that no MessageEvent with the given payload shows
// up within the window.
func noMessage(t *testing.T, n *testNode, payload string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-n.engine.Events():
			if !ok {
				return
			}
			if isMessage(payload)(ev) {
				t.Fatalf("unexpected delivery of %q", payload)
			}
		case <-deadline:
			return
		}
	}
}

// Alice and Bob discover each other, handshake, and exchange an end
// to end encrypted private message.
func TestPrivateMessage(t *testing.T) {
	require := require.New(t)
	fabric := memnet.NewFabric(0)

	alice := startNode(t, fabric, "alice", nil)
	bob := startNode(t, fabric, "bob", nil)

	awaitEvent(t, alice, "bob announce", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == bob.engine.LocalID()
	})

	require.NoError(alice.engine.SendPrivate(bob.engine.LocalID(), []byte("hello")))

	got := awaitEvent(t, bob, "private hello", isMessage("hello"))
	m := got.(*MessageEvent)
	require.True(m.Private)
	require.True(m.Verified)
	require.Equal(alice.engine.LocalID(), m.From)
	require.Equal("alice", m.Nickname)

	// And the return path, reusing the established session.
	require.NoError(bob.engine.SendPrivate(alice.engine.LocalID(), []byte("hello yourself")))
	got = awaitEvent(t, alice, "private reply", isMessage("hello yourself"))
	require.True(got.(*MessageEvent).Private)

	// Both ends report the session.
	for _, n := range []*testNode{alice, bob} {
		snaps := n.engine.Peers()
		found := false
		for _, s := range snaps {
			if s.HasSession {
				found = true
			}
		}
		require.True(found, "no session in peer snapshot")
	}
}

// A broadcast crosses a three node line exactly once: the middle node
// relays it, the far node consumes it, nobody loops it back around.
func TestRelayLine(t *testing.T) {
	require := require.New(t)
	fabric := memnet.NewFabric(0)
	fabric.Block("alice", "carol")

	alice := startNode(t, fabric, "alice", nil)
	bob := startNode(t, fabric, "bob", nil)
	carol := startNode(t, fabric, "carol", nil)
	_ = bob

	// Carol learns of alice only through bob's relaying.
	awaitEvent(t, carol, "relayed alice announce", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == alice.engine.LocalID() && !s.Direct
	})

	require.NoError(alice.engine.SendBroadcast([]byte("flood")))
	got := awaitEvent(t, carol, "relayed broadcast", isMessage("flood"))
	m := got.(*MessageEvent)
	require.False(m.Private)
	require.True(m.Verified)
	require.Equal(alice.engine.LocalID(), m.From)

	// The duplicate suppression set holds; no second copy arrives via
	// any path.
	noMessage(t, carol, "flood", 2*time.Second)
}

// A packet that arrives with an exhausted hop budget is consumed but
// never forwarded.
func TestRelayTTLExpires(t *testing.T) {
	require := require.New(t)
	fabric := memnet.NewFabric(0)
	fabric.Block("alice", "carol")

	// Sync stays off here: gossip repair would legitimately carry the
	// packet to carol and mask what the relay rule does.
	noSync := func(cfg *Config) { cfg.SyncInterval = time.Hour }
	alice := startNode(t, fabric, "alice", func(cfg *Config) {
		cfg.TTL = 1
		noSync(cfg)
	})
	bob := startNode(t, fabric, "bob", noSync)
	carol := startNode(t, fabric, "carol", noSync)

	// Wait for the line to settle.
	awaitEvent(t, bob, "alice direct", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == alice.engine.LocalID() && s.Direct
	})
	awaitEvent(t, carol, "bob direct", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == bob.engine.LocalID() && s.Direct
	})

	require.NoError(alice.engine.SendBroadcast([]byte("one hop only")))

	// Bob consumes it; carol must never see it.
	awaitEvent(t, bob, "one hop broadcast", isMessage("one hop only"))
	noMessage(t, carol, "one hop only", 3*time.Second)
}

// An oversized broadcast is fragmented to the link MTU and
// reassembled at the receiver.
func TestFragmentedBroadcast(t *testing.T) {
	require := require.New(t)
	fabric := memnet.NewFabric(2048)

	alice := startNode(t, fabric, "alice", nil)
	bob := startNode(t, fabric, "bob", nil)

	awaitEvent(t, bob, "alice announce", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == alice.engine.LocalID()
	})

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(alice.engine.SendBroadcast(payload))

	got := awaitEvent(t, bob, "reassembled broadcast", isMessage(string(payload)))
	require.Equal(payload, got.(*MessageEvent).Payload)
}

// A node that was out of range when a broadcast went out repairs the
// gap through gossip sync once it reconnects.
func TestSyncRepair(t *testing.T) {
	require := require.New(t)
	fabric := memnet.NewFabric(0)
	fabric.Block("alice", "carol")
	fabric.Block("bob", "carol")

	alice := startNode(t, fabric, "alice", nil)
	bob := startNode(t, fabric, "bob", nil)
	carol := startNode(t, fabric, "carol", nil)

	awaitEvent(t, bob, "alice announce", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == alice.engine.LocalID()
	})
	require.NoError(alice.engine.SendBroadcast([]byte("missed this")))
	awaitEvent(t, bob, "broadcast at bob", isMessage("missed this"))

	// Carol joins late; her sync round against bob pulls the gap.
	fabric.Unblock("bob", "carol")
	got := awaitEvent(t, carol, "sync repaired broadcast", isMessage("missed this"))
	require.Equal(alice.engine.LocalID(), got.(*MessageEvent).From)
}

// A leave packet removes the departing peer everywhere at once.
func TestLeave(t *testing.T) {
	fabric := memnet.NewFabric(0)

	alice := startNode(t, fabric, "alice", nil)
	bob := startNode(t, fabric, "bob", nil)

	awaitEvent(t, alice, "bob announce", func(ev Event) bool {
		s, ok := ev.(*PeerSeenEvent)
		return ok && s.ID == bob.engine.LocalID()
	})

	bobID := bob.engine.LocalID()
	bob.engine.Halt()

	awaitEvent(t, alice, "bob leave", func(ev Event) bool {
		g, ok := ev.(*PeerGoneEvent)
		return ok && g.ID == bobID && g.Reason == "leave"
	})
}
