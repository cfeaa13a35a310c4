// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/transport"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func TestEventRoundTrip(t *testing.T) {
	require := require.New(t)
	priv := testKey(t)

	ev, err := Seal(priv, KindPacket, []byte("a packet goes here"))
	require.NoError(err)
	blob, err := ev.Marshal()
	require.NoError(err)

	got, err := Unmarshal(blob)
	require.NoError(err)
	id, err := got.Verify()
	require.NoError(err)

	wantID, err := ev.ID()
	require.NoError(err)
	require.Equal(wantID, id)
	require.Equal(ev.Payload, got.Payload)
}

func TestEventTamper(t *testing.T) {
	require := require.New(t)
	priv := testKey(t)

	ev, err := Seal(priv, KindPacket, []byte("original"))
	require.NoError(err)

	ev.Payload = []byte("replaced")
	_, err = ev.Verify()
	require.ErrorIs(err, errBadSig)

	// Wrong key sizes are structural failures, not crashes.
	ev.SenderPub = ev.SenderPub[:16]
	_, err = ev.Verify()
	require.ErrorIs(err, errBadEvent)
}

func TestEventPayloadBound(t *testing.T) {
	require := require.New(t)
	priv := testKey(t)

	_, err := Seal(priv, KindPacket, make([]byte, MaxPayloadSize+1))
	require.Error(err)
}

func TestSeenIDs(t *testing.T) {
	require := require.New(t)

	s := newSeenIDs(2)
	a := EventID{1}
	b := EventID{2}
	c := EventID{3}

	require.False(s.testAndSet(a))
	require.True(s.testAndSet(a))
	require.False(s.testAndSet(b))
	require.False(s.testAndSet(c))
	// Oldest entry fell out.
	require.False(s.testAndSet(a))
}

func awaitEvent(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed awaiting %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out awaiting %v", kind)
		}
	}
}

// Two clients on one hub: a frame published by one arrives at the
// other exactly once, and never echoes back to its publisher.
func TestHubFanOut(t *testing.T) {
	require := require.New(t)
	backend := testBackend(t)

	hub, err := NewHub(&HubConfig{
		ListenAddresses: []string{"tcp://127.0.0.1:0"},
		LogBackend:      backend,
	})
	require.NoError(err)
	defer hub.Halt()

	addrs := hub.Addresses()
	require.Len(addrs, 1)

	newClient := func() *Client {
		c, err := NewClient(&ClientConfig{
			Hubs:       addrs,
			SigningKey: testKey(t),
			LogBackend: backend,
		})
		require.NoError(err)
		return c
	}
	alice := newClient()
	defer alice.Halt()
	bob := newClient()
	defer bob.Halt()

	require.Len(alice.ListPeers(), 1)
	require.EqualValues(-100, alice.ListPeers()[0].RSSI)

	require.NoError(alice.Connect(alice.ListPeers()[0].Handle))
	require.NoError(bob.Connect(bob.ListPeers()[0].Handle))
	aliceHub := awaitEvent(t, alice.Events(), transport.EventConnected)
	awaitEvent(t, bob.Events(), transport.EventConnected)

	frame := []byte("mesh packet in an envelope")
	require.NoError(alice.Send(aliceHub.Handle, frame))

	got := awaitEvent(t, bob.Events(), transport.EventData)
	require.Equal(frame, got.Data)

	// No echo to the publisher and no duplicate to bob.
	select {
	case ev := <-alice.Events():
		require.NotEqual(transport.EventData, ev.Kind, "publisher got its own event back")
	case <-time.After(300 * time.Millisecond):
	}
	select {
	case ev := <-bob.Events():
		require.NotEqual(transport.EventData, ev.Kind, "duplicate delivery")
	case <-time.After(300 * time.Millisecond):
	}
}
