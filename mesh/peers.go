// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"

	"github.com/funkpost/funkpost/core/noise"
	"github.com/funkpost/funkpost/core/wire"
	"github.com/funkpost/funkpost/transport"
)

// PeerState is the connection lifecycle state of a direct peer.
type PeerState int

const (
	// PeerDiscovered means the peer is visible on a transport but not
	// connected.
	PeerDiscovered PeerState = iota

	// PeerConnecting means a dial is in flight.
	PeerConnecting

	// PeerConnected means the link is up but the peer has not yet
	// identified itself.
	PeerConnected

	// PeerReady means the link is up and the peer has announced its
	// identity.
	PeerReady

	// PeerDisconnected means a previously connected link is down.
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerReady:
		return "ready"
	case PeerDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const (
	connectRetryBase = 5 * time.Second
	connectRetryMax  = 2 * time.Minute
)

// retryDelay is the exponential backoff before dialing a peer again
// after its Nth consecutive failure.
func retryDelay(attempts int) time.Duration {
	d := connectRetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= connectRetryMax {
			return connectRetryMax
		}
	}
	return d
}

type pendingSend struct {
	kind    wire.Type
	payload []byte
}

// maxPendingSends bounds the per peer queue of payloads waiting for a
// session.
const maxPendingSends = 16

// peer is everything the engine knows about one remote node: the
// direct link if any, the announced identity, and the crypto state.
// Peers learned only through relayed announces have no handle.
type peer struct {
	tr     transport.Transport
	handle transport.Handle
	state  PeerState

	rssi     int16
	lastSeen time.Time

	id         wire.PeerID
	nickname   string
	noiseKey   [noise.KeySize]byte
	signKey    ed25519.PublicKey
	identified bool

	attempts    int
	nextAttempt time.Time
	deadline    time.Time

	handshake        *noise.HandshakeState
	handshakeStarted time.Time
	session          *noise.Session

	pending []pendingSend
}

// direct reports whether the peer has a live direct link.
func (p *peer) direct() bool {
	return p.handle != "" && (p.state == PeerConnected || p.state == PeerReady)
}

// PeerSnapshot is a point in time copy of one peer's state, for
// introspection.
type PeerSnapshot struct {
	ID         wire.PeerID
	Nickname   string
	State      PeerState
	RSSI       int16
	LastSeen   time.Time
	Direct     bool
	HasSession bool
}

// peerTable indexes peers by transport handle and by announced ID.
// Owned by the engine's serialized context, so no locking.
type peerTable struct {
	byHandle map[transport.Handle]*peer
	byID     map[wire.PeerID]*peer
}

func newPeerTable() *peerTable {
	return &peerTable{
		byHandle: make(map[transport.Handle]*peer),
		byID:     make(map[wire.PeerID]*peer),
	}
}

// sight records a discovery scan result, creating or refreshing the
// peer under that handle.
func (t *peerTable) sight(tr transport.Transport, h transport.Handle, rssi int16, now time.Time) *peer {
	p, ok := t.byHandle[h]
	if !ok {
		p = &peer{tr: tr, handle: h, state: PeerDiscovered, rssi: rssi, lastSeen: now}
		t.byHandle[h] = p
		return p
	}
	p.rssi = rssi
	p.lastSeen = now
	if p.state == PeerDisconnected {
		p.state = PeerDiscovered
	}
	return p
}

// known returns or creates an entry for a peer learned through the
// mesh, with no direct link.
func (t *peerTable) known(id wire.PeerID, now time.Time) *peer {
	if p, ok := t.byID[id]; ok {
		return p
	}
	p := &peer{state: PeerDisconnected, lastSeen: now, id: id}
	t.byID[id] = p
	return p
}

// identify binds an announced identity to a peer entry.  A different
// entry already holding the same ID is superseded, last writer wins;
// its session and queued sends carry over so an identity moving
// between links keeps its crypto state.
func (t *peerTable) identify(p *peer, id wire.PeerID, nickname string, noiseKey [noise.KeySize]byte, signKey ed25519.PublicKey) {
	if old, ok := t.byID[id]; ok && old != p {
		if p.session == nil {
			p.session = old.session
		}
		if p.handshake == nil {
			p.handshake = old.handshake
			p.handshakeStarted = old.handshakeStarted
		}
		p.pending = append(p.pending, old.pending...)
		if len(p.pending) > maxPendingSends {
			p.pending = p.pending[:maxPendingSends]
		}
		if old.handle == "" {
			// Pure mesh-learned entry, fully absorbed.
			delete(t.byID, id)
		}
	}
	t.byID[id] = p
	p.id = id
	p.nickname = nickname
	p.noiseKey = noiseKey
	p.signKey = signKey
	p.identified = true
}

func (t *peerTable) byPeerID(id wire.PeerID) *peer {
	return t.byID[id]
}

func (t *peerTable) fromHandle(h transport.Handle) *peer {
	return t.byHandle[h]
}

// purge removes a peer from both indexes.
func (t *peerTable) purge(p *peer) {
	if p.handle != "" && t.byHandle[p.handle] == p {
		delete(t.byHandle, p.handle)
	}
	if p.identified && t.byID[p.id] == p {
		delete(t.byID, p.id)
	}
}

// activeCount counts direct links that consume connection budget.
func (t *peerTable) activeCount() int {
	n := 0
	for _, p := range t.byHandle {
		switch p.state {
		case PeerConnecting, PeerConnected, PeerReady:
			n++
		}
	}
	return n
}

// broadcastTargets returns the peers with a usable direct link.
func (t *peerTable) broadcastTargets() []*peer {
	out := make([]*peer, 0, len(t.byHandle))
	for _, p := range t.byHandle {
		if p.direct() {
			out = append(out, p)
		}
	}
	return out
}

// candidates returns dialable peers ordered strongest signal first.
func (t *peerTable) candidates(now time.Time) []*peer {
	out := make([]*peer, 0, len(t.byHandle))
	for _, p := range t.byHandle {
		if p.state == PeerDiscovered && !p.nextAttempt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rssi != out[j].rssi {
			return out[i].rssi > out[j].rssi
		}
		return out[i].handle < out[j].handle
	})
	return out
}

// all returns every unique peer entry.
func (t *peerTable) all() []*peer {
	seen := make(map[*peer]bool)
	out := make([]*peer, 0, len(t.byHandle)+len(t.byID))
	for _, p := range t.byHandle {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range t.byID {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// stale returns peers without a live link whose last sighting is older
// than the window.
func (t *peerTable) stale(now time.Time, window time.Duration) []*peer {
	cutoff := now.Add(-window)
	seen := make(map[*peer]bool)
	var out []*peer
	collect := func(p *peer) {
		if seen[p] {
			return
		}
		seen[p] = true
		switch p.state {
		case PeerDiscovered, PeerDisconnected:
			if p.lastSeen.Before(cutoff) {
				out = append(out, p)
			}
		}
	}
	for _, p := range t.byHandle {
		collect(p)
	}
	for _, p := range t.byID {
		collect(p)
	}
	return out
}

// snapshots copies the full peer set for introspection.
func (t *peerTable) snapshots() []PeerSnapshot {
	seen := make(map[*peer]bool)
	var out []PeerSnapshot
	collect := func(p *peer) {
		if seen[p] {
			return
		}
		seen[p] = true
		out = append(out, PeerSnapshot{
			ID:         p.id,
			Nickname:   p.nickname,
			State:      p.state,
			RSSI:       p.rssi,
			LastSeen:   p.lastSeen,
			Direct:     p.direct(),
			HasSession: p.session != nil,
		})
	}
	for _, p := range t.byHandle {
		collect(p)
	}
	for _, p := range t.byID {
		collect(p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
