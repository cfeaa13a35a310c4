// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"crypto/ed25519"
	"time"

	"github.com/funkpost/funkpost/core/noise"
	"github.com/funkpost/funkpost/core/wire"
	"github.com/funkpost/funkpost/instrument"
	"github.com/funkpost/funkpost/transport"
)

func (e *Engine) onTransportEvent(tr transport.Transport, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		e.onConnected(tr, ev.Handle)
	case transport.EventConnectFailed:
		e.onConnectFailed(ev.Handle, ev.Err)
	case transport.EventDisconnected:
		e.onDisconnected(ev.Handle, ev.Err)
	case transport.EventData:
		instrument.PacketsReceived()
		e.ingest(tr, ev.Handle, ev.Data, false)
	}
}

func (e *Engine) onConnected(tr transport.Transport, h transport.Handle) {
	now := time.Now()
	p := e.peers.fromHandle(h)
	if p == nil {
		// Inbound link we never dialed.
		p = e.peers.sight(tr, h, 0, now)
	}
	p.tr = tr
	p.state = PeerConnected
	p.lastSeen = now
	p.attempts = 0
	p.nextAttempt = time.Time{}
	p.deadline = time.Time{}
	e.log.Debugf("link up: %v %v", tr.Name(), h)
	instrument.PeersConnected(e.peers.activeCount())
	e.sendAnnounceTo(p)
}

func (e *Engine) onConnectFailed(h transport.Handle, err error) {
	p := e.peers.fromHandle(h)
	if p == nil {
		return
	}
	now := time.Now()
	p.state = PeerDiscovered
	p.deadline = time.Time{}
	p.attempts++
	p.nextAttempt = now.Add(retryDelay(p.attempts))
	e.log.Debugf("dial %v failed (attempt %d): %v", h, p.attempts, err)
}

func (e *Engine) onDisconnected(h transport.Handle, err error) {
	p := e.peers.fromHandle(h)
	if p == nil {
		return
	}
	// The session survives a link bounce, a half done handshake does
	// not.
	p.state = PeerDisconnected
	p.handshake = nil
	p.deadline = time.Time{}
	p.lastSeen = time.Now()
	e.log.Debugf("link down: %v: %v", h, err)
	instrument.PeersConnected(e.peers.activeCount())
}

// ingest runs one received frame through the pipeline: decode, self
// echo and duplicate suppression, per type handling, then caching and
// relay for packets that passed.  Frames produced by reassembly come
// back through here with fromReassembly set, which suppresses relay;
// the individual fragments already flooded.
func (e *Engine) ingest(tr transport.Transport, h transport.Handle, raw []byte, fromReassembly bool) {
	pkt, err := wire.Decode(raw)
	if err != nil {
		instrument.PacketsDropped("malformed")
		e.log.Debugf("drop malformed frame from %v: %v", h, err)
		return
	}
	if pkt.SenderID == e.localID {
		instrument.PacketsDropped("self")
		return
	}
	if fromReassembly && pkt.Type == wire.TypeFragment {
		instrument.PacketsDropped("nested-fragment")
		return
	}

	now := time.Now()
	if e.seen.testAndSet(makeSeenKey(pkt.SenderID, pkt.Timestamp, pkt.Type), now) {
		instrument.PacketsDropped("duplicate")
		return
	}
	if lp := e.peers.fromHandle(h); lp != nil {
		lp.lastSeen = now
	}

	valid := false
	switch pkt.Type {
	case wire.TypeAnnounce:
		valid = e.onAnnounce(tr, h, raw, pkt, now)
	case wire.TypeLeave:
		valid = e.onLeave(raw, pkt, now)
	case wire.TypeMessage, wire.TypeFileTransfer:
		valid = e.onBroadcastPayload(raw, pkt)
	case wire.TypeNoiseHandshake:
		switch {
		case e.addressedToUs(pkt):
			e.onHandshakeMessage(pkt, now)
		case pkt.RecipientID != nil && !pkt.RecipientID.IsBroadcast():
			valid = true
		default:
			instrument.PacketsDropped("unaddressed-handshake")
		}
	case wire.TypeNoiseEncrypted:
		switch {
		case e.addressedToUs(pkt):
			e.onEncryptedMessage(pkt)
		case pkt.RecipientID != nil && !pkt.RecipientID.IsBroadcast():
			valid = true
		default:
			instrument.PacketsDropped("unaddressed-ciphertext")
		}
	case wire.TypeFragment:
		if pkt.RecipientID == nil || pkt.RecipientID.IsBroadcast() || e.addressedToUs(pkt) {
			valid = e.onFragment(tr, h, pkt, now)
		} else {
			// Someone else's split, pass it on whole.
			valid = true
		}
	case wire.TypeRequestSync:
		e.onSyncRequest(tr, h, pkt)
	default:
		instrument.PacketsDropped("unknown-type")
		e.log.Debugf("drop unknown type 0x%02x from %v", uint8(pkt.Type), pkt.SenderID)
	}
	if !valid {
		return
	}

	// Cache the structural bytes: padding tails differ per
	// transmission and must not split the packet's sync identity.
	if st, err := wire.Structural(raw); err == nil {
		e.cache.store(st, pkt.Type, now)
	}
	if !fromReassembly && e.shouldRelay(pkt) {
		e.relay(tr, h, raw, pkt)
	}
}

func (e *Engine) addressedToUs(pkt *wire.Packet) bool {
	return pkt.RecipientID != nil && *pkt.RecipientID == e.localID
}

// shouldRelay applies the flood rule: a hop budget of at least two
// remains, and the packet is not consumed here.
func (e *Engine) shouldRelay(pkt *wire.Packet) bool {
	if pkt.TTL < 2 {
		return false
	}
	return !e.addressedToUs(pkt)
}

// relay forwards raw to every direct link except the one it arrived
// on, with the TTL decremented in place.  Signatures do not cover the
// TTL, so the bytes stay valid.
func (e *Engine) relay(from transport.Transport, fromHandle transport.Handle, raw []byte, pkt *wire.Packet) {
	fwd := append([]byte{}, raw...)
	if pkt.TTL > DefaultTTL {
		// Hostile hop budgets get clamped back to the protocol bound.
		fwd[wire.TTLOffset] = DefaultTTL - 1
	} else {
		fwd[wire.TTLOffset] = pkt.TTL - 1
	}

	sent := 0
	for _, p := range e.peers.broadcastTargets() {
		if p.tr == from && p.handle == fromHandle {
			continue
		}
		if len(fwd) > p.tr.MTU() {
			// Relays never re-fragment.
			continue
		}
		if err := p.tr.Send(p.handle, fwd); err != nil {
			e.log.Debugf("relay to %v: %v", p.handle, err)
			continue
		}
		instrument.PacketsSent()
		sent++
	}
	if sent > 0 {
		instrument.PacketsRelayed()
	}
}

func (e *Engine) onAnnounce(tr transport.Transport, h transport.Handle, raw []byte, pkt *wire.Packet, now time.Time) bool {
	ap, err := parseAnnounce(raw, pkt)
	if err != nil {
		instrument.PacketsDropped("bad-announce")
		e.log.Debugf("drop announce from %v: %v", pkt.SenderID, err)
		return false
	}

	// Presence always starts at DefaultTTL and relays decrement, so an
	// undecremented TTL means the announcer is on the other end of
	// this link.
	direct := pkt.TTL == DefaultTTL

	var p *peer
	if direct {
		p = e.peers.fromHandle(h)
		if p == nil {
			p = e.peers.sight(tr, h, 0, now)
		}
	} else {
		p = e.peers.known(pkt.SenderID, now)
	}

	var noiseKey [noise.KeySize]byte
	copy(noiseKey[:], ap.NoiseKey)
	e.peers.identify(p, pkt.SenderID, ap.Nickname, noiseKey, ed25519.PublicKey(ap.SigningKey))
	p.lastSeen = now

	e.deliver(&PeerSeenEvent{ID: pkt.SenderID, Nickname: ap.Nickname, Direct: direct})
	if direct && p.state == PeerConnected {
		p.state = PeerReady
		e.deliver(&PeerReadyEvent{ID: pkt.SenderID, Nickname: ap.Nickname})
	}
	if direct {
		e.maybeInitiateHandshake(p, now)
	}
	return true
}

func (e *Engine) onLeave(raw []byte, pkt *wire.Packet, now time.Time) bool {
	p := e.peers.byPeerID(pkt.SenderID)
	if p != nil && p.identified {
		if pkt.Signature == nil || wire.Verify(raw, p.signKey) != nil {
			instrument.PacketsDropped("bad-signature")
			e.log.Debugf("drop unverifiable leave for %v", pkt.SenderID)
			return false
		}
		e.deliver(&PeerGoneEvent{ID: pkt.SenderID, Reason: "leave"})
		if p.direct() {
			_ = p.tr.Disconnect(p.handle)
		}
		e.peers.purge(p)
	}
	// A leave for a peer this node cannot verify still floods; nodes
	// holding the key act on it.
	return true
}

func (e *Engine) onBroadcastPayload(raw []byte, pkt *wire.Packet) bool {
	p := e.peers.byPeerID(pkt.SenderID)
	verified := false
	if p != nil && p.identified && pkt.Signature != nil {
		if err := wire.Verify(raw, p.signKey); err != nil {
			instrument.PacketsDropped("bad-signature")
			e.log.Debugf("drop %v from %v: %v", pkt.Type, pkt.SenderID, err)
			return false
		}
		verified = true
	}

	forUs := pkt.RecipientID == nil || pkt.RecipientID.IsBroadcast() || *pkt.RecipientID == e.localID
	if forUs {
		nickname := ""
		if p != nil {
			nickname = p.nickname
		}
		e.deliver(&MessageEvent{
			From:      pkt.SenderID,
			Nickname:  nickname,
			Payload:   pkt.Payload,
			Kind:      pkt.Type,
			Verified:  verified,
			Timestamp: time.UnixMilli(int64(pkt.Timestamp)),
		})
	}
	return true
}

func (e *Engine) onFragment(tr transport.Transport, h transport.Handle, pkt *wire.Packet, now time.Time) bool {
	done, err := e.reasm.Add(pkt.SenderID, pkt.Payload, now)
	if err != nil {
		instrument.PacketsDropped("bad-fragment")
		e.log.Debugf("drop fragment from %v: %v", pkt.SenderID, err)
		return false
	}
	if done != nil {
		e.ingest(tr, h, done, true)
	}
	return true
}

func (e *Engine) onSyncRequest(tr transport.Transport, h transport.Handle, pkt *wire.Packet) {
	classes, filter, err := parseSyncRequest(pkt.Payload)
	if err != nil {
		instrument.PacketsDropped("bad-sync")
		e.log.Debugf("drop sync request from %v: %v", pkt.SenderID, err)
		return
	}
	batch, err := missingForPeer(e.cache, classes, filter)
	if err != nil {
		instrument.PacketsDropped("bad-sync")
		e.log.Debugf("drop sync request from %v: %v", pkt.SenderID, err)
		return
	}
	if len(batch) == 0 {
		return
	}

	mtu := tr.MTU()
	sent := 0
	for _, raw := range batch {
		if len(raw) > mtu {
			continue
		}
		if err := tr.Send(h, raw); err != nil {
			e.log.Debugf("sync resend to %v: %v", h, err)
			break
		}
		instrument.PacketsSent()
		sent++
	}
	if sent > 0 {
		instrument.SyncResends(sent)
		e.log.Debugf("sync: re-sent %d packets to %v", sent, h)
	}
}
