// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/noise"
	"github.com/funkpost/funkpost/core/wire"
	"github.com/funkpost/funkpost/instrument"
)

// outranks reports whether the local node is the designated handshake
// initiator toward id: the lexicographically smaller peer ID drives.
func (e *Engine) outranks(id wire.PeerID) bool {
	return bytes.Compare(e.localID[:], id[:]) < 0
}

// maybeInitiateHandshake starts a handshake with a freshly announced
// direct peer when this node holds the initiator role.  The other side
// initiates on demand when it has traffic to send.
func (e *Engine) maybeInitiateHandshake(p *peer, now time.Time) {
	if p.session != nil || p.handshake != nil {
		return
	}
	if !e.outranks(p.id) {
		return
	}
	e.startHandshake(p, now)
}

func (e *Engine) startHandshake(p *peer, now time.Time) {
	if p.handshake != nil {
		return
	}
	hs := noise.NewHandshake(e.static, true, nil)
	msg1, err := hs.WriteMessage(nil)
	if err != nil {
		e.log.Warningf("handshake start with %v: %v", p.id, err)
		return
	}
	p.handshake = hs
	p.handshakeStarted = now
	if err := e.sendHandshakeFrame(p, msg1); err != nil {
		e.log.Debugf("handshake send to %v: %v", p.id, err)
		p.handshake = nil
	}
}

func (e *Engine) sendHandshakeFrame(p *peer, msg []byte) error {
	rid := p.id
	pkt := &wire.Packet{
		Type:        wire.TypeNoiseHandshake,
		TTL:         e.cfg.TTL,
		Timestamp:   e.stampNow(time.Now()),
		SenderID:    e.localID,
		RecipientID: &rid,
		Payload:     msg,
	}
	return e.route(p, pkt)
}

func (e *Engine) onHandshakeMessage(pkt *wire.Packet, now time.Time) {
	p := e.peers.byPeerID(pkt.SenderID)
	if p == nil {
		// A handshake may arrive before the first announce; identity
		// is pinned cryptographically when the session is promoted.
		p = e.peers.known(pkt.SenderID, now)
	}
	msg := pkt.Payload

	switch {
	case p.handshake == nil:
		p.handshake = noise.NewHandshake(e.static, false, nil)
		p.handshakeStarted = now
	case p.handshake.IsInitiator() && len(msg) == noise.MessageLen1:
		// Crossed first messages.  The smaller ID keeps its attempt,
		// the larger folds and responds.
		if e.outranks(pkt.SenderID) {
			return
		}
		p.handshake = noise.NewHandshake(e.static, false, nil)
		p.handshakeStarted = now
	}

	if _, err := p.handshake.ReadMessage(msg); err != nil {
		instrument.PacketsDropped("handshake")
		e.log.Debugf("handshake with %v failed: %v", pkt.SenderID, err)
		p.handshake = nil
		return
	}
	if p.handshake.Complete() {
		e.promoteSession(p)
		return
	}
	reply, err := p.handshake.WriteMessage(nil)
	if err != nil {
		e.log.Debugf("handshake with %v failed: %v", pkt.SenderID, err)
		p.handshake = nil
		return
	}
	if err := e.sendHandshakeFrame(p, reply); err != nil {
		e.log.Debugf("handshake send to %v: %v", pkt.SenderID, err)
		p.handshake = nil
		return
	}
	if p.handshake.Complete() {
		e.promoteSession(p)
	}
}

func (e *Engine) promoteSession(p *peer) {
	hs := p.handshake
	p.handshake = nil

	rs, ok := hs.RemoteStatic()
	if !ok {
		return
	}
	// The authenticated static must hash to the wire identity, or the
	// peer completed a handshake under someone else's sender ID.
	if derived := identity.DerivePeerID(rs[:]); derived != p.id {
		instrument.PacketsDropped("identity-mismatch")
		e.log.Warningf("handshake key for %v names %v, dropping session", p.id, derived)
		return
	}
	sess, err := hs.Split()
	if err != nil {
		e.log.Debugf("handshake split with %v: %v", p.id, err)
		return
	}
	if p.session != nil {
		instrument.SessionSuperseded()
	}
	p.session = sess
	instrument.HandshakeCompleted()
	e.log.Debugf("session established with %v", p.id)
	e.deliver(&SessionEstablishedEvent{ID: p.id})
	e.flushPending(p)
}

func (e *Engine) flushPending(p *peer) {
	if len(p.pending) == 0 {
		return
	}
	pending := p.pending
	p.pending = nil
	for _, ps := range pending {
		if err := e.sendPrivate(p, ps.kind, ps.payload); err != nil {
			e.log.Warningf("queued send to %v: %v", p.id, err)
		}
	}
}

// queuePending holds a payload until a session with p exists, kicking
// off a handshake if none is in flight.
func (e *Engine) queuePending(p *peer, kind wire.Type, payload []byte, now time.Time) error {
	if len(p.pending) >= maxPendingSends {
		return fmt.Errorf("%w: %v", ErrQueueFull, p.id)
	}
	p.pending = append(p.pending, pendingSend{kind: kind, payload: append([]byte{}, payload...)})
	e.startHandshake(p, now)
	return nil
}

// sendPrivate seals a complete inner packet into the session with p
// and floods the resulting ciphertext packet toward them.
func (e *Engine) sendPrivate(p *peer, kind wire.Type, payload []byte) error {
	now := time.Now()
	rid := p.id
	inner := &wire.Packet{
		Type:        kind,
		Timestamp:   e.stampNow(now),
		SenderID:    e.localID,
		RecipientID: &rid,
		Payload:     payload,
	}
	innerRaw, err := wire.EncodeCanonical(inner)
	if err != nil {
		return err
	}
	ct, err := p.session.Encrypt(innerRaw)
	if err != nil {
		if errors.Is(err, noise.ErrRekeyRequired) {
			// Counter exhausted, only a fresh handshake clears it.
			p.session = nil
			return e.queuePending(p, kind, payload, now)
		}
		return err
	}

	orid := p.id
	outer := &wire.Packet{
		Type:        wire.TypeNoiseEncrypted,
		TTL:         e.cfg.TTL,
		Timestamp:   e.stampNow(now),
		SenderID:    e.localID,
		RecipientID: &orid,
		Payload:     ct,
	}
	return e.route(p, outer)
}

func (e *Engine) onEncryptedMessage(pkt *wire.Packet) {
	p := e.peers.byPeerID(pkt.SenderID)
	if p == nil || p.session == nil {
		instrument.PacketsDropped("no-session")
		e.log.Debugf("drop ciphertext from %v: no session", pkt.SenderID)
		return
	}
	innerRaw, err := p.session.Decrypt(pkt.Payload)
	if err != nil {
		instrument.PacketsDropped("decrypt")
		e.log.Debugf("drop ciphertext from %v: %v", pkt.SenderID, err)
		return
	}
	inner, err := wire.Decode(innerRaw)
	if err != nil {
		instrument.PacketsDropped("malformed-inner")
		e.log.Debugf("drop ciphertext from %v: inner packet: %v", pkt.SenderID, err)
		return
	}
	if inner.SenderID != pkt.SenderID {
		instrument.PacketsDropped("sender-mismatch")
		e.log.Warningf("ciphertext from %v wraps a packet claiming %v", pkt.SenderID, inner.SenderID)
		return
	}
	switch inner.Type {
	case wire.TypeMessage, wire.TypeFileTransfer:
	default:
		instrument.PacketsDropped("inner-type")
		e.log.Debugf("drop ciphertext from %v: inner type %v", pkt.SenderID, inner.Type)
		return
	}

	e.deliver(&MessageEvent{
		From:      inner.SenderID,
		Nickname:  p.nickname,
		Payload:   inner.Payload,
		Kind:      inner.Type,
		Private:   true,
		Verified:  true,
		Timestamp: time.UnixMilli(int64(inner.Timestamp)),
	})
}
