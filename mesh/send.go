// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/funkpost/funkpost/core/fragment"
	"github.com/funkpost/funkpost/core/gcs"
	"github.com/funkpost/funkpost/core/wire"
	"github.com/funkpost/funkpost/instrument"
	"github.com/funkpost/funkpost/transport"
)

func (e *Engine) onSend(req *sendReq) error {
	now := time.Now()
	if req.to == nil {
		pkt := &wire.Packet{
			Type:      req.kind,
			TTL:       e.cfg.TTL,
			Timestamp: e.stampNow(now),
			SenderID:  e.localID,
			Payload:   req.payload,
		}
		if err := wire.Sign(pkt, e.ident.SigningPrivate()); err != nil {
			return err
		}
		if raw, err := wire.EncodeCanonical(pkt); err == nil {
			e.cache.store(raw, pkt.Type, now)
		}
		return e.flood(pkt)
	}

	p := e.peers.byPeerID(*req.to)
	if p == nil {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, *req.to)
	}
	if p.session == nil {
		return e.queuePending(p, req.kind, req.payload, now)
	}
	return e.sendPrivate(p, req.kind, req.payload)
}

// route sends pkt toward p: over the direct link when one is up,
// otherwise into the flood.
func (e *Engine) route(p *peer, pkt *wire.Packet) error {
	if p != nil && p.direct() {
		return e.sendOn(p.tr, p.handle, pkt)
	}
	return e.flood(pkt)
}

// flood transmits pkt on every direct link.  With no links up a
// reconcilable packet still lands in the cache and a later sync round
// carries it out.
func (e *Engine) flood(pkt *wire.Packet) error {
	var firstErr error
	sent := 0
	for _, p := range e.peers.broadcastTargets() {
		if err := e.sendOn(p.tr, p.handle, pkt); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

// sendOn encodes pkt within the link MTU and transmits it, splitting
// into fragments when the canonical encoding cannot fit.
func (e *Engine) sendOn(tr transport.Transport, h transport.Handle, pkt *wire.Packet) error {
	mtu := tr.MTU()
	raw, err := wire.EncodeBounded(pkt, mtu)
	if err == nil {
		if err = tr.Send(h, raw); err != nil {
			return err
		}
		instrument.PacketsSent()
		return nil
	}
	if !errors.Is(err, wire.ErrOversize) {
		return err
	}
	return e.sendFragmented(tr, h, pkt, mtu)
}

func (e *Engine) sendFragmented(tr transport.Transport, h transport.Handle, pkt *wire.Packet, mtu int) error {
	raw, err := wire.EncodeCanonical(pkt)
	if err != nil {
		return err
	}
	budget := mtu - wire.Overhead(wire.ProtocolVersion, pkt.RecipientID != nil, false) - fragment.HeaderLen
	if budget <= 0 {
		return fmt.Errorf("mesh: link MTU %d leaves no room for fragments", mtu)
	}
	chunks, err := fragment.Split(raw, budget)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, chunk := range chunks {
		fp := &wire.Packet{
			Type:      wire.TypeFragment,
			TTL:       pkt.TTL,
			Timestamp: e.stampNow(now),
			SenderID:  e.localID,
			Payload:   chunk,
		}
		if pkt.RecipientID != nil {
			rid := *pkt.RecipientID
			fp.RecipientID = &rid
		}
		fraw, err := wire.EncodeBounded(fp, mtu)
		if err != nil {
			return err
		}
		if err := tr.Send(h, fraw); err != nil {
			return err
		}
		instrument.PacketsSent()
	}
	return nil
}

// sendAnnounceTo pushes the local identity at one freshly connected
// peer without waiting for the periodic broadcast.
func (e *Engine) sendAnnounceTo(p *peer) {
	now := time.Now()
	pkt, err := buildAnnounce(e.ident, e.cfg.Nickname, DefaultTTL, e.stampNow(now))
	if err != nil {
		e.log.Errorf("announce build: %v", err)
		return
	}
	if raw, err := wire.EncodeCanonical(pkt); err == nil {
		e.cache.store(raw, pkt.Type, now)
	}
	if err := e.sendOn(p.tr, p.handle, pkt); err != nil {
		e.log.Debugf("announce to %v: %v", p.handle, err)
	}
}

// broadcastAnnounce is the periodic identity broadcast.
func (e *Engine) broadcastAnnounce() {
	targets := e.peers.broadcastTargets()
	if len(targets) == 0 {
		return
	}
	now := time.Now()
	pkt, err := buildAnnounce(e.ident, e.cfg.Nickname, DefaultTTL, e.stampNow(now))
	if err != nil {
		e.log.Errorf("announce build: %v", err)
		return
	}
	if raw, err := wire.EncodeCanonical(pkt); err == nil {
		e.cache.store(raw, pkt.Type, now)
	}
	for _, p := range targets {
		if err := e.sendOn(p.tr, p.handle, pkt); err != nil {
			e.log.Debugf("announce to %v: %v", p.handle, err)
		}
	}
}

// runSyncRound summarizes the local cache into a filter and hands it
// to every neighbor.  Requests are link local: TTL zero, never
// relayed.
func (e *Engine) runSyncRound() {
	targets := e.peers.broadcastTargets()
	if len(targets) == 0 {
		return
	}
	filter, err := gcs.Build(e.cache.ids(classAll), gcs.DefaultP, gcs.DefaultM)
	if err != nil {
		e.log.Warningf("sync filter build: %v", err)
		return
	}
	pkt := &wire.Packet{
		Type:      wire.TypeRequestSync,
		Timestamp: e.stampNow(time.Now()),
		SenderID:  e.localID,
		Payload:   buildSyncRequest(filter, classAll),
	}
	for _, p := range targets {
		if err := e.sendOn(p.tr, p.handle, pkt); err != nil {
			e.log.Debugf("sync request to %v: %v", p.handle, err)
		}
	}
	instrument.SyncRound()
}
