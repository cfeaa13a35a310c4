// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mesh implements the protocol engine: peer discovery and
// connection management over pluggable transports, announce driven
// identity, noise sessions for private traffic, TTL bounded flood
// relay with duplicate suppression, and gossip repair of missed
// packets.  The engine serializes all protocol state onto a single
// goroutine; transports and callers talk to it through channels.
package mesh

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/funkpost/funkpost/core/fragment"
	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/core/noise"
	"github.com/funkpost/funkpost/core/wire"
	"github.com/funkpost/funkpost/core/worker"
	"github.com/funkpost/funkpost/instrument"
	"github.com/funkpost/funkpost/transport"
)

const (
	// DefaultTTL is the protocol hop budget.  Presence packets always
	// travel at exactly this TTL, which is how receivers tell a direct
	// neighbor's announce from a relayed one.
	DefaultTTL = 7

	// DefaultMaxConnections is the default cap on simultaneous direct
	// links.
	DefaultMaxConnections = 8

	defaultAnnounceInterval = 30 * time.Second
	defaultSyncInterval     = 1 * time.Minute
	defaultStaleAfter       = 3 * time.Minute
	defaultConnectTimeout   = 10 * time.Second
	defaultFragmentTimeout  = 30 * time.Second

	// handshakeTimeout is how long an in flight noise handshake may
	// sit before it is abandoned.
	handshakeTimeout = 30 * time.Second

	maintInterval = 1 * time.Second

	defaultSeenCapacity  = 4096
	defaultSeenRetention = 10 * time.Minute
	cacheCapacity        = 512
	reassemblyCapacity   = 64

	eventBacklog = 128
	inputBacklog = 64
)

var (
	// ErrShutdown is returned for operations on a halted engine.
	ErrShutdown = errors.New("mesh: engine is shutting down")

	// ErrUnknownPeer is returned when a send names a peer the engine
	// has never heard an announce from.
	ErrUnknownPeer = errors.New("mesh: unknown peer")

	// ErrQueueFull is returned when a peer's pending send queue is at
	// capacity while waiting for a session.
	ErrQueueFull = errors.New("mesh: pending send queue full")
)

// Config is the mesh engine configuration.
type Config struct {
	// Identity is the node's long term key material.
	Identity *identity.Identity

	// Nickname is the human readable name announced to peers.
	// Defaults to the hex peer ID.
	Nickname string

	// Transports are the link layers the engine runs over.  The engine
	// assumes ownership and halts them on shutdown.
	Transports []transport.Transport

	// LogBackend provides the logger.
	LogBackend *log.Backend

	// TTL is the hop budget stamped on locally originated application
	// traffic.  Presence packets always use DefaultTTL.
	TTL uint8

	// MaxConnections caps simultaneous direct links.
	MaxConnections int

	// AnnounceInterval is the period between identity broadcasts.
	AnnounceInterval time.Duration

	// SyncInterval is the period between gossip reconciliation rounds.
	SyncInterval time.Duration

	// StaleAfter is how long an unseen, unconnected peer stays in the
	// peer table.
	StaleAfter time.Duration

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// FragmentTimeout bounds reassembly of one split.
	FragmentTimeout time.Duration

	// SeenCapacity bounds the duplicate suppression set.
	SeenCapacity int

	// SeenRetention is how long a duplicate suppression entry is kept.
	SeenRetention time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Identity == nil {
		return errors.New("mesh: config: no identity")
	}
	if len(cfg.Transports) == 0 {
		return errors.New("mesh: config: no transports")
	}
	if cfg.LogBackend == nil {
		return errors.New("mesh: config: no log backend")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL > DefaultTTL {
		return fmt.Errorf("mesh: config: TTL %d above protocol bound %d", cfg.TTL, DefaultTTL)
	}
	if cfg.Nickname == "" {
		cfg.Nickname = cfg.Identity.PeerID().String()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaultAnnounceInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = defaultFragmentTimeout
	}
	if cfg.SeenCapacity <= 0 {
		cfg.SeenCapacity = defaultSeenCapacity
	}
	if cfg.SeenRetention <= 0 {
		cfg.SeenRetention = defaultSeenRetention
	}
	return nil
}

// txEvent carries one transport event into the engine's context.
type txEvent struct {
	tr transport.Transport
	ev transport.Event
}

// sendReq carries one send request into the engine's context.  A nil
// recipient broadcasts.
type sendReq struct {
	kind    wire.Type
	to      *wire.PeerID
	payload []byte
	errCh   chan error
}

type peersReq struct {
	replyCh chan []PeerSnapshot
}

// Engine is the protocol engine.  All state is owned by the engine
// goroutine; the exported methods are safe from any goroutine.
type Engine struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	ident   *identity.Identity
	localID wire.PeerID
	static  noise.Keypair

	peers *peerTable
	seen  *seenSet
	cache *packetCache
	reasm *fragment.Reassembler

	inCh    chan interface{}
	eventCh chan Event

	lastStampMS   uint64
	lastEvictions uint64
}

// New creates and starts a mesh engine.
func New(cfg *Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		ident:   cfg.Identity,
		localID: cfg.Identity.PeerID(),
		static: noise.Keypair{
			Private: cfg.Identity.NoisePrivate(),
			Public:  cfg.Identity.NoisePublic(),
		},
		peers:   newPeerTable(),
		seen:    newSeenSet(cfg.SeenCapacity, cfg.SeenRetention),
		cache:   newPacketCache(cacheCapacity),
		reasm:   fragment.NewReassembler(reassemblyCapacity, cfg.FragmentTimeout),
		inCh:    make(chan interface{}, inputBacklog),
		eventCh: make(chan Event, eventBacklog),
	}
	e.log = cfg.LogBackend.GetLogger("mesh")

	for _, tr := range cfg.Transports {
		tr := tr
		e.Go(func() { e.pumpTransport(tr) })
	}
	e.Go(e.loop)
	e.log.Noticef("engine up: %v (%q)", e.localID, cfg.Nickname)
	return e, nil
}

// LocalID returns the node's mesh identifier.
func (e *Engine) LocalID() wire.PeerID {
	return e.localID
}

// Nickname returns the announced nickname.
func (e *Engine) Nickname() string {
	return e.cfg.Nickname
}

// Events returns the engine's event stream.  The channel is closed
// after Halt.  A consumer that falls behind loses the oldest events.
func (e *Engine) Events() <-chan Event {
	return e.eventCh
}

// SendBroadcast floods a signed cleartext message to the mesh.
func (e *Engine) SendBroadcast(payload []byte) error {
	return e.submit(&sendReq{kind: wire.TypeMessage, payload: payload})
}

// SendPrivate delivers a message to one peer inside a noise session,
// establishing the session first if necessary.
func (e *Engine) SendPrivate(to wire.PeerID, payload []byte) error {
	return e.submit(&sendReq{kind: wire.TypeMessage, to: &to, payload: payload})
}

// SendFile delivers a file transfer chunk to one peer inside a noise
// session.
func (e *Engine) SendFile(to wire.PeerID, payload []byte) error {
	return e.submit(&sendReq{kind: wire.TypeFileTransfer, to: &to, payload: payload})
}

// Peers snapshots the peer table.
func (e *Engine) Peers() []PeerSnapshot {
	req := &peersReq{replyCh: make(chan []PeerSnapshot, 1)}
	select {
	case e.inCh <- req:
	case <-e.HaltCh():
		return nil
	}
	select {
	case snaps := <-req.replyCh:
		return snaps
	case <-e.HaltCh():
		return nil
	}
}

func (e *Engine) submit(req *sendReq) error {
	req.errCh = make(chan error, 1)
	select {
	case e.inCh <- req:
	case <-e.HaltCh():
		return ErrShutdown
	}
	select {
	case err := <-req.errCh:
		return err
	case <-e.HaltCh():
		return ErrShutdown
	}
}

// pumpTransport forwards one transport's events into the engine's
// serialized context.
func (e *Engine) pumpTransport(tr transport.Transport) {
	for {
		select {
		case <-e.HaltCh():
			return
		case ev, ok := <-tr.Events():
			if !ok {
				return
			}
			select {
			case e.inCh <- &txEvent{tr: tr, ev: ev}:
			case <-e.HaltCh():
				return
			}
		}
	}
}

func (e *Engine) loop() {
	defer close(e.eventCh)

	announceTicker := time.NewTicker(e.cfg.AnnounceInterval)
	defer announceTicker.Stop()
	syncTicker := time.NewTicker(e.cfg.SyncInterval)
	defer syncTicker.Stop()
	maintTicker := time.NewTicker(maintInterval)
	defer maintTicker.Stop()

	// Discover and dial without waiting out the first tick.
	e.onMaintenance(time.Now())

	for {
		select {
		case <-e.HaltCh():
			e.onShutdown()
			return
		case in := <-e.inCh:
			switch v := in.(type) {
			case *txEvent:
				e.onTransportEvent(v.tr, v.ev)
			case *sendReq:
				v.errCh <- e.onSend(v)
			case *peersReq:
				v.replyCh <- e.peers.snapshots()
			}
		case <-announceTicker.C:
			e.broadcastAnnounce()
		case <-syncTicker.C:
			e.runSyncRound()
		case now := <-maintTicker.C:
			e.onMaintenance(now)
		}
	}
}

// deliver queues ev for the consumer, dropping the oldest queued event
// when the backlog is full so the engine never blocks on a slow
// consumer.
func (e *Engine) deliver(ev Event) {
	for {
		select {
		case e.eventCh <- ev:
			return
		default:
		}
		select {
		case <-e.eventCh:
		default:
		}
	}
}

// stampNow returns the millisecond timestamp for a locally originated
// packet.  Strictly increasing, so packets of the same type never
// share a duplicate suppression key even within one millisecond.
func (e *Engine) stampNow(now time.Time) uint64 {
	ms := uint64(now.UnixMilli())
	if ms <= e.lastStampMS {
		ms = e.lastStampMS + 1
	}
	e.lastStampMS = ms
	return ms
}

func (e *Engine) scanTransports(now time.Time) {
	for _, tr := range e.cfg.Transports {
		for _, s := range tr.ListPeers() {
			e.peers.sight(tr, s.Handle, s.RSSI, now)
		}
	}
}

func (e *Engine) onMaintenance(now time.Time) {
	e.scanTransports(now)

	for _, p := range e.peers.stale(now, e.cfg.StaleAfter) {
		if p.identified {
			e.deliver(&PeerGoneEvent{ID: p.id, Reason: "stale"})
		}
		e.peers.purge(p)
	}

	e.reasm.Sweep(now)
	if n := e.reasm.Evictions(); n > e.lastEvictions {
		instrument.ReassemblyEvictions(n - e.lastEvictions)
		e.lastEvictions = n
	}
	e.seen.sweep(now)

	// Dial the strongest discovered peers under the connection budget.
	budget := e.cfg.MaxConnections - e.peers.activeCount()
	for _, p := range e.peers.candidates(now) {
		if budget <= 0 {
			break
		}
		p.state = PeerConnecting
		p.deadline = now.Add(e.cfg.ConnectTimeout)
		if err := p.tr.Connect(p.handle); err != nil {
			e.log.Debugf("dial %v: %v", p.handle, err)
			p.state = PeerDiscovered
			p.deadline = time.Time{}
			p.attempts++
			p.nextAttempt = now.Add(retryDelay(p.attempts))
			continue
		}
		budget--
	}

	for _, p := range e.peers.all() {
		if p.state == PeerConnecting && !p.deadline.IsZero() && now.After(p.deadline) {
			e.log.Debugf("dial %v timed out", p.handle)
			_ = p.tr.Disconnect(p.handle)
			p.state = PeerDiscovered
			p.deadline = time.Time{}
			p.attempts++
			p.nextAttempt = now.Add(retryDelay(p.attempts))
		}
		if p.handshake != nil && now.Sub(p.handshakeStarted) > handshakeTimeout {
			e.log.Debugf("handshake with %v timed out", p.id)
			p.handshake = nil
		}
		// Queued traffic with no session and no handshake in flight
		// means a previous attempt died, try again.
		if len(p.pending) > 0 && p.session == nil && p.handshake == nil {
			e.startHandshake(p, now)
		}
		// The smaller ID drives the rekey while the old session still
		// works; exhaustion forces the issue for either side.
		if p.session != nil && p.session.NeedsRekey() && e.outranks(p.id) {
			e.startHandshake(p, now)
		}
	}

	instrument.PeersConnected(e.peers.activeCount())
}

func (e *Engine) onShutdown() {
	// Best effort departure notice.
	if pkt, err := buildLeave(e.ident, DefaultTTL, e.stampNow(time.Now())); err == nil {
		for _, p := range e.peers.broadcastTargets() {
			_ = e.sendOn(p.tr, p.handle, pkt)
		}
	}
	for _, tr := range e.cfg.Transports {
		tr.Halt()
	}
	e.log.Noticef("engine down: %v", e.localID)
}
