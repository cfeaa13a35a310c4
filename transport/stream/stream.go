// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package stream provides framed packet links over TCP and QUIC.  One
// transport instance owns any number of listeners plus the links it
// dials toward configured static peers; every link carries length
// prefixed frames and feeds the shared event stream the mesh engine
// consumes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/core/worker"
	"github.com/funkpost/funkpost/transport"
)

const (
	schemeTCP  = "tcp"
	schemeQUIC = "quic"

	defaultMTU         = 32 * 1024
	defaultDialTimeout = 10 * time.Second

	// sendBacklog is the per link write queue depth.  A full queue
	// fails the send; the mesh engine treats that like any other lossy
	// link.
	sendBacklog = 64

	eventBuffer = 1024

	keepAliveInterval = 3 * time.Minute
)

var errHalted = errors.New("stream: transport is halted")

// Config is the stream transport configuration.
type Config struct {
	// ListenAddresses are the local bind URLs, tcp://host:port or
	// quic://host:port.  May be empty for a dial only transport.
	ListenAddresses []string

	// StaticPeers are the dialable peer URLs reported to the engine as
	// reachable.  The engine decides when to actually connect.
	StaticPeers []string

	// MTU is the largest frame carried over a link.
	MTU int

	// DialTimeout bounds one outbound connection attempt.
	DialTimeout time.Duration

	// LogBackend provides the logger.
	LogBackend *log.Backend
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return errors.New("stream: config: no log backend")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	for _, a := range append(append([]string{}, cfg.ListenAddresses...), cfg.StaticPeers...) {
		if _, _, err := splitAddress(a); err != nil {
			return err
		}
	}
	return nil
}

func splitAddress(a string) (scheme, hostPort string, err error) {
	u, err := url.Parse(a)
	if err != nil {
		return "", "", fmt.Errorf("stream: bad address %q: %v", a, err)
	}
	switch u.Scheme {
	case schemeTCP, schemeQUIC:
	default:
		return "", "", fmt.Errorf("stream: unsupported scheme in %q", a)
	}
	if u.Host == "" || u.Path != "" {
		return "", "", fmt.Errorf("stream: bad address %q", a)
	}
	return u.Scheme, u.Host, nil
}

// link is one live framed connection.
type link struct {
	handle transport.Handle
	conn   net.Conn
	sendCh chan []byte
	doneCh chan struct{}
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.doneCh)
		l.conn.Close()
	})
}

// Transport is a stream link transport instance.
type Transport struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	mu        sync.Mutex
	halted    bool
	links     map[transport.Handle]*link
	dialing   map[transport.Handle]bool
	listeners []net.Listener

	events chan transport.Event

	haltOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stream transport, binding its listeners immediately.
func New(cfg *Config) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:     cfg,
		log:     cfg.LogBackend.GetLogger("transport/stream"),
		links:   make(map[transport.Handle]*link),
		dialing: make(map[transport.Handle]bool),
		events:  make(chan transport.Event, eventBuffer),
	}

	for _, addr := range cfg.ListenAddresses {
		l, err := t.bind(addr)
		if err != nil {
			for _, bound := range t.listeners {
				bound.Close()
			}
			return nil, err
		}
		t.listeners = append(t.listeners, l)
		t.Go(func() { t.acceptWorker(l) })
	}
	return t, nil
}

func (t *Transport) bind(addr string) (net.Listener, error) {
	scheme, hostPort, err := splitAddress(addr)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case schemeTCP:
		return net.Listen("tcp", hostPort)
	case schemeQUIC:
		tlsCfg, err := generateTLSConfig()
		if err != nil {
			return nil, err
		}
		ql, err := quic.ListenAddr(hostPort, tlsCfg, nil)
		if err != nil {
			return nil, err
		}
		return &quicListener{listener: ql}, nil
	default:
		panic("unreachable")
	}
}

// Name returns the transport scheme.
func (t *Transport) Name() string {
	return "stream"
}

// MTU returns the largest frame a link carries.
func (t *Transport) MTU() int {
	return t.cfg.MTU
}

// ListPeers reports the configured static peers.  Signal strength has
// no meaning on a stream link, every peer reports zero.
func (t *Transport) ListPeers() []transport.Sighting {
	out := make([]transport.Sighting, 0, len(t.cfg.StaticPeers))
	for _, p := range t.cfg.StaticPeers {
		out = append(out, transport.Sighting{Handle: transport.Handle(p)})
	}
	return out
}

// Events returns the transport's event stream.  Closed by Halt.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Connect starts dialing handle.  The outcome arrives on Events.
func (t *Transport) Connect(h transport.Handle) error {
	scheme, hostPort, err := splitAddress(string(h))
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.halted {
		t.mu.Unlock()
		return errHalted
	}
	if t.links[h] != nil || t.dialing[h] {
		t.mu.Unlock()
		return nil
	}
	t.dialing[h] = true
	t.mu.Unlock()

	t.Go(func() { t.dialWorker(h, scheme, hostPort) })
	return nil
}

func (t *Transport) dialWorker(h transport.Handle, scheme, hostPort string) {
	defer func() {
		t.mu.Lock()
		delete(t.dialing, h)
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-t.HaltCh():
			cancel()
		}
	}()

	var conn net.Conn
	var err error
	switch scheme {
	case schemeTCP:
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", hostPort)
		if err == nil {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(keepAliveInterval)
			}
		}
	case schemeQUIC:
		conn, err = dialQuic(ctx, hostPort)
	}
	if err != nil {
		t.log.Debugf("dial %v: %v", h, err)
		t.post(transport.Event{
			Kind:   transport.EventConnectFailed,
			Handle: h,
			Err:    &transport.Error{Op: "dial", Handle: h, Err: err},
		})
		return
	}
	t.addLink(h, conn)
}

func (t *Transport) acceptWorker(l net.Listener) {
	addr := l.Addr()
	t.log.Noticef("listening on: %v", addr)
	defer func() {
		t.log.Noticef("stopped listening on: %v", addr)
		l.Close()
	}()
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}
		conn, err := l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && e.Timeout() {
				continue
			}
			select {
			case <-t.HaltCh():
			default:
				t.log.Errorf("accept on %v: %v", addr, err)
			}
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}
		scheme := schemeTCP
		if _, ok := conn.(*quicConn); ok {
			scheme = schemeQUIC
		}
		h := transport.Handle(fmt.Sprintf("%s://%s", scheme, conn.RemoteAddr()))
		t.log.Debugf("accepted connection: %v", h)
		t.addLink(h, conn)
	}
}

func (t *Transport) addLink(h transport.Handle, conn net.Conn) {
	l := &link{
		handle: h,
		conn:   conn,
		sendCh: make(chan []byte, sendBacklog),
		doneCh: make(chan struct{}),
	}

	t.mu.Lock()
	if t.halted {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if old := t.links[h]; old != nil {
		// A crossed dial or a reconnect before the old link's reader
		// noticed.  The newer link wins.
		old.close()
	}
	t.links[h] = l
	t.mu.Unlock()

	t.Go(func() { t.readWorker(l) })
	t.Go(func() { t.writeWorker(l) })
	t.post(transport.Event{Kind: transport.EventConnected, Handle: h})
}

func (t *Transport) dropLink(l *link, err error) {
	t.mu.Lock()
	current := t.links[l.handle] == l
	if current {
		delete(t.links, l.handle)
	}
	t.mu.Unlock()

	l.close()
	if current {
		t.post(transport.Event{Kind: transport.EventDisconnected, Handle: l.handle, Err: err})
	}
}

func (t *Transport) readWorker(l *link) {
	for {
		frame, err := ReadFrame(l.conn, t.cfg.MTU)
		if err != nil {
			t.dropLink(l, err)
			return
		}
		t.post(transport.Event{Kind: transport.EventData, Handle: l.handle, Data: frame})
	}
}

func (t *Transport) writeWorker(l *link) {
	for {
		select {
		case <-t.HaltCh():
			return
		case <-l.doneCh:
			return
		case frame := <-l.sendCh:
			if err := WriteFrame(l.conn, frame); err != nil {
				t.dropLink(l, err)
				return
			}
		}
	}
}

// Send queues one frame on the link to h.
func (t *Transport) Send(h transport.Handle, frame []byte) error {
	if len(frame) > t.cfg.MTU {
		return &transport.Error{
			Op:     "send",
			Handle: h,
			Err:    fmt.Errorf("stream: %d byte frame exceeds %d byte mtu", len(frame), t.cfg.MTU),
		}
	}
	t.mu.Lock()
	l := t.links[h]
	t.mu.Unlock()
	if l == nil {
		return &transport.Error{Op: "send", Handle: h, Err: errors.New("stream: not connected")}
	}
	select {
	case l.sendCh <- append([]byte{}, frame...):
		return nil
	default:
		return &transport.Error{Op: "send", Handle: h, Err: errors.New("stream: send queue full")}
	}
}

// Disconnect tears down the link to h, if any.
func (t *Transport) Disconnect(h transport.Handle) error {
	t.mu.Lock()
	l := t.links[h]
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	t.dropLink(l, errHalted)
	return nil
}

// Halt stops the listeners, closes every link, and shuts the
// transport down.
func (t *Transport) Halt() {
	t.haltOnce.Do(t.halt)
}

func (t *Transport) halt() {
	for _, l := range t.listeners {
		l.Close()
	}
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()
	for _, l := range links {
		l.close()
	}

	t.Worker.Halt()

	t.mu.Lock()
	t.halted = true
	close(t.events)
	t.mu.Unlock()
}

// post delivers ev without ever blocking a link worker.
func (t *Transport) post(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warningf("event backlog full, dropping %v for %v", ev.Kind, ev.Handle)
	}
}

// Addresses returns the bound listener addresses, resolving any
// wildcard ports.  Tests bind port zero and dial what this reports.
func (t *Transport) Addresses() []string {
	out := make([]string, 0, len(t.listeners))
	for _, l := range t.listeners {
		scheme := schemeTCP
		if _, ok := l.(*quicListener); ok {
			scheme = schemeQUIC
		}
		out = append(out, fmt.Sprintf("%s://%s", scheme, l.Addr().String()))
	}
	return out
}
