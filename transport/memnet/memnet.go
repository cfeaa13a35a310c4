// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memnet provides an in process transport fabric: endpoints
// joined to one fabric discover each other, dial, and exchange frames
// without touching the network.  It exists for tests and local multi
// node simulations.
package memnet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/funkpost/funkpost/transport"
)

const (
	scheme     = "mem"
	defaultMTU = 64 * 1024

	// eventBuffer is the per endpoint event backlog.  Deliveries never
	// block; a full backlog drops the event like a lossy radio would.
	eventBuffer = 4096
)

var (
	errClosed       = errors.New("memnet: link closed")
	errNotConnected = errors.New("memnet: not connected")
)

type linkKey struct {
	a, b string
}

func keyFor(a, b string) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a: a, b: b}
}

// Fabric is the shared medium a set of endpoints communicates over.
type Fabric struct {
	mu      sync.Mutex
	mtu     int
	nodes   map[string]*Transport
	links   map[linkKey]bool
	blocked map[linkKey]bool

	dropped atomic.Uint64
}

// NewFabric creates a fabric whose links carry frames up to mtu bytes.
func NewFabric(mtu int) *Fabric {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	return &Fabric{
		mtu:     mtu,
		nodes:   make(map[string]*Transport),
		links:   make(map[linkKey]bool),
		blocked: make(map[linkKey]bool),
	}
}

// Block hides a and b from each other: discovery omits them, dials
// fail, and a standing link between them is dropped.  This is how
// tests shape topologies on an otherwise fully visible fabric.
func (f *Fabric) Block(a, b string) {
	k := keyFor(a, b)
	f.mu.Lock()
	f.blocked[k] = true
	up := f.links[k]
	delete(f.links, k)
	ta := f.nodes[a]
	tb := f.nodes[b]
	f.mu.Unlock()

	if !up {
		return
	}
	if ta != nil {
		ta.post(transport.Event{Kind: transport.EventDisconnected, Handle: handleFor(b), Err: errClosed})
	}
	if tb != nil {
		tb.post(transport.Event{Kind: transport.EventDisconnected, Handle: handleFor(a), Err: errClosed})
	}
}

// Unblock makes a and b visible to each other again.
func (f *Fabric) Unblock(a, b string) {
	f.mu.Lock()
	delete(f.blocked, keyFor(a, b))
	f.mu.Unlock()
}

// Join adds an endpoint named name to the fabric.
func (f *Fabric) Join(name string) (*Transport, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("memnet: bad endpoint name %q", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.nodes[name]; dup {
		return nil, fmt.Errorf("memnet: endpoint %q already joined", name)
	}
	t := &Transport{
		fabric: f,
		name:   name,
		events: make(chan transport.Event, eventBuffer),
	}
	f.nodes[name] = t
	return t, nil
}

// Dropped returns the number of events lost fabric wide to full
// backlogs.
func (f *Fabric) Dropped() uint64 {
	return f.dropped.Load()
}

// Transport is one endpoint on a fabric.
type Transport struct {
	fabric *Fabric
	name   string

	mu     sync.Mutex
	halted bool
	events chan transport.Event

	haltOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func handleFor(name string) transport.Handle {
	return transport.Handle(scheme + "://" + name)
}

func nameFor(h transport.Handle) (string, error) {
	rest, ok := strings.CutPrefix(string(h), scheme+"://")
	if !ok || rest == "" {
		return "", fmt.Errorf("memnet: bad handle %q", h)
	}
	return rest, nil
}

// Name returns the transport scheme.
func (t *Transport) Name() string {
	return scheme
}

// MTU returns the fabric's frame bound.
func (t *Transport) MTU() int {
	return t.fabric.mtu
}

// ListPeers names every other endpoint on the fabric.
func (t *Transport) ListPeers() []transport.Sighting {
	f := t.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Sighting, 0, len(f.nodes))
	for name := range f.nodes {
		if name == t.name {
			continue
		}
		out = append(out, transport.Sighting{Handle: handleFor(name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Connect brings up the link to h.  Dialing an already connected
// handle just re-reports the connection.
func (t *Transport) Connect(h transport.Handle) error {
	peerName, err := nameFor(h)
	if err != nil {
		return err
	}
	f := t.fabric
	f.mu.Lock()
	peer, ok := f.nodes[peerName]
	var already bool
	if ok {
		already = f.links[keyFor(t.name, peerName)]
		f.links[keyFor(t.name, peerName)] = true
	}
	f.mu.Unlock()

	if !ok {
		t.post(transport.Event{
			Kind:   transport.EventConnectFailed,
			Handle: h,
			Err:    fmt.Errorf("memnet: no endpoint %q", peerName),
		})
		return nil
	}
	t.post(transport.Event{Kind: transport.EventConnected, Handle: h})
	if !already {
		peer.post(transport.Event{Kind: transport.EventConnected, Handle: handleFor(t.name)})
	}
	return nil
}

// Disconnect tears down the link to h.  Both ends observe the loss.
func (t *Transport) Disconnect(h transport.Handle) error {
	peerName, err := nameFor(h)
	if err != nil {
		return err
	}
	f := t.fabric
	f.mu.Lock()
	up := f.links[keyFor(t.name, peerName)]
	delete(f.links, keyFor(t.name, peerName))
	peer := f.nodes[peerName]
	f.mu.Unlock()

	if !up {
		return nil
	}
	t.post(transport.Event{Kind: transport.EventDisconnected, Handle: h, Err: errClosed})
	if peer != nil {
		peer.post(transport.Event{Kind: transport.EventDisconnected, Handle: handleFor(t.name), Err: errClosed})
	}
	return nil
}

// Send delivers one frame over the link to h.
func (t *Transport) Send(h transport.Handle, frame []byte) error {
	peerName, err := nameFor(h)
	if err != nil {
		return err
	}
	if len(frame) > t.fabric.mtu {
		return &transport.Error{
			Op:     "send",
			Handle: h,
			Err:    fmt.Errorf("memnet: %d byte frame exceeds %d byte mtu", len(frame), t.fabric.mtu),
		}
	}
	f := t.fabric
	f.mu.Lock()
	peer, ok := f.nodes[peerName]
	up := f.links[keyFor(t.name, peerName)]
	f.mu.Unlock()
	if !ok || !up {
		return &transport.Error{Op: "send", Handle: h, Err: errNotConnected}
	}
	peer.post(transport.Event{
		Kind:   transport.EventData,
		Handle: handleFor(t.name),
		Data:   append([]byte{}, frame...),
	})
	return nil
}

// Events returns the endpoint's event stream.  Closed by Halt.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Halt removes the endpoint from the fabric, dropping its links.
func (t *Transport) Halt() {
	t.haltOnce.Do(func() {
		f := t.fabric
		f.mu.Lock()
		delete(f.nodes, t.name)
		var peers []*Transport
		for k := range f.links {
			if k.a != t.name && k.b != t.name {
				continue
			}
			other := k.a
			if other == t.name {
				other = k.b
			}
			if p, ok := f.nodes[other]; ok {
				peers = append(peers, p)
			}
			delete(f.links, k)
		}
		f.mu.Unlock()

		for _, p := range peers {
			p.post(transport.Event{Kind: transport.EventDisconnected, Handle: handleFor(t.name), Err: errClosed})
		}
		t.mu.Lock()
		t.halted = true
		close(t.events)
		t.mu.Unlock()
	})
}

// post delivers ev without ever blocking the sender.
func (t *Transport) post(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.fabric.dropped.Add(1)
	}
}
