// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/core/worker"
	"github.com/funkpost/funkpost/instrument"
	"github.com/funkpost/funkpost/transport"
	"github.com/funkpost/funkpost/transport/stream"
)

const (
	// hubRSSI is the signal strength reported for hub links.  Far
	// below any radio figure, so the engine prefers direct links and
	// treats hubs as reach extension.
	hubRSSI = -100

	clientSeenCapacity = 8192

	clientEventBuffer = 1024

	// envelopeOverhead reserves room for the event wrapper inside a
	// hub link frame.
	envelopeOverhead = 512
)

// ClientConfig is the long haul client configuration.
type ClientConfig struct {
	// Hubs are the relay hub URLs, tcp://host:port or quic://host:port.
	Hubs []string

	// SigningKey signs published events.
	SigningKey ed25519.PrivateKey

	// DialTimeout bounds one hub connection attempt.
	DialTimeout time.Duration

	// LogBackend provides the logger.
	LogBackend *log.Backend
}

// Client is a mesh transport that moves packets through relay hubs.
// Every hub appears to the engine as one low priority peer; anything
// sent to a hub is published to everyone subscribed there.
type Client struct {
	worker.Worker

	log    *logging.Logger
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	inner  *stream.Transport
	events chan transport.Event
	seen   *seenIDs
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a long haul relay client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.Hubs) == 0 {
		return nil, errors.New("envelope: no hubs configured")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New("envelope: no signing key")
	}
	if cfg.LogBackend == nil {
		return nil, errors.New("envelope: no log backend")
	}
	inner, err := stream.New(&stream.Config{
		StaticPeers: cfg.Hubs,
		MTU:         maxEventSize + envelopeOverhead,
		DialTimeout: cfg.DialTimeout,
		LogBackend:  cfg.LogBackend,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:    cfg.LogBackend.GetLogger("transport/envelope"),
		key:    cfg.SigningKey,
		pub:    cfg.SigningKey.Public().(ed25519.PublicKey),
		inner:  inner,
		events: make(chan transport.Event, clientEventBuffer),
		seen:   newSeenIDs(clientSeenCapacity),
	}
	c.Go(c.pump)
	return c, nil
}

// Name returns the transport scheme.
func (c *Client) Name() string {
	return "envelope"
}

// MTU returns the largest packet a hub link carries.
func (c *Client) MTU() int {
	return MaxPayloadSize
}

// ListPeers reports the configured hubs at long haul priority.
func (c *Client) ListPeers() []transport.Sighting {
	sightings := c.inner.ListPeers()
	for i := range sightings {
		sightings[i].RSSI = hubRSSI
	}
	return sightings
}

// Connect starts dialing a hub.
func (c *Client) Connect(h transport.Handle) error {
	return c.inner.Connect(h)
}

// Disconnect tears down a hub link.
func (c *Client) Disconnect(h transport.Handle) error {
	return c.inner.Disconnect(h)
}

// Send publishes one packet through the hub at h.
func (c *Client) Send(h transport.Handle, frame []byte) error {
	ev, err := Seal(c.key, KindPacket, frame)
	if err != nil {
		return &transport.Error{Op: "publish", Handle: h, Err: err}
	}
	id, err := ev.ID()
	if err != nil {
		return &transport.Error{Op: "publish", Handle: h, Err: err}
	}
	blob, err := ev.Marshal()
	if err != nil {
		return &transport.Error{Op: "publish", Handle: h, Err: err}
	}
	if err := c.inner.Send(h, blob); err != nil {
		return err
	}
	// Hubs echo to every subscriber but this one; a copy bounced
	// through a second hub still must not come back around.
	c.seen.testAndSet(id)
	instrument.EnvelopePublished()
	return nil
}

// Events returns the transport's event stream.  Closed by Halt.
func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// Halt stops the client and its hub links.
func (c *Client) Halt() {
	c.inner.Halt()
	c.Worker.Halt()
}

// pump unwraps inbound events off the hub links, forwarding link
// state changes untouched.
func (c *Client) pump() {
	defer close(c.events)
	for {
		select {
		case <-c.HaltCh():
			return
		case ev, ok := <-c.inner.Events():
			if !ok {
				return
			}
			if ev.Kind != transport.EventData {
				c.post(ev)
				continue
			}
			frame, ok := c.unwrap(ev.Handle, ev.Data)
			if !ok {
				continue
			}
			c.post(transport.Event{Kind: transport.EventData, Handle: ev.Handle, Data: frame})
		}
	}
}

// unwrap validates one received event, returning its payload when it
// should be surfaced to the engine.
func (c *Client) unwrap(h transport.Handle, blob []byte) ([]byte, bool) {
	ev, err := Unmarshal(blob)
	if err != nil {
		c.log.Debugf("drop event from %v: %v", h, err)
		return nil, false
	}
	id, err := ev.Verify()
	if err != nil {
		c.log.Debugf("drop event from %v: %v", h, err)
		return nil, false
	}
	if ev.Kind != KindPacket {
		c.log.Debugf("drop event from %v: kind 0x%02x", h, ev.Kind)
		return nil, false
	}
	if bytes.Equal(ev.SenderPub, c.pub) {
		// Own publication bounced off another hub.
		return nil, false
	}
	if c.seen.testAndSet(id) {
		return nil, false
	}
	instrument.EnvelopeReceived()
	return ev.Payload, true
}

func (c *Client) post(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warningf("event backlog full, dropping %v for %v", ev.Kind, ev.Handle)
	}
}
