// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"errors"

	"gopkg.in/op/go-logging.v1"

	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/core/worker"
	"github.com/funkpost/funkpost/transport"
	"github.com/funkpost/funkpost/transport/stream"
)

const hubSeenCapacity = 65536

// HubConfig is the relay hub configuration.
type HubConfig struct {
	// ListenAddresses are the bind URLs, tcp://host:port or
	// quic://host:port.
	ListenAddresses []string

	// LogBackend provides the logger.
	LogBackend *log.Backend
}

// Hub is a relay fan-out server.  It verifies and deduplicates the
// events subscribers publish and echoes each accepted event to every
// other subscriber.  It holds no state beyond the duplicate window
// and understands nothing about the packets inside.
type Hub struct {
	worker.Worker

	log   *logging.Logger
	inner *stream.Transport
	seen  *seenIDs

	subscribers map[transport.Handle]bool
}

// NewHub creates a relay hub, binding its listeners immediately.
func NewHub(cfg *HubConfig) (*Hub, error) {
	if len(cfg.ListenAddresses) == 0 {
		return nil, errors.New("envelope: no listen addresses configured")
	}
	if cfg.LogBackend == nil {
		return nil, errors.New("envelope: no log backend")
	}
	inner, err := stream.New(&stream.Config{
		ListenAddresses: cfg.ListenAddresses,
		MTU:             maxEventSize + envelopeOverhead,
		LogBackend:      cfg.LogBackend,
	})
	if err != nil {
		return nil, err
	}
	h := &Hub{
		log:         cfg.LogBackend.GetLogger("envelope/hub"),
		inner:       inner,
		seen:        newSeenIDs(hubSeenCapacity),
		subscribers: make(map[transport.Handle]bool),
	}
	h.Go(h.worker)
	return h, nil
}

// Addresses returns the bound listener addresses.
func (h *Hub) Addresses() []string {
	return h.inner.Addresses()
}

// Halt stops the hub and disconnects every subscriber.
func (h *Hub) Halt() {
	h.inner.Halt()
	h.Worker.Halt()
}

// worker owns the subscriber table; every connection event and frame
// is serialized here.
func (h *Hub) worker() {
	for {
		select {
		case <-h.HaltCh():
			return
		case ev, ok := <-h.inner.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventConnected:
				h.subscribers[ev.Handle] = true
				h.log.Debugf("subscriber up: %v (%d total)", ev.Handle, len(h.subscribers))
			case transport.EventDisconnected:
				delete(h.subscribers, ev.Handle)
				h.log.Debugf("subscriber down: %v (%d total)", ev.Handle, len(h.subscribers))
			case transport.EventData:
				h.onPublish(ev.Handle, ev.Data)
			}
		}
	}
}

func (h *Hub) onPublish(from transport.Handle, blob []byte) {
	ev, err := Unmarshal(blob)
	if err != nil {
		h.log.Debugf("drop publish from %v: %v", from, err)
		return
	}
	id, err := ev.Verify()
	if err != nil {
		h.log.Debugf("drop publish from %v: %v", from, err)
		return
	}
	if h.seen.testAndSet(id) {
		return
	}

	for sub := range h.subscribers {
		if sub == from {
			continue
		}
		if err := h.inner.Send(sub, blob); err != nil {
			h.log.Debugf("fan out to %v: %v", sub, err)
		}
	}
}
