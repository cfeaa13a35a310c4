// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the narrow interface between the mesh
// engine and a concrete link layer.  A transport names reachable
// peers, dials and hangs up, moves opaque byte frames, and reports
// everything that happens on its links through a single event channel
// that the engine serializes onto its own execution context.
package transport

import (
	"fmt"
)

// Handle addresses one reachable peer on one transport.  Its contents
// are transport specific and opaque to the engine.
type Handle string

// Sighting is one discovered peer with its link quality.  Higher RSSI
// is better; transports without a physical signal report a constant.
type Sighting struct {
	Handle Handle
	RSSI   int16
}

// EventKind discriminates transport events.
type EventKind int

const (
	// EventConnected reports a usable link to Handle.
	EventConnected EventKind = iota

	// EventConnectFailed reports a dial that did not produce a link.
	EventConnectFailed

	// EventDisconnected reports a lost or closed link.
	EventDisconnected

	// EventData delivers one inbound frame from Handle.
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventDisconnected:
		return "disconnected"
	case EventData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one occurrence on a transport's links.
type Event struct {
	Kind   EventKind
	Handle Handle

	// Data is the inbound frame for EventData, nil otherwise.
	Data []byte

	// Err details EventConnectFailed and EventDisconnected.
	Err error
}

// Transport is a link layer serving the mesh engine.  Connect is
// asynchronous: it may fail fast on local errors, but success or
// failure of the dial itself arrives on Events.  Implementations must
// keep Events open until Halt and must never block delivering to it
// from their own goroutines longer than necessary.
type Transport interface {
	// Name returns the transport scheme, used in logs and handles.
	Name() string

	// MTU returns the largest frame Send accepts.  The engine
	// fragments encoded packets above this.
	MTU() int

	// ListPeers snapshots the currently reachable peers.
	ListPeers() []Sighting

	// Connect starts dialing handle.
	Connect(handle Handle) error

	// Disconnect tears down the link to handle, if any.
	Disconnect(handle Handle) error

	// Send writes one frame to a connected handle.
	Send(handle Handle, frame []byte) error

	// Events returns the transport's event stream.
	Events() <-chan Event

	// Halt stops the transport and releases its resources.
	Halt()
}

// Error wraps a transport failure with the operation and peer it
// concerns.  Connection management reacts to these with bounded
// backoff rather than treating them as fatal.
type Error struct {
	Op     string
	Handle Handle
	Err    error
}

func (e *Error) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
