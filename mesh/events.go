// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"fmt"
	"time"

	"github.com/funkpost/funkpost/core/wire"
)

// Event is the generic event delivered over the engine's event channel.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// PeerSeenEvent is emitted whenever an announce from a peer is
// processed, whether it arrived over a direct link or through the
// mesh.
type PeerSeenEvent struct {
	ID       wire.PeerID
	Nickname string

	// Direct is true when the announce arrived on a link to the peer
	// itself rather than through a relay.
	Direct bool
}

func (e *PeerSeenEvent) String() string {
	return fmt.Sprintf("PeerSeen: %v (%q) direct=%v", e.ID, e.Nickname, e.Direct)
}

// PeerReadyEvent is emitted when a directly connected peer has
// identified itself and the link is usable for addressed traffic.
type PeerReadyEvent struct {
	ID       wire.PeerID
	Nickname string
}

func (e *PeerReadyEvent) String() string {
	return fmt.Sprintf("PeerReady: %v (%q)", e.ID, e.Nickname)
}

// PeerGoneEvent is emitted when a peer leaves the mesh or is purged
// after the staleness window.
type PeerGoneEvent struct {
	ID     wire.PeerID
	Reason string
}

func (e *PeerGoneEvent) String() string {
	return fmt.Sprintf("PeerGone: %v (%s)", e.ID, e.Reason)
}

// SessionEstablishedEvent is emitted when a noise handshake with a
// peer completes and an encrypted session is available.
type SessionEstablishedEvent struct {
	ID wire.PeerID
}

func (e *SessionEstablishedEvent) String() string {
	return fmt.Sprintf("SessionEstablished: %v", e.ID)
}

// MessageEvent delivers an application payload.
type MessageEvent struct {
	From     wire.PeerID
	Nickname string
	Payload  []byte

	// Kind is the payload class, TypeMessage or TypeFileTransfer.
	Kind wire.Type

	// Private is true for payloads that arrived inside a noise session
	// addressed to this node.
	Private bool

	// Verified is true when the packet signature checked out against
	// the sender's announced signing key.  Private payloads are always
	// authenticated by the session and report true.
	Verified bool

	Timestamp time.Time
}

func (e *MessageEvent) String() string {
	mode := "broadcast"
	if e.Private {
		mode = "private"
	}
	return fmt.Sprintf("Message: %v %s %s %d bytes", e.From, mode, e.Kind, len(e.Payload))
}
