// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope carries mesh packets over long haul relay hubs.
// Each packet travels inside a signed CBOR event: hubs and recipients
// verify the signature and deduplicate on the event identifier, so a
// hub never needs to understand the mesh protocol it ferries.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// KindPacket marks an event whose payload is one encoded mesh packet.
const KindPacket uint8 = 0x01

// MaxPayloadSize bounds the payload a single event carries.
const MaxPayloadSize = 64 * 1024

// maxEventSize bounds a serialized event: payload plus keys, signature
// and CBOR framing.
const maxEventSize = MaxPayloadSize + 512

var (
	errBadEvent = errors.New("envelope: malformed event")
	errBadSig   = errors.New("envelope: signature verification failed")
)

// EventID names an event: the digest the signature covers.
type EventID [sha256.Size]byte

// Event is one signed relay event.
type Event struct {
	SenderPub []byte `cbor:"sender_pub"`
	CreatedAt int64  `cbor:"created_at"`
	Kind      uint8  `cbor:"kind"`
	Payload   []byte `cbor:"payload"`
	Sig       []byte `cbor:"sig"`
}

// signedFields is the canonical preimage the event identifier is
// computed over.  A CBOR array, so field order is fixed by position
// rather than by map key ordering.
type signedFields struct {
	_ struct{} `cbor:",toarray"`

	SenderPub []byte
	CreatedAt int64
	Kind      uint8
	Payload   []byte
}

// ID computes the event identifier: SHA-256 over the canonical
// encoding of everything except the signature.
func (e *Event) ID() (EventID, error) {
	var id EventID
	pre, err := cbor.Marshal(&signedFields{
		SenderPub: e.SenderPub,
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Payload:   e.Payload,
	})
	if err != nil {
		return id, err
	}
	return EventID(sha256.Sum256(pre)), nil
}

// Seal builds and signs an event carrying payload.
func Seal(priv ed25519.PrivateKey, kind uint8, payload []byte) (*Event, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("envelope: %d byte payload exceeds %d byte bound", len(payload), MaxPayloadSize)
	}
	e := &Event{
		SenderPub: priv.Public().(ed25519.PublicKey),
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Payload:   payload,
	}
	id, err := e.ID()
	if err != nil {
		return nil, err
	}
	e.Sig = ed25519.Sign(priv, id[:])
	return e, nil
}

// Verify checks the event's structure and signature, returning the
// event identifier on success.
func (e *Event) Verify() (EventID, error) {
	var id EventID
	if len(e.SenderPub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("%w: sender key is %d bytes", errBadEvent, len(e.SenderPub))
	}
	if len(e.Sig) != ed25519.SignatureSize {
		return id, fmt.Errorf("%w: signature is %d bytes", errBadEvent, len(e.Sig))
	}
	if len(e.Payload) > MaxPayloadSize {
		return id, fmt.Errorf("%w: %d byte payload", errBadEvent, len(e.Payload))
	}
	id, err := e.ID()
	if err != nil {
		return id, err
	}
	if !ed25519.Verify(ed25519.PublicKey(e.SenderPub), id[:], e.Sig) {
		return id, errBadSig
	}
	return id, nil
}

// Marshal serializes an event for the wire.
func (e *Event) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal parses an event off the wire without verifying it.
func Unmarshal(b []byte) (*Event, error) {
	if len(b) > maxEventSize {
		return nil, fmt.Errorf("%w: %d bytes", errBadEvent, len(b))
	}
	e := new(Event)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEvent, err)
	}
	return e, nil
}
