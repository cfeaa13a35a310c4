// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the mesh packet wire format: a compact binary
// header followed by addressing, an optionally compressed payload, and an
// optional detached signature.
package wire

import (
	"encoding/hex"
	"fmt"
)

const (
	// PeerIDSize is the size of a peer identifier in bytes.
	PeerIDSize = 8

	// SignatureSize is the size of a packet signature in bytes.
	SignatureSize = 64

	// MaxPayloadV1 is the largest payload a version 1 packet can carry,
	// bounded by the 2 byte length field.
	MaxPayloadV1 = 0xffff

	// MaxPayloadV2 is the largest payload a version 2 packet can carry.
	// The 4 byte length field could express more, this is the bound
	// enforced to keep hostile packets from ballooning memory.
	MaxPayloadV2 = 1 << 24

	// ProtocolVersion is the wire protocol version emitted by default.
	ProtocolVersion = 1

	// ProtocolVersionV2 is the extended wire protocol version with a
	// widened payload length field.
	ProtocolVersionV2 = 2

	headerLenV1 = 14
	headerLenV2 = 16

	flagHasRecipient = 0x01
	flagHasSignature = 0x02
	flagIsCompressed = 0x04

	// TTLOffset is the byte offset of the TTL field, identical in both
	// header versions.  Relays decrement it in place on the encoded
	// bytes so signatures stay valid in flight.
	TTLOffset = 2
)

// Type identifies the semantic class of a packet.  The set is closed:
// the engine drops types it does not know.
type Type uint8

const (
	// TypeAnnounce is a periodic identity broadcast.
	TypeAnnounce Type = 0x01

	// TypeMessage is a cleartext broadcast chat message.
	TypeMessage Type = 0x02

	// TypeLeave signals a graceful departure from the mesh.
	TypeLeave Type = 0x03

	// TypeNoiseHandshake carries a Noise XX handshake message.
	TypeNoiseHandshake Type = 0x10

	// TypeNoiseEncrypted carries a Noise session transport message.
	TypeNoiseEncrypted Type = 0x11

	// TypeFragment carries one fragment of an oversized packet.
	TypeFragment Type = 0x20

	// TypeRequestSync carries a gossip sync filter.
	TypeRequestSync Type = 0x21

	// TypeFileTransfer carries a file transfer chunk.
	TypeFileTransfer Type = 0x22
)

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeMessage:
		return "message"
	case TypeLeave:
		return "leave"
	case TypeNoiseHandshake:
		return "noiseHandshake"
	case TypeNoiseEncrypted:
		return "noiseEncrypted"
	case TypeFragment:
		return "fragment"
	case TypeRequestSync:
		return "requestSync"
	case TypeFileTransfer:
		return "fileTransfer"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// PeerID is the short form mesh identity of a node, the first 8 bytes of
// the SHA-256 digest of its long term Noise static public key.
type PeerID [PeerIDSize]byte

// BroadcastID is the sentinel recipient addressing every node in the mesh.
var BroadcastID = PeerID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String returns the lowercase hex form of the PeerID.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsBroadcast returns true if the PeerID is the broadcast sentinel.
func (id PeerID) IsBroadcast() bool {
	return id == BroadcastID
}

// PeerIDFromBytes builds a PeerID from raw bytes, zero padding or
// truncating to exactly PeerIDSize bytes.
func PeerIDFromBytes(b []byte) PeerID {
	var id PeerID
	copy(id[:], b)
	return id
}

// PeerIDFromString parses the hex form of a PeerID.
func PeerIDFromString(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("wire: malformed peer id: %v", err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("wire: malformed peer id: expected %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Packet is the decoded form of a mesh packet.  The optional recipient
// and signature are represented by pointer presence, the corresponding
// wire flags are derived at encode time.  Compression is a wire level
// artifact: Payload always holds the plaintext payload.
type Packet struct {
	// Version is the wire protocol version.  Zero selects automatically
	// at encode time: version 1 when the payload fits, version 2
	// otherwise.
	Version uint8

	// Type is the packet type.
	Type Type

	// TTL is the remaining relay hop budget.
	TTL uint8

	// Timestamp is the sender clock in milliseconds since the epoch.
	Timestamp uint64

	// SenderID is the originator of the packet.
	SenderID PeerID

	// RecipientID addresses a specific node, or the broadcast sentinel.
	// Nil means the packet carries no recipient field.
	RecipientID *PeerID

	// Payload is the uncompressed packet payload.
	Payload []byte

	// Signature is the detached signature over the canonical encoding
	// with the signature omitted and the TTL zeroed, if present.
	Signature *[SignatureSize]byte
}

// Copy returns a deep copy of the packet.
func (p *Packet) Copy() *Packet {
	c := new(Packet)
	*c = *p
	if p.RecipientID != nil {
		r := *p.RecipientID
		c.RecipientID = &r
	}
	if p.Payload != nil {
		c.Payload = append([]byte{}, p.Payload...)
	}
	if p.Signature != nil {
		s := *p.Signature
		c.Signature = &s
	}
	return c
}

// Overhead returns the encoded size of a packet's fixed fields for the
// given shape: header, sender, optional recipient and signature.  MTU
// budgeting subtracts this to find the payload room.
func Overhead(version uint8, hasRecipient, hasSignature bool) int {
	n := headerLen(version) + PeerIDSize
	if hasRecipient {
		n += PeerIDSize
	}
	if hasSignature {
		n += SignatureSize
	}
	return n
}

func headerLen(version uint8) int {
	if version == ProtocolVersionV2 {
		return headerLenV2
	}
	return headerLenV1
}

func maxPayload(version uint8) int {
	if version == ProtocolVersionV2 {
		return MaxPayloadV2
	}
	return MaxPayloadV1
}
