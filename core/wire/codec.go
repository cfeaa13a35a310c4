// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/funkpost/funkpost/core/rand"
)

// compressThreshold is the payload size at which encode attempts
// transparent compression.  Compression is only kept when it shrinks the
// payload, decode always supports it.
const compressThreshold = 256

// trafficLadder is the set of block sizes transmissions are padded up to,
// so that observers see a small set of packet lengths.  Larger packets go
// out unpadded.
var trafficLadder = []int{256, 512, 1024, 2048}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("wire: zstd encoder init: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxPayloadV2))
	if err != nil {
		panic("wire: zstd decoder init: " + err.Error())
	}
}

// Encode returns the transmission encoding of p: the canonical encoding
// padded up to the next traffic block size with random fill.  The parser
// is length driven, so the tail never reaches receivers.
func Encode(p *Packet) ([]byte, error) {
	raw, err := EncodeCanonical(p)
	if err != nil {
		return nil, err
	}
	return padTail(raw), nil
}

// EncodeBounded returns the transmission encoding of p, padding only up
// to ladder rungs that fit within maxLen.  A packet whose canonical
// encoding already exceeds maxLen returns ErrOversize, the caller is
// expected to fragment.
func EncodeBounded(p *Packet, maxLen int) ([]byte, error) {
	raw, err := EncodeCanonical(p)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxLen {
		return nil, fmt.Errorf("wire: %w: %d bytes into %d byte link", ErrOversize, len(raw), maxLen)
	}
	for _, b := range trafficLadder {
		if len(raw) <= b && b <= maxLen {
			return padTail(raw), nil
		}
	}
	return raw, nil
}

// EncodeCanonical returns the canonical encoding of p without traffic
// padding.  This is the exact byte form signatures and sync identifiers
// cover, and the form carried inside encrypted session frames.
func EncodeCanonical(p *Packet) ([]byte, error) {
	payload := p.Payload
	var flags uint8
	if p.RecipientID != nil {
		flags |= flagHasRecipient
	}
	if p.Signature != nil {
		flags |= flagHasSignature
	}
	if len(payload) >= compressThreshold {
		if c := zstdEncoder.EncodeAll(payload, nil); len(c) < len(payload) {
			payload = c
			flags |= flagIsCompressed
		}
	}

	version := p.Version
	switch version {
	case 0:
		version = ProtocolVersion
		if len(p.Payload) > MaxPayloadV1 {
			version = ProtocolVersionV2
		}
	case ProtocolVersion, ProtocolVersionV2:
	default:
		return nil, fmt.Errorf("wire: cannot encode version %d", version)
	}
	// The version bound applies to the payload both on the wire and
	// after decompression.
	if len(p.Payload) > maxPayload(version) || len(payload) > maxPayload(version) {
		return nil, fmt.Errorf("wire: payload of %d bytes exceeds version %d bound", len(p.Payload), version)
	}

	n := headerLen(version) + PeerIDSize + len(payload)
	if flags&flagHasRecipient != 0 {
		n += PeerIDSize
	}
	if flags&flagHasSignature != 0 {
		n += SignatureSize
	}

	out := make([]byte, 0, n)
	out = append(out, version, uint8(p.Type), p.TTL)
	out = binary.BigEndian.AppendUint64(out, p.Timestamp)
	out = append(out, flags)
	if version == ProtocolVersionV2 {
		out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	} else {
		out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	}
	out = append(out, p.SenderID[:]...)
	if p.RecipientID != nil {
		out = append(out, p.RecipientID[:]...)
	}
	out = append(out, payload...)
	if p.Signature != nil {
		out = append(out, p.Signature[:]...)
	}
	return out, nil
}

func padTail(raw []byte) []byte {
	n := len(raw)
	for _, b := range trafficLadder {
		if n <= b {
			padded := make([]byte, b)
			copy(padded, raw)
			if _, err := io.ReadFull(rand.Reader, padded[n:]); err != nil {
				panic("wire: failed to read pad entropy: " + err.Error())
			}
			return padded
		}
	}
	return raw
}

// Decode parses a received transmission.  Every malformed input returns a
// DecodeError, hostile input never panics.  Trailing bytes beyond the
// packet structure are traffic padding and are ignored.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, newDecodeError(ErrShortPacket, "empty input")
	}
	version := raw[0]
	switch version {
	case ProtocolVersion, ProtocolVersionV2:
	default:
		return nil, newDecodeError(ErrBadVersion, "version 0x%02x", version)
	}
	hdrLen := headerLen(version)
	if len(raw) < hdrLen+PeerIDSize {
		return nil, newDecodeError(ErrShortPacket, "need %d bytes, have %d", hdrLen+PeerIDSize, len(raw))
	}

	p := &Packet{
		Version:   version,
		Type:      Type(raw[1]),
		TTL:       raw[TTLOffset],
		Timestamp: binary.BigEndian.Uint64(raw[3:11]),
	}
	flags := raw[11]
	var plen int
	if version == ProtocolVersionV2 {
		plen = int(binary.BigEndian.Uint32(raw[12:16]))
	} else {
		plen = int(binary.BigEndian.Uint16(raw[12:14]))
	}
	if plen > maxPayload(version) {
		return nil, newDecodeError(ErrPayloadRange, "declared %d", plen)
	}

	off := hdrLen
	p.SenderID = PeerIDFromBytes(raw[off : off+PeerIDSize])
	off += PeerIDSize
	if flags&flagHasRecipient != 0 {
		if len(raw) < off+PeerIDSize {
			return nil, newDecodeError(ErrShortPacket, "recipient field truncated")
		}
		id := PeerIDFromBytes(raw[off : off+PeerIDSize])
		p.RecipientID = &id
		off += PeerIDSize
	}
	if len(raw) < off+plen {
		return nil, newDecodeError(ErrShortPacket, "payload truncated: declared %d, have %d", plen, len(raw)-off)
	}
	payload := raw[off : off+plen]
	off += plen
	if flags&flagHasSignature != 0 {
		if len(raw) < off+SignatureSize {
			return nil, newDecodeError(ErrShortPacket, "signature field truncated")
		}
		var sig [SignatureSize]byte
		copy(sig[:], raw[off:off+SignatureSize])
		p.Signature = &sig
	}

	if flags&flagIsCompressed != 0 {
		plain, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, newDecodeError(ErrCorruptPayload, "%v", err)
		}
		if len(plain) > maxPayload(version) {
			return nil, newDecodeError(ErrPayloadRange, "decompressed to %d", len(plain))
		}
		p.Payload = plain
	} else {
		p.Payload = append([]byte{}, payload...)
	}
	return p, nil
}

// structuralBounds walks the packet structure in raw without touching the
// payload contents, returning the offset of the signature field (or the
// structure end when unsigned) and the flags byte.
func structuralBounds(raw []byte) (int, uint8, error) {
	if len(raw) == 0 {
		return 0, 0, newDecodeError(ErrShortPacket, "empty input")
	}
	version := raw[0]
	switch version {
	case ProtocolVersion, ProtocolVersionV2:
	default:
		return 0, 0, newDecodeError(ErrBadVersion, "version 0x%02x", version)
	}
	hdrLen := headerLen(version)
	if len(raw) < hdrLen+PeerIDSize {
		return 0, 0, newDecodeError(ErrShortPacket, "need %d bytes, have %d", hdrLen+PeerIDSize, len(raw))
	}
	flags := raw[11]
	var plen int
	if version == ProtocolVersionV2 {
		plen = int(binary.BigEndian.Uint32(raw[12:16]))
	} else {
		plen = int(binary.BigEndian.Uint16(raw[12:14]))
	}
	if plen > maxPayload(version) {
		return 0, 0, newDecodeError(ErrPayloadRange, "declared %d", plen)
	}
	off := hdrLen + PeerIDSize
	if flags&flagHasRecipient != 0 {
		off += PeerIDSize
	}
	off += plen
	if len(raw) < off {
		return 0, 0, newDecodeError(ErrShortPacket, "structure overruns %d byte input", len(raw))
	}
	return off, flags, nil
}

// Structural returns raw truncated to the end of the packet structure,
// dropping any traffic padding tail.  Different transmissions of the
// same packet differ only in that tail, so this is the byte form to
// hash or store when identity across hops matters.
func Structural(raw []byte) ([]byte, error) {
	end, flags, err := structuralBounds(raw)
	if err != nil {
		return nil, err
	}
	if flags&flagHasSignature != 0 {
		end += SignatureSize
		if len(raw) < end {
			return nil, newDecodeError(ErrShortPacket, "signature field truncated")
		}
	}
	return raw[:end], nil
}

// SigningPreimage returns the signing preimage of a received
// transmission: the canonical structure with the signature omitted and
// the TTL zeroed.  Relays only mutate the TTL byte, so the preimage is
// stable across hops.
func SigningPreimage(raw []byte) ([]byte, error) {
	sigOff, _, err := structuralBounds(raw)
	if err != nil {
		return nil, err
	}
	pre := append([]byte{}, raw[:sigOff]...)
	pre[TTLOffset] = 0
	pre[11] &^= flagHasSignature
	return pre, nil
}

// Sign computes the detached signature over p's canonical encoding with
// the signature omitted and the TTL zeroed, and attaches it to p.
func Sign(p *Packet, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("wire: bad signing key size %d", len(priv))
	}
	savedSig, savedTTL := p.Signature, p.TTL
	p.Signature, p.TTL = nil, 0
	pre, err := EncodeCanonical(p)
	p.Signature, p.TTL = savedSig, savedTTL
	if err != nil {
		return err
	}

	var sig [SignatureSize]byte
	copy(sig[:], ed25519.Sign(priv, pre))
	p.Signature = &sig
	return nil
}

// Verify checks the detached signature carried by the received
// transmission raw against pub.
func Verify(raw []byte, pub ed25519.PublicKey) error {
	sigOff, flags, err := structuralBounds(raw)
	if err != nil {
		return err
	}
	if flags&flagHasSignature == 0 {
		return fmt.Errorf("wire: %w: packet is unsigned", ErrBadSignature)
	}
	if len(raw) < sigOff+SignatureSize {
		return newDecodeError(ErrShortPacket, "signature field truncated")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("wire: %w: bad public key size %d", ErrBadSignature, len(pub))
	}

	pre := append([]byte{}, raw[:sigOff]...)
	pre[TTLOffset] = 0
	pre[11] &^= flagHasSignature
	if !ed25519.Verify(pub, pre, raw[sigOff:sigOff+SignatureSize]) {
		return fmt.Errorf("wire: %w", ErrBadSignature)
	}
	return nil
}
