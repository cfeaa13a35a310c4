// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"crypto/ed25519"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/rand"
)

func structuralLen(t *testing.T, raw []byte) int {
	t.Helper()
	off, _, err := structuralBounds(raw)
	require.NoError(t, err)
	if raw[11]&flagHasSignature != 0 {
		off += SignatureSize
	}
	return off
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	recipient := PeerIDFromBytes([]byte{9, 8, 7, 6, 5, 4, 3, 2})
	var sig [SignatureSize]byte
	for i := range sig {
		sig[i] = byte(i)
	}

	packets := []*Packet{
		{
			Version:   ProtocolVersion,
			Type:      TypeMessage,
			TTL:       7,
			Timestamp: 1723480000123,
			SenderID:  PeerIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
			Payload:   []byte("hello mesh"),
		},
		{
			Version:     ProtocolVersion,
			Type:        TypeNoiseEncrypted,
			TTL:         3,
			Timestamp:   1723480000456,
			SenderID:    PeerIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
			RecipientID: &recipient,
			Payload:     []byte{0xde, 0xad, 0xbe, 0xef},
		},
		{
			Version:     ProtocolVersion,
			Type:        TypeAnnounce,
			TTL:         0,
			Timestamp:   0,
			SenderID:    BroadcastID,
			RecipientID: &BroadcastID,
			Payload:     nil,
			Signature:   &sig,
		},
	}

	for _, p := range packets {
		raw, err := Encode(p)
		require.NoError(err, "Encode(%s)", p.Type)

		d, err := Decode(raw)
		require.NoError(err, "Decode(%s)", p.Type)
		require.Equal(p.Version, d.Version)
		require.Equal(p.Type, d.Type)
		require.Equal(p.TTL, d.TTL)
		require.Equal(p.Timestamp, d.Timestamp)
		require.Equal(p.SenderID, d.SenderID)
		require.Equal(p.RecipientID, d.RecipientID)
		require.Equal(len(p.Payload), len(d.Payload))
		require.True(bytes.Equal(p.Payload, d.Payload))
		require.Equal(p.Signature, d.Signature)
	}
}

func TestPacketVersion2(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// An incompressible payload over the version 1 bound selects the
	// widened header automatically.
	payload := make([]byte, MaxPayloadV1+1)
	_, err := rand.Reader.Read(payload)
	require.NoError(err)

	p := &Packet{
		Type:      TypeFileTransfer,
		TTL:       1,
		Timestamp: 42,
		SenderID:  PeerIDFromBytes([]byte{1}),
		Payload:   payload,
	}
	raw, err := Encode(p)
	require.NoError(err)
	require.Equal(uint8(ProtocolVersionV2), raw[0])

	d, err := Decode(raw)
	require.NoError(err)
	require.Equal(uint8(ProtocolVersionV2), d.Version)
	require.True(bytes.Equal(payload, d.Payload))

	// Forcing version 1 with the same payload must refuse to encode.
	p.Version = ProtocolVersion
	_, err = Encode(p)
	require.Error(err)
}

func TestDecodeHostileInput(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	p := &Packet{
		Version:   ProtocolVersion,
		Type:      TypeMessage,
		TTL:       5,
		Timestamp: 1723480000789,
		SenderID:  PeerIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		Payload:   []byte("truncate me"),
	}
	raw, err := Encode(p)
	require.NoError(err)
	canonical := raw[:structuralLen(t, raw)]

	for i := 0; i < len(canonical); i++ {
		_, err := Decode(canonical[:i])
		require.Error(err, "Decode of %d byte prefix", i)
		var de *DecodeError
		require.ErrorAs(err, &de, "Decode of %d byte prefix", i)
	}

	// Unsupported version byte.
	bad := append([]byte{}, canonical...)
	bad[0] = 0x7f
	_, err = Decode(bad)
	require.ErrorIs(err, ErrBadVersion)

	// Signature flag without the trailing signature bytes.
	bad = append([]byte{}, canonical...)
	bad[11] |= flagHasSignature
	_, err = Decode(bad)
	require.ErrorIs(err, ErrShortPacket)

	// Compressed flag over garbage payload.
	bad = append([]byte{}, canonical...)
	bad[11] |= flagIsCompressed
	_, err = Decode(bad)
	require.ErrorIs(err, ErrCorruptPayload)

	// Declared payload length overrunning the buffer.
	bad = append([]byte{}, canonical...)
	bad[12], bad[13] = 0xff, 0xff
	_, err = Decode(bad)
	assert.ErrorIs(err, ErrShortPacket)

	// Random garbage must error out, never panic.
	r := mrand.New(mrand.NewSource(23))
	for i := 0; i < 1000; i++ {
		junk := make([]byte, r.Intn(96))
		r.Read(junk)
		if len(junk) > 0 {
			junk[0] = byte(r.Intn(4))
		}
		if pkt, err := Decode(junk); err == nil {
			// A syntactically valid packet out of junk is fine, it
			// just must be internally consistent.
			require.NotNil(pkt)
		}
	}
}

func TestPacketSignature(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)

	recipient := BroadcastID
	p := &Packet{
		Version:     ProtocolVersion,
		Type:        TypeAnnounce,
		TTL:         7,
		Timestamp:   1723480001000,
		SenderID:    PeerIDFromBytes([]byte{0xaa, 0xbb, 0xcc, 0xdd, 1, 2, 3, 4}),
		RecipientID: &recipient,
		Payload:     []byte("identity announce"),
	}
	require.NoError(Sign(p, priv))
	require.NotNil(p.Signature)

	raw, err := Encode(p)
	require.NoError(err)
	require.NoError(Verify(raw, pub))

	// Relays decrement the TTL in place, the signature must survive.
	relayed := append([]byte{}, raw...)
	relayed[TTLOffset]--
	require.NoError(Verify(relayed, pub))

	d, err := Decode(relayed)
	require.NoError(err)
	require.Equal(p.TTL-1, d.TTL)
	require.NotNil(d.Signature)

	// Any other mutation must break it.
	tampered := append([]byte{}, raw...)
	tampered[headerLenV1+PeerIDSize+PeerIDSize] ^= 0x01 // first payload byte
	require.ErrorIs(Verify(tampered, pub), ErrBadSignature)

	tampered = append([]byte{}, raw...)
	tampered[3] ^= 0x01 // timestamp
	require.ErrorIs(Verify(tampered, pub), ErrBadSignature)

	// Wrong key.
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(err)
	require.ErrorIs(Verify(raw, otherPub), ErrBadSignature)

	// Unsigned packet.
	unsigned := &Packet{
		Version:   ProtocolVersion,
		Type:      TypeMessage,
		TTL:       1,
		SenderID:  p.SenderID,
		Payload:   []byte("unsigned"),
		Timestamp: 1,
	}
	rawUnsigned, err := Encode(unsigned)
	require.NoError(err)
	require.ErrorIs(Verify(rawUnsigned, pub), ErrBadSignature)
}

func TestCompressionTransparent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Highly repetitive payload, large enough to trip the threshold.
	payload := bytes.Repeat([]byte("all work and no play makes jack a dull node "), 64)
	p := &Packet{
		Version:   ProtocolVersion,
		Type:      TypeMessage,
		TTL:       4,
		Timestamp: 77,
		SenderID:  PeerIDFromBytes([]byte{4, 4, 4, 4}),
		Payload:   payload,
	}
	raw, err := Encode(p)
	require.NoError(err)
	require.NotZero(raw[11]&flagIsCompressed, "payload should have compressed")
	require.Less(len(raw), len(payload), "wire form should be smaller than the payload")

	d, err := Decode(raw)
	require.NoError(err)
	require.True(bytes.Equal(payload, d.Payload))
	require.Equal(len(payload), len(d.Payload))

	// Incompressible payloads ride unmodified.
	junk := make([]byte, 512)
	_, err = rand.Reader.Read(junk)
	require.NoError(err)
	p.Payload = junk
	raw, err = Encode(p)
	require.NoError(err)
	require.Zero(raw[11]&flagIsCompressed)
	d, err = Decode(raw)
	require.NoError(err)
	require.True(bytes.Equal(junk, d.Payload))
}

func TestTrafficPadding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	junk := func(n int) []byte {
		b := make([]byte, n)
		_, err := rand.Reader.Read(b)
		require.NoError(err)
		return b
	}

	for _, n := range []int{0, 1, 100, 300, 700, 1500} {
		p := &Packet{
			Version:   ProtocolVersion,
			Type:      TypeMessage,
			TTL:       2,
			Timestamp: 1,
			SenderID:  PeerIDFromBytes([]byte{1}),
			Payload:   junk(n),
		}
		raw, err := Encode(p)
		require.NoError(err)
		require.Contains(trafficLadder, len(raw), "payload of %d bytes", n)

		d, err := Decode(raw)
		require.NoError(err)
		require.True(bytes.Equal(p.Payload, d.Payload))
	}

	// Past the largest rung the transmission goes out unpadded.
	p := &Packet{
		Version:   ProtocolVersion,
		Type:      TypeFileTransfer,
		TTL:       2,
		Timestamp: 1,
		SenderID:  PeerIDFromBytes([]byte{1}),
		Payload:   junk(4000),
	}
	raw, err := Encode(p)
	require.NoError(err)
	require.Equal(structuralLen(t, raw), len(raw))
}

func TestEncodeBounded(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	junk := func(n int) []byte {
		b := make([]byte, n)
		_, err := rand.Reader.Read(b)
		require.NoError(err)
		return b
	}
	mk := func(n int) *Packet {
		return &Packet{
			Version:   ProtocolVersion,
			Type:      TypeMessage,
			TTL:       2,
			Timestamp: 1,
			SenderID:  PeerIDFromBytes([]byte{1}),
			Payload:   junk(n),
		}
	}

	// A roomy bound behaves exactly like Encode.
	raw, err := EncodeBounded(mk(300), 4096)
	require.NoError(err)
	require.Equal(512, len(raw))

	// When the next rung overshoots the bound the canonical form fits,
	// it goes out unpadded.
	raw, err = EncodeBounded(mk(300), 400)
	require.NoError(err)
	require.Equal(structuralLen(t, raw), len(raw))
	require.LessOrEqual(len(raw), 400)

	// A tiny bound below every rung still carries tiny packets.
	raw, err = EncodeBounded(mk(10), 100)
	require.NoError(err)
	require.Equal(structuralLen(t, raw), len(raw))
	d, err := Decode(raw)
	require.NoError(err)
	require.Equal(10, len(d.Payload))

	// Canonical form over the bound is the caller's problem.
	_, err = EncodeBounded(mk(600), 512)
	require.ErrorIs(err, ErrOversize)
}

func TestPeerIDForms(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id := PeerIDFromBytes([]byte{0x01, 0x02})
	require.Equal(PeerID{0x01, 0x02, 0, 0, 0, 0, 0, 0}, id, "short input zero pads")

	id = PeerIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	require.Equal(PeerID{1, 2, 3, 4, 5, 6, 7, 8}, id, "long input truncates")

	require.Equal("0102030405060708", id.String())
	parsed, err := PeerIDFromString("0102030405060708")
	require.NoError(err)
	require.Equal(id, parsed)

	_, err = PeerIDFromString("01020304050607")
	require.Error(err, "odd length hex")
	_, err = PeerIDFromString("010203040506070z")
	require.Error(err, "bad hex digit")
	_, err = PeerIDFromString("01020304050607080910")
	require.Error(err, "over long")

	require.True(BroadcastID.IsBroadcast())
	require.False(id.IsBroadcast())
}
