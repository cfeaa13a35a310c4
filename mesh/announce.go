// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/noise"
	"github.com/funkpost/funkpost/core/wire"
)

// announcePayload is the CBOR body of an announce packet: the identity
// claims a node periodically broadcasts into the mesh.
type announcePayload struct {
	Nickname   string `cbor:"nickname"`
	NoiseKey   []byte `cbor:"noise_key"`
	SigningKey []byte `cbor:"signing_key"`
}

var errBadAnnounce = errors.New("mesh: invalid announce")

// buildAnnounce assembles a signed announce packet carrying the local
// identity.
func buildAnnounce(ident *identity.Identity, nickname string, ttl uint8, timestampMS uint64) (*wire.Packet, error) {
	noisePub := ident.NoisePublic()
	blob, err := cbor.Marshal(&announcePayload{
		Nickname:   nickname,
		NoiseKey:   noisePub[:],
		SigningKey: ident.SigningPublic(),
	})
	if err != nil {
		return nil, err
	}

	p := &wire.Packet{
		Type:      wire.TypeAnnounce,
		TTL:       ttl,
		Timestamp: timestampMS,
		SenderID:  ident.PeerID(),
		Payload:   blob,
	}
	if err := wire.Sign(p, ident.SigningPrivate()); err != nil {
		return nil, err
	}
	return p, nil
}

// parseAnnounce validates an announce against its own claims: well
// formed CBOR, plausible key sizes, a signature that verifies under
// the announced signing key, and a sender ID that is actually derived
// from the announced noise key.  Trusting the claimed identity beyond
// that binding is the caller's decision.
func parseAnnounce(raw []byte, p *wire.Packet) (*announcePayload, error) {
	var ap announcePayload
	if err := cbor.Unmarshal(p.Payload, &ap); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadAnnounce, err)
	}
	if len(ap.NoiseKey) != noise.KeySize {
		return nil, fmt.Errorf("%w: noise key is %d bytes", errBadAnnounce, len(ap.NoiseKey))
	}
	if len(ap.SigningKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: signing key is %d bytes", errBadAnnounce, len(ap.SigningKey))
	}
	if err := wire.Verify(raw, ed25519.PublicKey(ap.SigningKey)); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadAnnounce, err)
	}
	if identity.DerivePeerID(ap.NoiseKey) != p.SenderID {
		return nil, fmt.Errorf("%w: sender ID does not match noise key", errBadAnnounce)
	}
	return &ap, nil
}

// buildLeave assembles a signed leave packet announcing a graceful
// departure.
func buildLeave(ident *identity.Identity, ttl uint8, timestampMS uint64) (*wire.Packet, error) {
	p := &wire.Packet{
		Type:      wire.TypeLeave,
		TTL:       ttl,
		Timestamp: timestampMS,
		SenderID:  ident.PeerID(),
	}
	if err := wire.Sign(p, ident.SigningPrivate()); err != nil {
		return nil, err
	}
	return p, nil
}
