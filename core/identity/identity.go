// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity holds a node's long term key material: the X25519
// static key that anchors Noise handshakes and names the node on the
// mesh, and the ed25519 key used for packet signatures.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"

	"github.com/funkpost/funkpost/core/wire"
)

// NoiseKeySize is the size of an X25519 key in bytes.
const NoiseKeySize = 32

// Identity is a node's long term key material.
type Identity struct {
	noisePriv [NoiseKeySize]byte
	noisePub  [NoiseKeySize]byte
	signing   ed25519.PrivateKey
}

// New generates a fresh identity from the provided entropy source.
func New(rng io.Reader) (*Identity, error) {
	id := new(Identity)
	if _, err := io.ReadFull(rng, id.noisePriv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(id.noisePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.noisePub[:], pub)

	if _, id.signing, err = ed25519.GenerateKey(rng); err != nil {
		return nil, err
	}
	return id, nil
}

type keyBlob struct {
	NoisePrivate []byte `cbor:"noise_private"`
	SigningSeed  []byte `cbor:"signing_seed"`
}

// FromBytes deserializes an identity previously written by Bytes.
func FromBytes(b []byte) (*Identity, error) {
	var blob keyBlob
	if err := cbor.Unmarshal(b, &blob); err != nil {
		return nil, fmt.Errorf("identity: malformed key blob: %v", err)
	}
	if len(blob.NoisePrivate) != NoiseKeySize {
		return nil, fmt.Errorf("identity: noise key is %d bytes", len(blob.NoisePrivate))
	}
	if len(blob.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: signing seed is %d bytes", len(blob.SigningSeed))
	}

	id := new(Identity)
	copy(id.noisePriv[:], blob.NoisePrivate)
	pub, err := curve25519.X25519(id.noisePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.noisePub[:], pub)
	id.signing = ed25519.NewKeyFromSeed(blob.SigningSeed)
	return id, nil
}

// Bytes serializes the identity for the keystore.
func (id *Identity) Bytes() ([]byte, error) {
	return cbor.Marshal(&keyBlob{
		NoisePrivate: id.noisePriv[:],
		SigningSeed:  id.signing.Seed(),
	})
}

// NoisePrivate returns the X25519 static private key.
func (id *Identity) NoisePrivate() [NoiseKeySize]byte {
	return id.noisePriv
}

// NoisePublic returns the X25519 static public key.
func (id *Identity) NoisePublic() [NoiseKeySize]byte {
	return id.noisePub
}

// SigningPublic returns the ed25519 public key announced to peers.
func (id *Identity) SigningPublic() ed25519.PublicKey {
	return id.signing.Public().(ed25519.PublicKey)
}

// SigningPrivate returns the ed25519 private key used for packet
// signatures.
func (id *Identity) SigningPrivate() ed25519.PrivateKey {
	return id.signing
}

// PeerID returns the node's mesh identifier.
func (id *Identity) PeerID() wire.PeerID {
	return DerivePeerID(id.noisePub[:])
}

// Fingerprint returns the node's full fingerprint for out of band
// comparison.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.noisePub[:])
}

// DerivePeerID derives the short mesh identifier from a Noise static
// public key: the first 8 bytes of its SHA-256 digest.
func DerivePeerID(noiseStatic []byte) wire.PeerID {
	sum := sha256.Sum256(noiseStatic)
	return wire.PeerIDFromBytes(sum[:wire.PeerIDSize])
}

// Fingerprint returns the lowercase hex SHA-256 digest of a Noise static
// public key.  Users compare fingerprints out of band, the mesh itself
// asserts nothing about them.
func Fingerprint(noiseStatic []byte) string {
	sum := sha256.Sum256(noiseStatic)
	return hex.EncodeToString(sum[:])
}
