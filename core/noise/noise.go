// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package noise implements the Noise XX handshake pattern and the
// resulting transport sessions over X25519, ChaCha20-Poly1305 and
// SHA-256.  The state machines are written out in full rather than
// pulled from a framework, the whole protocol fits in a few screens and
// auditors should not need to chase an external library to follow it.
package noise

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// protocolName seeds the handshake transcript.  It is exactly 32 bytes,
// so it initializes the hash state directly.
const protocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

const (
	// KeySize is the size of X25519 keys and derived symmetric keys.
	KeySize = 32

	// macSize is the ChaCha20-Poly1305 tag length.
	macSize = 16

	// MessageLen1 is the exact length of the first handshake message
	// with an empty payload.
	MessageLen1 = KeySize

	// MinMessageLen2 is the minimum length of the second handshake
	// message: ephemeral, encrypted static, payload tag.
	MinMessageLen2 = KeySize + (KeySize + macSize) + macSize

	// MinMessageLen3 is the minimum length of the third handshake
	// message: encrypted static, payload tag.
	MinMessageLen3 = (KeySize + macSize) + macSize
)

// Keypair is an X25519 keypair.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeypair creates a fresh X25519 keypair from rng.
func GenerateKeypair(rng io.Reader) (*Keypair, error) {
	kp := new(Keypair)
	if _, err := io.ReadFull(rng, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// dh computes the X25519 shared secret.  The underlying scalar mult
// rejects the low order results, which aborts the handshake.
func dh(priv *[KeySize]byte, pub *[KeySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
