// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/funkpost/funkpost/core/rand"
)

// cipherState is the AEAD half of the handshake state: a key and a
// counter nonce.  Before any key is mixed in it passes data through
// unmodified, as the pattern requires.
type cipherState struct {
	key    [KeySize]byte
	nonce  uint64
	hasKey bool
}

func (cs *cipherState) initializeKey(k [KeySize]byte) {
	cs.key = k
	cs.nonce = 0
	cs.hasKey = true
}

// handshakeNonce is the Noise wire nonce: 4 zero bytes followed by the
// little endian counter.
func handshakeNonce(n uint64) [chacha20poly1305.NonceSize]byte {
	var out [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(out[4:], n)
	return out
}

func (cs *cipherState) encryptWithAd(ad, plaintext []byte) ([]byte, error) {
	if !cs.hasKey {
		return append([]byte{}, plaintext...), nil
	}
	aead, err := chacha20poly1305.New(cs.key[:])
	if err != nil {
		return nil, err
	}
	n := handshakeNonce(cs.nonce)
	cs.nonce++
	return aead.Seal(nil, n[:], plaintext, ad), nil
}

func (cs *cipherState) decryptWithAd(ad, ciphertext []byte) ([]byte, error) {
	if !cs.hasKey {
		return append([]byte{}, ciphertext...), nil
	}
	if len(ciphertext) < macSize {
		return nil, ErrShortMessage
	}
	aead, err := chacha20poly1305.New(cs.key[:])
	if err != nil {
		return nil, err
	}
	n := handshakeNonce(cs.nonce)
	plaintext, err := aead.Open(nil, n[:], ciphertext, ad)
	if err != nil {
		return nil, errors.New("aead open failed")
	}
	cs.nonce++
	return plaintext, nil
}

// symmetricState carries the chaining key and the transcript hash
// through the handshake.
type symmetricState struct {
	cs cipherState
	ck [KeySize]byte
	h  [KeySize]byte
}

func newSymmetricState() *symmetricState {
	s := new(symmetricState)
	copy(s.h[:], protocolName)
	s.ck = s.h
	s.mixHash(nil) // empty prologue
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	hh := sha256.New()
	hh.Write(s.h[:])
	hh.Write(data)
	copy(s.h[:], hh.Sum(nil))
}

func (s *symmetricState) mixKey(ikm []byte) {
	ck, k := hkdf(s.ck[:], ikm)
	s.ck = ck
	s.cs.initializeKey(k)
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := s.cs.encryptWithAd(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	plaintext, err := s.cs.decryptWithAd(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

func (s *symmetricState) split() (k1, k2 [KeySize]byte) {
	return hkdf(s.ck[:], nil)
}

// HandshakeState drives one XX handshake:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// The initiator writes messages 1 and 3 and reads message 2, the
// responder mirrors.  Any out of turn call, truncated or tampered
// message poisons the state permanently.
type HandshakeState struct {
	ss *symmetricState

	s  Keypair
	e  *Keypair
	rs *[KeySize]byte
	re *[KeySize]byte

	rng       io.Reader
	initiator bool
	step      int
	failed    bool
}

// NewHandshake builds a handshake state around the local static keypair.
// A nil rng selects the system entropy source.
func NewHandshake(localStatic Keypair, initiator bool, rng io.Reader) *HandshakeState {
	if rng == nil {
		rng = rand.Reader
	}
	return &HandshakeState{
		ss:        newSymmetricState(),
		s:         localStatic,
		rng:       rng,
		initiator: initiator,
	}
}

// IsInitiator returns the handshake role.
func (hs *HandshakeState) IsInitiator() bool {
	return hs.initiator
}

// Complete returns true once all three messages have been processed.
func (hs *HandshakeState) Complete() bool {
	return hs.step > 2
}

// RemoteStatic returns the peer's static public key, available from
// message 2 on the initiator side and message 3 on the responder side.
func (hs *HandshakeState) RemoteStatic() ([KeySize]byte, bool) {
	if hs.rs == nil {
		return [KeySize]byte{}, false
	}
	return *hs.rs, true
}

// ChannelBinding returns the transcript hash.  After completion both
// sides hold the same value and it uniquely identifies the session.
func (hs *HandshakeState) ChannelBinding() [KeySize]byte {
	return hs.ss.h
}

func (hs *HandshakeState) failWith(err error) error {
	hs.failed = true
	var he *HandshakeError
	if errors.As(err, &he) {
		return err
	}
	return &HandshakeError{Err: err}
}

func (hs *HandshakeState) checkTurn(writing bool) error {
	if hs.failed {
		return &HandshakeError{Err: ErrHandshakeFailed}
	}
	if hs.Complete() {
		return &HandshakeError{Err: ErrHandshakeComplete}
	}
	// The initiator writes the even numbered steps.
	writeTurn := (hs.step%2 == 0) == hs.initiator
	if writing != writeTurn {
		return hs.failWith(fmt.Errorf("%w: step %d", ErrOutOfTurn, hs.step))
	}
	return nil
}

// WriteMessage produces the next handshake message carrying payload.
func (hs *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	if err := hs.checkTurn(true); err != nil {
		return nil, err
	}

	var out []byte
	switch hs.step {
	case 0: // -> e
		e, err := GenerateKeypair(hs.rng)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.e = e
		hs.ss.mixHash(hs.e.Public[:])
		out = append(out, hs.e.Public[:]...)

		ct, err := hs.ss.encryptAndHash(payload)
		if err != nil {
			return nil, hs.failWith(err)
		}
		out = append(out, ct...)

	case 1: // <- e, ee, s, es
		e, err := GenerateKeypair(hs.rng)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.e = e
		hs.ss.mixHash(hs.e.Public[:])
		out = append(out, hs.e.Public[:]...)

		ee, err := dh(&hs.e.Private, hs.re)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.ss.mixKey(ee)

		ct, err := hs.ss.encryptAndHash(hs.s.Public[:])
		if err != nil {
			return nil, hs.failWith(err)
		}
		out = append(out, ct...)

		es, err := dh(&hs.s.Private, hs.re)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.ss.mixKey(es)

		ct, err = hs.ss.encryptAndHash(payload)
		if err != nil {
			return nil, hs.failWith(err)
		}
		out = append(out, ct...)

	case 2: // -> s, se
		ct, err := hs.ss.encryptAndHash(hs.s.Public[:])
		if err != nil {
			return nil, hs.failWith(err)
		}
		out = append(out, ct...)

		se, err := dh(&hs.s.Private, hs.re)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.ss.mixKey(se)

		ct, err = hs.ss.encryptAndHash(payload)
		if err != nil {
			return nil, hs.failWith(err)
		}
		out = append(out, ct...)
	}

	hs.step++
	return out, nil
}

// ReadMessage consumes the next handshake message and returns the
// embedded payload.
func (hs *HandshakeState) ReadMessage(msg []byte) ([]byte, error) {
	if err := hs.checkTurn(false); err != nil {
		return nil, err
	}

	var payload []byte
	switch hs.step {
	case 0: // -> e
		if len(msg) < MessageLen1 {
			return nil, hs.failWith(fmt.Errorf("%w: %d bytes at step 1", ErrShortMessage, len(msg)))
		}
		hs.re = newKey(msg[:KeySize])
		hs.ss.mixHash(hs.re[:])

		var err error
		if payload, err = hs.ss.decryptAndHash(msg[KeySize:]); err != nil {
			return nil, hs.failWith(err)
		}

	case 1: // <- e, ee, s, es
		if len(msg) < MinMessageLen2 {
			return nil, hs.failWith(fmt.Errorf("%w: %d bytes at step 2", ErrShortMessage, len(msg)))
		}
		hs.re = newKey(msg[:KeySize])
		hs.ss.mixHash(hs.re[:])

		ee, err := dh(&hs.e.Private, hs.re)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.ss.mixKey(ee)

		sBytes, err := hs.ss.decryptAndHash(msg[KeySize : KeySize*2+macSize])
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.rs = newKey(sBytes)

		es, err := dh(&hs.e.Private, hs.rs)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.ss.mixKey(es)

		if payload, err = hs.ss.decryptAndHash(msg[KeySize*2+macSize:]); err != nil {
			return nil, hs.failWith(err)
		}

	case 2: // -> s, se
		if len(msg) < MinMessageLen3 {
			return nil, hs.failWith(fmt.Errorf("%w: %d bytes at step 3", ErrShortMessage, len(msg)))
		}
		sBytes, err := hs.ss.decryptAndHash(msg[:KeySize+macSize])
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.rs = newKey(sBytes)

		se, err := dh(&hs.e.Private, hs.rs)
		if err != nil {
			return nil, hs.failWith(err)
		}
		hs.ss.mixKey(se)

		if payload, err = hs.ss.decryptAndHash(msg[KeySize+macSize:]); err != nil {
			return nil, hs.failWith(err)
		}
	}

	hs.step++
	return payload, nil
}

// Split finalizes a completed handshake into a transport session.
func (hs *HandshakeState) Split() (*Session, error) {
	if hs.failed {
		return nil, &HandshakeError{Err: ErrHandshakeFailed}
	}
	if !hs.Complete() {
		return nil, &HandshakeError{Err: fmt.Errorf("split before completion at step %d", hs.step)}
	}

	k1, k2 := hs.ss.split()
	// The initiator encrypts with the first derived key and decrypts
	// with the second, the responder mirrors.
	s := new(Session)
	if hs.initiator {
		s.sendKey, s.recvKey = k1, k2
	} else {
		s.sendKey, s.recvKey = k2, k1
	}
	s.remoteStatic = *hs.rs
	s.handshakeHash = hs.ss.h
	if err := s.initAEAD(); err != nil {
		return nil, &HandshakeError{Err: err}
	}
	return s, nil
}

func newKey(b []byte) *[KeySize]byte {
	var k [KeySize]byte
	copy(k[:], b)
	return &k
}
