// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// counterLen is the length of the big endian message counter that
	// prefixes every transport ciphertext.
	counterLen = 8

	// maxCounter is the hard limit on the message counter.  A session
	// that reaches it must be torn down and renegotiated.
	maxCounter = uint64(1) << 32

	// rekeyWater is the counter value at which NeedsRekey starts
	// reporting true, leaving headroom to renegotiate in band.
	rekeyWater = maxCounter - 4096
)

// Session is the transport phase of a completed handshake.  Messages
// are independent AEAD frames prefixed with an 8 byte big endian
// counter, so a session survives reordering and loss on datagram
// links.  It does NOT keep a replay window: callers that need replay
// protection must run it over an ordered, reliable link or track
// counters themselves.
//
// A Session is not safe for concurrent use.
type Session struct {
	sendKey [KeySize]byte
	recvKey [KeySize]byte

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendCounter uint64
	recvHighest uint64
	recvCount   uint64

	remoteStatic  [KeySize]byte
	handshakeHash [KeySize]byte
}

func (s *Session) initAEAD() error {
	var err error
	if s.sendAEAD, err = chacha20poly1305.New(s.sendKey[:]); err != nil {
		return err
	}
	if s.recvAEAD, err = chacha20poly1305.New(s.recvKey[:]); err != nil {
		return err
	}
	return nil
}

// transportNonce is 4 zero bytes followed by the big endian counter,
// matching the counter prefix byte order on the wire.
func transportNonce(n uint64) [chacha20poly1305.NonceSize]byte {
	var out [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(out[4:], n)
	return out
}

// Encrypt seals plaintext into a transport frame.  Frame length leaks
// plaintext length plus a constant; size shaping is the packet codec's
// job, which quantizes the enclosing transmission.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if s.sendCounter >= maxCounter {
		return nil, ErrRekeyRequired
	}

	n := s.sendCounter
	s.sendCounter++

	out := make([]byte, counterLen, counterLen+len(plaintext)+macSize)
	binary.BigEndian.PutUint64(out, n)
	nonce := transportNonce(n)
	return s.sendAEAD.Seal(out, nonce[:], plaintext, nil), nil
}

// Decrypt opens a transport frame.
func (s *Session) Decrypt(msg []byte) ([]byte, error) {
	if len(msg) < counterLen+macSize {
		return nil, &AuthenticationError{Err: ErrShortMessage}
	}

	n := binary.BigEndian.Uint64(msg[:counterLen])
	if n >= maxCounter {
		return nil, &AuthenticationError{Err: fmt.Errorf("counter %d out of range", n)}
	}

	nonce := transportNonce(n)
	plaintext, err := s.recvAEAD.Open(nil, nonce[:], msg[counterLen:], nil)
	if err != nil {
		return nil, &AuthenticationError{Err: err}
	}

	s.recvCount++
	if n > s.recvHighest {
		s.recvHighest = n
	}
	return plaintext, nil
}

// NeedsRekey reports whether either direction's counter is close
// enough to the limit that the session should be renegotiated.
func (s *Session) NeedsRekey() bool {
	return s.sendCounter >= rekeyWater || s.recvHighest >= rekeyWater
}

// SendCounter returns the next counter value that Encrypt will use.
func (s *Session) SendCounter() uint64 {
	return s.sendCounter
}

// ReceivedCount returns the number of frames successfully decrypted.
// Together with ReceivedHighest it lets callers estimate loss.
func (s *Session) ReceivedCount() uint64 {
	return s.recvCount
}

// ReceivedHighest returns the highest counter seen on a frame that
// authenticated.
func (s *Session) ReceivedHighest() uint64 {
	return s.recvHighest
}

// RemoteStatic returns the peer's authenticated static public key.
func (s *Session) RemoteStatic() [KeySize]byte {
	return s.remoteStatic
}

// HandshakeHash returns the transcript hash of the handshake that
// produced this session.  Both peers hold the same value.
func (s *Session) HandshakeHash() [KeySize]byte {
	return s.handshakeHash
}
