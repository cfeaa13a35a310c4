// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfTurn is the error raised when a handshake method is
	// called out of the XX message order.
	ErrOutOfTurn = errors.New("message out of turn")

	// ErrHandshakeComplete is the error raised when a completed
	// handshake is asked to process further messages.
	ErrHandshakeComplete = errors.New("handshake already complete")

	// ErrHandshakeFailed is the error raised on any use of a handshake
	// that previously failed.  Failed handshakes never recover.
	ErrHandshakeFailed = errors.New("handshake previously failed")

	// ErrShortMessage is the error raised when a handshake message is
	// shorter than its pattern step requires.
	ErrShortMessage = errors.New("handshake message truncated")

	// ErrRekeyRequired is the error raised when a session counter
	// reaches the hard limit.  Only a fresh handshake clears it.
	ErrRekeyRequired = errors.New("session rekey required")
)

// HandshakeError is the error returned for all handshake failures:
// protocol order violations, truncated or tampered messages, and
// degenerate key material.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("noise: handshake failure: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// AuthenticationError is the error returned when a session transport
// message fails authentication.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("noise: message authentication failure: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
