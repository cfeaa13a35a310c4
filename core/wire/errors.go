// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrShortPacket is the error raised when a packet is shorter than
	// its structure requires.
	ErrShortPacket = errors.New("packet truncated")

	// ErrBadVersion is the error raised on an unsupported protocol
	// version byte.
	ErrBadVersion = errors.New("unsupported protocol version")

	// ErrPayloadRange is the error raised when a payload length is out
	// of range for the packet's protocol version.
	ErrPayloadRange = errors.New("payload length out of range")

	// ErrCorruptPayload is the error raised when a compressed payload
	// fails to decompress.
	ErrCorruptPayload = errors.New("corrupt compressed payload")

	// ErrBadSignature is the error raised when a packet signature does
	// not verify.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrOversize is the error raised by EncodeBounded when the canonical
	// encoding does not fit the link MTU.
	ErrOversize = errors.New("packet exceeds link MTU")
)

// DecodeError is the error returned for all packet parse failures.  The
// wrapped error is one of the package sentinels, annotated with detail.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode failure: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newDecodeError(sentinel error, f string, a ...any) *DecodeError {
	return &DecodeError{Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(f, a...))}
}
