// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLen is the length prefix on every frame: a big endian
// uint32 byte count.
const frameHeaderLen = 4

// WriteFrame writes one length prefixed frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length prefixed frame from r, rejecting frames
// over maxLen before buffering anything.
func ReadFrame(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > maxLen {
		return nil, fmt.Errorf("stream: %d byte frame exceeds %d byte bound", n, maxLen)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
