// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rand provides the entropy sources shared across the code base.
package rand

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	mathRand "math/rand"
	"sync"
)

// Reader is the entropy source used for all key and nonce generation.
var Reader io.Reader = cryptoRand.Reader

type mathSource struct {
	sync.Mutex
}

func (s *mathSource) Int63() int64 {
	return int64(s.Uint64() & ((1 << 63) - 1))
}

func (s *mathSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	var b [8]byte
	if _, err := io.ReadFull(Reader, b[:]); err != nil {
		panic("rand: failed to read entropy: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

func (s *mathSource) Seed(int64) {}

// NewMath returns a math/rand Rand backed by the system entropy source,
// suitable for jitter and sampling.  Not a substitute for Reader where
// key material is concerned.
func NewMath() *mathRand.Rand {
	return mathRand.New(&mathSource{})
}
