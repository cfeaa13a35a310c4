// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package gcs implements Golomb-coded set filters in the style of BIP
// 158, used by the gossip synchronizer to advertise the set of known
// message identifiers in a few bits per element.  The structure has no
// false negatives, so a membership probe that reports "absent" is a
// confirmed gap.
package gcs

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"sort"

	"github.com/dchest/siphash"
)

const (
	// DefaultP is the Golomb-Rice remainder width.  The false positive
	// rate is 2^-P.
	DefaultP = 8

	// DefaultM is the per element hash range multiplier matching
	// DefaultP, so the remainder distribution stays near uniform.
	DefaultM = 256

	// MaxElements bounds N on received filters.  Beyond this a filter
	// is rejected rather than decoded.
	MaxElements = 1 << 20
)

var (
	ErrCorrupt     = errors.New("gcs: truncated rice stream")
	ErrTooBig      = errors.New("gcs: element count out of range")
	ErrBadArgument = errors.New("gcs: invalid parameter")
)

// filterKey is the fixed siphash-2-4 key.  Every node must map
// identifiers identically for remote probes to be meaningful, so the
// key is a protocol constant rather than a negotiated secret.
var filterKey = []byte("funkpost-sync-01")

var (
	hashK0 = binary.LittleEndian.Uint64(filterKey[0:8])
	hashK1 = binary.LittleEndian.Uint64(filterKey[8:16])
)

// Filter is an immutable Golomb-coded set over hashed identifiers.
type Filter struct {
	p    uint8
	n    uint32
	m    uint64
	data []byte
}

// Build constructs a filter over the given identifiers with the rice
// parameter p and range multiplier m.  Duplicate identifiers are
// harmless, they collapse to a zero delta.
func Build(ids [][]byte, p uint8, m uint64) (*Filter, error) {
	if p == 0 || p > 32 || m == 0 {
		return nil, ErrBadArgument
	}
	if len(ids) > MaxElements {
		return nil, ErrTooBig
	}

	f := &Filter{p: p, n: uint32(len(ids)), m: m}
	if len(ids) == 0 {
		return f, nil
	}

	values := make([]uint64, 0, len(ids))
	modulus := uint64(len(ids)) * m
	for _, id := range ids {
		values = append(values, mapToRange(siphash.Hash(hashK0, hashK1, id), modulus))
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	w := new(bitWriter)
	var last uint64
	for _, v := range values {
		delta := v - last
		last = v

		// Unary quotient, then p remainder bits.
		for q := delta >> p; q > 0; q-- {
			w.writeBit(1)
		}
		w.writeBit(0)
		w.writeBits(delta&((1<<p)-1), p)
	}
	f.data = w.finish()
	return f, nil
}

// FromParts reconstitutes a filter received off the wire.  The rice
// stream is validated lazily, on the first decode.
func FromParts(p uint8, n uint32, m uint64, data []byte) (*Filter, error) {
	if p == 0 || p > 32 || m == 0 {
		return nil, ErrBadArgument
	}
	if n > MaxElements {
		return nil, ErrTooBig
	}
	// Each element costs at least p+1 bits, which bounds hostile
	// element counts by the stream length.
	if uint64(n)*uint64(p+1) > uint64(len(data))*8 {
		return nil, ErrCorrupt
	}
	return &Filter{p: p, n: n, m: m, data: append([]byte{}, data...)}, nil
}

// P returns the rice parameter.
func (f *Filter) P() uint8 { return f.p }

// N returns the element count.
func (f *Filter) N() uint32 { return f.n }

// Bytes returns the rice stream.
func (f *Filter) Bytes() []byte { return f.data }

// Hash maps an identifier into this filter's value range.
func (f *Filter) Hash(id []byte) uint64 {
	return mapToRange(siphash.Hash(hashK0, hashK1, id), uint64(f.n)*f.m)
}

// Values decodes the full sorted value set.  Callers probing many
// identifiers should decode once and binary search the result instead
// of calling Contains per identifier.
func (f *Filter) Values() ([]uint64, error) {
	if f.n == 0 {
		return nil, nil
	}

	r := &bitReader{data: f.data}
	values := make([]uint64, 0, f.n)
	var last uint64
	for i := uint32(0); i < f.n; i++ {
		var q uint64
		for {
			b, err := r.readBit()
			if err != nil {
				return nil, err
			}
			if b == 0 {
				break
			}
			q++
		}
		rem, err := r.readBits(f.p)
		if err != nil {
			return nil, err
		}
		last += q<<f.p | rem
		values = append(values, last)
	}
	return values, nil
}

// Contains probes a single identifier.  A false return is definitive,
// a true return is right with probability 1-2^-P.
func (f *Filter) Contains(id []byte) (bool, error) {
	if f.n == 0 {
		return false, nil
	}
	target := f.Hash(id)

	r := &bitReader{data: f.data}
	var last uint64
	for i := uint32(0); i < f.n; i++ {
		var q uint64
		for {
			b, err := r.readBit()
			if err != nil {
				return false, err
			}
			if b == 0 {
				break
			}
			q++
		}
		rem, err := r.readBits(f.p)
		if err != nil {
			return false, err
		}
		last += q<<f.p | rem
		if last == target {
			return true, nil
		}
		if last > target {
			return false, nil
		}
	}
	return false, nil
}

// mapToRange reduces a 64 bit hash onto [0, modulus) without the
// modulo bias, via the high half of the 128 bit product.
func mapToRange(h, modulus uint64) uint64 {
	hi, _ := bits.Mul64(h, modulus)
	return hi
}

type bitWriter struct {
	buf   []byte
	cur   byte
	nbits uint8
}

func (w *bitWriter) writeBit(b uint64) {
	w.cur = w.cur<<1 | byte(b&1)
	w.nbits++
	if w.nbits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.nbits = 0, 0
	}
}

func (w *bitWriter) writeBits(v uint64, n uint8) {
	for i := int8(n) - 1; i >= 0; i-- {
		w.writeBit(v >> uint8(i))
	}
}

// finish flushes the partial byte, zero padded.  The decoder reads an
// exact element count, so pad bits are never misread.
func (w *bitWriter) finish() []byte {
	if w.nbits > 0 {
		w.buf = append(w.buf, w.cur<<(8-w.nbits))
		w.cur, w.nbits = 0, 0
	}
	return w.buf
}

type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) readBit() (uint64, error) {
	if r.pos >= len(r.data)*8 {
		return 0, ErrCorrupt
	}
	b := r.data[r.pos/8] >> (7 - uint(r.pos%8)) & 1
	r.pos++
	return uint64(b), nil
}

func (r *bitReader) readBits(n uint8) (uint64, error) {
	var v uint64
	for i := uint8(0); i < n; i++ {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}
