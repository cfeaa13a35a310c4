// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package fragment implements fragmentation and reassembly of encoded
// packets that exceed the link MTU.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/funkpost/funkpost/core/queue"
	"github.com/funkpost/funkpost/core/rand"
	"github.com/funkpost/funkpost/core/wire"
)

const (
	// HeaderLen is the fragment payload prefix: marker, index, count,
	// message id.
	HeaderLen = 1 + 2 + 2 + MessageIDSize

	// markerPacket tags a fragment as carrying a slice of an encoded
	// packet.  Other marker values are reserved.
	markerPacket = 0x01

	// MessageIDSize is the size of the per-split message identifier.
	MessageIDSize = 4

	// MaxFragments bounds the declared fragment count of a split.
	MaxFragments = 256

	// MaxChunk bounds the per-fragment chunk size.
	MaxChunk = 4096
)

var (
	// ErrMalformed is returned for fragment payloads that violate the
	// format bounds.
	ErrMalformed = errors.New("fragment: malformed payload")

	// ErrMismatch is returned when a fragment disagrees with its
	// buffer's declared fragment count.
	ErrMismatch = errors.New("fragment: fragment count mismatch")

	// ErrTooLarge is returned when data cannot be split within the
	// fragment count bound.
	ErrTooLarge = errors.New("fragment: data too large to split")
)

// MessageID identifies one split, scoped to the splitting sender.
type MessageID [MessageIDSize]byte

// Fragment is a parsed fragment payload.
type Fragment struct {
	Index     uint16
	Count     uint16
	MessageID MessageID
	Chunk     []byte
}

// Split slices raw into fragment payloads of at most chunkSize data
// bytes each, all tagged with a fresh random message id.  The caller
// wraps each returned payload in a fragment packet.
func Split(raw []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("fragment: invalid chunk size %d", chunkSize)
	}
	if chunkSize > MaxChunk {
		chunkSize = MaxChunk
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	count := (len(raw) + chunkSize - 1) / chunkSize
	if count > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments", ErrTooLarge, len(raw), count)
	}

	var id MessageID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, err
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(raw) {
			hi = len(raw)
		}
		payload := make([]byte, 0, HeaderLen+hi-lo)
		payload = append(payload, markerPacket)
		payload = binary.BigEndian.AppendUint16(payload, uint16(i))
		payload = binary.BigEndian.AppendUint16(payload, uint16(count))
		payload = append(payload, id[:]...)
		payload = append(payload, raw[lo:hi]...)
		out = append(out, payload)
	}
	return out, nil
}

// Parse validates and splits apart a fragment payload.
func Parse(payload []byte) (*Fragment, error) {
	if len(payload) <= HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(payload))
	}
	if payload[0] != markerPacket {
		return nil, fmt.Errorf("%w: unknown marker 0x%02x", ErrMalformed, payload[0])
	}
	f := &Fragment{
		Index: binary.BigEndian.Uint16(payload[1:3]),
		Count: binary.BigEndian.Uint16(payload[3:5]),
	}
	copy(f.MessageID[:], payload[5:5+MessageIDSize])
	f.Chunk = payload[HeaderLen:]

	if f.Count == 0 || f.Count > MaxFragments {
		return nil, fmt.Errorf("%w: count %d", ErrMalformed, f.Count)
	}
	if f.Index >= f.Count {
		return nil, fmt.Errorf("%w: index %d of %d", ErrMalformed, f.Index, f.Count)
	}
	if len(f.Chunk) > MaxChunk {
		return nil, fmt.Errorf("%w: %d byte chunk", ErrMalformed, len(f.Chunk))
	}
	return f, nil
}

type bufferKey struct {
	sender wire.PeerID
	id     MessageID
}

type buffer struct {
	count    uint16
	chunks   map[uint16][]byte
	deadline uint64
}

// Reassembler collects fragments until a split completes.  Buffers are
// bounded in count, evicting the oldest under pressure, and expire after
// a fixed window.
type Reassembler struct {
	maxBuffers int
	timeout    time.Duration

	buffers   map[bufferKey]*buffer
	deadlines *queue.PriorityQueue
	evictions uint64
}

// NewReassembler creates a Reassembler holding at most maxBuffers
// concurrent splits, each living at most timeout from its first
// fragment.
func NewReassembler(maxBuffers int, timeout time.Duration) *Reassembler {
	return &Reassembler{
		maxBuffers: maxBuffers,
		timeout:    timeout,
		buffers:    make(map[bufferKey]*buffer),
		deadlines:  queue.New(),
	}
}

// Add ingests one fragment payload from sender.  On completing a split
// it returns the reassembled bytes, otherwise nil.  Malformed payloads
// and count conflicts return an error and leave existing buffers alone.
func (r *Reassembler) Add(sender wire.PeerID, payload []byte, now time.Time) ([]byte, error) {
	f, err := Parse(payload)
	if err != nil {
		return nil, err
	}

	k := bufferKey{sender: sender, id: f.MessageID}
	buf, ok := r.buffers[k]
	if !ok {
		if len(r.buffers) >= r.maxBuffers {
			r.evictOldest()
		}
		buf = &buffer{
			count:    f.Count,
			chunks:   make(map[uint16][]byte),
			deadline: uint64(now.Add(r.timeout).UnixNano()),
		}
		r.buffers[k] = buf
		r.deadlines.Enqueue(buf.deadline, k)
	}
	if buf.count != f.Count {
		return nil, fmt.Errorf("%w: buffer holds %d, fragment says %d", ErrMismatch, buf.count, f.Count)
	}
	if _, dup := buf.chunks[f.Index]; dup {
		return nil, nil
	}
	buf.chunks[f.Index] = append([]byte{}, f.Chunk...)

	if len(buf.chunks) < int(buf.count) {
		return nil, nil
	}

	// Every index is present, stitch the split back together.
	var total int
	for _, c := range buf.chunks {
		total += len(c)
	}
	raw := make([]byte, 0, total)
	for i := uint16(0); i < buf.count; i++ {
		raw = append(raw, buf.chunks[i]...)
	}
	delete(r.buffers, k)
	return raw, nil
}

// Sweep expires buffers whose deadline has passed, returning the number
// dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	limit := uint64(now.UnixNano())
	dropped := 0
	for {
		ent := r.deadlines.Peek()
		if ent == nil || ent.Priority > limit {
			break
		}
		r.deadlines.Dequeue()
		k := ent.Value.(bufferKey)
		buf, ok := r.buffers[k]
		if !ok || buf.deadline != ent.Priority {
			// Completed, evicted, or superseded.
			continue
		}
		delete(r.buffers, k)
		dropped++
	}
	return dropped
}

// Len returns the number of active buffers.
func (r *Reassembler) Len() int {
	return len(r.buffers)
}

// Evictions returns the cumulative count of buffers dropped under
// capacity pressure.
func (r *Reassembler) Evictions() uint64 {
	return r.evictions
}

func (r *Reassembler) evictOldest() {
	for {
		ent := r.deadlines.Dequeue()
		if ent == nil {
			return
		}
		k := ent.Value.(bufferKey)
		buf, ok := r.buffers[k]
		if !ok || buf.deadline != ent.Priority {
			continue
		}
		delete(r.buffers, k)
		r.evictions++
		return
	}
}
