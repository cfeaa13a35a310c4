// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"encoding/binary"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/funkpost/funkpost/core/wire"
)

const seenKeySize = wire.PeerIDSize + 8 + 1

// seenKey is the duplicate suppression key: sender, millisecond
// timestamp, type.  A header level key, not a content hash, so a
// byte-identical resend replays at most once per retention window.
type seenKey [seenKeySize]byte

func makeSeenKey(sender wire.PeerID, timestampMS uint64, t wire.Type) seenKey {
	var k seenKey
	copy(k[:wire.PeerIDSize], sender[:])
	binary.BigEndian.PutUint64(k[wire.PeerIDSize:wire.PeerIDSize+8], timestampMS)
	k[seenKeySize-1] = byte(t)
	return k
}

type seenEntry struct {
	key  seenKey
	when time.Time
	seq  uint64
	node *avl.Node
}

// seenSet is the bounded duplicate suppression set.  Entries age out
// after the retention window and the oldest entry is evicted when the
// capacity is hit.  Owned by the engine's serialized context, so no
// locking.
type seenSet struct {
	capacity  int
	retention time.Duration

	entries map[seenKey]*seenEntry
	byAge   *avl.Tree
	seq     uint64
}

func newSeenSet(capacity int, retention time.Duration) *seenSet {
	return &seenSet{
		capacity:  capacity,
		retention: retention,
		entries:   make(map[seenKey]*seenEntry),
		byAge: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*seenEntry), b.(*seenEntry)
			switch {
			case ea.when.Before(eb.when):
				return -1
			case eb.when.Before(ea.when):
				return 1
			case ea.seq < eb.seq:
				return -1
			case ea.seq > eb.seq:
				return 1
			default:
				return 0
			}
		}),
	}
}

// testAndSet reports whether k was already present, recording it if
// not.
func (s *seenSet) testAndSet(k seenKey, now time.Time) bool {
	if _, ok := s.entries[k]; ok {
		return true
	}

	if len(s.entries) >= s.capacity {
		s.evictOldest()
	}

	e := &seenEntry{key: k, when: now, seq: s.seq}
	s.seq++
	e.node = s.byAge.Insert(e)
	s.entries[k] = e
	return false
}

func (s *seenSet) evictOldest() {
	iter := s.byAge.Iterator(avl.Forward)
	node := iter.First()
	if node == nil {
		return
	}
	e := node.Value.(*seenEntry)
	s.byAge.Remove(node)
	delete(s.entries, e.key)
}

// sweep drops entries older than the retention window, returning the
// number removed.
func (s *seenSet) sweep(now time.Time) int {
	cutoff := now.Add(-s.retention)
	swept := 0
	iter := s.byAge.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*seenEntry)
		if e.when.After(cutoff) {
			break
		}
		// Removing the current node mid-iteration is the one mutation
		// the iterator supports.
		s.byAge.Remove(node)
		delete(s.entries, e.key)
		swept++
	}
	return swept
}

func (s *seenSet) len() int {
	return len(s.entries)
}
