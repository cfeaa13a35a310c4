// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"crypto/sha256"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/funkpost/funkpost/core/wire"
)

// syncIDSize is the size of a cached packet's sync identifier.
const syncIDSize = 16

// syncID identifies a packet for gossip reconciliation: the leading
// half of SHA-256 over the encoded packet with TTL zeroed, so the same
// packet hashes identically at every hop count.
type syncID [syncIDSize]byte

func makeSyncID(raw []byte) syncID {
	norm := append([]byte{}, raw...)
	norm[wire.TTLOffset] = 0
	sum := sha256.Sum256(norm)
	var id syncID
	copy(id[:], sum[:syncIDSize])
	return id
}

// syncClass maps a packet type onto its sync class bit.  Types outside
// the map are never cached or reconciled.
func syncClass(t wire.Type) (uint8, bool) {
	switch t {
	case wire.TypeMessage:
		return classMessages, true
	case wire.TypeAnnounce, wire.TypeLeave:
		return classPresence, true
	case wire.TypeFileTransfer:
		return classFiles, true
	default:
		return 0, false
	}
}

type cacheEntry struct {
	id    syncID
	raw   []byte
	class uint8
	when  time.Time
	seq   uint64
	node  *avl.Node
}

// packetCache retains recently seen reconcilable packets, TTL zeroed,
// so gossip rounds can re-send them to peers that missed them.  FIFO
// eviction at capacity.  Owned by the engine's serialized context.
type packetCache struct {
	capacity int

	entries map[syncID]*cacheEntry
	byAge   *avl.Tree
	seq     uint64
}

func newPacketCache(capacity int) *packetCache {
	return &packetCache{
		capacity: capacity,
		entries:  make(map[syncID]*cacheEntry),
		byAge: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*cacheEntry), b.(*cacheEntry)
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

// store caches one encoded packet of a reconcilable type.  Duplicates
// are ignored.
func (c *packetCache) store(raw []byte, t wire.Type, now time.Time) {
	class, ok := syncClass(t)
	if !ok {
		return
	}
	id := makeSyncID(raw)
	if _, dup := c.entries[id]; dup {
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}

	norm := append([]byte{}, raw...)
	norm[wire.TTLOffset] = 0
	e := &cacheEntry{id: id, raw: norm, class: class, when: now, seq: c.seq}
	c.seq++
	e.node = c.byAge.Insert(e)
	c.entries[id] = e
}

func (c *packetCache) evictOldest() {
	iter := c.byAge.Iterator(avl.Forward)
	node := iter.First()
	if node == nil {
		return
	}
	e := node.Value.(*cacheEntry)
	c.byAge.Remove(node)
	delete(c.entries, e.id)
}

// ids returns the sync identifiers of all cached packets matching the
// class mask, for building the local filter.
func (c *packetCache) ids(classes uint8) [][]byte {
	out := make([][]byte, 0, len(c.entries))
	for id, e := range c.entries {
		if e.class&classes == 0 {
			continue
		}
		idCopy := id
		out = append(out, idCopy[:])
	}
	return out
}

// byClass returns cached entries matching the class mask, oldest
// first, for probing against a remote filter.
func (c *packetCache) byClass(classes uint8) []*cacheEntry {
	out := make([]*cacheEntry, 0, len(c.entries))
	iter := c.byAge.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*cacheEntry)
		if e.class&classes != 0 {
			out = append(out, e)
		}
	}
	return out
}

func (c *packetCache) len() int {
	return len(c.entries)
}
