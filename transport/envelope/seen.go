// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

// seenIDs is a bounded FIFO set of event identifiers.  Hubs and
// clients both use it to suppress replays without growing without
// bound.
type seenIDs struct {
	capacity int
	order    []EventID
	next     int
	present  map[EventID]bool
}

func newSeenIDs(capacity int) *seenIDs {
	return &seenIDs{
		capacity: capacity,
		order:    make([]EventID, 0, capacity),
		present:  make(map[EventID]bool, capacity),
	}
}

// testAndSet reports whether id was already present, recording it if
// not and evicting the oldest entry at capacity.
func (s *seenIDs) testAndSet(id EventID) bool {
	if s.present[id] {
		return true
	}
	if len(s.order) < s.capacity {
		s.order = append(s.order, id)
	} else {
		delete(s.present, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.capacity
	}
	s.present[id] = true
	return false
}
