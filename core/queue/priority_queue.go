// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap based priority queue, used for
// deadline scheduling throughout the code base.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    any
	Priority uint64
}

// PriorityQueue is a priority queue instance.  The entry with the lowest
// Priority value is always dequeued first.
type PriorityQueue struct {
	heap []*Entry
}

// Less implements the sort.Interface Less method.
func (q *PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements the sort.Interface Swap method.
func (q *PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements the heap.Interface Push method.  Callers use Enqueue
// instead.
func (q *PriorityQueue) Push(x any) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements the heap.Interface Pop method.  Callers use Dequeue
// instead.
func (q *PriorityQueue) Pop() any {
	if len(q.heap) == 0 {
		return nil
	}
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Enqueue inserts the provided value into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value any) {
	heap.Push(q, &Entry{
		Value:    value,
		Priority: priority,
	})
}

// Peek returns the entry with the lowest priority without removing it,
// or nil if the queue is empty.  Callers MUST NOT alter the Priority of
// the returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Dequeue removes and returns the entry with the lowest priority, or nil
// if the queue is empty.
func (q *PriorityQueue) Dequeue() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap: make([]*Entry, 0),
	}
	heap.Init(q)
	return q
}
