// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	deadlines := []uint64{400, 100, 300, 200, 500}

	q := New()
	for _, d := range deadlines {
		q.Enqueue(d, d)
	}
	require.Equal(len(deadlines), q.Len(), "queue length (full)")

	var last uint64
	for i := 0; i < len(deadlines); i++ {
		ent := q.Peek()
		require.NotNil(ent)

		popped := q.Dequeue()
		require.Equal(ent.Priority, popped.Priority, "Peek/Dequeue mismatch")
		require.GreaterOrEqual(popped.Priority, last, "ordering violation")
		require.Equal(popped.Priority, popped.Value.(uint64))
		last = popped.Priority
	}

	require.Equal(0, q.Len(), "queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Dequeue(), "Dequeue() (empty)")
}

func TestPriorityQueueDuplicatePriority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	q.Enqueue(1, "first")
	q.Enqueue(20, "second")
	q.Enqueue(20, "third")
	require.Equal(3, q.Len())

	ent := q.Dequeue()
	require.Equal(uint64(1), ent.Priority)
	require.Equal("first", ent.Value.(string))

	for i := 0; i < 2; i++ {
		ent = q.Dequeue()
		require.Equal(uint64(20), ent.Priority)
	}
	require.Equal(0, q.Len())
}
