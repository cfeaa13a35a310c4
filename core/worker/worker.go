// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a lifecycle helper for structures that own
// background go routines.
package worker

import "sync"

// Worker tracks a group of go routines and tears them down as a unit.
// The zero value is ready to use, and is intended to be embedded in
// structures that spawn go routines.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go runs fn in a new go routine tracked by the Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every tracked go routine to terminate, and waits until
// all of them have returned.  Calling Halt more than once is safe.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}

// HaltCh returns the channel that is closed by Halt.  Worker go routines
// select on this channel to learn that they should unwind.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}
