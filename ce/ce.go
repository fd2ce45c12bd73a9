// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ce implements the CompletionEvent and GlobalCompletionEvent
// join barriers described in spec.md §3/§4.4/§4.5: a counting barrier
// with wait-queue semantics, and its distributed tree-aggregated
// variant.
package ce

import (
	"fmt"
	"sync"

	"github.com/grailbio/pgasrt/scheduler"
	"github.com/grailbio/pgasrt/wpool"
)

// A CompletionEvent is a 64-bit signed counter plus a wait-queue of
// workers. Enroll(n) increments the counter; Complete(n) decrements
// it; Wait parks the caller until the counter reaches zero, at which
// point every waiter is made runnable.
//
// The counter must never be observed negative by any caller after all
// matched Complete calls have been issued; Complete panics if it would
// drive the counter negative, since that can only happen if the
// application completed more than it enrolled.
type CompletionEvent struct {
	sched *scheduler.Scheduler

	mu      sync.Mutex
	counter int64
	waiters scheduler.WaitList
}

// New returns a CompletionEvent whose Wait suspends callers on sched.
func New(sched *scheduler.Scheduler) *CompletionEvent {
	return &CompletionEvent{sched: sched}
}

// Enroll increments the counter by n. All enrollments for a round of
// work must happen before the corresponding Complete calls are
// possible, commonly by enrolling at loop entry before spawning child
// tasks.
func (c *CompletionEvent) Enroll(n int64) {
	c.mu.Lock()
	c.counter += n
	c.mu.Unlock()
}

// Complete decrements the counter by n. If the counter reaches zero,
// every worker parked in Wait is made runnable.
func (c *CompletionEvent) Complete(n int64) {
	c.mu.Lock()
	c.counter -= n
	if c.counter < 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("ce: Complete(%d) drove counter negative", n))
	}
	var woken []*wpool.Worker
	if c.counter == 0 {
		woken = c.waiters.PopAll()
	}
	c.mu.Unlock()
	for _, w := range woken {
		c.sched.Unblock(w)
	}
}

// Complete1 is shorthand for Complete(1), the common case of a single
// task finishing.
func (c *CompletionEvent) Complete1() { c.Complete(1) }

// Wait returns immediately if the counter is already zero; otherwise
// it blocks the calling worker until a matching sequence of Complete
// calls drives the counter to zero.
func (c *CompletionEvent) Wait() {
	for {
		c.mu.Lock()
		if c.counter == 0 {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		// The zero-check above and BlockOn's enqueue below aren't
		// atomic under a single lock; this relies on Complete running
		// only on this core's single active worker, so none can land
		// in between. The loop re-checks the counter after every wake
		// rather than trusting a single wake to mean zero.
		c.sched.BlockOn(&c.waiters)
	}
}

// Count returns the counter's current value. It is intended for
// diagnostics and tests; application code should use Wait.
func (c *CompletionEvent) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
