// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides a condition variable whose Wait is
// cancelable by a context.Context. In pgasrt it backs the reuse
// pool's counting semaphore (internal/reusepool); CompletionEvent and
// the task manager suspend workers through the scheduler instead.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable that implements a context-aware Wait.
// Unlike sync.Cond, Broadcast wakes all waiters by closing a channel,
// so a single Cond can be shared cheaply across many blocked workers.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast notifies waiters of a state change. Broadcast must only be
// called while the cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or when ctx is done.
// The lock must be held when calling Wait; Wait releases it while
// parked and reacquires it before returning.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}
