// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reusepool implements the generic reuse-pool primitive
// described in spec.md §3/§9: a fixed-capacity stack of pointers to
// reusable objects, guarded by a counting semaphore. BlockUntilPop
// parks the caller on the semaphore's wait-queue; Push wakes every
// waiter and one of them takes the pointer. The invariant held at every observation point is that the
// semaphore's value equals the number of pointers currently stored.
package reusepool

import (
	"context"

	"github.com/grailbio/pgasrt/internal/ctxsync"

	"sync"
)

// Pool is a bounded LIFO stack of reusable *T pointers. The zero value
// is not usable; construct with New.
type Pool[T any] struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	cap   int
	stack []*T
}

// New returns a Pool with the given fixed capacity. A non-positive
// capacity means unbounded.
func New[T any](capacity int) *Pool[T] {
	p := &Pool[T]{cap: capacity}
	p.cond = ctxsync.NewCond(&p.mu)
	return p
}

// Len returns the number of pointers currently stored — the counting
// semaphore's current value.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack)
}

// TryPop removes and returns the most recently pushed pointer, or nil
// if the pool is empty. It never blocks.
func (p *Pool[T]) TryPop() *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popLocked()
}

func (p *Pool[T]) popLocked() *T {
	n := len(p.stack)
	if n == 0 {
		return nil
	}
	v := p.stack[n-1]
	p.stack[n-1] = nil
	p.stack = p.stack[:n-1]
	return v
}

// BlockUntilPop blocks the caller until a pointer is available, then
// returns it, or returns a context error if ctx completes first.
func (p *Pool[T]) BlockUntilPop(ctx context.Context) (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.stack) == 0 {
		if err := p.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return p.popLocked(), nil
}

// Push stores v for reuse, waking any blocked poppers (only one will
// win the race to pop it). It returns false (rejecting the push) if
// the pool is at capacity; callers of a bounded pool must treat a
// false return as "discard v", per spec.md §9's bounded-capacity
// variant.
func (p *Pool[T]) Push(v *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cap > 0 && len(p.stack) >= p.cap {
		return false
	}
	p.stack = append(p.stack, v)
	p.cond.Broadcast()
	return true
}
