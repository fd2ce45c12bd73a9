// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wpool

import (
	"fmt"

	"github.com/grailbio/pgasrt/internal/reusepool"
)

// Pool is the per-core worker-and-stack pool: a reuse pool of Worker
// values, instantiated with starting_workers (see the Config option of
// the same name) pre-bound workers at activation.
//
// Acquire never suspends the caller, matching spec.md §4.1's
// requirement that scheduler.Spawn not suspend: when the pool is
// empty it grows by binding a fresh worker rather than blocking. This
// is the one place pgasrt deliberately diverges from reusepool.Pool's
// general blocking contract, because this particular reuse pool backs
// an operation the spec requires to be non-suspending.
type Pool struct {
	inner *reusepool.Pool[Worker]
	n     int
}

// NewPool returns a Pool pre-populated with starting worker stacks,
// named w0, w1, ....
func NewPool(startingWorkers int) *Pool {
	p := &Pool{inner: reusepool.New[Worker](0)}
	for i := 0; i < startingWorkers; i++ {
		p.inner.Push(p.grow())
	}
	return p
}

func (p *Pool) grow() *Worker {
	w := NewFresh(fmt.Sprintf("w%d", p.n))
	p.n++
	w.Bind()
	return w
}

// Acquire returns a Worker ready for Reset: either one recycled from
// the pool (in state Done or Fresh) or, if none is idle, a newly bound
// one. It never blocks.
func (p *Pool) Acquire() *Worker {
	if w := p.inner.TryPop(); w != nil {
		return w
	}
	return p.grow()
}

// Release returns w to the pool for reuse once its entry function has
// returned (state Done). The caller must not touch w again after
// Release.
func (p *Pool) Release(w *Worker) {
	p.inner.Push(w)
}

// Len returns the number of currently idle (reusable) workers.
func (p *Pool) Len() int { return p.inner.Len() }
