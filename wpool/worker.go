// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wpool implements the suspendable execution contexts
// ("workers") that the scheduler multiplexes, and the bounded reuse
// pool that recycles them.
//
// pgasrt runs each worker as a goroutine parked on a channel rather
// than Grappa's raw ucontext stack: the goroutine itself is the
// "private stack", reused across tasks exactly as a pooled stack
// would be, and the channel handshake between a worker and whatever
// resumes it is the analogue of a context switch. See package
// scheduler for how that handoff is driven.
package wpool

import "fmt"

// State is a Worker's position in its lifecycle: fresh -> ready ->
// running -> blocked -> done, with ready reachable again from running
// (a worker that yields), from blocked (an unblocked worker returns to
// ready) and from done (a recycled worker starts its next task at
// ready).
type State int

const (
	// Fresh workers have never run; no entry point has been assigned
	// yet.
	Fresh State = iota
	// Ready workers are runnable and waiting for the scheduler to pick
	// them.
	Ready
	// Running is the single worker currently executing on this core.
	Running
	// Blocked workers are parked on some wait-list (a CompletionEvent,
	// a GCE, or a reuse pool's semaphore) and are not runnable.
	Blocked
	// Done workers have run their entry function to completion and are
	// eligible to be recycled by a Pool.
	Done
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Entry is the function a Worker runs. It receives the opaque argument
// supplied at spawn time.
type Entry func(arg interface{})

// A Worker is a suspendable execution context: an entry function, an
// opaque argument, a single next-link for intrusive queue membership,
// and a state.
//
// Invariant: a Worker appears on at most one queue at a time; Next is
// non-nil only while some queue (ready queue, a wait-list, or a reuse
// pool's free list) owns it.
type Worker struct {
	// Name is a short diagnostic label, e.g. "w3" or "poller".
	Name string

	// Periodic marks workers the scheduler treats as long-lived
	// periodic workers (notably the polling worker) rather than
	// one-shot task runners.
	Periodic bool

	entry Entry
	arg   interface{}
	state State

	// Next links this worker into whichever intrusive queue currently
	// owns it.
	Next *Worker

	// resumec is signaled by whoever hands this worker the core;
	// donec is signaled by the worker's goroutine when entry returns.
	resumec chan struct{}
	donec   chan struct{}
}

// NewFresh allocates a Fresh worker. Its backing goroutine is started
// by Bind, which its creator (for example Pool) calls exactly once per
// Worker value.
func NewFresh(name string) *Worker {
	return &Worker{
		Name:    name,
		state:   Fresh,
		resumec: make(chan struct{}, 1),
		donec:   make(chan struct{}, 1),
	}
}

// State returns the worker's current state.
func (w *Worker) State() State { return w.state }

// SetState sets the worker's state. Only the scheduler or a wait-list
// owner may call this.
func (w *Worker) SetState(s State) { w.state = s }

// String returns a short diagnostic description.
func (w *Worker) String() string {
	return fmt.Sprintf("worker %s [%s]", w.Name, w.state)
}

// Reset assigns a new entry/arg to a Done (or Fresh) worker, leaving
// it in state Ready. The caller must know the worker isn't linked into
// any queue.
func (w *Worker) Reset(entry Entry, arg interface{}) {
	w.entry = entry
	w.arg = arg
	w.state = Ready
	w.Next = nil
}

// Bind starts the goroutine that backs w. The goroutine waits on
// resumec, runs entry(arg) to completion each time it is signaled,
// and reports completion on donec. Bind is not idempotent: each call
// starts another goroutine, so callers invoke it exactly once, right
// after NewFresh.
func (w *Worker) Bind() {
	go func() {
		for range w.resumec {
			w.entry(w.arg)
			w.donec <- struct{}{}
		}
	}()
}

// Resume signals the worker's goroutine to run (or continue from a
// fresh Reset) entry(arg). Resume does not wait for the worker to
// suspend or finish; the caller must select on Done() or its own
// resume channel as appropriate.
func (w *Worker) Resume() { w.resumec <- struct{}{} }

// ParkSelf blocks the calling goroutine — which must be this worker's
// own backing goroutine, invoked from within its entry function — until
// some other worker calls Resume on it. This is the suspension half of
// a context switch; see scheduler.Scheduler.Yield/BlockOn.
func (w *Worker) ParkSelf() { <-w.resumec }

// Done returns a channel that receives exactly once each time the
// worker's entry function runs to completion.
func (w *Worker) Done() <-chan struct{} { return w.donec }
