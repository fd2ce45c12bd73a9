// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ce

import (
	"fmt"
	"sync"

	"github.com/grailbio/pgasrt/scheduler"
)

// Handler is what a Transport invokes on the receiving core once it
// has located the local object registered under a message's id. A
// GlobalCompletionEvent is its own Handler.
type Handler interface {
	HandleContribution(phase uint64)
	HandleRelease(phase uint64)
}

// Transport is the subset of the communicator a GlobalCompletionEvent
// needs. Messages are addressed by a small integer id rather than by
// closure capture, since on separate cores a captured pointer would
// be meaningless: Register tells this core's transport which local
// object id resolves to, and SendContribution/SendRelease deliver a
// (id, phase) pair for the destination's transport to resolve against
// its own registry before invoking the handler there. pgasrt/comm
// implements this over the wire with dedicated contribution and
// release message kinds; GCE itself is agnostic to the encoding.
type Transport interface {
	Rank() int
	NumRanks() int
	Root() int
	Register(id uint64, h Handler)
	SendContribution(dst int, id uint64, phase uint64)
	SendRelease(dst int, id uint64, phase uint64)
}

// A GlobalCompletionEvent is a CompletionEvent whose zero transition
// is a cluster-wide event rather than a per-core one: each core
// enrolls and completes purely locally, but Wait only returns once
// every core's local counter has reached zero and the root has
// broadcast a release for the current phase. Re-enrolling after a
// release starts a new phase, so one GCE can be reused across
// successive rounds of work (spec.md §4.5).
type GlobalCompletionEvent struct {
	sched *scheduler.Scheduler
	net   Transport
	id    uint64

	mu          sync.Mutex
	phase       uint64
	counter     int64
	contributed bool // this phase's local zero has already been reported upward
	waiters     scheduler.WaitList

	// root-only bookkeeping, keyed by phase so a stray contribution for
	// an already-released phase (possible if a message is delayed past
	// its barrier, which the aggregator's barrier-drain is supposed to
	// prevent, but cheap to guard anyway) doesn't corrupt the next one.
	reported map[uint64]int
	released map[uint64]bool
}

// NewGlobal returns a GlobalCompletionEvent rooted on net.Root(),
// suspending local waiters on sched. id must be the same value on
// every core that participates in this logical barrier — callers
// typically derive it from a shared counter incremented identically
// wherever a GCE is constructed (mirroring how the loop frontend
// numbers its forall invocations).
func NewGlobal(sched *scheduler.Scheduler, net Transport, id uint64) *GlobalCompletionEvent {
	g := &GlobalCompletionEvent{sched: sched, net: net, id: id}
	if net.Rank() == net.Root() {
		g.reported = make(map[uint64]int)
		g.released = make(map[uint64]bool)
	}
	net.Register(id, g)
	return g
}

// Enroll increments this core's local counter by n.
func (g *GlobalCompletionEvent) Enroll(n int64) {
	g.mu.Lock()
	g.counter += n
	g.mu.Unlock()
}

// Complete decrements this core's local counter by n. Only the local
// counter is touched; the cluster-wide release is driven separately
// once this core's counter reaches zero.
func (g *GlobalCompletionEvent) Complete(n int64) {
	g.mu.Lock()
	g.counter -= n
	if g.counter < 0 {
		g.mu.Unlock()
		panic(fmt.Sprintf("ce: global Complete(%d) drove counter negative", n))
	}
	zero := g.counter == 0 && !g.contributed
	phase := g.phase
	if zero {
		g.contributed = true
	}
	g.mu.Unlock()
	if zero {
		g.contribute(phase)
	}
}

// Complete1 is shorthand for Complete(1).
func (g *GlobalCompletionEvent) Complete1() { g.Complete(1) }

// contribute reports this core's local zero for phase to the root,
// directly if this core is the root.
func (g *GlobalCompletionEvent) contribute(phase uint64) {
	if g.net.Rank() == g.net.Root() {
		g.HandleContribution(phase)
		return
	}
	g.net.SendContribution(g.net.Root(), g.id, phase)
}

// HandleContribution runs on the root core's own GlobalCompletionEvent
// once per reporting core per phase — never on a non-root core, and
// never against a foreign core's object, since Transport resolves id
// to this core's own registered instance before calling it. Once
// every rank has reported, it broadcasts a release.
func (g *GlobalCompletionEvent) HandleContribution(phase uint64) {
	g.mu.Lock()
	if g.released[phase] {
		g.mu.Unlock()
		return
	}
	g.reported[phase]++
	done := g.reported[phase] == g.net.NumRanks()
	if done {
		g.released[phase] = true
	}
	g.mu.Unlock()
	if !done {
		return
	}
	for rank := 0; rank < g.net.NumRanks(); rank++ {
		if rank == g.net.Root() {
			g.HandleRelease(phase)
			continue
		}
		g.net.SendRelease(rank, g.id, phase)
	}
}

// HandleRelease runs on every core's own GlobalCompletionEvent
// (including the root's) for the phase that just completed
// cluster-wide. It advances the local phase, resetting
// counter/contributed for reuse, and wakes every local waiter.
func (g *GlobalCompletionEvent) HandleRelease(phase uint64) {
	g.mu.Lock()
	if phase != g.phase {
		// A release for a phase we've already moved past; can only
		// happen if it is somehow delivered twice, which the
		// exactly-once delivery guarantee rules out in practice.
		g.mu.Unlock()
		return
	}
	g.phase++
	g.counter = 0
	g.contributed = false
	woken := g.waiters.PopAll()
	g.mu.Unlock()
	for _, w := range woken {
		g.sched.Unblock(w)
	}
}

// Wait blocks the calling worker until the current phase's cluster-
// wide release arrives. It is safe to call before this core's local
// counter has reached zero. If nothing has been enrolled on this core
// since the last release (the counter is zero and no contribution is
// outstanding), that release already covers the caller's work and
// Wait returns immediately.
func (g *GlobalCompletionEvent) Wait() {
	g.mu.Lock()
	if g.counter == 0 && !g.contributed {
		g.mu.Unlock()
		return
	}
	phase := g.phase
	g.mu.Unlock()
	for {
		g.mu.Lock()
		if g.phase != phase {
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
		g.sched.BlockOn(&g.waiters)
	}
}

// Phase returns the GCE's current phase counter, incremented once per
// cluster-wide release. It exists for diagnostics and tests.
func (g *GlobalCompletionEvent) Phase() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}
