// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loop implements the runtime's forall frontend (spec.md
// §4.6): recursive range decomposition with a Fixed (statically
// pinned) or Balancing (stealable) strategy, plus the range-localized
// variant that first splits a global range into per-core segments
// before decomposing each locally.
//
// A body is never shipped across the wire as a Go closure — per
// spec.md §9's design note, only an entry id and fixed machine-word
// arguments cross a core boundary — so application code registers its
// body functions with RegisterBody identically on every core, exactly
// as task.Manager.Register requires for stealable Task entries.
package loop

import (
	"github.com/grailbio/pgasrt/ce"
	"github.com/grailbio/pgasrt/comm"
	"github.com/grailbio/pgasrt/task"
	"github.com/spaolacci/murmur3"
)

// Strategy selects how Forall decomposes a range.
type Strategy int

const (
	// Fixed recursively bisects down to threshold and runs the body at
	// each leaf inline, on whichever core received that portion of the
	// range. Work is pinned at decomposition time; nothing is stealable.
	Fixed Strategy = iota
	// Balancing recursively bisects down to threshold, but spawns each
	// half as a public task, stealable by any other core, rather than
	// recursing inline. Load imbalance across cores is smoothed out by
	// ordinary work stealing instead of being fixed at decomposition time.
	Balancing
)

func (s Strategy) String() string {
	if s == Balancing {
		return "balancing"
	}
	return "fixed"
}

// Body is a registered forall body: it runs once per leaf range,
// covering [lo, hi).
type Body func(lo, hi int64)

// Transport is what the loop frontend needs from the communicator: a
// ce.Transport for the GlobalCompletionEvent backing every Forall
// call, plus the generic closure dispatch and broadcast primitives
// used to propagate a call's metadata and, for the range-localized
// variant, each core's own segment.
type Transport interface {
	ce.Transport
	RegisterHandler(id uint64, h comm.Handler)
	SendImmediate(dst int, id uint64, a0, a1, a2 uintptr)
	OnAllCores(id uint64, a0, a1, a2 uintptr)
}

// invocation holds what every core needs to keep decomposing and
// stealing sub-ranges of one Forall call, once that call's metadata
// has reached it: the body to run at each leaf, the bisection
// threshold, the strategy, and the event every leaf (or, for Fixed,
// every per-core segment) completes against.
type invocation struct {
	id        uint64
	bodyEntry uint64
	threshold int64
	strategy  Strategy
	gce       *ce.GlobalCompletionEvent
}

// Manager owns one core's forall bookkeeping: the registered bodies
// library, in-flight invocations, and the two entry ids it registers
// with the transport and the task manager to drive decomposition.
// Like task.Manager, its state is touched only from this core's own
// single-threaded timeline, so none of it needs a lock.
//
// Forall and ForallHereAsync are meant to be called from the single
// core running the application's main body (spec.md §6: "body runs on
// rank 0 only"); every other core only ever receives this core's
// broadcasts and dispatches, never originates its own invocation id,
// so invocation ids never collide.
type Manager struct {
	tasks *task.Manager
	net   Transport

	bodies      map[uint64]Body
	invocations map[uint64]*invocation
	nextID      uint64

	regEntry      uint64
	dispatchEntry uint64
}

// NewManager constructs a Manager for this core and registers its two
// entry ids with net and tasks. regEntryID and dispatchEntryID must be
// chosen identically on every core and must not collide with any
// other registration on the same Transport or task.Manager.
func NewManager(net Transport, tasks *task.Manager, regEntryID, dispatchEntryID uint64) *Manager {
	m := &Manager{
		tasks:         tasks,
		net:           net,
		bodies:        make(map[uint64]Body),
		invocations:   make(map[uint64]*invocation),
		regEntry:      regEntryID,
		dispatchEntry: dispatchEntryID,
	}
	net.RegisterHandler(regEntryID, m.handleRegister)
	net.RegisterHandler(dispatchEntryID, m.handleDispatch)
	tasks.Register(dispatchEntryID, m.handleStep)
	return m
}

// RegisterBody binds id to body: a Forall call naming id resolves to
// body on every core, the same way task.Manager.Register binds a
// stealable Task's Entry. Every core must call this identically,
// before any Forall names id.
func (m *Manager) RegisterBody(id uint64, body Body) {
	m.bodies[id] = body
}

// packMeta folds threshold and strategy into a single machine word:
// the low bit is the strategy, the rest is the threshold. threshold
// must fit in 63 bits, true of any range this runtime could represent
// at all.
func packMeta(threshold int64, strategy Strategy) uintptr {
	return uintptr(threshold)<<1 | uintptr(strategy)
}

func unpackMeta(v uintptr) (threshold int64, strategy Strategy) {
	return int64(v >> 1), Strategy(v & 1)
}

// handleRegister is regEntry's handler: it records an invocation's
// metadata locally, including constructing this core's own view of
// the invocation's GlobalCompletionEvent. Called identically on every
// core via OnAllCores, so by the time OnAllCores returns (it waits for
// every core to acknowledge running the handler), every core can
// resolve the invocation a stolen balancing sub-task names.
func (m *Manager) handleRegister(a0, a1, a2 uintptr, _ []byte) {
	id := uint64(a0)
	bodyEntry := uint64(a1)
	threshold, strategy := unpackMeta(a2)
	m.invocations[id] = &invocation{
		id:        id,
		bodyEntry: bodyEntry,
		threshold: threshold,
		strategy:  strategy,
		gce:       ce.NewGlobal(m.tasks.Scheduler(), m.net, id),
	}
}

// handleDispatch is dispatchEntry's handler for the push delivered
// directly to a destination core by the range-localized variant: it
// runs that core's assigned segment as the invocation's first unit.
func (m *Manager) handleDispatch(a0, a1, a2 uintptr, _ []byte) {
	lo, hi, id := int64(a0), int64(a1), uint64(a2)
	inv := m.invocations[id]
	inv.gce.Enroll(1)
	m.runUnit(lo, hi, inv)
}

// handleStep is the task.Manager entry for a balancing sub-range
// spawned (and possibly stolen) after the initial dispatch: same
// logic as handleDispatch, just reached through the steal path instead
// of a direct send.
func (m *Manager) handleStep(a0, a1, a2 uintptr) {
	lo, hi, id := int64(a0), int64(a1), uint64(a2)
	m.runUnit(lo, hi, m.invocations[id])
}

// runUnit resolves one pending unit of an invocation: the whole
// segment for Fixed, or one bisection step for Balancing. Every unit
// handed out — the initial per-core segment, or a balancing child
// spawned from runUnit itself — corresponds to exactly one pending
// count on inv.gce, following the usual fork-join census: a leaf
// resolves its own count with Complete1 and adds nothing; a split
// enrolls 2 for its new children before spawning them, then resolves
// its own count, a net change of +1 reflecting the 1 pending unit it
// just replaced with 2.
func (m *Manager) runUnit(lo, hi int64, inv *invocation) {
	body := m.bodies[inv.bodyEntry]
	switch inv.strategy {
	case Fixed:
		bisectInline(lo, hi, inv.threshold, body)
		inv.gce.Complete1()
	default:
		if hi-lo <= inv.threshold {
			body(lo, hi)
			inv.gce.Complete1()
			return
		}
		mid := lo + (hi-lo)/2
		inv.gce.Enroll(2)
		m.tasks.SpawnPublic(task.Task{Entry: m.dispatchEntry, Arg0: uintptr(lo), Arg1: uintptr(mid), Arg2: uintptr(inv.id)})
		m.tasks.SpawnPublic(task.Task{Entry: m.dispatchEntry, Arg0: uintptr(mid), Arg1: uintptr(hi), Arg2: uintptr(inv.id)})
		inv.gce.Complete1()
	}
}

// bisectInline recursively splits [lo, hi) down to threshold and
// calls body at each leaf, entirely within the calling goroutine: no
// task is ever spawned, so nothing here is stealable.
func bisectInline(lo, hi, threshold int64, body Body) {
	if hi-lo <= threshold {
		body(lo, hi)
		return
	}
	mid := lo + (hi-lo)/2
	bisectInline(lo, mid, threshold, body)
	bisectInline(mid, hi, threshold, body)
}

// ForallHereAsync decomposes [lo, hi) entirely on this core using
// strategy and returns immediately; the caller waits on the returned
// GlobalCompletionEvent. Balancing sub-tasks spawned this way are
// stealable by any other core exactly like any other public task, but
// no cross-core range-localized dispatch happens: this is the
// single-core forall_here_async variant (spec.md §8.6).
func (m *Manager) ForallHereAsync(lo, hi int64, strategy Strategy, threshold int64, bodyEntry uint64) *ce.GlobalCompletionEvent {
	inv := m.newLocalInvocation(bodyEntry, threshold, strategy)
	inv.gce.Enroll(1)
	m.runUnit(lo, hi, inv)
	return inv.gce
}

// ForallHere is ForallHereAsync followed by an inline Wait.
func (m *Manager) ForallHere(lo, hi int64, strategy Strategy, threshold int64, bodyEntry uint64) {
	m.ForallHereAsync(lo, hi, strategy, threshold, bodyEntry).Wait()
}

// newLocalInvocation registers an invocation for a single-core forall:
// no broadcast is needed since only this core will ever resolve it.
func (m *Manager) newLocalInvocation(bodyEntry uint64, threshold int64, strategy Strategy) *invocation {
	id := m.nextID
	m.nextID++
	inv := &invocation{
		id:        id,
		bodyEntry: bodyEntry,
		threshold: threshold,
		strategy:  strategy,
		gce:       ce.NewGlobal(m.tasks.Scheduler(), m.net, id),
	}
	m.invocations[id] = inv
	return inv
}

// ForallAsync decomposes [lo, hi) across every core: it splits the
// range into contiguous per-core segments (block distribution), sends
// one segment to each destination core, and returns immediately. The
// caller waits on the returned GlobalCompletionEvent; the boundary
// between segments is rotated by a murmur3 hash of the invocation id
// so that a range which doesn't divide evenly doesn't always load the
// same low-numbered cores with the remainder.
func (m *Manager) ForallAsync(lo, hi int64, strategy Strategy, threshold int64, bodyEntry uint64) *ce.GlobalCompletionEvent {
	id := m.nextID
	m.nextID++

	// OnAllCores runs handleRegister on every core, including this one,
	// through the exact same path — so the invocation (and its GCE) is
	// constructed exactly once per core, here and everywhere else, and
	// this core never has to special-case its own registration.
	n := m.net.NumRanks()
	m.net.OnAllCores(m.regEntry, uintptr(id), uintptr(bodyEntry), packMeta(threshold, strategy))
	inv := m.invocations[id]
	// Each core enrolls the one segment it runs itself; the remote
	// cores do so in handleDispatch.
	inv.gce.Enroll(1)

	rotate := murmur3Rotate(id, n)
	for core := 0; core < n; core++ {
		segLo, segHi := blockSegment(lo, hi, (core+rotate)%n, n)
		if core == m.net.Rank() {
			m.runUnit(segLo, segHi, inv)
			continue
		}
		m.net.SendImmediate(core, m.dispatchEntry, uintptr(segLo), uintptr(segHi), uintptr(id))
	}
	return inv.gce
}

// Forall is ForallAsync followed by an inline Wait, for callers with
// no other work to interleave while the range-localized forall runs.
func (m *Manager) Forall(lo, hi int64, strategy Strategy, threshold int64, bodyEntry uint64) {
	m.ForallAsync(lo, hi, strategy, threshold, bodyEntry).Wait()
}

// blockSegment returns the contiguous sub-range of [lo, hi) assigned
// to the core-th of numCores equal (within one) shares, the "global
// allocator's block distribution" spec.md §4.6 names.
func blockSegment(lo, hi int64, core, numCores int) (segLo, segHi int64) {
	n := hi - lo
	segLo = lo + n*int64(core)/int64(numCores)
	segHi = lo + n*int64(core+1)/int64(numCores)
	return segLo, segHi
}

// murmur3Rotate derives a deterministic-but-well-distributed rotation
// offset from the invocation id, so that successive Forall calls
// don't all hand the remainder of an unevenly divided range to the
// same low-numbered cores.
func murmur3Rotate(id uint64, numCores int) int {
	if numCores <= 1 {
		return 0
	}
	buf := []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24), byte(id >> 32), byte(id >> 40), byte(id >> 48), byte(id >> 56)}
	h := murmur3.Sum32WithSeed(buf, 0)
	return int(h % uint32(numCores))
}
