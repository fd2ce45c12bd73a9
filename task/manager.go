// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"fmt"
	"math/rand"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pgasrt/ce"
	"github.com/grailbio/pgasrt/scheduler"
	"github.com/grailbio/pgasrt/wpool"
	"github.com/spaolacci/murmur3"
)

// Transport is the subset of the communicator a Manager needs to
// exchange steal and termination messages with its peers. Messages
// are addressed to a destination core rank; the destination's own
// Manager handles delivery through its own goroutine, the same
// discipline ce.Transport uses for CompletionEvent messages.
type Transport interface {
	Rank() int
	NumRanks() int
	Root() int

	// Neighbors lists the core ranks eligible as steal victims
	// (excluding this core); full-cluster or locale-restricted,
	// depending on configuration.
	Neighbors() []int

	SendStealRequest(dst, thief, batch int)
	SendStealReply(dst int, tasks []Task)
	SendQuiescent(dst int)
	SendAwake(dst int)
	SendTerminate(dst int)
}

// Handler is the set of callbacks a Transport invokes on the
// destination core's own Manager when a message is delivered.
type Handler interface {
	HandleStealRequest(thief, batch int)
	HandleStealReply(tasks []Task)
	HandleQuiescent(rank int)
	HandleAwake(rank int)
	HandleTerminate()
}

// Manager owns one core's private and public task deques, drives
// victim-selection stealing through a dedicated periodic worker, and
// participates in the two-phase distributed termination protocol.
// Its state is touched only from this core's own single-threaded
// timeline: by TryAcquireTask (called from the scheduler), by
// SpawnPublic/SpawnPrivate (called from application code running on
// this core), and by the Handle* callbacks (invoked by this core's
// own poller worker when the transport delivers a message) — never
// by a foreign goroutine, so none of its bookkeeping needs a lock.
type Manager struct {
	sched *scheduler.Scheduler
	net   Transport
	funcs map[uint64]Func

	// priv and pub are owner-only at the tail: push and pop both
	// happen at the slice end. Stealing removes a batch from the
	// head of pub, the "other end" spec.md describes.
	priv []Task
	pub  []Task

	stealBatch      int
	maxStealRetries int
	rnd             *rand.Rand

	// stealCE gates the in-flight steal attempt: Enroll happens
	// before SendStealRequest, so it always precedes the matching
	// Complete from HandleStealReply, satisfying CompletionEvent's
	// enroll-before-complete contract. Exactly one steal attempt is
	// ever in flight per thief, since a single dedicated stealer
	// worker drives this loop.
	stealCE      *ce.CompletionEvent
	pendingReply []Task

	quiescent bool

	// quiescentRanks is populated only on the root core: the set of
	// ranks that have reported quiescent since the last awake from
	// any of them.
	quiescentRanks map[int]bool
}

// NewManager constructs a Manager for this core, registers its
// stealer worker with sched, and returns it. stealBatch bounds how
// many tasks a single steal reply may carry; maxStealRetries bounds
// how many victims a thief tries before declaring itself quiescent.
func NewManager(sched *scheduler.Scheduler, net Transport, stealBatch, maxStealRetries int) *Manager {
	seed := murmur3.Sum32WithSeed([]byte(fmt.Sprintf("task-manager-%d", net.Rank())), 0)
	m := &Manager{
		sched:           sched,
		net:             net,
		funcs:           make(map[uint64]Func),
		stealBatch:      stealBatch,
		maxStealRetries: maxStealRetries,
		rnd:             rand.New(rand.NewSource(int64(seed))),
		stealCE:         ce.New(sched),
	}
	if net.Rank() == net.Root() {
		m.quiescentRanks = make(map[int]bool)
	}
	w := wpool.NewFresh("task-stealer")
	w.Reset(m.runStealer, nil)
	w.Bind()
	sched.RegisterPeriodic(w)
	return m
}

// Register binds id to fn: tasks spawned with Entry==id resolve to
// fn when acquired on this core.
func (m *Manager) Register(id uint64, fn Func) {
	m.funcs[id] = fn
}

// SpawnPrivate enqueues t on this core's private deque, visible only
// to this core.
func (m *Manager) SpawnPrivate(t Task) {
	m.priv = append(m.priv, t)
	m.notifyAwake()
}

// SpawnPublic enqueues t on this core's public deque, stealable by
// peers.
func (m *Manager) SpawnPublic(t Task) {
	m.pub = append(m.pub, t)
	m.notifyAwake()
}

// TryAcquireTask implements scheduler.TaskSource: private deque tail
// first, then public deque tail (tie-break preserves locality of
// freshly enqueued continuations, per spec), else ok=false. It never
// blocks and never attempts a steal; stealing is driven entirely by
// the background stealer worker registered in NewManager.
func (m *Manager) TryAcquireTask() (wpool.Entry, interface{}, bool) {
	var t Task
	switch {
	case len(m.priv) > 0:
		t = m.priv[len(m.priv)-1]
		m.priv = m.priv[:len(m.priv)-1]
	case len(m.pub) > 0:
		t = m.pub[len(m.pub)-1]
		m.pub = m.pub[:len(m.pub)-1]
	default:
		return nil, nil, false
	}
	fn, ok := m.funcs[t.Entry]
	if !ok {
		panic(fmt.Sprintf("task: no func registered for entry %d", t.Entry))
	}
	entry := func(interface{}) { fn(t.Arg0, t.Arg1, t.Arg2) }
	return entry, nil, true
}

// PrivateLen and PublicLen report the current deque depths, for
// diagnostics and tests.
func (m *Manager) PrivateLen() int { return len(m.priv) }
func (m *Manager) PublicLen() int  { return len(m.pub) }

// Scheduler returns the scheduler this Manager was constructed with,
// for callers (the loop frontend's balancing strategy, for instance)
// that spawn their own CompletionEvents or GlobalCompletionEvents
// alongside the tasks this Manager steals on their behalf.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// runStealer is the stealer worker's entry. Like the polling worker,
// it loops forever, yielding between rounds: it is registered once
// and never deregistered, so it must never return (nothing would be
// left to resume whoever it last yielded to).
func (m *Manager) runStealer(interface{}) {
	for {
		m.tryStealRound()
		m.sched.YieldPeriodic()
	}
}

// tryStealRound attempts a steal only when both local deques are
// empty and termination has not already been signaled. It tries up
// to maxStealRetries victims, in a deterministic-but-well-distributed
// permutation seeded from this core's rank, before declaring the core
// locally quiescent.
func (m *Manager) tryStealRound() {
	if m.sched.Done() || len(m.priv) > 0 || len(m.pub) > 0 {
		return
	}
	victims := m.permute()
	tries := m.maxStealRetries
	if tries > len(victims) {
		tries = len(victims)
	}
	for i := 0; i < tries; i++ {
		v := victims[i]
		m.stealCE.Enroll(1)
		m.pendingReply = nil
		m.net.SendStealRequest(v, m.net.Rank(), m.stealBatch)
		m.stealCE.Wait()
		if len(m.pendingReply) > 0 {
			m.notifyAwake()
			m.pub = append(m.pub, m.pendingReply...)
			m.pendingReply = nil
			log.Printf("task[%d]: stole %d task(s) from core %d", m.net.Rank(), len(m.pub), v)
			return
		}
	}
	m.declareQuiescent()
}

// permute returns a shuffled copy of the neighbor list, seeded
// deterministically per core so steal order is reproducible across
// runs with the same configuration.
func (m *Manager) permute() []int {
	neighbors := m.net.Neighbors()
	out := append([]int(nil), neighbors...)
	m.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// notifyAwake reports this core awake to the root if it had
// previously declared itself quiescent. Called whenever this core
// receives work: a local spawn or a non-empty steal reply.
func (m *Manager) notifyAwake() {
	if !m.quiescent {
		return
	}
	m.quiescent = false
	if m.net.Rank() == m.net.Root() {
		m.HandleAwake(m.net.Rank())
		return
	}
	m.net.SendAwake(m.net.Root())
}

// declareQuiescent reports this core quiescent to the root, once,
// after a steal round exhausts its retries with no outstanding
// replies left in flight.
func (m *Manager) declareQuiescent() {
	if m.quiescent {
		return
	}
	m.quiescent = true
	if m.net.Rank() == m.net.Root() {
		m.HandleQuiescent(m.net.Rank())
		return
	}
	m.net.SendQuiescent(m.net.Root())
}

// HandleStealRequest serves a steal from thief: up to batch tasks are
// popped from the head of the public deque (the end opposite the
// owner's own push/pop end) and sent back as a reply.
func (m *Manager) HandleStealRequest(thief, batch int) {
	n := batch
	if n > len(m.pub) {
		n = len(m.pub)
	}
	var stolen []Task
	if n > 0 {
		stolen = append([]Task(nil), m.pub[:n]...)
		m.pub = m.pub[n:]
	}
	m.net.SendStealReply(thief, stolen)
}

// HandleStealReply delivers a (possibly empty) steal reply to the
// stealer worker waiting on stealCE.
func (m *Manager) HandleStealReply(tasks []Task) {
	m.pendingReply = tasks
	m.stealCE.Complete(1)
}

// HandleQuiescent records rank as quiescent; once every rank has
// reported quiescent with no intervening awake, termination is
// broadcast. Root-only.
func (m *Manager) HandleQuiescent(rank int) {
	m.quiescentRanks[rank] = true
	if len(m.quiescentRanks) == m.net.NumRanks() {
		m.broadcastTerminate()
	}
}

// HandleAwake un-marks rank as quiescent, re-arming the termination
// count. Root-only.
func (m *Manager) HandleAwake(rank int) {
	delete(m.quiescentRanks, rank)
}

// broadcastTerminate notifies every rank, including the root itself,
// that the cluster has reached global quiescence.
func (m *Manager) broadcastTerminate() {
	log.Printf("task: global quiescence reached, broadcasting terminate")
	for r := 0; r < m.net.NumRanks(); r++ {
		if r == m.net.Rank() {
			m.HandleTerminate()
			continue
		}
		m.net.SendTerminate(r)
	}
	m.quiescentRanks = make(map[int]bool)
}

// HandleTerminate sets this core's done flag, draining its ready
// queue and stopping further task acquisition.
func (m *Manager) HandleTerminate() {
	m.sched.SignalTermination()
}
