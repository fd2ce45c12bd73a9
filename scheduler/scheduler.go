// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler implements the single-threaded cooperative
// scheduler that multiplexes a core's workers: a FIFO ready queue, a
// rate-bounded list of periodic workers (notably the polling worker),
// and hand-off to a task source when the ready queue runs dry.
//
// Workers are goroutines parked on a channel (see package wpool); a
// "context switch" is a channel send that resumes the next worker
// followed by the previous worker blocking on its own channel. Only
// one worker's goroutine is ever runnable at a time, which is what
// gives the scheduler its single-threaded, lock-step semantics even
// though it is built from goroutines rather than raw stacks.
package scheduler

import (
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pgasrt/rtcore"
	"github.com/grailbio/pgasrt/wpool"
)

// TaskSource is the subset of the task manager the scheduler needs:
// the ability to pull one runnable unit of work when the ready queue
// is empty. See package task for the real implementation.
type TaskSource interface {
	// TryAcquireTask returns an entry/arg pair to run and true, or
	// ok=false if no task is currently available.
	TryAcquireTask() (entry wpool.Entry, arg interface{}, ok bool)
}

// idleSleep bounds how long the scheduler parks the underlying OS
// thread when it finds truly nothing runnable: no ready worker, no
// task, and the periodic workers (if any ran) found nothing either.
// This is the "implementation-defined" park mentioned in the design:
// Grappa spins on the network queue instead, but a short sleep is the
// idiomatic Go equivalent for a goroutine with nothing to do.
var idleSleep = 50 * time.Microsecond

// A Scheduler owns one core's ready queue, periodic-worker list,
// unassigned worker pool, and task source. It is not safe for
// concurrent use by multiple goroutines other than the worker
// goroutines it itself hands control to one at a time.
type Scheduler struct {
	ID rtcore.ID

	pool  *wpool.Pool
	tasks TaskSource

	readyHead, readyTail *wpool.Worker
	current              *wpool.Worker

	periodic      []*wpool.Worker
	periodicEvery int // run one periodic worker every N yields
	periodicNext  int
	yields        int

	done bool

	// onIdle, if set, is called whenever a full scheduling round finds
	// no ready worker, no task, and no eligible periodic worker. Nothing
	// in pgasrt sets it at present.
	onIdle func()
}

// New returns a Scheduler for core id, backed by pool for unassigned
// (reusable) workers and tasks as the work source consulted when the
// ready queue is empty. periodicEvery bounds how often a periodic
// worker preempts ordinary scheduling (1 means "every yield").
func New(id rtcore.ID, pool *wpool.Pool, tasks TaskSource, periodicEvery int) *Scheduler {
	if periodicEvery < 1 {
		periodicEvery = 1
	}
	return &Scheduler{ID: id, pool: pool, tasks: tasks, periodicEvery: periodicEvery}
}

// Current returns the worker currently running on this core, or nil
// if the scheduler hasn't started running anything yet.
func (s *Scheduler) Current() *wpool.Worker { return s.current }

// SetTaskSource wires (or replaces) the task source consulted when the
// ready queue is empty. It exists because the task manager typically
// needs a reference to its scheduler at construction time, so the two
// are wired together in two steps: New with a nil source, then
// SetTaskSource once the task manager itself has been built.
func (s *Scheduler) SetTaskSource(tasks TaskSource) {
	s.tasks = tasks
}

// RegisterPeriodic adds w to the periodic-worker list. w must already
// be bound (wpool.Worker.Bind) and carry an entry function that loops
// internally, yielding back via YieldPeriodic between units of work
// (the polling worker does exactly this: drain inbound messages, then
// YieldPeriodic).
func (s *Scheduler) RegisterPeriodic(w *wpool.Worker) {
	w.Periodic = true
	s.periodic = append(s.periodic, w)
}

// Spawn acquires a fresh or reused worker, assigns it entry/arg, and
// enqueues it on the ready queue. Spawn never suspends the caller.
func (s *Scheduler) Spawn(entry wpool.Entry, arg interface{}) *wpool.Worker {
	w := s.pool.Acquire()
	s.assign(w, entry, arg)
	s.pushReady(w)
	return w
}

// assign wraps entry so that, once it returns, the worker is released
// back to the pool and the scheduler immediately hands the core to
// whatever runs next. This is what makes "a worker runs its task to
// completion, then the scheduler picks the next one" hold without a
// separate driver loop: the handoff is woven into the entry function
// itself.
func (s *Scheduler) assign(w *wpool.Worker, entry wpool.Entry, arg interface{}) {
	w.Reset(func(arg interface{}) {
		entry(arg)
		s.finish(w)
	}, arg)
}

// finish is called from within w's own goroutine immediately after its
// entry function returns. It releases w to the pool and switches to
// whatever the scheduler should run next, without suspending w itself
// (there is nothing left for w to do in this generation).
func (s *Scheduler) finish(w *wpool.Worker) {
	s.pool.Release(w)
	next := s.scheduleNext()
	if next == nil {
		return
	}
	s.current = next
	next.SetState(wpool.Running)
	next.Resume()
}

// Start runs entry(arg) as the core's master worker, synchronously,
// returning once it has run to completion. All scheduling activity on
// this core — yields, blocks, task acquisition, periodic polling — is
// driven from within that call chain.
func (s *Scheduler) Start(entry wpool.Entry, arg interface{}) {
	master := s.Spawn(entry, arg)
	w := s.popReady() // pops master, since it's the only ready worker
	s.current = w
	w.SetState(wpool.Running)
	w.Resume()
	<-master.Done()
}

func (s *Scheduler) pushReady(w *wpool.Worker) {
	w.SetState(wpool.Ready)
	w.Next = nil
	if s.readyTail == nil {
		s.readyHead, s.readyTail = w, w
		return
	}
	s.readyTail.Next = w
	s.readyTail = w
}

func (s *Scheduler) popReady() *wpool.Worker {
	w := s.readyHead
	if w == nil {
		return nil
	}
	s.readyHead = w.Next
	if s.readyHead == nil {
		s.readyTail = nil
	}
	w.Next = nil
	return w
}

// duePeriodic returns the next periodic worker in round-robin order,
// or nil if none is registered or all are currently blocked.
//
// A periodic worker can itself block (the task manager's stealer
// parks on a CompletionEvent between a steal request and its reply),
// so duePeriodic skips any worker it finds in state Blocked rather
// than resuming it: that worker is already parked on some wait-list
// and will be returned to the ready queue by the matching Unblock. A
// blind round-robin that ignored this would hand the same worker a
// second, unsolicited Resume while the first one is still pending,
// double-scheduling it.
func (s *Scheduler) duePeriodic() *wpool.Worker {
	if len(s.periodic) == 0 {
		return nil
	}
	for n := 0; n < len(s.periodic); n++ {
		w := s.periodic[s.periodicNext]
		s.periodicNext = (s.periodicNext + 1) % len(s.periodic)
		if w.State() != wpool.Blocked {
			return w
		}
	}
	return nil
}

// scheduleNext picks the next worker to run. The ready queue always
// wins. Every periodicEvery calls, a due periodic worker preempts
// ordinary scheduling, ahead of the task source: this is what bounds
// the polling worker's response latency, since a core with a
// sustained task-source backlog would otherwise never fall through to
// periodic workers at all (the branch below only reaches them once
// the task source comes up empty). Between those forced turns,
// periodic workers are tried as the last resort, once ready and the
// task source both have nothing.
func (s *Scheduler) scheduleNext() *wpool.Worker {
	if w := s.popReady(); w != nil {
		return w
	}
	s.yields++
	if s.yields >= s.periodicEvery {
		if w := s.duePeriodic(); w != nil {
			s.yields = 0
			return w
		}
	}
	if s.tasks != nil && !s.done {
		if entry, arg, ok := s.tasks.TryAcquireTask(); ok {
			w := s.pool.Acquire()
			s.assign(w, entry, arg)
			return w
		}
	}
	if w := s.duePeriodic(); w != nil {
		s.yields = 0
		return w
	}
	if s.onIdle != nil {
		s.onIdle()
	}
	return nil
}

// switchTo performs the context switch from the calling worker (self,
// the currently running one) to next, blocking the caller until it is
// itself resumed again. If next is self (nothing else was runnable),
// switchTo returns immediately without any channel handshake.
func (s *Scheduler) switchTo(self, next *wpool.Worker) {
	if next == self {
		self.SetState(wpool.Running)
		return
	}
	s.current = next
	next.SetState(wpool.Running)
	next.Resume()
	self.ParkSelf()
}

// Yield cooperatively relinquishes the core: the scheduler looks for
// something else to run (a ready worker, a task pulled onto an
// unassigned worker, or a due periodic worker) and, if it finds one,
// places the caller on the ready queue tail and switches to it. If
// nothing else is runnable, Yield returns immediately and the caller
// keeps running — there is nothing to relinquish the core to.
//
// self must not be pushed onto the ready queue before scheduleNext
// runs: scheduleNext tries the ready queue first, so a self-push would
// let self satisfy its own call and starve the task-source and
// periodic-worker checks below it.
func (s *Scheduler) Yield() {
	self := s.current
	next := s.scheduleNext()
	if next == nil {
		return
	}
	s.pushReady(self)
	s.switchTo(self, next)
}

// YieldPeriodic relinquishes the core on behalf of a periodic worker.
// Unlike Yield, the caller is not re-added to the ready queue: a
// periodic worker's next turn is governed by its own place in the
// periodic rotation (duePeriodic), not by re-queuing itself as
// ordinary ready work. Re-queuing here would let a periodic worker
// and whoever it resumes form a tight two-way cycle that starves the
// task source and every other periodic worker forever, since the
// ready queue always takes priority over everything else in
// scheduleNext.
func (s *Scheduler) YieldPeriodic() {
	self := s.current
	next := s.scheduleNext()
	if next == nil {
		return
	}
	self.SetState(wpool.Ready)
	s.switchTo(self, next)
}

// WaitList is an intrusive queue of blocked workers, used by
// CompletionEvent and GlobalCompletionEvent. (The reuse pool parks
// its callers on a ctxsync.Cond instead.)
type WaitList struct {
	head, tail *wpool.Worker
}

// Push appends w to the wait-list. The caller must already have set
// w's state to Blocked.
func (q *WaitList) Push(w *wpool.Worker) {
	w.Next = nil
	if q.tail == nil {
		q.head, q.tail = w, w
		return
	}
	q.tail.Next = w
	q.tail = w
}

// PopAll detaches and returns every worker on the wait-list, in FIFO
// order, leaving the list empty.
func (q *WaitList) PopAll() []*wpool.Worker {
	var out []*wpool.Worker
	for w := q.head; w != nil; {
		next := w.Next
		w.Next = nil
		out = append(out, w)
		w = next
	}
	q.head, q.tail = nil, nil
	return out
}

// Empty reports whether the wait-list has no blocked workers.
func (q *WaitList) Empty() bool { return q.head == nil }

// BlockOn removes the calling worker from runnable state, appends it
// to list, and switches to the next choice. It returns only after some
// party calls Unblock on this worker (which re-adds it to the ready
// queue and lets a later scheduleNext pick it up).
//
// BlockOn relies on there being something else for this core to run
// while self waits — another ready worker, a pullable task, or (the
// usual case once the communicator is wired in) the polling periodic
// worker, which is what ever delivers a remote Unblock in the first
// place. If truly nothing is schedulable, BlockOn retries with a
// short sleep rather than fabricating a wakeup: a worker blocked with
// no other path to progress on its core is a genuine deadlock, not a
// condition the scheduler should paper over.
func (s *Scheduler) BlockOn(list *WaitList) {
	self := s.current
	self.SetState(wpool.Blocked)
	list.Push(self)
	for {
		if next := s.scheduleNext(); next != nil {
			s.switchTo(self, next)
			return
		}
		time.Sleep(idleSleep)
	}
}

// Unblock inserts w on the ready queue; it never suspends the caller.
// w must currently be on some WaitList's owner-tracked set; callers
// are responsible for having already removed it from that list
// (PopAll does this for them).
func (s *Scheduler) Unblock(w *wpool.Worker) {
	s.pushReady(w)
}

// SignalTermination marks the process-wide done flag. The scheduler
// drains its ready queue — running each worker to completion or to
// its next block point — then Start's call chain unwinds as the
// master worker finally returns.
func (s *Scheduler) SignalTermination() {
	if s.done {
		return
	}
	s.done = true
	log.Printf("scheduler[%s]: termination signaled, draining ready queue", s.ID)
}

// Done reports whether the process-wide done flag has been set.
func (s *Scheduler) Done() bool { return s.done }
