// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgasrt

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/pgasrt/ce"
	"github.com/grailbio/pgasrt/comm"
	"github.com/grailbio/pgasrt/diag"
	"github.com/grailbio/pgasrt/footprint"
	"github.com/grailbio/pgasrt/loop"
	"github.com/grailbio/pgasrt/rtcore"
	"github.com/grailbio/pgasrt/scheduler"
	"github.com/grailbio/pgasrt/task"
	"github.com/grailbio/pgasrt/wpool"
	"github.com/xlab/treeprint"
)

// loopRegEntryID and loopDispatchEntryID are the two comm entry ids
// the runtime reserves for loop.Manager's own wire protocol (spec.md
// §9: a handful of low entry ids are reserved by the runtime itself,
// the rest are free for application bodies registered with
// RegisterBody/Register). Application code should start its own ids
// at 16 or above.
const (
	loopRegEntryID      = 0
	loopDispatchEntryID = 1
)

// Runtime is one core's share of a running job: its scheduler, worker
// pool, communicator, task manager, loop frontend, footprint
// negotiator, and diagnostics handler, all built and negotiated by
// Init.
type Runtime struct {
	id  rtcore.ID
	cfg Config

	pool   *wpool.Pool
	sched  *scheduler.Scheduler
	net    *comm.Communicator
	agg    *comm.Aggregator
	tasks  *task.Manager
	loops  *loop.Manager
	neg    *footprint.Negotiator
	diag   *diag.Handler
	rec    *diag.Recorder
	status *status.Group

	localeSharedBytes int64
	globalHeapBytes   int64
}

// ID returns this core's identity.
func (rt *Runtime) ID() rtcore.ID { return rt.id }

// Status returns the status group this Runtime reports component
// health and progress to, mirroring bigmachine's status.Group usage
// in exec.Bigmachine.
func (rt *Runtime) Status() *status.Group { return rt.status }

// GlobalHeapBytes returns the size Init resolved for the global heap,
// per ResolveGlobalHeapBytes.
func (rt *Runtime) GlobalHeapBytes() int64 { return rt.globalHeapBytes }

// Init derives this process's rtcore.ID from its position in addrs,
// dials every peer, assembles this core's scheduler/task
// manager/loop frontend/diagnostics handler, and negotiates the
// locale-shared heap across every component that registered a
// footprint request. addrs must list every core's listen address in
// rank order; localeSize is how many of those cores share a locale
// (physical node) — addrs is assumed laid out so cores
// [locale*localeSize, (locale+1)*localeSize) are co-located.
func Init(addrs []string, rank, root, localeSize int, opts ...Option) (*Runtime, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if localeSize <= 0 {
		localeSize = len(addrs)
	}
	numLocales := len(addrs) / localeSize
	if numLocales == 0 {
		numLocales = 1
	}
	id := rtcore.Of(rank, numLocales, localeSize)

	net, err := comm.Dial(rank, root, addrs)
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Errorf("pgasrt: dial: %w", err))
	}

	pool := wpool.NewPool(cfg.StartingWorkers)
	sched := scheduler.New(id, pool, nil, cfg.PeriodicEvery)

	tasks := task.NewManager(sched, net, cfg.StealBatch, cfg.MaxStealRetries)
	sched.SetTaskSource(tasks)
	net.SetTaskHandler(tasks)

	loops := loop.NewManager(net, tasks, loopRegEntryID, loopDispatchEntryID)

	agg := comm.NewAggregator(net, cfg.AggregatorMaxBytes, cfg.AggregatorMaxAge)

	neg := footprint.NewNegotiator()
	neg.Register(&footprint.Component{
		Name:      "aggregator",
		Requested: int64(cfg.AggregatorMaxBytes) * int64(len(addrs)),
		Min:       int64(cfg.AggregatorMaxBytes),
		Shrink: func(granted int64) {
			perDest := int(granted / int64(len(addrs)))
			if perDest < 1 {
				perDest = 1
			}
			agg.SetMaxBytes(perDest)
		},
	})

	localeSharedBytes := int64(float64(cfg.NodeMemsizeBytes) * cfg.LocaleSharedFraction)
	if err := neg.Negotiate(localeSharedBytes); err != nil {
		return nil, err
	}
	globalHeapBytes := footprint.ResolveGlobalHeapBytes(cfg.GlobalHeapBytes, localeSharedBytes, cfg.GlobalHeapFraction)

	var statusRoot status.Status
	rt := &Runtime{
		id:                id,
		cfg:               cfg,
		pool:              pool,
		sched:             sched,
		net:               net,
		agg:               agg,
		tasks:             tasks,
		loops:             loops,
		neg:               neg,
		localeSharedBytes: localeSharedBytes,
		globalHeapBytes:   globalHeapBytes,
		status:            statusRoot.Group(fmt.Sprintf("pgasrt-core-%d", rank)),
	}

	poller := wpool.NewFresh(fmt.Sprintf("core-%d-poller", rank))
	poller.Reset(func(interface{}) {
		for {
			rt.net.Poll()
			rt.agg.Tick()
			rt.sched.YieldPeriodic()
		}
	}, nil)
	poller.Bind()
	sched.RegisterPeriodic(poller)

	rt.rec = diag.NewRecorder(rank)
	rt.diag = diag.Install(rank, rt.snapshot, rt.rec, nil)

	rt.status.Printf("locale-shared=%d global-heap=%d", localeSharedBytes, globalHeapBytes)
	log.Printf("pgasrt: %s initialized, locale-shared=%d global-heap=%d", id, localeSharedBytes, globalHeapBytes)
	return rt, nil
}

// Run starts this core's scheduler with body as the first worker and
// blocks until body returns on this core. It does not wait for other
// cores or for distributed termination; see Finalize for what keeps
// running after Run returns.
func (rt *Runtime) Run(body func(*Runtime)) {
	rt.sched.Start(func(interface{}) {
		body(rt)
	}, nil)
}

// Finalize stops this core's diagnostics handler. It does not close
// the underlying connections; a process that calls Finalize is
// expected to exit shortly after.
//
// Finalize is safe to call from outside the body passed to Run,
// unlike Drain: once Run returns, this core's periodic poller keeps
// servicing the communicator and task manager on its own goroutine
// (the scheduler's worker handoff chain doesn't stop just because the
// master worker did), so nothing other than the self-contained signal
// handler in diag.Handler may be touched from the caller's goroutine
// after Run returns.
func (rt *Runtime) Finalize() {
	if rt.diag != nil {
		rt.diag.Stop()
	}
}

// Drain flushes any aggregated messages still in flight and blocks
// until every core has reached this call. Unlike Finalize, Drain must
// be called from within the body passed to Run — it touches the
// communicator and aggregator directly, which is only safe from this
// core's own single active goroutine.
func (rt *Runtime) Drain() {
	rt.agg.FlushAll()
	rt.net.Barrier()
}

// RegisterHandler registers h under id so any core can reach it with
// SendImmediate or OnAllCores (spec.md §6's messaging primitives,
// exposed here for application code that needs its own collectives
// beyond what loop.Manager and task.Manager already use reserved ids
// for).
func (rt *Runtime) RegisterHandler(id uint64, h comm.Handler) {
	rt.net.RegisterHandler(id, h)
}

// SendImmediate sends a single message to dst's handler registered
// under id.
func (rt *Runtime) SendImmediate(dst int, id uint64, a0, a1, a2 uintptr) {
	rt.net.SendImmediate(dst, id, a0, a1, a2)
}

// OnAllCores invokes the handler registered under id on every core,
// including this one, and blocks until delivery is confirmed
// everywhere (spec.md §6's on_all_cores collective).
func (rt *Runtime) OnAllCores(id uint64, a0, a1, a2 uintptr) {
	rt.net.OnAllCores(id, a0, a1, a2)
}

// Barrier blocks until every core has reached this call.
func (rt *Runtime) Barrier() { rt.net.Barrier() }

// RegisterTask registers fn under id so any core can spawn a Task
// naming it with SpawnPublic or SpawnPrivate.
func (rt *Runtime) RegisterTask(id uint64, fn task.Func) {
	rt.tasks.Register(id, fn)
}

// SpawnPublic enqueues t on this core's public deque, where other
// cores' stealers may take it.
func (rt *Runtime) SpawnPublic(t task.Task) { rt.tasks.SpawnPublic(t) }

// SpawnPrivate enqueues t on this core's private deque, never stolen.
func (rt *Runtime) SpawnPrivate(t task.Task) { rt.tasks.SpawnPrivate(t) }

// NewCompletionEvent returns a single-core completion event bound to
// this core's scheduler.
func (rt *Runtime) NewCompletionEvent() *ce.CompletionEvent {
	return ce.New(rt.sched)
}

// NewGlobalCompletionEvent returns a cross-core completion event
// identified by id, which must be distinct from every other
// GlobalCompletionEvent and loop invocation id live at the same time.
func (rt *Runtime) NewGlobalCompletionEvent(id uint64) *ce.GlobalCompletionEvent {
	return ce.NewGlobal(rt.sched, rt.net, id)
}

// RegisterBody registers body under id for use with Forall/ForallHere
// and their async variants, identically on every core (spec.md §9:
// only the id crosses the wire, never the closure itself).
func (rt *Runtime) RegisterBody(id uint64, body loop.Body) {
	rt.loops.RegisterBody(id, body)
}

// Forall decomposes [lo, hi) across every core and runs bodyEntry
// (previously registered with RegisterBody) over each resulting leaf
// range, blocking until every core has finished its share.
func (rt *Runtime) Forall(lo, hi int64, strategy loop.Strategy, threshold int64, bodyEntry uint64) {
	rt.loops.Forall(lo, hi, strategy, threshold, bodyEntry)
}

// ForallAsync is Forall's non-blocking form: it returns the
// GlobalCompletionEvent the caller should Wait() on.
func (rt *Runtime) ForallAsync(lo, hi int64, strategy loop.Strategy, threshold int64, bodyEntry uint64) *ce.GlobalCompletionEvent {
	return rt.loops.ForallAsync(lo, hi, strategy, threshold, bodyEntry)
}

// ForallHere decomposes [lo, hi) on this core only, without any
// cross-core dispatch.
func (rt *Runtime) ForallHere(lo, hi int64, strategy loop.Strategy, threshold int64, bodyEntry uint64) {
	rt.loops.ForallHere(lo, hi, strategy, threshold, bodyEntry)
}

// ForallHereAsync is ForallHere's non-blocking form.
func (rt *Runtime) ForallHereAsync(lo, hi int64, strategy loop.Strategy, threshold int64, bodyEntry uint64) *ce.GlobalCompletionEvent {
	return rt.loops.ForallHereAsync(lo, hi, strategy, threshold, bodyEntry)
}

// Dump renders and logs a diagnostic snapshot of this core, exactly
// as if SIGUSR2 had been delivered to it.
func (rt *Runtime) Dump(reason string) { rt.diag.Dump(reason) }

// snapshot renders this core's current state as a tree for
// diag.Handler.Dump: task deque depths and the locale-shared/global
// heap split negotiated at Init.
func (rt *Runtime) snapshot() treeprint.Tree {
	t := treeprint.New()
	t.SetValue(rt.id.String())
	t.AddNode(fmt.Sprintf("tasks: private=%d public=%d", rt.tasks.PrivateLen(), rt.tasks.PublicLen()))
	t.AddNode(fmt.Sprintf("heap: locale-shared=%d global=%d", rt.localeSharedBytes, rt.globalHeapBytes))
	return t
}
