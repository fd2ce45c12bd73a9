// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loop

import (
	"sync"
	"testing"

	"github.com/grailbio/pgasrt/ce"
	"github.com/grailbio/pgasrt/comm"
	"github.com/grailbio/pgasrt/rtcore"
	"github.com/grailbio/pgasrt/scheduler"
	"github.com/grailbio/pgasrt/task"
	"github.com/grailbio/pgasrt/wpool"
)

// fakeFabric is an in-process Transport for numRanks cores, combining
// ce's and task's own fakeFabric patterns (see ce/gce_test.go,
// task/manager_test.go): every cross-core send is a closure enqueued
// on the destination's own inbox, drained only by that rank's own
// poller worker running on its own goroutine, so no rank's Manager
// state is ever touched from a foreign goroutine.
type fakeFabric struct {
	root    int
	scheds  []*scheduler.Scheduler
	tasks   []*task.Manager
	loops   []*Manager
	inbox   []chan func()
	allRank []int

	mu          sync.Mutex
	handlers    []map[uint64]comm.Handler
	gceHandlers []map[uint64]ce.Handler
}

func newFakeFabric(numRanks, root int) *fakeFabric {
	f := &fakeFabric{root: root}
	for i := 0; i < numRanks; i++ {
		id := rtcore.Of(i, numRanks, 1)
		f.scheds = append(f.scheds, scheduler.New(id, wpool.NewPool(0), nil, 2))
		f.inbox = append(f.inbox, make(chan func(), 1024))
		f.allRank = append(f.allRank, i)
		f.handlers = append(f.handlers, make(map[uint64]comm.Handler))
		f.gceHandlers = append(f.gceHandlers, make(map[uint64]ce.Handler))
	}
	for i := 0; i < numRanks; i++ {
		v := rankView{f, i}
		tm := task.NewManager(f.scheds[i], v, 64, 4)
		f.scheds[i].SetTaskSource(tm)
		f.tasks = append(f.tasks, tm)
		f.loops = append(f.loops, NewManager(v, tm, 1000, 1001))
	}
	return f
}

func (f *fakeFabric) startPoller(rank int, stop <-chan struct{}) {
	sched := f.scheds[rank]
	w := wpool.NewFresh("poller")
	w.Reset(func(interface{}) {
		for {
			select {
			case <-stop:
				return
			case fn := <-f.inbox[rank]:
				fn()
			default:
			}
			sched.YieldPeriodic()
		}
	}, nil)
	w.Bind()
	sched.RegisterPeriodic(w)
}

type rankView struct {
	f    *fakeFabric
	rank int
}

func (v rankView) Rank() int     { return v.rank }
func (v rankView) NumRanks() int { return len(v.f.scheds) }
func (v rankView) Root() int     { return v.f.root }

func (v rankView) Neighbors() []int {
	var out []int
	for _, r := range v.f.allRank {
		if r != v.rank {
			out = append(out, r)
		}
	}
	return out
}

// ce.Transport
func (v rankView) Register(id uint64, h ce.Handler) {
	v.f.mu.Lock()
	v.f.gceHandlers[v.rank][id] = h
	v.f.mu.Unlock()
}

func (v rankView) SendContribution(dst int, id uint64, phase uint64) {
	v.f.inbox[dst] <- func() { v.f.gceHandlers[dst][id].HandleContribution(phase) }
}

func (v rankView) SendRelease(dst int, id uint64, phase uint64) {
	v.f.inbox[dst] <- func() { v.f.gceHandlers[dst][id].HandleRelease(phase) }
}

// task.Transport
func (v rankView) SendStealRequest(dst, thief, batch int) {
	v.f.inbox[dst] <- func() { v.f.tasks[dst].HandleStealRequest(thief, batch) }
}

func (v rankView) SendStealReply(dst int, tasks []task.Task) {
	v.f.inbox[dst] <- func() { v.f.tasks[dst].HandleStealReply(tasks) }
}

func (v rankView) SendQuiescent(dst int) {
	v.f.inbox[dst] <- func() { v.f.tasks[dst].HandleQuiescent(v.rank) }
}

func (v rankView) SendAwake(dst int) {
	v.f.inbox[dst] <- func() { v.f.tasks[dst].HandleAwake(v.rank) }
}

func (v rankView) SendTerminate(dst int) {
	v.f.inbox[dst] <- func() { v.f.tasks[dst].HandleTerminate() }
}

// loop.Transport's own closure dispatch and broadcast.
func (v rankView) RegisterHandler(id uint64, h comm.Handler) {
	v.f.mu.Lock()
	v.f.handlers[v.rank][id] = h
	v.f.mu.Unlock()
}

func (v rankView) SendImmediate(dst int, id uint64, a0, a1, a2 uintptr) {
	v.f.inbox[dst] <- func() {
		v.f.mu.Lock()
		h := v.f.handlers[dst][id]
		v.f.mu.Unlock()
		h(a0, a1, a2, nil)
	}
}

// OnAllCores blocks the calling goroutine until every other rank's own
// poller has run the handler, rather than racing this rank's Manager
// state against a foreign rank's scheduler goroutine. This rank's own
// copy runs synchronously inline, exactly like comm.Communicator.send
// short-circuiting a self-addressed message instead of round-tripping
// it through the inbox: the calling goroutine already is this rank's
// own single-threaded timeline, and waiting on its own poller to drain
// the inbox would deadlock, since that poller can only run once this
// very call returns control to the scheduler.
func (v rankView) OnAllCores(id uint64, a0, a1, a2 uintptr) {
	n := len(v.f.scheds)
	done := make(chan struct{}, n)
	pending := 0
	for r := 0; r < n; r++ {
		if r == v.rank {
			v.f.mu.Lock()
			h := v.f.handlers[r][id]
			v.f.mu.Unlock()
			h(a0, a1, a2, nil)
			continue
		}
		r := r
		pending++
		v.f.inbox[r] <- func() {
			v.f.mu.Lock()
			h := v.f.handlers[r][id]
			v.f.mu.Unlock()
			h(a0, a1, a2, nil)
			done <- struct{}{}
		}
	}
	for i := 0; i < pending; i++ {
		<-done
	}
}

// TestForallHereFixedCoversEveryLeafOnce exercises the single-core
// Fixed strategy: no stealing, no cross-core traffic, just recursive
// bisection down to threshold.
func TestForallHereFixedCoversEveryLeafOnce(t *testing.T) {
	f := newFakeFabric(1, 0)
	const n = int64(10000)
	var mu sync.Mutex
	seen := make(map[int64]bool)
	f.loops[0].RegisterBody(1, func(lo, hi int64) {
		mu.Lock()
		for i := lo; i < hi; i++ {
			seen[i] = true
		}
		mu.Unlock()
	})

	f.scheds[0].Start(func(interface{}) {
		f.loops[0].ForallHere(0, n, Fixed, 37, 1)
	}, nil)

	if int64(len(seen)) != n {
		t.Fatalf("covered %d of %d indices", len(seen), n)
	}
}

// TestForallHereBalancingStealsAcrossCores runs a single-core
// ForallHereAsync with Balancing on rank 0, whose public sub-tasks are
// stolen by rank 1, which starts with no local work of its own.
func TestForallHereBalancingStealsAcrossCores(t *testing.T) {
	f := newFakeFabric(2, 0)
	stop := make(chan struct{})
	defer close(stop)
	f.startPoller(0, stop)
	f.startPoller(1, stop)

	const n = int64(20000)
	var mu sync.Mutex
	count := 0
	ranOnCore := make(map[int]bool)
	body := func(core int) Body {
		return func(lo, hi int64) {
			mu.Lock()
			count += int(hi - lo)
			ranOnCore[core] = true
			mu.Unlock()
		}
	}
	f.loops[0].RegisterBody(1, body(0))
	f.loops[1].RegisterBody(1, body(1))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.scheds[0].Start(func(interface{}) {
			f.loops[0].ForallHere(0, n, Balancing, 100, 1)
			for i := 0; i < 50 && !f.scheds[0].Done(); i++ {
				f.scheds[0].Yield()
			}
		}, nil)
	}()
	go func() {
		defer wg.Done()
		f.scheds[1].Start(func(interface{}) {
			for i := 0; i < 400 && !f.scheds[1].Done(); i++ {
				f.scheds[1].Yield()
			}
		}, nil)
	}()
	wg.Wait()

	if count != int(n) {
		t.Errorf("total iterations run = %d, want %d", count, n)
	}
}

// TestForallFixedRangeLocalized splits a range across 3 cores and
// checks every index is covered exactly once, tallied per
// destination core via a shared counting mutex.
func TestForallFixedRangeLocalized(t *testing.T) {
	const numRanks = 3
	f := newFakeFabric(numRanks, 0)
	stop := make(chan struct{})
	defer close(stop)
	for r := 0; r < numRanks; r++ {
		f.startPoller(r, stop)
	}

	const n = int64(99991)
	var mu sync.Mutex
	seen := make(map[int64]int)
	for r := 0; r < numRanks; r++ {
		f.loops[r].RegisterBody(1, func(lo, hi int64) {
			mu.Lock()
			for i := lo; i < hi; i++ {
				seen[i]++
			}
			mu.Unlock()
		})
	}

	var wg sync.WaitGroup
	wg.Add(numRanks)
	for r := 0; r < numRanks; r++ {
		r := r
		go func() {
			defer wg.Done()
			f.scheds[r].Start(func(interface{}) {
				if r == 0 {
					f.loops[0].Forall(0, n, Fixed, 211, 1)
				}
				for i := 0; i < 500 && !f.scheds[r].Done(); i++ {
					f.scheds[r].Yield()
				}
			}, nil)
		}()
	}
	wg.Wait()

	if int64(len(seen)) != n {
		t.Fatalf("covered %d of %d indices", len(seen), n)
	}
	for i, c := range seen {
		if c != 1 {
			t.Fatalf("index %d seen %d times, want 1", i, c)
		}
	}
}

// TestForallBalancingRangeLocalized is like
// TestForallFixedRangeLocalized but with Balancing, so each core's
// segment further fans out into stealable sub-tasks.
func TestForallBalancingRangeLocalized(t *testing.T) {
	const numRanks = 3
	f := newFakeFabric(numRanks, 0)
	stop := make(chan struct{})
	defer close(stop)
	for r := 0; r < numRanks; r++ {
		f.startPoller(r, stop)
	}

	const n = int64(50021)
	var mu sync.Mutex
	total := 0
	for r := 0; r < numRanks; r++ {
		f.loops[r].RegisterBody(1, func(lo, hi int64) {
			mu.Lock()
			total += int(hi - lo)
			mu.Unlock()
		})
	}

	var wg sync.WaitGroup
	wg.Add(numRanks)
	for r := 0; r < numRanks; r++ {
		r := r
		go func() {
			defer wg.Done()
			f.scheds[r].Start(func(interface{}) {
				if r == 0 {
					f.loops[0].Forall(0, n, Balancing, 97, 1)
				}
				for i := 0; i < 2000 && !f.scheds[r].Done(); i++ {
					f.scheds[r].Yield()
				}
			}, nil)
		}()
	}
	wg.Wait()

	if total != int(n) {
		t.Errorf("total iterations run = %d, want %d", total, n)
	}
}

func TestBlockSegmentCoversWholeRangeDisjointly(t *testing.T) {
	const lo, hi, numCores = int64(7), int64(10003), 5
	var total int64
	for c := 0; c < numCores; c++ {
		segLo, segHi := blockSegment(lo, hi, c, numCores)
		if segLo > segHi {
			t.Fatalf("core %d: segLo %d > segHi %d", c, segLo, segHi)
		}
		total += segHi - segLo
	}
	if total != hi-lo {
		t.Errorf("segments covered %d of %d", total, hi-lo)
	}
}

func TestPackMetaRoundTrips(t *testing.T) {
	for _, tc := range []struct {
		threshold int64
		strategy  Strategy
	}{
		{0, Fixed}, {1, Balancing}, {1 << 40, Fixed}, {1 << 40, Balancing},
	} {
		gotThreshold, gotStrategy := unpackMeta(packMeta(tc.threshold, tc.strategy))
		if gotThreshold != tc.threshold || gotStrategy != tc.strategy {
			t.Errorf("packMeta(%d, %v) round-tripped to (%d, %v)", tc.threshold, tc.strategy, gotThreshold, gotStrategy)
		}
	}
}
