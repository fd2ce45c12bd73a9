// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ce

import (
	"testing"

	"github.com/grailbio/pgasrt/rtcore"
	"github.com/grailbio/pgasrt/scheduler"
	"github.com/grailbio/pgasrt/wpool"
)

func newTestScheduler() *scheduler.Scheduler {
	id := rtcore.Of(0, 1, 1)
	pool := wpool.NewPool(0)
	return scheduler.New(id, pool, nil, 1)
}

func TestCompletionEventImmediate(t *testing.T) {
	sched := newTestScheduler()
	c := New(sched)
	// Counter starts at zero; Wait must return without suspending
	// anything (there is nothing else runnable on this scheduler).
	sched.Start(func(interface{}) {
		c.Wait()
	}, nil)
}

func TestCompletionEventFanIn(t *testing.T) {
	const n = 50
	sched := newTestScheduler()
	c := New(sched)

	var ran [n]bool
	sched.Start(func(interface{}) {
		c.Enroll(n)
		for i := 0; i < n; i++ {
			i := i
			sched.Spawn(func(interface{}) {
				ran[i] = true
				c.Complete1()
			}, nil)
		}
		c.Wait()
	}, nil)

	for i, v := range ran {
		if !v {
			t.Errorf("task %d did not run before Wait returned", i)
		}
	}
	if got := c.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestCompletionEventOvercompleteePanics(t *testing.T) {
	// Complete touches only the CompletionEvent's own counter, never the
	// scheduler, so it is exercised directly from the test goroutine: a
	// panic raised inside a worker's backing goroutine (e.g. via
	// sched.Start) would not be caught by a recover() on the test
	// goroutine's own stack, since recover never crosses goroutines.
	sched := newTestScheduler()
	c := New(sched)
	c.Enroll(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from completing more than enrolled")
		}
	}()
	c.Complete(2)
}

func TestCompletionEventReusableAcrossRounds(t *testing.T) {
	sched := newTestScheduler()
	c := New(sched)
	var rounds int
	sched.Start(func(interface{}) {
		for r := 0; r < 3; r++ {
			c.Enroll(1)
			sched.Spawn(func(interface{}) {
				c.Complete1()
			}, nil)
			c.Wait()
			rounds++
		}
	}, nil)
	if rounds != 3 {
		t.Fatalf("rounds = %d, want 3", rounds)
	}
}
