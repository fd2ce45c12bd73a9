// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"sync"
	"testing"
	"time"
)

func TestAggregatorFlushesOnByteThreshold(t *testing.T) {
	addrs := []string{"127.0.0.1:18771", "127.0.0.1:18772"}
	comms := dialAll(t, addrs, 0)

	var mu sync.Mutex
	var gotCount int
	received := make(chan struct{})
	comms[0].RegisterHandler(9, func(a0, a1, a2 uintptr, payload []byte) {
		mu.Lock()
		gotCount++
		n := gotCount
		mu.Unlock()
		if n == 3 {
			close(received)
		}
	})

	// entrySize is 32 bytes per entry with no payload; a threshold of
	// 90 bytes flushes once the 3rd entry is enqueued (96 >= 90), never
	// before.
	agg := NewAggregator(comms[1], 90, time.Hour)
	agg.Enqueue(0, 9, 1, 0, 0, nil)
	agg.Enqueue(0, 9, 2, 0, 0, nil)
	if len(agg.bufs[0]) != 2 {
		t.Fatalf("buffer flushed early: len = %d, want 2 pending below threshold", len(agg.bufs[0]))
	}
	agg.Enqueue(0, 9, 3, 0, 0, nil)
	if len(agg.bufs[0]) != 0 {
		t.Errorf("buffer not flushed at threshold: len = %d, want 0", len(agg.bufs[0]))
	}

	waitFor(t, comms[0], received)
	mu.Lock()
	defer mu.Unlock()
	if gotCount != 3 {
		t.Errorf("handler invocation count = %d, want 3", gotCount)
	}
}

func TestAggregatorTickFlushesOnAge(t *testing.T) {
	addrs := []string{"127.0.0.1:18773", "127.0.0.1:18774"}
	comms := dialAll(t, addrs, 0)

	received := make(chan struct{})
	comms[0].RegisterHandler(3, func(a0, a1, a2 uintptr, payload []byte) {
		close(received)
	})

	fakeNow := time.Now()
	agg := NewAggregator(comms[1], 1<<20, 10*time.Millisecond)
	agg.now = func() time.Time { return fakeNow }
	agg.Enqueue(0, 3, 0, 0, 0, nil)
	agg.Tick()
	if len(agg.bufs[0]) != 1 {
		t.Fatalf("Tick flushed before maxAge elapsed: len = %d, want 1", len(agg.bufs[0]))
	}

	fakeNow = fakeNow.Add(11 * time.Millisecond)
	agg.Tick()
	if len(agg.bufs[0]) != 0 {
		t.Errorf("Tick did not flush after maxAge elapsed: len = %d, want 0", len(agg.bufs[0]))
	}

	waitFor(t, comms[0], received)
}

func TestAggregatorFlushAllDrainsEveryDestination(t *testing.T) {
	addrs := []string{"127.0.0.1:18775", "127.0.0.1:18776", "127.0.0.1:18777"}
	comms := dialAll(t, addrs, 0)

	var mu sync.Mutex
	gotFrom := make(map[int]bool)
	received := make(chan struct{})
	handler := func(rank int) Handler {
		return func(a0, a1, a2 uintptr, payload []byte) {
			mu.Lock()
			gotFrom[rank] = true
			n := len(gotFrom)
			mu.Unlock()
			if n == 2 {
				close(received)
			}
		}
	}
	comms[1].RegisterHandler(1, handler(1))
	comms[2].RegisterHandler(1, handler(2))

	agg := NewAggregator(comms[0], 1<<20, time.Hour)
	agg.Enqueue(1, 1, 0, 0, 0, nil)
	agg.Enqueue(2, 1, 0, 0, 0, nil)
	agg.FlushAll()
	if len(agg.bufs[1]) != 0 || len(agg.bufs[2]) != 0 {
		t.Fatal("FlushAll left a non-empty buffer behind")
	}

	deadline := time.After(2 * time.Second)
	for {
		comms[1].Poll()
		comms[2].Poll()
		select {
		case <-received:
			return
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
