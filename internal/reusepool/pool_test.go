// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package reusepool

import (
	"context"
	"testing"
	"time"
)

func TestPoolLIFO(t *testing.T) {
	p := New[int](0)
	a, b, c := new(int), new(int), new(int)
	*a, *b, *c = 1, 2, 3
	p.Push(a)
	p.Push(b)
	p.Push(c)
	if got := p.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	// LIFO: last pushed pops first.
	if got := p.TryPop(); got != c {
		t.Errorf("TryPop() = %v, want %v", got, c)
	}
	if got := p.TryPop(); got != b {
		t.Errorf("TryPop() = %v, want %v", got, b)
	}
	if got := p.TryPop(); got != a {
		t.Errorf("TryPop() = %v, want %v", got, a)
	}
	if got := p.TryPop(); got != nil {
		t.Errorf("TryPop() on empty pool = %v, want nil", got)
	}
}

func TestPoolCapacityRejectsPush(t *testing.T) {
	p := New[int](1)
	a, b := new(int), new(int)
	if !p.Push(a) {
		t.Fatal("first Push into capacity-1 pool was rejected")
	}
	if p.Push(b) {
		t.Fatal("second Push into capacity-1 pool should have been rejected")
	}
	if got := p.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestPoolBlockUntilPop(t *testing.T) {
	p := New[int](0)
	v := new(int)
	*v = 42

	done := make(chan *int, 1)
	go func() {
		got, err := p.BlockUntilPop(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("BlockUntilPop returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	p.Push(v)
	select {
	case got := <-done:
		if got != v {
			t.Errorf("BlockUntilPop() = %v, want %v", got, v)
		}
	case <-time.After(time.Second):
		t.Fatal("BlockUntilPop did not wake after Push")
	}
}

func TestPoolBlockUntilPopContextCanceled(t *testing.T) {
	p := New[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.BlockUntilPop(ctx); err != context.Canceled {
		t.Errorf("BlockUntilPop() err = %v, want context.Canceled", err)
	}
}
