// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgasrt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/pgasrt/loop"
)

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.StartingWorkers <= 0 {
		t.Errorf("StartingWorkers = %d, want > 0", cfg.StartingWorkers)
	}
	if cfg.LocaleSharedFraction <= 0 || cfg.LocaleSharedFraction > 1 {
		t.Errorf("LocaleSharedFraction = %v, want in (0, 1]", cfg.LocaleSharedFraction)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	cfg := DefaultConfig()
	for _, opt := range []Option{
		StartingWorkers(8),
		NodeMemsizeBytes(1 << 20),
		LocaleSharedFraction(0.25),
		GlobalHeapFraction(0.1),
		AggregatorMaxBytes(256),
		StealBatch(2),
		MaxStealRetries(1),
		SetAffinity(true),
	} {
		opt(&cfg)
	}
	if cfg.StartingWorkers != 8 || cfg.NodeMemsizeBytes != 1<<20 || cfg.LocaleSharedFraction != 0.25 ||
		cfg.GlobalHeapFraction != 0.1 || cfg.AggregatorMaxBytes != 256 || cfg.StealBatch != 2 ||
		cfg.MaxStealRetries != 1 || !cfg.SetAffinity {
		t.Errorf("Options did not apply: %+v", cfg)
	}
}

func TestInitRunsBodyAndNegotiatesFootprint(t *testing.T) {
	addrs := []string{"127.0.0.1:19801"}
	rt, err := Init(addrs, 0, 0, 1,
		NodeMemsizeBytes(1<<20),
		LocaleSharedFraction(0.5),
		AggregatorMaxBytes(64),
	)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rt.GlobalHeapBytes() <= 0 {
		t.Errorf("GlobalHeapBytes() = %d, want > 0", rt.GlobalHeapBytes())
	}

	const bodyEntry = 16
	var sum int64
	rt.RegisterBody(bodyEntry, func(lo, hi int64) {
		for i := lo; i < hi; i++ {
			atomic.AddInt64(&sum, 1)
		}
	})

	var ran bool
	rt.Run(func(rt *Runtime) {
		rt.ForallHere(0, 100, loop.Fixed, 10, bodyEntry)
		rt.Forall(0, 50, loop.Balancing, 5, bodyEntry)
		rt.Drain()
		ran = true
	})
	if !ran {
		t.Fatal("body never ran")
	}
	if got := atomic.LoadInt64(&sum); got != 150 {
		t.Errorf("sum = %d, want 150", got)
	}

	rt.Status().Printf("test complete")
	rt.Finalize()
}

func TestInitFailsOnBadAddress(t *testing.T) {
	_, err := Init([]string{"256.256.256.256:0"}, 0, 0, 1)
	if err == nil {
		t.Fatal("Init succeeded on an unlistenable address")
	}
}

func TestRuntimeDumpDoesNotPanic(t *testing.T) {
	addrs := []string{"127.0.0.1:19802"}
	rt, err := Init(addrs, 0, 0, 1)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer rt.Finalize()

	done := make(chan struct{})
	go func() {
		rt.Dump("test")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dump did not return")
	}
}
