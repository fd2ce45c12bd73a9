// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command gridrun runs a small pgasrt job entirely in one process,
// one goroutine per core, each core dialing every other over loopback
// TCP exactly as a real multi-node deployment would. It exists to
// demo and smoke-test the runtime locally, the way exec's
// LocalExecutor lets bigslice run a pipeline without a cluster.
package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/pgasrt"
	"github.com/grailbio/pgasrt/loop"
)

// bodyEntry and pingEntry are the demo's own entry ids; they must not
// collide with the small range pgasrt.Init reserves for the loop
// frontend's wire protocol.
const (
	bodyEntry = 16
	pingEntry = 17
)

func main() {
	numCores := flag.Int("cores", 4, "number of cores to run, each its own goroutine and loopback listener")
	localeSize := flag.Int("locale-size", 0, "cores per locale; 0 means every core shares one locale")
	n := flag.Int64("n", 1000000, "size of the range the demo Forall sums over")
	basePort := flag.Int("base-port", 19900, "first loopback TCP port; core r listens on basePort+r")
	flag.Parse()

	shutdown := grail.Init()
	defer shutdown()

	addrs := make([]string, *numCores)
	for r := range addrs {
		addrs[r] = fmt.Sprintf("127.0.0.1:%d", *basePort+r)
	}

	var sum int64
	var pings int32
	var wg sync.WaitGroup
	wg.Add(len(addrs))
	errs := make([]error, len(addrs))
	for r := range addrs {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = runCore(addrs, r, *localeSize, *n, &sum, &pings)
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			log.Fatalf("gridrun: core %d: %v", r, err)
		}
	}
	fmt.Printf("sum[0, %d) = %d, pings observed = %d\n", *n, atomic.LoadInt64(&sum), atomic.LoadInt32(&pings))
}

// runCore assembles and runs one core's Runtime. Only core 0 drives
// the ping and the cross-core Forall; every other core's body merely
// Drains (handlers are registered before Run), so it's still inside its single
// active goroutine when a dispatch from core 0 arrives (that goroutine
// chain keeps running on the periodic poller even after the body
// itself returns, per Runtime.Finalize's doc).
func runCore(addrs []string, rank, localeSize int, n int64, sum *int64, pings *int32) error {
	rt, err := pgasrt.Init(addrs, rank, 0, localeSize)
	if err != nil {
		return err
	}
	defer rt.Finalize()

	rt.RegisterBody(bodyEntry, func(lo, hi int64) {
		var local int64
		for i := lo; i < hi; i++ {
			local += i
		}
		atomic.AddInt64(sum, local)
	})
	rt.RegisterHandler(pingEntry, func(a0, a1, a2 uintptr, _ []byte) {
		atomic.AddInt32(pings, 1)
	})

	rt.Run(func(rt *pgasrt.Runtime) {
		if rt.ID().Core == 0 {
			rt.OnAllCores(pingEntry, 0, 0, 0)
			// Fixed: plain recursive bisection, no task stealing, so
			// this demo doesn't depend on a remote core's scheduler
			// still being "live" in the ordinary sense to finish its
			// share — only its periodic poller, which always is.
			rt.Forall(0, n, loop.Fixed, n/int64(4*len(addrs))+1, bodyEntry)
		}
		rt.Drain()
	})
	return nil
}
