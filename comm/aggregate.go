// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "time"

// Aggregator batches closures bound for the same destination into a
// single kindBatch message, amortizing per-message framing cost over
// many small sends (spec.md §4.3). One Aggregator wraps one
// Communicator; application code that wants batching calls Enqueue
// instead of the Communicator's own SendImmediate directly.
type Aggregator struct {
	comm *Communicator

	bufs      [][]closureEntry
	bufBytes  []int
	lastFlush []time.Time

	maxBytes int
	maxAge   time.Duration

	now func() time.Time
}

// NewAggregator returns an Aggregator flushing a destination's buffer
// once it reaches maxBytes or once maxAge has elapsed since that
// buffer's last flush, whichever comes first. maxBytes is a per-
// destination ceiling; pgasrt/footprint may shrink it after init-time
// negotiation via SetMaxBytes.
func NewAggregator(comm *Communicator, maxBytes int, maxAge time.Duration) *Aggregator {
	n := comm.NumRanks()
	a := &Aggregator{
		comm:      comm,
		bufs:      make([][]closureEntry, n),
		bufBytes:  make([]int, n),
		lastFlush: make([]time.Time, n),
		maxBytes:  maxBytes,
		maxAge:    maxAge,
		now:       time.Now,
	}
	for r := range a.lastFlush {
		a.lastFlush[r] = a.now()
	}
	return a
}

// entrySize approximates an entry's on-wire footprint: three words
// plus the id plus the payload, which is all the byte-threshold needs
// to be — an estimate the aggregator uses to decide when to flush, not
// an exact wire-size accounting.
func entrySize(e closureEntry) int {
	return 8 + 8 + 8 + 8 + len(e.Payload)
}

// Enqueue appends a closure to dst's buffer, flushing immediately if
// the buffer's estimated size has now reached maxBytes.
func (a *Aggregator) Enqueue(dst int, id uint64, a0, a1, a2 uintptr, payload []byte) {
	e := closureEntry{EntryID: id, Arg0: a0, Arg1: a1, Arg2: a2, Payload: payload}
	a.bufs[dst] = append(a.bufs[dst], e)
	a.bufBytes[dst] += entrySize(e)
	if a.bufBytes[dst] >= a.maxBytes {
		a.flush(dst)
	}
}

// Tick flushes every destination buffer whose age has reached maxAge. The
// polling periodic worker calls this once per round, alongside
// Communicator.Poll, so that a buffer with too little traffic to ever
// hit the byte threshold still drains in bounded time.
func (a *Aggregator) Tick() {
	now := a.now()
	for dst := range a.bufs {
		if len(a.bufs[dst]) == 0 {
			continue
		}
		if now.Sub(a.lastFlush[dst]) >= a.maxAge {
			a.flush(dst)
		}
	}
}

// FlushAll flushes every non-empty destination buffer unconditionally.
// Barrier calls this before entering the collective, since spec.md
// requires every previously issued message to be delivered by the
// time Barrier returns, and a message still sitting in an aggregation
// buffer hasn't been sent at all yet.
func (a *Aggregator) FlushAll() {
	for dst := range a.bufs {
		if len(a.bufs[dst]) > 0 {
			a.flush(dst)
		}
	}
}

// Backpressure flushes dst's buffer immediately regardless of size or
// age. It exists for a transport-level signal that the connection to
// dst is filling up and should be drained rather than grown further;
// this Communicator's plain TCP connections never raise one yet
// (net.Conn.Write blocks instead of signaling), so nothing calls this
// today, but the hook is here for a future transport that can.
func (a *Aggregator) Backpressure(dst int) {
	if len(a.bufs[dst]) > 0 {
		a.flush(dst)
	}
}

// SetMaxBytes adjusts the per-destination byte threshold, used by
// pgasrt/footprint after init-time negotiation shrinks every
// heavyweight component's share of the locale-shared heap
// proportionally (spec.md §4.3, §9).
func (a *Aggregator) SetMaxBytes(n int) {
	a.maxBytes = n
}

func (a *Aggregator) flush(dst int) {
	batch := a.bufs[dst]
	a.bufs[dst] = nil
	a.bufBytes[dst] = 0
	a.lastFlush[dst] = a.now()
	a.comm.sendBatch(dst, batch)
}
