// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "github.com/grailbio/pgasrt/task"

// wireKind tags a wireMessage with which handler it is destined for.
// A single flat struct, rather than one gob type per kind, keeps the
// wire format and the decode path simple: unused fields for a given
// kind are always zero and cost nothing but a few bytes on the wire.
type wireKind uint8

const (
	kindClosure wireKind = iota
	kindStealRequest
	kindStealReply
	kindQuiescent
	kindAwake
	kindTerminate
	kindContribution
	kindRelease
	kindBarrierEnter
	kindBarrierRelease
	kindBatch
	kindOnAllCoresCall
	kindOnAllCoresAck
)

// closureEntry is one packed closure inside a kindBatch message: the
// same (id, args, payload) shape as a standalone kindClosure message,
// but without its own wireMessage wrapper, since the aggregator's
// whole point is to amortize that wrapper's framing cost across many
// closures in one send.
type closureEntry struct {
	EntryID          uint64
	Arg0, Arg1, Arg2 uintptr
	Payload          []byte
}

// wireMessage is the one envelope type every peer connection's reader
// goroutine decodes. It is never constructed or inspected outside this
// package; Register/SendImmediate and the ce.Transport/task.Transport
// methods are the only way to produce or consume one.
type wireMessage struct {
	Kind wireKind

	// kindClosure: an entry id plus fixed-size arguments, exactly the
	// Task encoding task.Task uses, since a closure can't survive a
	// trip across a gob stream on its own (spec.md §9 design note).
	EntryID          uint64
	Arg0, Arg1, Arg2 uintptr
	Payload          []byte

	// kindStealRequest/kindStealReply
	Thief     int
	BatchSize int
	Tasks     []task.Task

	// kindQuiescent/kindAwake: which rank is reporting.
	Rank int

	// kindContribution/kindRelease: which GlobalCompletionEvent (by
	// its Transport.Register id) and which phase.
	GCEID uint64
	Phase uint64

	// kindBarrierEnter/kindBarrierRelease
	BarrierPhase uint64

	// kindBatch: a run of closures flushed together by the aggregator.
	Batch []closureEntry

	// kindOnAllCoresCall reuses EntryID/Arg0-2 for the closure to run
	// and Rank/BarrierPhase for the originating core and call phase, so
	// the matching kindOnAllCoresAck (BarrierPhase only) can route back
	// to the right OnAllCores call.
}

// helloMessage is the one-shot handshake a dialing peer sends so the
// accepting side learns which rank the new connection belongs to;
// TCP's accept loop alone has no way to recover that from the socket.
type helloMessage struct {
	Rank int
}
