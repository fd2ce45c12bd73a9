// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package diag implements the runtime's diagnostics surface (spec.md
// §4.7, §6): SIGSEGV and SIGUSR2 handling, FREEZE/FREEZE_ON_ERROR
// debugger-attach pauses, and dump rendering, backed by a dump store
// that can hold blobs locally or upload them to S3.
package diag

import (
	"encoding/json"
	"io"
	"sync"
)

// TraceEvent is one Chrome-trace-format event: the same shape
// internal/trace/trace.go used for bigslice task events, recording
// scheduler/task-manager/aggregator activity instead.
type TraceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Trace is a full Chrome-trace-format event log, as cmd/gridtrace
// reads it.
type Trace struct {
	Events []TraceEvent `json:"traceEvents"`
}

// Encode writes t as Chrome's JSON trace format.
func (t *Trace) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a Trace previously written by Encode.
func (t *Trace) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}

// Recorder accumulates the trace events passed to Record for one
// core; Handler.Dump writes them into a dump. No runtime component
// calls Record, so within pgasrt a Recorder holds only what its
// caller records. It is safe for concurrent use since the diagnostics signal
// handler runs on its own goroutine and may dump a trace while the
// core's own scheduling goroutine is still recording into it.
type Recorder struct {
	mu    sync.Mutex
	pid   int
	trace Trace
}

// NewRecorder returns a Recorder for one core, identified as pid in
// every event it records (Chrome's trace viewer groups rows by pid).
func NewRecorder(core int) *Recorder {
	return &Recorder{pid: core}
}

// Record appends one event. ts is a monotonic microsecond timestamp
// supplied by the caller, since this package has no clock of its own
// to stay deterministic under test.
func (r *Recorder) Record(ts int64, ph, name, cat string, tid int, dur int64, args map[string]interface{}) {
	r.mu.Lock()
	r.trace.Events = append(r.trace.Events, TraceEvent{
		Pid: r.pid, Tid: tid, Ts: ts, Ph: ph, Dur: dur, Name: name, Cat: cat, Args: args,
	})
	r.mu.Unlock()
}

// WriteTo encodes the accumulated trace to w.
func (r *Recorder) WriteTo(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace.Encode(w)
}

// Len reports how many events have been recorded so far, for tests
// and for deciding whether a dump has anything worth attaching.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trace.Events)
}
