// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgasrt implements a partitioned global address space
// runtime in the style of Grappa: a fixed number of cores, each
// running a single-threaded cooperative scheduler on its own kernel
// thread, communicating only by message passing (comm.Communicator),
// never by touching another core's memory directly.
//
// Init assembles one core's share of the runtime — its scheduler
// (scheduler.Scheduler), worker pool (wpool.Pool), communicator
// (comm.Communicator), task manager (task.Manager), loop frontend
// (loop.Manager), footprint negotiator (footprint.Negotiator), and
// diagnostics handler (diag.Handler) — and negotiates every
// heavyweight component's share of the locale-shared heap before
// returning. Run then hands control to the scheduler, which runs the
// caller's body as the first worker; Run returns once that body
// returns on this core.
package pgasrt
