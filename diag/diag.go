// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package diag

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grailbio/base/log"
	ps "github.com/keybase/go-ps"
	"github.com/xlab/treeprint"
)

// Snapshot is a callback the hosting runtime registers to describe its
// current state as a tree: outstanding GlobalCompletionEvent phases,
// task deque depths, steal activity, whatever is useful in a dump.
type Snapshot func() treeprint.Tree

// Handler watches for SIGSEGV and SIGUSR2 and renders a diagnostic
// dump on either: SIGUSR2 dumps and continues running, SIGSEGV dumps
// and exits non-zero (spec.md §4.7, §6). FREEZE and FREEZE_ON_ERROR
// pause the process for a debugger to attach instead of exiting.
type Handler struct {
	core          int
	snapshot      Snapshot
	recorder      *Recorder
	store         DumpStore
	freeze        bool
	freezeOnError bool

	sigc chan os.Signal
	stop chan struct{}
}

// Install starts watching for diagnostic signals on this core.
// snapshot and recorder may be nil; store may be nil, in which case
// dumps are only logged, never persisted as a blob.
func Install(core int, snapshot Snapshot, recorder *Recorder, store DumpStore) *Handler {
	h := &Handler{
		core:          core,
		snapshot:      snapshot,
		recorder:      recorder,
		store:         store,
		freeze:        os.Getenv("FREEZE") != "",
		freezeOnError: os.Getenv("FREEZE_ON_ERROR") != "",
		sigc:          make(chan os.Signal, 4),
		stop:          make(chan struct{}),
	}
	signal.Notify(h.sigc, syscall.SIGSEGV, syscall.SIGUSR2)
	go h.run()
	return h
}

// Stop stops watching for signals; existing in-flight dumps still
// finish.
func (h *Handler) Stop() {
	signal.Stop(h.sigc)
	close(h.stop)
}

func (h *Handler) run() {
	for {
		select {
		case <-h.stop:
			return
		case sig := <-h.sigc:
			switch sig {
			case syscall.SIGUSR2:
				h.Dump("sigusr2")
			case syscall.SIGSEGV:
				h.Dump("sigsegv")
				if h.freeze || h.freezeOnError {
					h.freezeForDebugger()
				}
				os.Exit(1)
			}
		}
	}
}

// Dump renders the current snapshot and the sibling process list,
// logs the result, and — if a DumpStore is configured — persists it,
// followed by the accumulated trace, as a blob named after this core
// and reason. The trace is not logged.
func (h *Handler) Dump(reason string) {
	root := treeprint.New()
	root.SetValue(fmt.Sprintf("core %d: diagnostic dump (%s)", h.core, reason))
	if h.snapshot != nil {
		root.AddNode(h.snapshot().String())
	}
	root.AddNode(siblingProcessTree().String())

	rendered := root.String()
	log.Error.Printf("%s", rendered)

	if h.store == nil {
		return
	}
	name := fmt.Sprintf("core-%d-%s-%d.txt", h.core, reason, time.Now().UnixNano())
	w, err := h.store.Create(context.Background(), name)
	if err != nil {
		log.Error.Printf("diag: dump store create %s: %v", name, err)
		return
	}
	defer w.Close()
	if _, err := w.Write([]byte(rendered)); err != nil {
		log.Error.Printf("diag: dump store write %s: %v", name, err)
	}
	if h.recorder != nil && h.recorder.Len() > 0 {
		if err := h.recorder.WriteTo(w); err != nil {
			log.Error.Printf("diag: dump store write trace to %s: %v", name, err)
		}
	}
}

// siblingProcessTree lists every process visible to this one, for a
// dump that needs to show what else is running on the same locale
// node — other core processes that may share the blame for memory
// pressure, or a supervisor worth signaling.
func siblingProcessTree() treeprint.Tree {
	t := treeprint.New()
	t.SetValue("sibling processes")
	procs, err := ps.Processes()
	if err != nil {
		t.AddNode(fmt.Sprintf("(unavailable: %v)", err))
		return t
	}
	for _, p := range procs {
		t.AddNode(fmt.Sprintf("pid %d ppid %d %s", p.Pid(), p.PPid(), p.Executable()))
	}
	return t
}

// freezeForDebugger blocks forever, after logging how to attach, so
// an operator can inspect the process with a debugger before it would
// otherwise exit. Exists only for the FREEZE/FREEZE_ON_ERROR knobs in
// spec.md §6; there is no programmatic way out of it but killing the
// process.
func (h *Handler) freezeForDebugger() {
	log.Error.Printf("diag: core %d frozen for debugger attach (pid %d)", h.core, os.Getpid())
	select {}
}
