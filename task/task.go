// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package task implements the per-core task manager: public/private
// task deques, victim-selection work stealing over a message-passing
// Transport, and the two-phase distributed termination protocol.
package task

// Task is a small, copyable work item: an entry id naming a
// registered function plus three machine-word-sized arguments. Tasks
// carry no pointers across core boundaries; Entry is resolved against
// the ids bound with Manager.Register on the destination core, exactly
// as ce's Handler ids
// are resolved locally rather than by captured closure.
type Task struct {
	Entry uint64
	Arg0  uintptr
	Arg1  uintptr
	Arg2  uintptr
}

// Func is the signature a Task's Entry id resolves to.
type Func func(arg0, arg1, arg2 uintptr)
