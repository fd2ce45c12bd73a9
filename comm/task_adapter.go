// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "github.com/grailbio/pgasrt/task"

// SetTaskHandler wires the task.Manager this Communicator dispatches
// incoming steal/quiescent/awake/terminate messages to. A Manager is
// constructed from its Transport (the Communicator itself), so the
// two are wired together in two steps exactly like
// scheduler.Scheduler/task.Manager: Dial builds the Communicator with
// no handler yet, task.NewManager(sched, comm, ...) builds the
// Manager from it, and this call completes the cycle.
func (c *Communicator) SetTaskHandler(h task.Handler) {
	c.taskHandler = h
}

// Neighbors implements task.Transport: every other rank is an
// eligible steal victim. Victims are not restricted or ordered by
// locale: nothing in this Communicator's addressing scheme
// distinguishes locales from one another.
func (c *Communicator) Neighbors() []int {
	out := make([]int, 0, len(c.addrs)-1)
	for r := 0; r < len(c.addrs); r++ {
		if r != c.rank {
			out = append(out, r)
		}
	}
	return out
}

// SendStealRequest implements task.Transport.
func (c *Communicator) SendStealRequest(dst, thief, batch int) {
	c.send(dst, wireMessage{Kind: kindStealRequest, Thief: thief, BatchSize: batch})
}

// SendStealReply implements task.Transport.
func (c *Communicator) SendStealReply(dst int, tasks []task.Task) {
	c.send(dst, wireMessage{Kind: kindStealReply, Tasks: tasks})
}

// SendQuiescent implements task.Transport.
func (c *Communicator) SendQuiescent(dst int) {
	c.send(dst, wireMessage{Kind: kindQuiescent, Rank: c.rank})
}

// SendAwake implements task.Transport.
func (c *Communicator) SendAwake(dst int) {
	c.send(dst, wireMessage{Kind: kindAwake, Rank: c.rank})
}

// SendTerminate implements task.Transport.
func (c *Communicator) SendTerminate(dst int) {
	c.send(dst, wireMessage{Kind: kindTerminate})
}
