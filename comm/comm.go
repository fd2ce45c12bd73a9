// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the runtime's Communicator and Aggregator
// (spec.md §4.3): a thin façade over two-sided message passing with
// barrier primitives, backed here by plain TCP connections and
// encoding/gob rather than bigmachine's RPC substrate, since the
// substrate itself is in scope for this module (see DESIGN.md's
// "Dropped teacher dependencies" entry for bigmachine).
//
// A Communicator also implements ce.Transport and task.Transport
// directly, over the same connections and the same single inbox
// channel that backs SendImmediate: dedicated wireKinds carry steal
// and completion-event traffic, rather than routing them through the
// generic closure registry, but the delivery path (per-connection
// reader goroutine, decode, push to inbox, drain and dispatch from
// Poll) is identical either way.
package comm

import (
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgasrt/ce"
	"github.com/grailbio/pgasrt/task"
	"golang.org/x/sync/errgroup"
)

// Handler is the callback a Communicator invokes on the receiving
// core when a closure message addressed to id arrives.
type Handler func(arg0, arg1, arg2 uintptr, payload []byte)

// peerConn is one full-duplex TCP connection to another rank. Writes
// happen only from the owning core's single-threaded scheduling
// timeline (SendImmediate and friends are never called concurrently
// with each other); reads happen on a dedicated goroutine per
// connection that does nothing but decode and forward to inbox, so no
// lock guards enc/dec.
type peerConn struct {
	rank int
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// Communicator is the runtime's thin façade over the transport. One
// is constructed per core process via Dial, which blocks until a full
// mesh of connections to every other rank has been established.
type Communicator struct {
	rank  int
	root  int
	addrs []string

	conns []*peerConn // conns[r] is nil for r == rank (this core)

	handlers    map[uint64]Handler
	gceHandlers map[uint64]ce.Handler
	taskHandler task.Handler

	inbox chan wireMessage

	// barrierSeen is populated only on the root core: ranks that have
	// entered the current barrier phase. barrierReleased records which
	// phases Barrier's own poll loop is waiting to observe; every field
	// here is touched only from this core's own single-threaded
	// timeline (the goroutine currently inside Barrier or Poll), never
	// from the per-connection reader goroutines, which only ever write
	// to inbox.
	barrierPhase    uint64
	barrierSeen     map[int]bool
	barrierReleased map[uint64]bool

	// onAllCoresPhase/onAllCoresAcked back OnAllCores's one-sided
	// call/ack handshake, the same per-call-goroutine-only discipline
	// as the barrier fields above.
	onAllCoresPhase uint64
	onAllCoresAcked map[uint64]int
}

// Dial establishes a full mesh of TCP connections among len(addrs)
// ranks, addrs[r] naming the host:port rank r listens on, and returns
// this rank's Communicator once every connection is up. The lower
// rank of each pair dials; the higher rank accepts, so each
// unordered pair opens exactly one physical connection, used in both
// directions.
func Dial(rank, root int, addrs []string) (*Communicator, error) {
	c := &Communicator{
		rank:            rank,
		root:            root,
		addrs:           addrs,
		conns:           make([]*peerConn, len(addrs)),
		handlers:        make(map[uint64]Handler),
		gceHandlers:     make(map[uint64]ce.Handler),
		inbox:           make(chan wireMessage, 4096),
		barrierReleased: make(map[uint64]bool),
		onAllCoresAcked: make(map[uint64]int),
	}
	if rank == root {
		c.barrierSeen = make(map[int]bool)
	}

	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Errorf("comm: listen on %s: %v", addrs[rank], err))
	}
	defer ln.Close()

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < rank; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return errors.E(errors.Net, fmt.Errorf("comm[%d]: accept: %v", rank, err))
			}
			dec := gob.NewDecoder(conn)
			var hello helloMessage
			if err := dec.Decode(&hello); err != nil {
				return errors.E(errors.Net, fmt.Errorf("comm[%d]: hello decode: %v", rank, err))
			}
			p := &peerConn{rank: hello.Rank, conn: conn, enc: gob.NewEncoder(conn), dec: dec}
			c.conns[hello.Rank] = p
			c.startReader(p)
		}
		return nil
	})
	for r := rank + 1; r < len(addrs); r++ {
		r := r
		g.Go(func() error {
			conn, err := dialWithRetry(addrs[r])
			if err != nil {
				return errors.E(errors.Net, fmt.Errorf("comm[%d]: dial %s: %v", rank, addrs[r], err))
			}
			enc := gob.NewEncoder(conn)
			if err := enc.Encode(helloMessage{Rank: rank}); err != nil {
				return errors.E(errors.Net, fmt.Errorf("comm[%d]: hello to rank %d: %v", rank, r, err))
			}
			p := &peerConn{rank: r, conn: conn, enc: enc, dec: gob.NewDecoder(conn)}
			c.conns[r] = p
			c.startReader(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c, nil
}

// dialWithRetry tolerates the ordinary startup race where a peer
// hasn't called net.Listen yet: init order across ranks isn't
// synchronized by anything but this retry loop.
func dialWithRetry(addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 200; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	return nil, lastErr
}

func (c *Communicator) startReader(p *peerConn) {
	go func() {
		for {
			var m wireMessage
			if err := p.dec.Decode(&m); err != nil {
				log.Printf("comm[%d]: connection to rank %d closed: %v", c.rank, p.rank, err)
				return
			}
			c.inbox <- m
		}
	}()
}

func (c *Communicator) send(dst int, m wireMessage) {
	if dst == c.rank {
		c.dispatch(m)
		return
	}
	p := c.conns[dst]
	if err := p.enc.Encode(m); err != nil {
		log.Error.Printf("comm[%d]: send to rank %d: %v", c.rank, dst, err)
	}
}

// RegisterHandler binds id to h: a SendImmediate/SendImmediateWithPayload
// addressed to id on this core invokes h. (Named distinctly from
// Register, which this type also exposes to satisfy ce.Transport's
// GlobalCompletionEvent registration with a different Handler type.)
func (c *Communicator) RegisterHandler(id uint64, h Handler) {
	c.handlers[id] = h
}

// SendImmediate enqueues a call to the handler registered under id on
// dst, passing three machine-word arguments. The caller is never
// suspended.
func (c *Communicator) SendImmediate(dst int, id uint64, a0, a1, a2 uintptr) {
	c.send(dst, wireMessage{Kind: kindClosure, EntryID: id, Arg0: a0, Arg1: a1, Arg2: a2})
}

// SendImmediateWithPayload is SendImmediate plus a trailing opaque
// byte payload, reassembled and handed to the destination handler
// alongside the three arguments.
func (c *Communicator) SendImmediateWithPayload(dst int, id uint64, a0, a1, a2 uintptr, payload []byte) {
	c.send(dst, wireMessage{Kind: kindClosure, EntryID: id, Arg0: a0, Arg1: a1, Arg2: a2, Payload: payload})
}

// Poll drains every message currently queued in the inbox and
// dispatches each to its registered handler, in the order received.
// It never blocks: a core with nothing delivered returns immediately.
// This is the method the polling periodic worker calls every round.
func (c *Communicator) Poll() {
	for {
		select {
		case m := <-c.inbox:
			c.dispatch(m)
		default:
			return
		}
	}
}

func (c *Communicator) dispatch(m wireMessage) {
	switch m.Kind {
	case kindClosure:
		h, ok := c.handlers[m.EntryID]
		if !ok {
			panic(fmt.Sprintf("comm[%d]: no handler registered for id %d", c.rank, m.EntryID))
		}
		h(m.Arg0, m.Arg1, m.Arg2, m.Payload)
	case kindStealRequest:
		c.taskHandler.HandleStealRequest(m.Thief, m.BatchSize)
	case kindStealReply:
		c.taskHandler.HandleStealReply(m.Tasks)
	case kindQuiescent:
		c.taskHandler.HandleQuiescent(m.Rank)
	case kindAwake:
		c.taskHandler.HandleAwake(m.Rank)
	case kindTerminate:
		c.taskHandler.HandleTerminate()
	case kindContribution:
		c.gceHandlers[m.GCEID].HandleContribution(m.Phase)
	case kindRelease:
		c.gceHandlers[m.GCEID].HandleRelease(m.Phase)
	case kindBarrierEnter:
		c.handleBarrierEnter(m.Rank, m.BarrierPhase)
	case kindBarrierRelease:
		c.handleBarrierRelease(m.BarrierPhase)
	case kindBatch:
		for _, e := range m.Batch {
			h, ok := c.handlers[e.EntryID]
			if !ok {
				panic(fmt.Sprintf("comm[%d]: no handler registered for id %d", c.rank, e.EntryID))
			}
			h(e.Arg0, e.Arg1, e.Arg2, e.Payload)
		}
	case kindOnAllCoresCall:
		c.handleOnAllCoresCall(m.Rank, m.BarrierPhase, m.EntryID, m.Arg0, m.Arg1, m.Arg2)
	case kindOnAllCoresAck:
		c.handleOnAllCoresAck(m.BarrierPhase)
	default:
		panic(fmt.Sprintf("comm[%d]: unknown wire kind %d", c.rank, m.Kind))
	}
}

// barrierPollSleep bounds how long Barrier parks the OS thread between
// Poll attempts while waiting for its release, the same
// implementation-defined idle park scheduler.BlockOn uses.
var barrierPollSleep = 50 * time.Microsecond

// Barrier blocks the calling goroutine until every rank has entered
// the barrier at the current phase and every message sent before it
// has been delivered. It drives its own wait by calling Poll in a
// loop rather than parking on a channel signaled from elsewhere, so
// Barrier (like everything else in this package) only ever touches
// Communicator state from the calling goroutine itself; the
// per-connection reader goroutines it depends on for progress only
// ever write to inbox.
//
// Unlike most of this package, Barrier is meant to be called from a
// core's master worker around otherwise cooperative code rather than
// driven by the scheduler directly; callers that need it to
// cooperatively suspend instead of parking the OS thread should wrap
// this call in their own scheduler.BlockOn-compatible helper.
//
// Delivery-before-barrier is guaranteed by FIFO ordering per sender:
// every message a rank sent before calling Barrier reaches its
// destination's inbox, and so is dispatched by some Poll, before that
// rank's own kindBarrierEnter (sent after on the same connection) can
// be decoded on the other end.
func (c *Communicator) Barrier() {
	phase := c.barrierPhase
	c.barrierPhase++
	if c.rank == c.root {
		c.barrierSeen[c.rank] = true
		if len(c.barrierSeen) == len(c.addrs) {
			c.releaseBarrier(phase)
		}
	} else {
		c.send(c.root, wireMessage{Kind: kindBarrierEnter, Rank: c.rank, BarrierPhase: phase})
	}
	for !c.barrierReleased[phase] {
		c.Poll()
		time.Sleep(barrierPollSleep)
	}
	delete(c.barrierReleased, phase)
}

func (c *Communicator) handleBarrierEnter(rank int, phase uint64) {
	c.barrierSeen[rank] = true
	if len(c.barrierSeen) == len(c.addrs) {
		c.releaseBarrier(phase)
	}
}

func (c *Communicator) releaseBarrier(phase uint64) {
	c.barrierSeen = make(map[int]bool)
	for r := 0; r < len(c.addrs); r++ {
		if r == c.root {
			continue
		}
		c.send(r, wireMessage{Kind: kindBarrierRelease, BarrierPhase: phase})
	}
	c.handleBarrierRelease(phase)
}

func (c *Communicator) handleBarrierRelease(phase uint64) {
	c.barrierReleased[phase] = true
}

// sendBatch delivers a run of closures packed by the Aggregator as a
// single message, rather than one wireMessage per closure.
func (c *Communicator) sendBatch(dst int, batch []closureEntry) {
	c.send(dst, wireMessage{Kind: kindBatch, Batch: batch})
}

// Rank, NumRanks, and Root satisfy both ce.Transport and
// task.Transport, whose method sets overlap exactly on these three.
func (c *Communicator) Rank() int     { return c.rank }
func (c *Communicator) NumRanks() int { return len(c.addrs) }
func (c *Communicator) Root() int     { return c.root }

// OnAllCores invokes the handler registered under id on every core,
// including this one, with identical arguments, and returns only once
// every destination has acknowledged running it (spec.md §6's
// on_all_cores primitive). Callers that need a per-destination
// argument instead — the loop frontend's range-localized dispatch,
// for instance — should use SendImmediate directly to each
// destination.
//
// OnAllCores cannot be built on top of Barrier: Barrier is a
// symmetric rendezvous every rank must independently call, but
// OnAllCores is issued by one initiating core while the others merely
// react to a delivered message, so it runs its own one-sided
// call/ack handshake instead, driven the same way Barrier drives its
// wait — by calling Poll in a loop from the calling goroutine.
func (c *Communicator) OnAllCores(id uint64, a0, a1, a2 uintptr) {
	phase := c.onAllCoresPhase
	c.onAllCoresPhase++

	pending := 0
	for r := 0; r < len(c.addrs); r++ {
		if r == c.rank {
			c.dispatch(wireMessage{Kind: kindClosure, EntryID: id, Arg0: a0, Arg1: a1, Arg2: a2})
			continue
		}
		c.send(r, wireMessage{Kind: kindOnAllCoresCall, EntryID: id, Arg0: a0, Arg1: a1, Arg2: a2, Rank: c.rank, BarrierPhase: phase})
		pending++
	}
	for c.onAllCoresAcked[phase] < pending {
		c.Poll()
		time.Sleep(barrierPollSleep)
	}
	delete(c.onAllCoresAcked, phase)
}

func (c *Communicator) handleOnAllCoresCall(origin int, phase uint64, id uint64, a0, a1, a2 uintptr) {
	h, ok := c.handlers[id]
	if !ok {
		panic(fmt.Sprintf("comm[%d]: no handler registered for id %d", c.rank, id))
	}
	h(a0, a1, a2, nil)
	c.send(origin, wireMessage{Kind: kindOnAllCoresAck, BarrierPhase: phase})
}

func (c *Communicator) handleOnAllCoresAck(phase uint64) {
	c.onAllCoresAcked[phase]++
}
