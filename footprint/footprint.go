// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package footprint implements the runtime's init-time footprint
// negotiation (spec.md §4.3, §4.7, §9): every heavyweight component
// reports how many bytes of the locale-shared heap it would like, and
// if the sum exceeds the locale's budget, components are shrunk
// proportionally — largest requester first — until the sum fits or a
// component can't be shrunk below its floor, which is fatal.
//
// This mirrors how reclaimer.go picks a next victim by priority
// (there, recency; here, request size) but orders candidates with a
// github.com/google/btree BTree instead of container/heap, since
// negotiation runs once at init over a handful of components rather
// than continuously over a live, mutating set of reclaimables.
package footprint

import (
	"fmt"

	"github.com/google/btree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Component is one heavyweight subsystem's footprint request:
// Requested is what it asked for, Min is the smallest byte count it
// can run with at all, and Shrink is invoked once Negotiate has
// decided how many bytes it's actually getting.
type Component struct {
	Name      string
	Requested int64
	Min       int64
	Shrink    func(grantedBytes int64)
}

// Negotiator collects Component requests and resolves them against a
// locale's shared-heap budget exactly once, at Init.
type Negotiator struct {
	components []*Component
}

// NewNegotiator returns an empty Negotiator.
func NewNegotiator() *Negotiator {
	return &Negotiator{}
}

// Register adds c to the set Negotiate will resolve. Order of
// registration doesn't affect the outcome, only the order ties are
// logged in.
func (n *Negotiator) Register(c *Component) {
	n.components = append(n.components, c)
}

// footprintItem orders components largest-Requested-first in a
// btree.BTree; ties break on Name so iteration order is deterministic.
type footprintItem struct {
	c *Component
}

func (a footprintItem) Less(than btree.Item) bool {
	b := than.(footprintItem)
	if a.c.Requested != b.c.Requested {
		return a.c.Requested > b.c.Requested
	}
	return a.c.Name < b.c.Name
}

// Negotiate resolves every registered component's request against
// budget bytes. If the sum of requests fits, every component is
// granted exactly what it asked for. Otherwise, components are
// shrunk by a common ratio, largest requester first: any component
// whose proportional share would fall below its Min is instead
// pinned at Min and removed from the pool being rationed, and the
// ratio is recomputed over what's left (water-filling). Negotiate
// returns a Fatal error if some component's Min alone can't be
// honored within budget — spec.md §4.7 treats this the same as an
// out-of-memory failure during startup.
func (n *Negotiator) Negotiate(budget int64) error {
	granted := make(map[*Component]int64, len(n.components))
	remaining := budget
	unfixed := append([]*Component(nil), n.components...)

	for len(unfixed) > 0 {
		var total int64
		for _, c := range unfixed {
			total += c.Requested
		}
		if total == 0 {
			for _, c := range unfixed {
				granted[c] = 0
			}
			break
		}
		if remaining < 0 {
			remaining = 0
		}
		ratio := float64(remaining) / float64(total)

		tree := btree.New(32)
		for _, c := range unfixed {
			tree.ReplaceOrInsert(footprintItem{c})
		}

		var violators []*Component
		tree.Ascend(func(item btree.Item) bool {
			c := item.(footprintItem).c
			share := int64(float64(c.Requested) * ratio)
			if share < c.Min {
				violators = append(violators, c)
			}
			return true
		})

		if len(violators) == 0 {
			tree.Ascend(func(item btree.Item) bool {
				c := item.(footprintItem).c
				granted[c] = int64(float64(c.Requested) * ratio)
				return true
			})
			break
		}

		for _, c := range violators {
			log.Printf("footprint: %s pinned at its minimum %d bytes, recomputing share for the rest", c.Name, c.Min)
			granted[c] = c.Min
			remaining -= c.Min
		}
		if remaining < 0 {
			return errors.E(errors.Fatal, fmt.Errorf(
				"footprint: component minimums exceed locale-shared budget of %d bytes", budget))
		}
		unfixed = removeAll(unfixed, violators)
	}

	for _, c := range n.components {
		c.Shrink(granted[c])
		if granted[c] < c.Requested {
			log.Printf("footprint: %s requested %d bytes, granted %d", c.Name, c.Requested, granted[c])
		}
	}
	return nil
}

func removeAll(from, remove []*Component) []*Component {
	skip := make(map[*Component]bool, len(remove))
	for _, c := range remove {
		skip[c] = true
	}
	out := make([]*Component, 0, len(from))
	for _, c := range from {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

// ResolveGlobalHeapBytes implements spec.md §9's auto-size open
// question: a configured value of zero or less means "size
// automatically," resolved here as a fraction of the locale's shared
// heap rather than left to fail later the first time something
// allocates from it.
func ResolveGlobalHeapBytes(configured int64, localeSharedBytes int64, globalHeapFraction float64) int64 {
	if configured > 0 {
		return configured
	}
	return int64(float64(localeSharedBytes) * globalHeapFraction)
}
