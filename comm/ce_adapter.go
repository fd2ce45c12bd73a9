// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "github.com/grailbio/pgasrt/ce"

// Register implements ce.Transport: it records which local
// GlobalCompletionEvent a contribution or release for id should be
// delivered to. NewGlobal calls this once per GCE at construction.
func (c *Communicator) Register(id uint64, h ce.Handler) {
	c.gceHandlers[id] = h
}

// SendContribution implements ce.Transport: it reports this core's
// local zero for (id, phase) to dst, normally the root.
func (c *Communicator) SendContribution(dst int, id uint64, phase uint64) {
	c.send(dst, wireMessage{Kind: kindContribution, GCEID: id, Phase: phase})
}

// SendRelease implements ce.Transport: the root broadcasts a release
// for (id, phase) to every rank once all have contributed.
func (c *Communicator) SendRelease(dst int, id uint64, phase uint64) {
	c.send(dst, wireMessage{Kind: kindRelease, GCEID: id, Phase: phase})
}
