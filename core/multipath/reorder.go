// reorder.go - Global sequence reorder buffer.
// Copyright (C) 2024  Nyx Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package multipath

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
)

// reorderItem is one buffered packet keyed by global sequence.
type reorderItem struct {
	seq      uint64
	payload  []byte
	arrived  time.Time
}

// ReorderBuffer restores global ordering across paths.  Items held
// longer than the timeout are released in sequence order even if
// gaps remain: bounded latency wins over completeness.
type ReorderBuffer struct {
	sync.Mutex

	tree    *avl.Tree
	nextSeq uint64
	timeout time.Duration

	deliver func(seq uint64, payload []byte)
}

// NewReorderBuffer constructs a buffer delivering in-order packets to
// the callback, starting at firstSeq.
func NewReorderBuffer(firstSeq uint64, timeout time.Duration, deliver func(uint64, []byte)) *ReorderBuffer {
	b := &ReorderBuffer{
		nextSeq: firstSeq,
		timeout: timeout,
		deliver: deliver,
	}
	b.tree = avl.New(func(a, c interface{}) int {
		ia, ic := a.(*reorderItem), c.(*reorderItem)
		switch {
		case ia.seq < ic.seq:
			return -1
		case ia.seq > ic.seq:
			return 1
		default:
			return 0
		}
	})
	return b
}

// Push inserts a packet and flushes whatever became deliverable.
// Packets below the delivery horizon are dropped as stale.
func (b *ReorderBuffer) Push(seq uint64, payload []byte, now time.Time) {
	b.Lock()
	defer b.Unlock()

	if seq < b.nextSeq {
		return
	}
	b.tree.Insert(&reorderItem{seq: seq, payload: payload, arrived: now})
	b.flushLocked(now)
}

// Tick releases items that exceeded the reorder timeout, skipping
// over the gaps in front of them.
func (b *ReorderBuffer) Tick(now time.Time) {
	b.Lock()
	defer b.Unlock()
	b.flushLocked(now)
}

// Len returns the buffered packet count.
func (b *ReorderBuffer) Len() int {
	b.Lock()
	defer b.Unlock()
	return b.tree.Len()
}

func (b *ReorderBuffer) flushLocked(now time.Time) {
	for {
		iter := b.tree.Iterator(avl.Forward)
		node := iter.First()
		if node == nil {
			return
		}
		item := node.Value.(*reorderItem)

		switch {
		case item.seq == b.nextSeq:
			// In order.
		case now.Sub(item.arrived) >= b.timeout:
			// Expired head of line: give up on the gap.
			b.nextSeq = item.seq
		default:
			return
		}

		b.tree.Remove(node)
		b.deliver(item.seq, item.payload)
		b.nextSeq = item.seq + 1
	}
}
