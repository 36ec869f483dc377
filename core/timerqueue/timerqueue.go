// timerqueue.go - Priority ordered timer dispatch.
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

// Package timerqueue dispatches values at their scheduled time.
// The daemon runs its path probe deadlines on one of these; no
// retransmission or rekey timers use it.
package timerqueue

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/nyxnet/nyx/core/worker"
)

type entry struct {
	priority uint64 // UnixNano deadline
	serial   uint64 // insertion tiebreaker
	value    interface{}
}

// Queue dispatches enqueued values to its callback once their
// deadline passes.  Push may be called from any goroutine.
type Queue struct {
	worker.Worker
	sync.Mutex

	tree   *avl.Tree
	serial uint64
	wakeCh chan struct{}

	fn func(interface{})
}

// New constructs a queue dispatching to fn.  Start must be called
// before deadlines fire.
func New(fn func(interface{})) *Queue {
	q := &Queue{
		wakeCh: make(chan struct{}, 1),
		fn:     fn,
	}
	q.tree = avl.New(func(a, b interface{}) int {
		ea, eb := a.(*entry), b.(*entry)
		switch {
		case ea.priority < eb.priority:
			return -1
		case ea.priority > eb.priority:
			return 1
		case ea.serial < eb.serial:
			return -1
		case ea.serial > eb.serial:
			return 1
		default:
			return 0
		}
	})
	return q
}

// Start launches the dispatch worker.
func (q *Queue) Start() {
	q.Go(q.dispatch)
}

// Push schedules value for the given UnixNano deadline.
func (q *Queue) Push(priority uint64, value interface{}) {
	q.Lock()
	q.serial++
	q.tree.Insert(&entry{priority: priority, serial: q.serial, value: value})
	q.Unlock()

	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.tree.Len()
}

// Peek returns the earliest pending value without removing it, or
// nil.
func (q *Queue) Peek() interface{} {
	q.Lock()
	defer q.Unlock()
	node := q.minLocked()
	if node == nil {
		return nil
	}
	return node.Value.(*entry).value
}

// Pop removes and returns the earliest pending value, or nil.
func (q *Queue) Pop() interface{} {
	q.Lock()
	defer q.Unlock()
	node := q.minLocked()
	if node == nil {
		return nil
	}
	e := node.Value.(*entry)
	q.tree.Remove(node)
	return e.value
}

func (q *Queue) minLocked() *avl.Node {
	iter := q.tree.Iterator(avl.Forward)
	return iter.First()
}

func (q *Queue) dispatch() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.Lock()
		var wait time.Duration
		node := q.minLocked()
		if node == nil {
			wait = time.Hour
		} else {
			e := node.Value.(*entry)
			now := uint64(time.Now().UnixNano())
			if e.priority <= now {
				q.tree.Remove(node)
				q.Unlock()
				q.fn(e.value)
				continue
			}
			wait = time.Duration(e.priority - now)
		}
		q.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.HaltCh():
			return
		case <-q.wakeCh:
		case <-timer.C:
		}
	}
}
