// worker.go - Background worker lifecycle.
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

// Package worker provides background worker management for long lived
// components.  Types embed Worker and spawn their routines with Go; a
// single Halt terminates and joins all of them.
package worker

import "sync"

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan interface{}
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}

// Go spawns fn in a new go routine tracked by the Worker.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed on Halt.  Workers select
// on it to learn that they must terminate.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Halt signals all routines spawned with Go to terminate and waits
// until they have all returned.  It is idempotent.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}
