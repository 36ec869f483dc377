// timerqueue_test.go - Timer queue tests.
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

package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrdering(t *testing.T) {
	require := require.New(t)

	q := New(func(interface{}) {})
	now := uint64(time.Now().Add(time.Hour).UnixNano())
	q.Push(now+300, "c")
	q.Push(now+100, "a")
	q.Push(now+200, "b")

	require.Equal(3, q.Len())
	require.Equal("a", q.Peek())
	require.Equal("a", q.Pop())
	require.Equal("b", q.Pop())
	require.Equal("c", q.Pop())
	require.Nil(q.Pop())
}

func TestSameDeadlineFIFO(t *testing.T) {
	require := require.New(t)

	q := New(func(interface{}) {})
	deadline := uint64(time.Now().Add(time.Hour).UnixNano())
	for _, v := range []string{"first", "second", "third"} {
		q.Push(deadline, v)
	}
	require.Equal("first", q.Pop())
	require.Equal("second", q.Pop())
	require.Equal("third", q.Pop())
}

func TestDispatch(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var fired []string
	done := make(chan struct{})
	q := New(func(v interface{}) {
		mu.Lock()
		fired = append(fired, v.(string))
		n := len(fired)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})
	q.Start()
	defer q.Halt()

	now := time.Now()
	q.Push(uint64(now.Add(30*time.Millisecond).UnixNano()), "later")
	q.Push(uint64(now.Add(5*time.Millisecond).UnixNano()), "sooner")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]string{"sooner", "later"}, fired)
	require.Zero(q.Len())
}
