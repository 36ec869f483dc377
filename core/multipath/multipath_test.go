// multipath_test.go - Multipath scheduler tests.
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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyx/core/wire"
)

func TestWRRSplit(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{})
	// Weight is 1e6/RTT: 100ms -> 10000, 200ms -> 5000, a 2:1 ratio.
	s.AddPath(1, "node-a", 100)
	s.AddPath(2, "node-b", 200)

	counts := map[uint8]int{}
	for i := 0; i < 99; i++ {
		id, err := s.SelectPath()
		require.NoError(err)
		counts[id]++
	}

	// Expect a 67/33 split within +-5%.
	require.InDelta(66, counts[1], 5)
	require.InDelta(33, counts[2], 5)
}

func TestWRRTieBreak(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{})
	s.AddPath(4, "node-d", 100)
	s.AddPath(2, "node-b", 100)

	// Equal weights: the walk starts at the lowest path ID.
	id, err := s.SelectPath()
	require.NoError(err)
	require.Equal(uint8(2), id)
}

func TestFailoverAndRecovery(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{FailoverTimeout: 50 * time.Millisecond})
	s.AddPath(1, "node-a", 100)
	s.AddPath(2, "node-b", 200)

	// Path 1 degrades past the health predicate.
	require.NoError(s.SetRTT(1, 6000))
	p, err := s.Path(1)
	require.NoError(err)
	require.False(p.Healthy)

	// All subsequent selections use path 2.
	for i := 0; i < 50; i++ {
		id, err := s.SelectPath()
		require.NoError(err)
		require.Equal(uint8(2), id)
	}

	// One successful probe cycle with a healthy RTT restores it.
	probe, err := s.BuildProbe(1)
	require.NoError(err)
	require.Equal(wire.FramePathChallenge, probe.Type)
	require.Len(probe.Payload, wire.ProbeNonceSize)

	resp, err := HandleChallenge(probe)
	require.NoError(err)
	require.Equal(probe.Payload, resp.Payload)

	pBefore, _ := s.Path(1)
	require.NoError(s.HandleResponse(resp, pBefore.LastProbeAt.Add(50*time.Millisecond)))
	p, err = s.Path(1)
	require.NoError(err)
	require.True(p.Healthy)
	require.Less(p.RTTEWMAMs, UnhealthyRTTMs)

	seen := map[uint8]bool{}
	for i := 0; i < 200; i++ {
		id, err := s.SelectPath()
		require.NoError(err)
		seen[id] = true
	}
	require.True(seen[1], "recovered path rejoins selection")
}

func TestNoHealthyPaths(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{})
	_, err := s.SelectPath()
	require.Equal(ErrNoHealthyPaths, err)

	s.AddPath(1, "node-a", 100)
	require.NoError(s.SetRTT(1, 9000))
	_, err = s.SelectPath()
	require.Equal(ErrNoHealthyPaths, err)
}

func TestProbeTimeoutMarksUnhealthy(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{FailoverTimeout: time.Millisecond})
	s.AddPath(1, "node-a", 100)

	_, err := s.BuildProbe(1)
	require.NoError(err)

	p, _ := s.Path(1)
	s.SweepProbes(p.LastProbeAt.Add(time.Second))
	p, err = s.Path(1)
	require.NoError(err)
	require.False(p.Healthy)
	require.Zero(s.HealthyCount())
}

func TestHandleResponseUnknownNonce(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{})
	s.AddPath(1, "node-a", 100)
	err := s.HandleResponse(&wire.Frame{
		Type:    wire.FramePathResponse,
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}, time.Now())
	require.Equal(ErrUnknownProbe, err)
}

func TestHopCountAdaptation(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{})
	p := s.AddPath(1, "node-a", 100)
	require.Equal(5, p.HopCount)

	// Sustained loss drives the hop count to the ceiling.
	for i := 0; i < 10; i++ {
		require.NoError(s.UpdateMetrics(1, 100, 5, 0.2, 10_000))
	}
	got, _ := s.Path(1)
	require.Equal(MaxHops, got.HopCount)

	// Sustained good conditions relax it to the floor.
	for i := 0; i < 40; i++ {
		require.NoError(s.UpdateMetrics(1, 50, 1, 0.0, 10_000))
	}
	got, _ = s.Path(1)
	require.Equal(MinHops, got.HopCount)
}

func TestHealthPredicate(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(Config{})
	s.AddPath(1, "node-a", 100)

	require.NoError(s.UpdateMetrics(1, 100, 1, 0.49, 10_000))
	p, _ := s.Path(1)
	require.True(p.Healthy)

	require.NoError(s.UpdateMetrics(1, 100, 1, 0.51, 10_000))
	p, _ = s.Path(1)
	require.False(p.Healthy)
}

func TestReorderBufferInOrder(t *testing.T) {
	require := require.New(t)

	var got []uint64
	b := NewReorderBuffer(1, 100*time.Millisecond, func(seq uint64, _ []byte) {
		got = append(got, seq)
	})

	now := time.Now()
	b.Push(3, nil, now)
	b.Push(1, nil, now)
	require.Equal([]uint64{1}, got)
	b.Push(2, nil, now)
	require.Equal([]uint64{1, 2, 3}, got)
	require.Zero(b.Len())
}

func TestReorderBufferTimeoutRelease(t *testing.T) {
	require := require.New(t)

	var got []uint64
	b := NewReorderBuffer(1, 50*time.Millisecond, func(seq uint64, _ []byte) {
		got = append(got, seq)
	})

	now := time.Now()
	// Seq 1 never arrives.
	b.Push(2, nil, now)
	b.Push(4, nil, now)
	require.Empty(got)

	// Past the timeout the gap is abandoned and items release in
	// sequence order.
	b.Tick(now.Add(60 * time.Millisecond))
	require.Equal([]uint64{2, 4}, got)

	// A straggler below the horizon is dropped.
	b.Push(1, nil, now.Add(70*time.Millisecond))
	require.Equal([]uint64{2, 4}, got)
}

func TestReorderBufferStaleDrop(t *testing.T) {
	require := require.New(t)

	var got []uint64
	b := NewReorderBuffer(5, time.Second, func(seq uint64, _ []byte) {
		got = append(got, seq)
	})
	b.Push(3, nil, time.Now())
	require.Empty(got)
	require.Zero(b.Len())
}
