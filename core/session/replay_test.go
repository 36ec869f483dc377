// replay_test.go - Replay window tests.
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

package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplayFirstPacket(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	require.Equal(ReplayOk, w.CheckAndUpdate(0))
	require.Equal(uint64(1), w.AcceptedCount())
	require.Len(w.bitmap, replayWindowWords)
}

func TestReplayMonotonic(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	for seq := uint64(1); seq <= 1000; seq++ {
		require.Equal(ReplayOk, w.CheckAndUpdate(seq), "seq=%d", seq)
	}
	require.Equal(uint64(1000), w.AcceptedCount())
}

func TestReplayDuplicate(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	for _, seq := range []uint64{1, 2, 3} {
		require.Equal(ReplayOk, w.CheckAndUpdate(seq))
	}
	before := w.AcceptedCount()
	require.Equal(ReplayDuplicate, w.CheckAndUpdate(2))
	require.Equal(uint64(1), w.ReplayRejectedCount())
	require.Equal(before, w.AcceptedCount())
}

func TestReplayOutOfOrder(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	require.Equal(ReplayOk, w.CheckAndUpdate(100))
	require.Equal(ReplayOk, w.CheckAndUpdate(50))
	require.Equal(ReplayOk, w.CheckAndUpdate(75))
	require.Equal(ReplayDuplicate, w.CheckAndUpdate(50))
	require.Equal(ReplayDuplicate, w.CheckAndUpdate(100))
}

func TestReplayWindowBoundaries(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	high := uint64(ReplayWindowBits * 3)
	// Establish, then advance in guard-sized steps to the target.
	require.Equal(ReplayOk, w.CheckAndUpdate(1))
	for seq := uint64(MaxForwardJump); seq < high; seq += MaxForwardJump {
		require.Equal(ReplayOk, w.CheckAndUpdate(seq))
	}
	require.Equal(ReplayOk, w.CheckAndUpdate(high))

	// Oldest in-window position: accepted once, replayed after.
	oldest := high - ReplayWindowBits + 1
	require.Equal(ReplayOk, w.CheckAndUpdate(oldest))
	require.Equal(ReplayDuplicate, w.CheckAndUpdate(oldest))

	// One below the window.
	require.Equal(ReplayTooOld, w.CheckAndUpdate(oldest-1))
	require.Equal(uint64(1), w.TooOldRejectedCount())

	// Forward jump beyond the DoS guard.
	require.Equal(ReplayTooFarAhead, w.CheckAndUpdate(high+MaxForwardJump+1))
	require.Equal(uint64(1), w.TooFarRejectedCount())
	// Guard-sized jump is fine.
	require.Equal(ReplayOk, w.CheckAndUpdate(high+MaxForwardJump))
}

func TestReplayShiftClearsVacated(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	require.Equal(ReplayOk, w.CheckAndUpdate(10))
	// Advance far enough that seq 10 leaves the window entirely,
	// using steps under the guard.
	seq := uint64(10)
	for i := 0; i < 3; i++ {
		seq += MaxForwardJump
		require.Equal(ReplayOk, w.CheckAndUpdate(seq))
	}
	// A sequence that was never seen but whose bit position was
	// recycled must be accepted, not misreported as a replay.
	require.Equal(ReplayOk, w.CheckAndUpdate(seq-100))
}

func TestReplayReset(t *testing.T) {
	require := require.New(t)

	w := NewReplayWindow()
	for seq := uint64(1); seq <= 10; seq++ {
		require.Equal(ReplayOk, w.CheckAndUpdate(seq))
	}
	require.Equal(ReplayDuplicate, w.CheckAndUpdate(5))

	w.Reset()
	require.Equal(uint64(0), w.AcceptedCount())
	// Rejection diagnostics survive the reset.
	require.Equal(uint64(1), w.ReplayRejectedCount())

	// Every distinct increasing seq after a reset is accepted, even
	// ones seen in the previous epoch.
	for seq := uint64(1); seq <= 10; seq++ {
		require.Equal(ReplayOk, w.CheckAndUpdate(seq), "seq=%d", seq)
	}
}
