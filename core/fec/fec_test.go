// fec_test.go - FEC tests.
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

package fec

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPackSingleShard(t *testing.T) {
	require := require.New(t)

	payload := bytes.Repeat([]byte{0x5a}, MaxShardPayload)
	shards := Pack(payload)
	require.Len(shards, 1)
	require.Len(shards[0], ShardSize)

	got, err := Unpack(shards[0])
	require.NoError(err)
	require.Equal(payload, got)
}

func TestPackRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, n := range []int{0, 1, 100, 1277, 1278, 1279, 4000} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		shards := Pack(payload)
		for _, s := range shards {
			require.Len(s, ShardSize, "n=%d", n)
		}
		got, err := UnpackAll(shards)
		require.NoError(err, "n=%d", n)
		require.True(bytes.Equal(payload, got), "n=%d", n)
	}
}

func TestPackShardCounts(t *testing.T) {
	require := require.New(t)

	require.Len(Pack(nil), 1)
	require.Len(Pack(make([]byte, 1278)), 1)
	require.Len(Pack(make([]byte, 1279)), 2)
	require.Len(Pack(make([]byte, 2*1278)), 2)
	require.Len(Pack(make([]byte, 2*1278+1)), 3)
}

func TestUnpackRejects(t *testing.T) {
	require := require.New(t)

	_, err := Unpack(make([]byte, ShardSize-1))
	require.Equal(ErrInvalidShard, err)

	bad := make([]byte, ShardSize)
	bad[0], bad[1] = 0xff, 0xff
	_, err = Unpack(bad)
	require.Equal(ErrInvalidShard, err)
}

func TestEncodeReconstruct(t *testing.T) {
	require := require.New(t)

	enc, err := NewEncoder(4, 2)
	require.NoError(err)

	payload := bytes.Repeat([]byte("nyx fec group "), 300)
	data := Pack(payload)
	require.Len(data, 4)

	shards, err := enc.Encode(data)
	require.NoError(err)
	require.Len(shards, 6)

	// Lose up to parityShards members.
	shards[1] = nil
	shards[4] = nil
	recovered, err := enc.Reconstruct(shards)
	require.NoError(err)

	got, err := UnpackAll(recovered)
	require.NoError(err)
	require.Equal(payload, got)
}

func TestReconstructTooManyLost(t *testing.T) {
	require := require.New(t)

	enc, err := NewEncoder(4, 2)
	require.NoError(err)
	data := Pack(bytes.Repeat([]byte{1}, 4*MaxShardPayload))
	shards, err := enc.Encode(data)
	require.NoError(err)

	shards[0], shards[1], shards[2] = nil, nil, nil
	_, err = enc.Reconstruct(shards)
	require.Equal(ErrNotRecoverable, err)
}

func TestEncoderGeometry(t *testing.T) {
	require := require.New(t)

	_, err := NewEncoder(0, 1)
	require.Equal(ErrBadGeometry, err)
	_, err = NewEncoder(200, 100)
	require.Equal(ErrBadGeometry, err)

	d, p := GeometryForRedundancy(10, 0.3)
	require.Equal(10, d)
	require.Equal(3, p)

	d, p = GeometryForRedundancy(10, 0.01)
	require.Equal(10, d)
	require.Equal(1, p)
}

func TestControllerClamped(t *testing.T) {
	require := require.New(t)

	c := NewController(0.3)
	c.SetAdjustInterval(0)

	// Perfect network.
	for i := 0; i < 20; i++ {
		c.Observe(NetworkMetrics{RTTMs: 1, JitterMs: 0, LossRate: 0, BandwidthKbps: 100_000})
	}
	now := time.Unix(1000, 0)
	r := c.Adjust(now)
	require.GreaterOrEqual(r.TX, MinRedundancy)
	require.LessOrEqual(r.TX, MaxRedundancy)

	// Catastrophic network: redundancy rises but stays clamped.
	for i := 0; i < 50; i++ {
		c.Observe(NetworkMetrics{RTTMs: 800, JitterMs: 200, LossRate: 0.8, BandwidthKbps: 100_000})
		now = now.Add(2 * time.Second)
		r = c.Adjust(now)
		require.False(math.IsNaN(r.TX))
		require.False(math.IsInf(r.TX, 0))
		require.GreaterOrEqual(r.TX, MinRedundancy)
		require.LessOrEqual(r.TX, MaxRedundancy)
	}
	require.Greater(r.TX, 0.3, "heavy loss raises redundancy above base")
}

func TestControllerRateLimited(t *testing.T) {
	require := require.New(t)

	c := NewController(0.2)
	c.Observe(NetworkMetrics{RTTMs: 50, LossRate: 0.1, BandwidthKbps: 10_000})

	now := time.Unix(2000, 0)
	first := c.Adjust(now)
	c.Observe(NetworkMetrics{RTTMs: 500, LossRate: 0.5, BandwidthKbps: 10_000})

	// Within the interval: unchanged.
	again := c.Adjust(now.Add(100 * time.Millisecond))
	require.Equal(first, again)

	// After the interval: recomputed.
	later := c.Adjust(now.Add(2 * time.Second))
	require.NotEqual(first, later)
}

func TestControllerHistoryBound(t *testing.T) {
	require := require.New(t)

	c := NewController(0.2)
	for i := 0; i < 200; i++ {
		c.Observe(NetworkMetrics{RTTMs: float64(i), LossRate: 0.01})
	}
	require.Equal(metricsHistoryCap, c.HistoryLen())
}

func TestQualityScore(t *testing.T) {
	require := require.New(t)

	perfect := qualityScore(NetworkMetrics{RTTMs: 0, JitterMs: 0, LossRate: 0})
	require.InDelta(1.0, perfect, 0.001)

	dead := qualityScore(NetworkMetrics{RTTMs: 10_000, JitterMs: 1000, LossRate: 1})
	require.InDelta(0.0, dead, 0.001)

	mid := qualityScore(NetworkMetrics{RTTMs: 100, JitterMs: 25, LossRate: 0.1})
	require.Greater(mid, 0.5)
	require.Less(mid, 1.0)
}
