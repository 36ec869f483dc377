// cmix_test.go - Batcher and VDF tests.
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

package cmix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		BatchSize:         10,
		BatchTimeout:      20 * time.Millisecond,
		TargetUtilization: 0.4,
		VDF:               NewVDFIterations(16),
	}
}

func collect(t *testing.T, b *Batcher, n int) []*Batch {
	var out []*Batch
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case batch, ok := <-b.Emitted():
			if !ok {
				t.Fatal("emit channel closed early")
			}
			out = append(out, batch)
		case <-deadline:
			t.Fatalf("timed out collecting batches, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestBatchUniformity(t *testing.T) {
	require := require.New(t)

	b := NewBatcher(testConfig(), nil)
	defer b.Halt()

	for i := 0; i < 2; i++ {
		require.NoError(b.Submit([]byte{byte(i)}))
	}

	batches := collect(t, b, 1)
	batch := batches[0]

	// Every emitted batch has exactly batch_size packets of
	// identical on-wire size.
	require.Len(batch.Packets, 10)
	for _, p := range batch.Packets {
		require.Len(p.Wire, PacketSize)
	}
	require.Equal(2, batch.RealCount())
	require.NotZero(batch.VDFTail)
}

func TestBatchFullTriggersEmission(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.BatchTimeout = time.Hour // only fullness can trigger
	b := NewBatcher(cfg, nil)
	defer b.Halt()

	for i := 0; i < 10; i++ {
		require.NoError(b.Submit([]byte{byte(i)}))
	}
	batch := collect(t, b, 1)[0]
	require.Equal(10, batch.RealCount())
	require.Zero(batch.CoverCount())
}

func TestCoverTrafficTarget(t *testing.T) {
	require := require.New(t)

	b := NewBatcher(testConfig(), nil)
	defer b.Halt()

	// Real traffic fills 20% of each batch; target utilization 0.4.
	var batches []*Batch
	for round := 0; round < 10; round++ {
		for i := 0; i < 2; i++ {
			require.NoError(b.Submit([]byte{byte(round), byte(i)}))
		}
		batches = append(batches, collect(t, b, 1)...)
	}

	real, cover, slots := 0, 0, 0
	for _, batch := range batches {
		require.Len(batch.Packets, 10)
		real += batch.RealCount()
		cover += batch.CoverCount()
		slots += len(batch.Packets)
		for _, p := range batch.Packets {
			if p.Kind == KindCover {
				require.Len(CoverPayload(p), CoverPayloadSize)
			}
		}
	}

	require.Greater(cover, 0)
	util := float64(real+cover) / float64(slots)
	require.InDelta(0.4, util, 0.02)
	require.InDelta(0.4, b.Utilization(), 0.02)
}

func TestBackpressureWatermarks(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.BatchTimeout = time.Hour
	cfg.BatchSize = 4
	cfg.HighWatermark = 3
	cfg.LowWatermark = 1
	b := NewBatcher(cfg, nil)
	defer b.Halt()

	require.NoError(b.Submit([]byte{1}))
	require.NoError(b.Submit([]byte{2}))
	require.NoError(b.Submit([]byte{3}))
	err := b.Submit([]byte{4})
	require.Equal(ErrBackpressure, err)
	require.True(b.Paused())
}

func TestSubmitOversized(t *testing.T) {
	b := NewBatcher(testConfig(), nil)
	defer b.Halt()
	require.Error(t, b.Submit(make([]byte, PacketSize+1)))
}

func TestVDFDeterministic(t *testing.T) {
	require := require.New(t)

	v := NewVDFIterations(64)
	seed := []byte("batch head")
	tail := v.Eval(seed)
	require.Len(tail, 32)
	require.True(v.Verify(seed, tail))
	require.False(v.Verify([]byte("other head"), tail))
	require.False(v.Verify(seed, append([]byte{}, tail[:31]...)))
}

func TestVDFCalibration(t *testing.T) {
	require := require.New(t)

	v := NewVDF(10 * time.Millisecond)
	require.NotZero(v.Iterations())

	start := time.Now()
	v.Eval([]byte("timing"))
	elapsed := time.Since(start)
	// Calibration is coarse; insist only on a real delay that does
	// not overshoot grotesquely.
	require.Greater(elapsed, time.Millisecond)
	require.Less(elapsed, time.Second)
}
