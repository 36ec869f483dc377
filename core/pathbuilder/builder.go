// builder.go - Latency aware hop selection.
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

package pathbuilder

import (
	"errors"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/nyxnet/nyx/core/crypto/rand"
)

// Selection parameters.
const (
	// latencyExponent is the LARMix style skew: node weight is
	// (1/latency)^alpha, normalized over the candidate set.
	latencyExponent = 1.0

	// DegradedLossRate marks a built path for rebuild.
	DegradedLossRate = 0.05

	// DegradedBandwidthFraction marks a path for rebuild when its
	// bandwidth drops below this fraction of baseline.
	DegradedBandwidthFraction = 0.5

	// RebuildCooldown prevents rebuild oscillation.
	RebuildCooldown = 30 * time.Second
)

var (
	// ErrNotEnoughNodes is returned when the node set cannot supply
	// the requested hop count.
	ErrNotEnoughNodes = errors.New("pathbuilder: not enough nodes")

	// ErrCooldown is returned for rebuilds requested inside the
	// cooldown window.
	ErrCooldown = errors.New("pathbuilder: rebuild cooling down")
)

// BuiltPath is a selected hop sequence with its quality baseline.
type BuiltPath struct {
	Hops []*NodeDescriptor

	BaselineBandwidthKbps float64
	builtAt               time.Time
}

// Builder selects hop sequences from the known node set.  The node
// set is read-mostly: updates take the write lock, selection the read
// lock.
type Builder struct {
	sync.RWMutex

	nodes map[[32]byte]*NodeDescriptor
	rng   *mrand.Rand

	lastRebuild time.Time
}

// NewBuilder constructs a builder over an initial node set.
func NewBuilder(nodes []*NodeDescriptor) *Builder {
	b := &Builder{
		nodes: make(map[[32]byte]*NodeDescriptor),
		rng:   rand.NewMath(),
	}
	for _, n := range nodes {
		b.nodes[n.NodeID] = n
	}
	return b
}

// UpdateNode inserts or refreshes a node descriptor.
func (b *Builder) UpdateNode(d *NodeDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	b.nodes[d.NodeID] = d
	return nil
}

// RemoveNode drops a node from selection.
func (b *Builder) RemoveNode(id [32]byte) {
	b.Lock()
	defer b.Unlock()
	delete(b.nodes, id)
}

// NumNodes returns the known node count.
func (b *Builder) NumNodes() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.nodes)
}

// BuildPath selects hopCount distinct nodes, weighted toward low
// latency, and records the bandwidth baseline of the weakest hop.
func (b *Builder) BuildPath(hopCount int) (*BuiltPath, error) {
	b.RLock()
	candidates := make([]*NodeDescriptor, 0, len(b.nodes))
	for _, n := range b.nodes {
		candidates = append(candidates, n)
	}
	b.RUnlock()

	if hopCount <= 0 || len(candidates) < hopCount {
		return nil, ErrNotEnoughNodes
	}

	path := &BuiltPath{
		Hops:    make([]*NodeDescriptor, 0, hopCount),
		builtAt: time.Now(),
	}
	baseline := math.Inf(1)

	for len(path.Hops) < hopCount {
		idx := b.sampleWeighted(candidates)
		n := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		path.Hops = append(path.Hops, n)
		if n.BandwidthKbps < baseline {
			baseline = n.BandwidthKbps
		}
	}
	path.BaselineBandwidthKbps = baseline
	return path, nil
}

// sampleWeighted draws one index with probability proportional to
// (1/latency)^alpha.  Nodes with unknown latency weigh as the median
// assumption of 100 ms.
func (b *Builder) sampleWeighted(candidates []*NodeDescriptor) int {
	weights := make([]float64, len(candidates))
	var total float64
	for i, n := range candidates {
		lat := n.LatencyMs
		if lat <= 0 {
			lat = 100
		}
		w := math.Pow(1.0/lat, latencyExponent)
		weights[i] = w
		total += w
	}

	b.Lock()
	point := b.rng.Float64() * total
	b.Unlock()

	var cum float64
	for i, w := range weights {
		cum += w
		if point < cum {
			return i
		}
	}
	return len(candidates) - 1
}

// Degraded reports whether a built path's observed quality calls for
// a rebuild.
func (p *BuiltPath) Degraded(lossRate, bandwidthKbps float64) bool {
	if lossRate > DegradedLossRate {
		return true
	}
	return p.BaselineBandwidthKbps > 0 &&
		bandwidthKbps < p.BaselineBandwidthKbps*DegradedBandwidthFraction
}

// Rebuild replaces a degraded path, honoring the cooldown.
func (b *Builder) Rebuild(old *BuiltPath) (*BuiltPath, error) {
	b.Lock()
	if !b.lastRebuild.IsZero() && time.Since(b.lastRebuild) < RebuildCooldown {
		b.Unlock()
		return nil, ErrCooldown
	}
	b.lastRebuild = time.Now()
	b.Unlock()

	return b.BuildPath(len(old.Hops))
}
