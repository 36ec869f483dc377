// fec.go - Reed-Solomon shard group coding.
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
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	// ErrBadGeometry is returned for nonsensical shard counts.
	ErrBadGeometry = errors.New("fec: bad shard geometry")

	// ErrNotRecoverable is returned when too many shards are missing.
	ErrNotRecoverable = errors.New("fec: insufficient shards for reconstruction")
)

// Encoder protects groups of data shards with parity shards over
// GF(2^8).
type Encoder struct {
	dataShards   int
	parityShards int
	codec        reedsolomon.Encoder
}

// NewEncoder constructs an encoder for the given geometry.
func NewEncoder(dataShards, parityShards int) (*Encoder, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > 256 {
		return nil, ErrBadGeometry
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		codec:        codec,
	}, nil
}

// DataShards returns the data shard count.
func (e *Encoder) DataShards() int { return e.dataShards }

// ParityShards returns the parity shard count.
func (e *Encoder) ParityShards() int { return e.parityShards }

// Encode appends parity shards to a full group of data shards.  The
// input shards must all be ShardSize long.
func (e *Encoder) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != e.dataShards {
		return nil, ErrBadGeometry
	}
	shards := make([][]byte, e.dataShards+e.parityShards)
	for i, d := range data {
		if len(d) != ShardSize {
			return nil, ErrInvalidShard
		}
		shards[i] = d
	}
	for i := e.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, ShardSize)
	}
	if err := e.codec.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Reconstruct fills in missing shards (nil entries) in place and
// returns the recovered data shards.  Recovery needs at least
// dataShards surviving members of the group.
func (e *Encoder) Reconstruct(shards [][]byte) ([][]byte, error) {
	if len(shards) != e.dataShards+e.parityShards {
		return nil, ErrBadGeometry
	}
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < e.dataShards {
		return nil, ErrNotRecoverable
	}
	if err := e.codec.ReconstructData(shards); err != nil {
		return nil, ErrNotRecoverable
	}
	return shards[:e.dataShards], nil
}

// GeometryForRedundancy maps a redundancy ratio onto a shard group
// geometry: parity = ceil(data * redundancy), at least one parity
// shard.
func GeometryForRedundancy(dataShards int, redundancy float64) (int, int) {
	if dataShards <= 0 {
		dataShards = 10
	}
	parity := int(float64(dataShards)*redundancy + 0.999)
	if parity < 1 {
		parity = 1
	}
	if dataShards+parity > 256 {
		parity = 256 - dataShards
	}
	return dataShards, parity
}
