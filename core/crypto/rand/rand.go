// rand.go - Random number generation.
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

// Package rand provides the process wide entropy source.
package rand

import (
	csrand "crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
	"sync"
)

// Reader is the process wide CSPRNG.
var Reader io.Reader = csrand.Reader

type lockedSource struct {
	sync.Mutex
	src mrand.Source64
}

func (s *lockedSource) Int63() int64 {
	s.Lock()
	defer s.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.src.Uint64()
}

func (s *lockedSource) Seed(seed int64) {
	s.Lock()
	defer s.Unlock()
	s.src.Seed(seed)
}

// NewMath returns a goroutine safe math/rand.Rand seeded from the
// CSPRNG, for use where non-cryptographic randomness is sufficient
// (jitter, shuffles, sampling).
func NewMath() *mrand.Rand {
	var seed [8]byte
	if _, err := io.ReadFull(Reader, seed[:]); err != nil {
		panic("rand: failed to read seed: " + err.Error())
	}
	src := mrand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))).(mrand.Source64)
	return mrand.New(&lockedSource{src: src})
}

// Exp returns a duration in milliseconds sampled from an exponential
// distribution with rate lambda, used by the traffic shaping timers.
func Exp(r *mrand.Rand, lambda float64) uint64 {
	return uint64(r.ExpFloat64() / lambda * 1000)
}
