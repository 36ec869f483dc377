// vdf.go - Wall clock delay function.
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
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// VDF imposes a minimum wall clock gap between batch head arrival
// and emission by evaluating an iterated SHA-256 chain.  The chain is
// sequential by construction; the iteration count is calibrated at
// startup against the configured target delay.  Production parameter
// selection is an open question upstream; this is the development
// grade construction with the documented 100 ms default.
type VDF struct {
	iterations uint64
}

// calibrationProbe is the fixed chain length timed during
// calibration.
const calibrationProbe = 1 << 16

// NewVDF calibrates a VDF for the target delay.
func NewVDF(target time.Duration) *VDF {
	seed := sha256.Sum256([]byte("nyx-vdf-calibration"))
	start := time.Now()
	evalChain(seed, calibrationProbe)
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	perIter := float64(elapsed) / float64(calibrationProbe)
	iters := uint64(float64(target) / perIter)
	if iters == 0 {
		iters = 1
	}
	return &VDF{iterations: iters}
}

// NewVDFIterations constructs a VDF with an explicit chain length,
// for tests and for operators pinning parameters.
func NewVDFIterations(n uint64) *VDF {
	if n == 0 {
		n = 1
	}
	return &VDF{iterations: n}
}

// Iterations returns the calibrated chain length.
func (v *VDF) Iterations() uint64 { return v.iterations }

// Eval runs the delay chain over seed and returns the chain tail,
// which emitters attach to the batch so relays can spot check the
// work was done.
func (v *VDF) Eval(seed []byte) []byte {
	h := sha256.Sum256(seed)
	out := evalChain(h, v.iterations)
	return out[:]
}

// Verify recomputes the chain; verification cost equals evaluation
// cost for this construction, which is acceptable at development
// chain lengths.
func (v *VDF) Verify(seed, tail []byte) bool {
	expect := v.Eval(seed)
	if len(tail) != len(expect) {
		return false
	}
	var diff byte
	for i := range expect {
		diff |= expect[i] ^ tail[i]
	}
	return diff == 0
}

func evalChain(h [sha256.Size]byte, n uint64) [sha256.Size]byte {
	var ctr [8]byte
	for i := uint64(0); i < n; i++ {
		binary.BigEndian.PutUint64(ctr[:], i)
		h = sha256.Sum256(append(h[:], ctr[:]...))
	}
	return h
}
