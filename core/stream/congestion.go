// congestion.go - Connection level transfer estimator.
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

package stream

import "time"

// Estimator tracks the connection's delivery model in the BBR
// manner: a congestion window, a bottleneck bandwidth estimate and a
// round trip propagation floor.  The smoothed RTT follows RFC 6298.
type Estimator struct {
	cwnd    uint64
	btlBw   float64 // bytes per second
	rtProp  float64 // milliseconds
	srtt    float64
	rttVar  float64
	rto     time.Duration
	losses  uint64
	acked   uint64
	lastAck time.Time
}

// EstimatorSnapshot is a read only copy of the estimator state.
type EstimatorSnapshot struct {
	Cwnd   uint64
	BtlBw  float64
	RtProp float64
	SRTT   float64
	RTO    time.Duration
	Losses uint64
}

const (
	initialCwnd   = 32 * 1200
	minCwnd       = 4 * 1200
	rttAlpha      = 1.0 / 8.0
	rttBeta       = 1.0 / 4.0
	minRTO        = 200 * time.Millisecond
	maxRTO        = 60 * time.Second
)

func (e *Estimator) init() {
	e.cwnd = initialCwnd
	e.rto = time.Second
}

// onRTT applies the RFC 6298 smoothing and refreshes the propagation
// floor.
func (e *Estimator) onRTT(rttMs float64) {
	if rttMs <= 0 {
		return
	}
	if e.srtt == 0 {
		e.srtt = rttMs
		e.rttVar = rttMs / 2
	} else {
		d := e.srtt - rttMs
		if d < 0 {
			d = -d
		}
		e.rttVar = (1-rttBeta)*e.rttVar + rttBeta*d
		e.srtt = (1-rttAlpha)*e.srtt + rttAlpha*rttMs
	}
	if e.rtProp == 0 || rttMs < e.rtProp {
		e.rtProp = rttMs
	}

	rto := time.Duration((e.srtt + 4*e.rttVar) * float64(time.Millisecond))
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	e.rto = rto
}

// onAck credits delivered bytes, growing the window and refreshing
// the bandwidth estimate from the delivery rate.
func (e *Estimator) onAck(bytes uint64) {
	now := time.Now()
	if !e.lastAck.IsZero() {
		if dt := now.Sub(e.lastAck).Seconds(); dt > 0 {
			rate := float64(bytes) / dt
			if rate > e.btlBw {
				e.btlBw = rate
			}
		}
	}
	e.lastAck = now
	e.acked += bytes
	e.cwnd += bytes / 2
	if bdp := e.bdp(); bdp > 0 && e.cwnd > 2*bdp {
		e.cwnd = 2 * bdp
	}
}

// onLoss halves the window down to the floor.
func (e *Estimator) onLoss() {
	e.losses++
	e.cwnd /= 2
	if e.cwnd < minCwnd {
		e.cwnd = minCwnd
	}
}

// bdp is the bandwidth delay product in bytes.
func (e *Estimator) bdp() uint64 {
	if e.btlBw == 0 || e.rtProp == 0 {
		return 0
	}
	return uint64(e.btlBw * e.rtProp / 1000)
}

func (e *Estimator) snapshot() EstimatorSnapshot {
	return EstimatorSnapshot{
		Cwnd:   e.cwnd,
		BtlBw:  e.btlBw,
		RtProp: e.rtProp,
		SRTT:   e.srtt,
		RTO:    e.rto,
		Losses: e.losses,
	}
}
