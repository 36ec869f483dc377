// detectors.go - Built in anomaly detectors.
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

package pcr

import (
	"time"

	"github.com/nyxnet/nyx/core/worker"
)

// PeriodicRotation fires a Critical trigger on a fixed cadence,
// bounding the worst case key lifetime regardless of traffic.
type PeriodicRotation struct {
	worker.Worker

	interval time.Duration
	sink     *Controller
}

// NewPeriodicRotation starts a rotation detector.
func NewPeriodicRotation(interval time.Duration, sink *Controller) *PeriodicRotation {
	d := &PeriodicRotation{interval: interval, sink: sink}
	d.Go(d.run)
	return d
}

// Name implements Detector.
func (d *PeriodicRotation) Name() string { return "periodic-rotation" }

func (d *PeriodicRotation) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-ticker.C:
			d.sink.Report(Trigger{
				Source:   d.Name(),
				Severity: Critical,
				At:       time.Now(),
			})
		}
	}
}

// AdminSignal forwards operator initiated triggers from the control
// interface.
type AdminSignal struct {
	sink *Controller
}

// NewAdminSignal constructs the admin detector.
func NewAdminSignal(sink *Controller) *AdminSignal {
	return &AdminSignal{sink: sink}
}

// Name implements Detector.
func (d *AdminSignal) Name() string { return "admin-signal" }

// Signal raises a trigger at the given severity.
func (d *AdminSignal) Signal(severity TriggerSeverity) {
	d.sink.Report(Trigger{Source: d.Name(), Severity: severity, At: time.Now()})
}

// TrafficAnomaly watches path quality deltas and escalates severity
// with the size of the swing: a sudden large RTT or loss excursion
// on an established path is a relay substitution indicator.
type TrafficAnomaly struct {
	sink *Controller

	lastRTTMs float64
	lastLoss  float64
	primed    bool
}

// NewTrafficAnomaly constructs the traffic detector.
func NewTrafficAnomaly(sink *Controller) *TrafficAnomaly {
	return &TrafficAnomaly{sink: sink}
}

// Name implements Detector.
func (d *TrafficAnomaly) Name() string { return "traffic-anomaly" }

// Observe feeds one path quality sample.
func (d *TrafficAnomaly) Observe(rttMs, loss float64) {
	if !d.primed {
		d.lastRTTMs, d.lastLoss = rttMs, loss
		d.primed = true
		return
	}

	rttJump := rttMs - d.lastRTTMs
	lossJump := loss - d.lastLoss
	d.lastRTTMs, d.lastLoss = rttMs, loss

	var severity TriggerSeverity
	switch {
	case rttJump > 2000 || lossJump > 0.4:
		severity = Critical
	case rttJump > 1000 || lossJump > 0.25:
		severity = High
	case rttJump > 500 || lossJump > 0.1:
		severity = Medium
	default:
		return
	}
	d.sink.Report(Trigger{Source: d.Name(), Severity: severity, At: time.Now()})
}
