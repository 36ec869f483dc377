// pid.go - PID tuned redundancy control.
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
	"math"
	"sync"
	"time"
)

// Redundancy bounds and smoothing parameters.
const (
	// MinRedundancy and MaxRedundancy clamp the controller output.
	MinRedundancy = 0.01
	MaxRedundancy = 0.9

	// metricsHistoryCap bounds the retained sample history.
	metricsHistoryCap = 50

	// emaAlpha smooths the metric inputs.
	emaAlpha = 0.3

	// Default PID gains.
	DefaultKp = 0.5
	DefaultKi = 0.1
	DefaultKd = 0.2

	// DefaultAdjustInterval rate limits redundancy changes.
	DefaultAdjustInterval = time.Second
)

// NetworkMetrics is one quality observation.
type NetworkMetrics struct {
	RTTMs         float64
	JitterMs      float64
	LossRate      float64
	BandwidthKbps float64
}

// Redundancy is the controller output for both directions.
type Redundancy struct {
	TX float64
	RX float64
}

// qualityScore folds the smoothed metrics into [0, 1]: full marks
// for a lossless sub-ms path, zero for an unusable one.
func qualityScore(m NetworkMetrics) float64 {
	score := 0.5*(1.0-m.LossRate) +
		0.3*math.Max(0, 1.0-m.RTTMs/200.0) +
		0.2*math.Max(0, 1.0-m.JitterMs/50.0)
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// Controller adapts the redundancy ratio with a PID loop over the
// quality score.  Adjustments are rate limited and loss is smoothed
// with an EMA so transient spikes do not cause oscillation.
type Controller struct {
	sync.Mutex

	kp, ki, kd float64

	base           float64
	adjustInterval time.Duration

	history []NetworkMetrics
	ema     NetworkMetrics
	primed  bool

	integral  float64
	lastErr   float64
	lastAdj   time.Time
	current   Redundancy
}

// NewController constructs a controller with the default gains and a
// base redundancy.
func NewController(base float64) *Controller {
	base = clamp(base, MinRedundancy, MaxRedundancy)
	return &Controller{
		kp:             DefaultKp,
		ki:             DefaultKi,
		kd:             DefaultKd,
		base:           base,
		adjustInterval: DefaultAdjustInterval,
		current:        Redundancy{TX: base, RX: base},
	}
}

// SetGains overrides the PID gains.
func (c *Controller) SetGains(kp, ki, kd float64) {
	c.Lock()
	defer c.Unlock()
	c.kp, c.ki, c.kd = kp, ki, kd
}

// SetAdjustInterval overrides the minimum gap between adjustments.
func (c *Controller) SetAdjustInterval(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.adjustInterval = d
}

// Observe folds one measurement into the history and EMA.
func (c *Controller) Observe(m NetworkMetrics) {
	c.Lock()
	defer c.Unlock()

	c.history = append(c.history, m)
	if len(c.history) > metricsHistoryCap {
		c.history = c.history[1:]
	}

	if !c.primed {
		c.ema = m
		c.primed = true
		return
	}
	c.ema.RTTMs = emaAlpha*m.RTTMs + (1-emaAlpha)*c.ema.RTTMs
	c.ema.JitterMs = emaAlpha*m.JitterMs + (1-emaAlpha)*c.ema.JitterMs
	c.ema.LossRate = emaAlpha*m.LossRate + (1-emaAlpha)*c.ema.LossRate
	c.ema.BandwidthKbps = emaAlpha*m.BandwidthKbps + (1-emaAlpha)*c.ema.BandwidthKbps
}

// Adjust runs one PID step if the rate limit allows and returns the
// current redundancy.  The output is always finite and clamped.
func (c *Controller) Adjust(now time.Time) Redundancy {
	c.Lock()
	defer c.Unlock()

	if !c.primed {
		return c.current
	}
	if !c.lastAdj.IsZero() && now.Sub(c.lastAdj) < c.adjustInterval {
		return c.current
	}

	// The loop drives the quality score toward 1; the shortfall is
	// the error term.
	err := 1.0 - qualityScore(c.ema)
	dt := 1.0
	if !c.lastAdj.IsZero() {
		if secs := now.Sub(c.lastAdj).Seconds(); secs > 0 {
			dt = secs
		}
	}
	c.integral = clamp(c.integral+err*dt, -5, 5)
	deriv := (err - c.lastErr) / dt
	c.lastErr = err
	c.lastAdj = now

	control := c.kp*err + c.ki*c.integral + c.kd*deriv

	qualityMod := 1.0 + control
	bandwidthMod := 1.0
	if c.ema.BandwidthKbps > 0 && c.ema.BandwidthKbps < 1000 {
		// Starved links cannot afford heavy parity.
		bandwidthMod = 0.5 + c.ema.BandwidthKbps/2000.0
	}
	stabilityMod := 1.0 - 0.3*c.lossVarianceLocked()

	out := c.base * qualityMod * bandwidthMod * stabilityMod
	if math.IsNaN(out) || math.IsInf(out, 0) {
		out = c.base
	}
	out = clamp(out, MinRedundancy, MaxRedundancy)

	c.current = Redundancy{TX: out, RX: out}
	return c.current
}

// lossVarianceLocked estimates loss stability over the history,
// normalized to [0, 1].
func (c *Controller) lossVarianceLocked() float64 {
	if len(c.history) < 2 {
		return 0
	}
	var mean float64
	for _, m := range c.history {
		mean += m.LossRate
	}
	mean /= float64(len(c.history))
	var v float64
	for _, m := range c.history {
		d := m.LossRate - mean
		v += d * d
	}
	v /= float64(len(c.history))
	return clamp(v*4, 0, 1)
}

// Current returns the last computed redundancy.
func (c *Controller) Current() Redundancy {
	c.Lock()
	defer c.Unlock()
	return c.current
}

// HistoryLen returns the retained sample count.
func (c *Controller) HistoryLen() int {
	c.Lock()
	defer c.Unlock()
	return len(c.history)
}
