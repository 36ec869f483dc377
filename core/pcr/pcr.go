// pcr.go - Post compromise recovery.
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

// Package pcr drives post compromise recovery: anomaly detectors
// feed severity graded triggers, Critical ones force an immediate
// rekey across sessions, and every action lands in an append only
// audit log.
package pcr

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyx/core/worker"
)

// TriggerSeverity grades anomaly signals.
type TriggerSeverity uint8

const (
	// Low is informational.
	Low TriggerSeverity = iota
	// Medium is suspicious.
	Medium
	// High is a likely compromise indicator.
	High
	// Critical forces an immediate rekey.
	Critical
)

// String returns the severity name.
func (s TriggerSeverity) String() string {
	switch s {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Trigger is one anomaly signal.
type Trigger struct {
	Source   string
	Severity TriggerSeverity
	At       time.Time
}

// Detector is the pluggable anomaly source contract.  The core holds
// the handle and never introspects the implementation.
type Detector interface {
	// Name identifies the detector in audit records.
	Name() string
}

// Rekeyer performs the forced rekey across affected sessions and
// reports how many were rotated.
type Rekeyer interface {
	ForceRekey() (sessionsAffected int, err error)
}

// Controller consumes triggers and reacts per severity.
type Controller struct {
	worker.Worker
	sync.Mutex

	rekeyer Rekeyer
	audit   *AuditLog
	log     *logging.Logger

	triggerCh chan Trigger

	// counts per severity, for the control interface.
	counts [Critical + 1]uint64
}

// NewController constructs and starts a controller.
func NewController(rekeyer Rekeyer, audit *AuditLog, log *logging.Logger) *Controller {
	c := &Controller{
		rekeyer:   rekeyer,
		audit:     audit,
		log:       log,
		triggerCh: make(chan Trigger, 16),
	}
	c.Go(c.worker)
	return c
}

// Report feeds a trigger into the controller.  Non-blocking: if the
// queue is full the trigger is folded into the counters only.
func (c *Controller) Report(t Trigger) {
	c.Lock()
	if t.Severity <= Critical {
		c.counts[t.Severity]++
	}
	c.Unlock()

	select {
	case c.triggerCh <- t:
	default:
		c.log.Warningf("pcr: trigger queue full, dropping %s/%s", t.Source, t.Severity)
	}
}

// Counts returns the per-severity trigger totals.
func (c *Controller) Counts() map[string]uint64 {
	c.Lock()
	defer c.Unlock()
	return map[string]uint64{
		Low.String():      c.counts[Low],
		Medium.String():   c.counts[Medium],
		High.String():     c.counts[High],
		Critical.String(): c.counts[Critical],
	}
}

func (c *Controller) worker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case t := <-c.triggerCh:
			c.handle(t)
		}
	}
}

func (c *Controller) handle(t Trigger) {
	if t.Severity < Critical {
		c.log.Debugf("pcr: trigger %s severity %s noted", t.Source, t.Severity)
		return
	}

	start := time.Now()
	affected, err := c.rekeyer.ForceRekey()
	ev := Event{
		Timestamp:        start,
		Trigger:          t.Source,
		Severity:         t.Severity,
		SessionsAffected: affected,
		Success:          err == nil,
		Duration:         time.Since(start),
	}
	if err != nil {
		ev.Error = err.Error()
		c.log.Errorf("pcr: forced rekey failed: %v", err)
	} else {
		c.log.Noticef("pcr: forced rekey rotated %d sessions", affected)
	}
	if aerr := c.audit.Append(ev); aerr != nil {
		c.log.Errorf("pcr: audit append failed: %v", aerr)
	}
}
