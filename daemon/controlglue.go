// controlglue.go - Control plane surface.
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

package daemon

import (
	"time"

	"github.com/nyxnet/nyx/core/pcr"
	"github.com/nyxnet/nyx/daemon/config"
	"github.com/nyxnet/nyx/daemon/control"
)

// Info implements control.Daemon.
func (d *Daemon) Info() control.Info {
	return control.Info{
		Version:  Version,
		Uptime:   time.Since(d.startedAt),
		Sessions: d.Sessions(),
	}
}

// ReloadConfig implements control.Daemon: re-reads NYX_CONFIG.
func (d *Daemon) ReloadConfig() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	d.log.Noticef("daemon: configuration reloaded")
	return nil
}

// ApplyConfig implements control.Daemon: installs validated config
// bytes.  Running components pick up the tunables they re-read
// (timeouts, thresholds); structural changes need a restart.
func (d *Daemon) ApplyConfig(raw []byte) error {
	cfg, err := config.LoadBytes(raw)
	if err != nil {
		return err
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgRaw = append([]byte{}, raw...)
	d.cfgMu.Unlock()
	d.log.Noticef("daemon: configuration applied")
	return nil
}

// CurrentConfigRaw implements control.Daemon.
func (d *Daemon) CurrentConfigRaw() []byte {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return append([]byte{}, d.cfgRaw...)
}

// AdminSignal implements control.Daemon: feeds the PCR controller.
func (d *Daemon) AdminSignal(severity pcr.TriggerSeverity) {
	d.admin.Signal(severity)
}

// AuditEvents implements control.Daemon.
func (d *Daemon) AuditEvents() <-chan pcr.Event {
	return d.audit.Subscribe()
}
