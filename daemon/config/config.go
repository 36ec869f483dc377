// config.go - Daemon configuration.
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

// Package config provides the daemon TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigFile names the config file when no path is given
// explicitly.
const EnvConfigFile = "NYX_CONFIG"

var defaultConfig = Config{
	Logging: Logging{
		Level: "NOTICE",
	},
	Session: Session{
		HandshakeTimeoutMs: 5000,
		IdleTimeoutMs:      300_000,
	},
	Stream: Stream{
		MaxBidi:    128,
		MaxUni:     128,
		SendWindow: 256 * 1024,
		RecvWindow: 256 * 1024,
	},
	Multipath: Multipath{
		FailoverTimeoutMs: 3000,
		ProbeIntervalMs:   10_000,
		ReorderTimeoutMs:  250,
	},
	FEC: FEC{
		BaseRedundancy:   0.2,
		AdjustIntervalMs: 1000,
		DataShards:       10,
	},
	Cmix: Cmix{
		BatchSize:         16,
		BatchTimeoutMs:    500,
		VDFDelayMs:        100,
		TargetUtilization: 0.4,
	},
	PCR: PCR{
		RotationIntervalMin: 60,
	},
}

// Logging is the logging configuration.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Session is the session layer configuration.
type Session struct {
	HandshakeTimeoutMs int
	IdleTimeoutMs      int
}

// Stream is the multiplexer configuration.
type Stream struct {
	MaxBidi    int
	MaxUni     int
	SendWindow int
	RecvWindow int
}

// Multipath is the path scheduler configuration.
type Multipath struct {
	FailoverTimeoutMs int
	ProbeIntervalMs   int
	ReorderTimeoutMs  int
}

// FEC is the forward error correction configuration.
type FEC struct {
	BaseRedundancy   float64
	AdjustIntervalMs int
	DataShards       int
}

// Cmix is the batch mixer configuration.
type Cmix struct {
	BatchSize         int
	BatchTimeoutMs    int
	VDFDelayMs        int
	TargetUtilization float64
	CoverRatePerSec   float64
}

// PCR is the post compromise recovery configuration.
type PCR struct {
	AuditLogFile        string
	RotationIntervalMin int
}

// Control is the control socket configuration.
type Control struct {
	SocketPath string
	StateDir   string
}

// Config is the top level daemon configuration.
type Config struct {
	Logging   Logging
	Session   Session
	Stream    Stream
	Multipath Multipath
	FEC       FEC
	Cmix      Cmix
	PCR       PCR
	Control   Control
}

// FixupAndValidate applies defaults to zero values and rejects
// nonsense.
func (c *Config) FixupAndValidate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultConfig.Logging.Level
	}
	if c.Session.HandshakeTimeoutMs <= 0 {
		c.Session.HandshakeTimeoutMs = defaultConfig.Session.HandshakeTimeoutMs
	}
	if c.Session.IdleTimeoutMs <= 0 {
		c.Session.IdleTimeoutMs = defaultConfig.Session.IdleTimeoutMs
	}
	if c.Stream.MaxBidi <= 0 {
		c.Stream.MaxBidi = defaultConfig.Stream.MaxBidi
	}
	if c.Stream.MaxUni <= 0 {
		c.Stream.MaxUni = defaultConfig.Stream.MaxUni
	}
	if c.Stream.SendWindow <= 0 {
		c.Stream.SendWindow = defaultConfig.Stream.SendWindow
	}
	if c.Stream.RecvWindow <= 0 {
		c.Stream.RecvWindow = defaultConfig.Stream.RecvWindow
	}
	if c.Multipath.FailoverTimeoutMs <= 0 {
		c.Multipath.FailoverTimeoutMs = defaultConfig.Multipath.FailoverTimeoutMs
	}
	if c.Multipath.ProbeIntervalMs <= 0 {
		c.Multipath.ProbeIntervalMs = defaultConfig.Multipath.ProbeIntervalMs
	}
	if c.Multipath.ReorderTimeoutMs <= 0 {
		c.Multipath.ReorderTimeoutMs = defaultConfig.Multipath.ReorderTimeoutMs
	}
	if c.FEC.BaseRedundancy == 0 {
		c.FEC.BaseRedundancy = defaultConfig.FEC.BaseRedundancy
	}
	if c.FEC.BaseRedundancy < 0.01 || c.FEC.BaseRedundancy > 0.9 {
		return fmt.Errorf("config: FEC.BaseRedundancy %v outside [0.01, 0.9]", c.FEC.BaseRedundancy)
	}
	if c.FEC.AdjustIntervalMs <= 0 {
		c.FEC.AdjustIntervalMs = defaultConfig.FEC.AdjustIntervalMs
	}
	if c.FEC.DataShards <= 0 {
		c.FEC.DataShards = defaultConfig.FEC.DataShards
	}
	if c.Cmix.BatchSize <= 0 {
		c.Cmix.BatchSize = defaultConfig.Cmix.BatchSize
	}
	if c.Cmix.BatchTimeoutMs <= 0 {
		c.Cmix.BatchTimeoutMs = defaultConfig.Cmix.BatchTimeoutMs
	}
	if c.Cmix.VDFDelayMs <= 0 {
		c.Cmix.VDFDelayMs = defaultConfig.Cmix.VDFDelayMs
	}
	if c.Cmix.TargetUtilization == 0 {
		c.Cmix.TargetUtilization = defaultConfig.Cmix.TargetUtilization
	}
	if c.Cmix.TargetUtilization < 0 || c.Cmix.TargetUtilization > 1 {
		return fmt.Errorf("config: Cmix.TargetUtilization %v outside [0, 1]", c.Cmix.TargetUtilization)
	}
	if c.PCR.RotationIntervalMin <= 0 {
		c.PCR.RotationIntervalMin = defaultConfig.PCR.RotationIntervalMin
	}
	return nil
}

// HandshakeTimeout returns the session handshake deadline.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Session.HandshakeTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the session idle sweep deadline.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMs) * time.Millisecond
}

// Load parses and validates a config file.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes parses and validates config bytes.
func LoadBytes(raw []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by NYX_CONFIG, or the built in
// defaults when unset.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		cfg := defaultConfig
		if err := cfg.FixupAndValidate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, errors.New("config: " + err.Error())
	}
	return cfg, nil
}
