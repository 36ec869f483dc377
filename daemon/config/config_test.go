// config_test.go - Configuration tests.
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := LoadBytes(nil)
	require.NoError(err)
	require.Equal(16, cfg.Cmix.BatchSize)
	require.Equal(0.4, cfg.Cmix.TargetUtilization)
	require.Equal(0.2, cfg.FEC.BaseRedundancy)
	require.Equal(5*time.Second, cfg.HandshakeTimeout())
	require.Equal("NOTICE", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	raw := `
[Logging]
Level = "DEBUG"

[Cmix]
BatchSize = 32
TargetUtilization = 0.6

[FEC]
BaseRedundancy = 0.35
`
	path := filepath.Join(t.TempDir(), "nyx.toml")
	require.NoError(os.WriteFile(path, []byte(raw), 0600))

	cfg, err := Load(path)
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(32, cfg.Cmix.BatchSize)
	require.Equal(0.6, cfg.Cmix.TargetUtilization)
	require.Equal(0.35, cfg.FEC.BaseRedundancy)

	// Unset sections still pick up defaults.
	require.Equal(128, cfg.Stream.MaxBidi)
}

func TestValidationRejects(t *testing.T) {
	require := require.New(t)

	_, err := LoadBytes([]byte("[FEC]\nBaseRedundancy = 2.0\n"))
	require.Error(err)

	_, err = LoadBytes([]byte("[Cmix]\nTargetUtilization = 1.5\n"))
	require.Error(err)
}

func TestLoadFromEnv(t *testing.T) {
	require := require.New(t)

	t.Setenv(EnvConfigFile, "")
	cfg, err := LoadFromEnv()
	require.NoError(err)
	require.Equal(16, cfg.Cmix.BatchSize)

	path := filepath.Join(t.TempDir(), "nyx.toml")
	require.NoError(os.WriteFile(path, []byte("[Cmix]\nBatchSize = 8\n"), 0600))
	t.Setenv(EnvConfigFile, path)
	cfg, err = LoadFromEnv()
	require.NoError(err)
	require.Equal(8, cfg.Cmix.BatchSize)
}
