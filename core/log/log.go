// log.go - Logging backend.
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

// Package log provides the process wide logging backend.  Components
// are handed module tagged loggers and must never log key material or
// payload bytes.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const fmtStr = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend that hands out module tagged loggers.
type Backend struct {
	sync.Mutex

	backend logging.LeveledBackend
	f       *os.File
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	b.Lock()
	defer b.Unlock()

	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// Rotate closes and reopens the log file, if the backend is file
// backed.  It is intended to be called from a SIGHUP handler.
func (b *Backend) Rotate() error {
	if b.f == nil {
		return fmt.Errorf("log: backend not file backed")
	}

	b.Lock()
	defer b.Unlock()

	f, err := os.OpenFile(b.f.Name(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	old := b.f
	b.setOutput(f)
	b.f = f
	return old.Close()
}

func (b *Backend) setOutput(w io.Writer) {
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(fmtStr))
	b.backend = logging.AddModuleLevel(formatted)
}

func parseLevel(level string) (logging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	}
	return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", level)
}

// New initializes a logging backend.  An empty file name logs to
// stderr, disable suppresses output entirely.
func New(file string, level string, disable bool) (*Backend, error) {
	lv, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	switch {
	case disable:
		b.setOutput(ioutil.Discard)
	case file == "":
		b.setOutput(os.Stderr)
	default:
		b.f, err = os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		b.setOutput(b.f)
	}
	b.backend.SetLevel(lv, "")
	return b, nil
}
