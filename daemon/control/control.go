// control.go - Control socket.
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

// Package control exposes the daemon's operator interface over a
// unix domain socket: single line commands, single line
// self-describing text responses.  Privileged operations require a
// bearer token or cookie when strict auth is enabled.
package control

import (
	"bufio"
	"crypto/hmac"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyx/core/pcr"
	"github.com/nyxnet/nyx/core/worker"
	"github.com/nyxnet/nyx/daemon/config"
)

// Environment variables consumed by the auth layer.
const (
	EnvToken      = "NYX_DAEMON_TOKEN"
	EnvCookie     = "NYX_DAEMON_COOKIE"
	EnvStrictAuth = "NYX_DAEMON_STRICT_AUTH"
)

// Info is the daemon state surfaced by get_info.
type Info struct {
	Version       string
	Uptime        time.Duration
	Sessions      int
	ConfigVersion uint64
}

// Daemon is the surface the control plane drives.  The daemon
// package implements it; tests mock it.
type Daemon interface {
	Info() Info
	ReloadConfig() error
	ApplyConfig(raw []byte) error
	CurrentConfigRaw() []byte
	AdminSignal(severity pcr.TriggerSeverity)
	AuditEvents() <-chan pcr.Event
}

// Server is the control socket listener.
type Server struct {
	worker.Worker

	daemon Daemon
	store  *Store
	log    *logging.Logger

	ln net.Listener

	token      string
	cookie     string
	strictAuth bool
}

// privileged lists the operations requiring auth under strict mode.
var privileged = map[string]bool{
	"reload_config":          true,
	"update_config":          true,
	"rollback_config":        true,
	"create_config_snapshot": true,
	"pcr_signal":             true,
}

// NewServer constructs a control server listening on socketPath.
func NewServer(socketPath string, daemon Daemon, store *Store, log *logging.Logger) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		daemon:     daemon,
		store:      store,
		log:        log,
		ln:         ln,
		token:      os.Getenv(EnvToken),
		strictAuth: os.Getenv(EnvStrictAuth) == "1" || strings.EqualFold(os.Getenv(EnvStrictAuth), "true"),
	}
	if cookieFile := os.Getenv(EnvCookie); cookieFile != "" {
		raw, err := os.ReadFile(cookieFile)
		if err != nil {
			ln.Close()
			return nil, err
		}
		s.cookie = strings.TrimSpace(string(raw))
	}

	s.Go(s.acceptLoop)
	s.Go(func() {
		<-s.HaltCh()
		s.ln.Close()
	})
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			s.log.Warningf("control: accept: %v", err)
			return
		}
		s.Go(func() { s.handleConn(conn) })
	}
}

// authOK checks a presented credential against the token and cookie
// in constant time.
func (s *Server) authOK(presented string) bool {
	if s.token != "" && hmac.Equal([]byte(presented), []byte(s.token)) {
		return true
	}
	if s.cookie != "" && hmac.Equal([]byte(presented), []byte(s.cookie)) {
		return true
	}
	return false
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	authed := false
	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)

	reply := func(line string) {
		w.WriteString(line + "\n")
		w.Flush()
	}

	for scanner.Scan() {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		if cmd == "auth" {
			if len(args) == 1 && s.authOK(args[0]) {
				authed = true
				reply("ok")
			} else {
				reply("err code=auth_failed")
			}
			continue
		}

		if s.strictAuth && privileged[cmd] && !authed {
			reply("err code=unauthorized")
			continue
		}

		switch cmd {
		case "get_info":
			info := s.daemon.Info()
			reply(fmt.Sprintf("ok version=%s uptime_s=%d sessions=%d config_version=%d",
				info.Version, int(info.Uptime.Seconds()), info.Sessions, info.ConfigVersion))

		case "reload_config":
			if err := s.daemon.ReloadConfig(); err != nil {
				reply("err code=reload_failed")
				continue
			}
			reply("ok")

		case "update_config":
			// Args carry TOML on one line with each newline
			// written as a literal backslash-n; the fields are
			// rejoined with single spaces.
			raw := strings.ReplaceAll(strings.Join(args, " "), "\\n", "\n")
			if _, err := config.LoadBytes([]byte(raw)); err != nil {
				reply("err code=invalid_config")
				continue
			}
			if err := s.daemon.ApplyConfig([]byte(raw)); err != nil {
				reply("err code=apply_failed")
				continue
			}
			reply("ok")

		case "create_config_snapshot":
			snap, err := s.store.CreateSnapshot(s.daemon.CurrentConfigRaw())
			if err != nil {
				reply("err code=snapshot_failed")
				continue
			}
			reply(fmt.Sprintf("ok version=%d created_at=%s",
				snap.Version, snap.CreatedAt.Format(time.RFC3339)))

		case "list_config_versions":
			snaps, err := s.store.Versions()
			if err != nil {
				reply("err code=store_failed")
				continue
			}
			ids := make([]string, len(snaps))
			for i, snap := range snaps {
				ids[i] = strconv.FormatUint(snap.Version, 10)
			}
			reply("ok versions=" + strings.Join(ids, ","))

		case "rollback_config":
			if len(args) != 1 {
				reply("err code=bad_args")
				continue
			}
			version, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				reply("err code=bad_args")
				continue
			}
			snap, err := s.store.Snapshot(version)
			if err != nil {
				reply("err code=no_such_version")
				continue
			}
			if err := s.daemon.ApplyConfig(snap.Raw); err != nil {
				reply("err code=apply_failed")
				continue
			}
			reply(fmt.Sprintf("ok version=%d", version))

		case "pcr_signal":
			if len(args) != 1 {
				reply("err code=bad_args")
				continue
			}
			sev, ok := parseSeverity(args[0])
			if !ok {
				reply("err code=bad_args")
				continue
			}
			s.daemon.AdminSignal(sev)
			reply("ok")

		case "subscribe_events":
			reply("ok streaming=1")
			s.streamEvents(w)
			return

		default:
			reply("err code=unknown_command")
		}
	}
}

// streamEvents relays audit events, one line each, until the client
// goes away or the server halts.
func (s *Server) streamEvents(w *bufio.Writer) {
	events := s.daemon.AuditEvents()
	for {
		select {
		case <-s.HaltCh():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			line := fmt.Sprintf("event ts=%s trigger=%s severity=%s sessions_affected=%d success=%t duration_ms=%d",
				ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Trigger, ev.Severity,
				ev.SessionsAffected, ev.Success, ev.Duration.Milliseconds())
			if _, err := w.WriteString(line + "\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func parseSeverity(s string) (pcr.TriggerSeverity, bool) {
	switch strings.ToLower(s) {
	case "low":
		return pcr.Low, true
	case "medium":
		return pcr.Medium, true
	case "high":
		return pcr.High, true
	case "critical":
		return pcr.Critical, true
	}
	return pcr.Low, false
}
