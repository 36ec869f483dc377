// daemon.go - Session manager and pipeline glue.
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

// Package daemon wires the protocol core onto a datagram transport:
// each frame the stream mux emits is encoded, sealed by the session,
// wrapped in a uniform packet on a path picked by the multipath
// scheduler and queued in the cMix batcher, whose batches go to the
// transport.  Reed-Solomon parity over groups of those packets is
// queued alongside them; application bytes are not packed into FEC
// shards.  Ingress decodes, decrypts behind the replay filter,
// restores order and routes frames to the mux.  Sessions live in a
// central table keyed on CID; streams
// reference sessions by CID, never by pointer.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyx/core/cmix"
	"github.com/nyxnet/nyx/core/fec"
	"github.com/nyxnet/nyx/core/handshake"
	nyxlog "github.com/nyxnet/nyx/core/log"
	"github.com/nyxnet/nyx/core/multipath"
	"github.com/nyxnet/nyx/core/pcr"
	"github.com/nyxnet/nyx/core/session"
	"github.com/nyxnet/nyx/core/stream"
	"github.com/nyxnet/nyx/core/telemetry"
	"github.com/nyxnet/nyx/core/timerqueue"
	"github.com/nyxnet/nyx/core/wire"
	"github.com/nyxnet/nyx/core/worker"
	"github.com/nyxnet/nyx/daemon/config"
	"github.com/nyxnet/nyx/internal/instrument"
)

// Version is the daemon version reported over the control socket.
const Version = "0.1.0"

// CapRekeyTransport carries the HPKE rekey public key in capability
// data during the handshake.  Optional: peers without it simply
// cannot be rekey initiators toward us.
const CapRekeyTransport uint32 = 0x0003

var (
	// ErrUnknownSession is returned for operations on CIDs not in
	// the session table.
	ErrUnknownSession = errors.New("daemon: unknown session")

	// ErrHandshakeTimeout is returned when the peer does not
	// complete the handshake in time.
	ErrHandshakeTimeout = errors.New("daemon: handshake timeout")
)

// sessionEntry binds a session to its mux and rekey material.
type sessionEntry struct {
	sess *session.Session
	mux  *stream.Mux

	// reorder restores cross-path packet ordering ahead of the mux.
	// Swapped for a fresh buffer on rekey, when sequence numbers
	// restart.
	reorder *multipath.ReorderBuffer

	rekeyKP      *session.RekeyKeypair
	peerRekeyPub []byte

	lastActivity time.Time
}

// Daemon is the assembled protocol core.
type Daemon struct {
	worker.Worker

	cfgMu  sync.RWMutex
	cfg    *config.Config
	cfgRaw []byte

	logBackend *nyxlog.Backend
	log        *logging.Logger

	transport Transport
	batcher   *cmix.Batcher
	sched     *multipath.Scheduler
	fecCtl    *fec.Controller
	plugins   *session.PluginRegistry
	pool      *BufferPool
	probeQ    *timerqueue.Queue

	audit  *pcr.AuditLog
	pcrCtl *pcr.Controller
	admin  *pcr.AdminSignal

	tele *telemetry.Context

	sMu      sync.RWMutex
	sessions map[[16]byte]*sessionEntry

	hsMu          sync.Mutex
	pending       map[[16]byte]*pendingHandshake
	pendingServer map[[16]byte]*handshake.Server

	fecMu    sync.Mutex
	fecGroup [][]byte

	rekeyKP *session.RekeyKeypair

	startedAt time.Time
	cancel    context.CancelFunc
}

type pendingHandshake struct {
	client *handshake.Client
	doneCh chan *handshakeOutcome
}

type handshakeOutcome struct {
	res *handshake.Result
	err error
}

// New assembles a daemon over the given transport.
func New(cfg *config.Config, cfgRaw []byte, transport Transport, auditPath string) (*Daemon, error) {
	backend, err := nyxlog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	audit, err := pcr.NewAuditLog(auditPath)
	if err != nil {
		return nil, err
	}

	rekeyKP, err := session.NewRekeyKeypair()
	if err != nil {
		return nil, err
	}

	sched := multipath.NewScheduler(multipath.Config{
		FailoverTimeout: time.Duration(cfg.Multipath.FailoverTimeoutMs) * time.Millisecond,
		ProbeInterval:   time.Duration(cfg.Multipath.ProbeIntervalMs) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:           cfg,
		cfgRaw:        cfgRaw,
		logBackend:    backend,
		log:           backend.GetLogger("daemon"),
		transport:     transport,
		sched:         sched,
		fecCtl:        fec.NewController(cfg.FEC.BaseRedundancy),
		plugins:       session.NewPluginRegistry(),
		pool:          NewBufferPool(),
		audit:         audit,
		sessions:      make(map[[16]byte]*sessionEntry),
		pending:       make(map[[16]byte]*pendingHandshake),
		pendingServer: make(map[[16]byte]*handshake.Server),
		rekeyKP:       rekeyKP,
		tele:          telemetry.NewContext(telemetry.AlwaysOff, nil),
		startedAt:     time.Now(),
		cancel:        cancel,
	}
	d.fecCtl.SetAdjustInterval(time.Duration(cfg.FEC.AdjustIntervalMs) * time.Millisecond)
	d.batcher = cmix.NewBatcher(cmix.Config{
		BatchSize:          cfg.Cmix.BatchSize,
		BatchTimeout:       time.Duration(cfg.Cmix.BatchTimeoutMs) * time.Millisecond,
		VDFDelay:           time.Duration(cfg.Cmix.VDFDelayMs) * time.Millisecond,
		TargetUtilization:  cfg.Cmix.TargetUtilization,
		CoverRatePerSecond: cfg.Cmix.CoverRatePerSec,
	}, nil)
	d.pcrCtl = pcr.NewController(d, audit, backend.GetLogger("pcr"))
	d.admin = pcr.NewAdminSignal(d.pcrCtl)
	d.probeQ = timerqueue.New(d.probeFired)
	d.probeQ.Start()

	d.Go(func() { d.egressWorker(ctx) })
	d.Go(func() { d.ingressWorker(ctx) })
	d.Go(func() { d.sweepWorker(ctx) })
	return d, nil
}

// Shutdown tears the daemon down and drains shared resources.
func (d *Daemon) Shutdown() {
	d.cancel()
	d.probeQ.Halt()
	d.batcher.Halt()
	d.pcrCtl.Halt()
	d.Halt()

	d.sMu.Lock()
	for _, e := range d.sessions {
		e.sess.Close()
	}
	d.sessions = make(map[[16]byte]*sessionEntry)
	d.sMu.Unlock()

	d.pool.Drain()
	d.audit.Close()
}

// AddPath registers a transport path with the scheduler and starts
// its probe cadence.
func (d *Daemon) AddPath(id uint8, endpoint string, seedRTTMs float64) {
	d.sched.AddPath(id, endpoint, seedRTTMs)
	interval := time.Duration(d.config().Multipath.ProbeIntervalMs) * time.Millisecond
	d.probeQ.Push(uint64(time.Now().Add(interval).UnixNano()), id)
}

// probeFired sends a PATH_CHALLENGE for the path on any established
// session and reschedules itself.
func (d *Daemon) probeFired(v interface{}) {
	id, ok := v.(uint8)
	if !ok {
		return
	}

	if probe, err := d.sched.BuildProbe(id); err == nil {
		d.sMu.RLock()
		var cid [16]byte
		found := false
		for c := range d.sessions {
			cid, found = c, true
			break
		}
		d.sMu.RUnlock()
		if found {
			if err := d.sendFrame(cid, probe); err != nil {
				d.log.Debugf("daemon: probe send: %v", err)
			}
		}
	}

	interval := time.Duration(d.config().Multipath.ProbeIntervalMs) * time.Millisecond
	d.probeQ.Push(uint64(time.Now().Add(interval).UnixNano()), id)
}

// Scheduler exposes the multipath scheduler for probe driving.
func (d *Daemon) Scheduler() *multipath.Scheduler { return d.sched }

// Plugins exposes the CUSTOM frame registry.
func (d *Daemon) Plugins() *session.PluginRegistry { return d.plugins }

// SetTelemetry installs a telemetry context; the default is
// AlwaysOff.
func (d *Daemon) SetTelemetry(t *telemetry.Context) { d.tele = t }

// newReorderFor constructs the per-session reorder buffer delivering
// decrypted payloads to the frame router in sequence order.
func (d *Daemon) newReorderFor(cid [16]byte) *multipath.ReorderBuffer {
	timeout := time.Duration(d.config().Multipath.ReorderTimeoutMs) * time.Millisecond
	return multipath.NewReorderBuffer(1, timeout, func(_ uint64, payload []byte) {
		d.deliverFrames(cid, payload)
	})
}

// capabilities returns the advertised capability list including the
// rekey transport key.
func (d *Daemon) capabilities() []handshake.Capability {
	caps := handshake.DefaultCapabilities()
	return append(caps, handshake.Capability{
		ID:   CapRekeyTransport,
		Data: d.rekeyKP.Public,
	})
}

func peerRekeyPub(caps []handshake.Capability) []byte {
	for _, c := range caps {
		if c.ID == CapRekeyTransport {
			return c.Data
		}
	}
	return nil
}

// Connect performs the client handshake over the transport and
// installs the established session, returning its CID.
func (d *Daemon) Connect(ctx context.Context) ([16]byte, error) {
	sess, err := session.New(true)
	if err != nil {
		return [16]byte{}, err
	}
	cid := sess.CID()

	client := handshake.NewClient(d.capabilities())
	helloRaw, err := client.Start()
	if err != nil {
		return [16]byte{}, err
	}

	ph := &pendingHandshake{client: client, doneCh: make(chan *handshakeOutcome, 1)}
	d.hsMu.Lock()
	d.pending[cid] = ph
	d.hsMu.Unlock()
	defer func() {
		d.hsMu.Lock()
		delete(d.pending, cid)
		d.hsMu.Unlock()
	}()

	if err := d.sendCrypto(ctx, cid, helloRaw); err != nil {
		return [16]byte{}, err
	}

	timeout := d.config().HandshakeTimeout()
	select {
	case outcome := <-ph.doneCh:
		if outcome.err != nil {
			instrument.HandshakeFailure()
			return [16]byte{}, outcome.err
		}
		d.installSession(sess, outcome.res, true)
		instrument.HandshakeSuccess()
		return cid, nil
	case <-time.After(timeout):
		instrument.HandshakeFailure()
		return [16]byte{}, ErrHandshakeTimeout
	case <-ctx.Done():
		instrument.HandshakeFailure()
		return [16]byte{}, ctx.Err()
	}
}

func (d *Daemon) installSession(sess *session.Session, res *handshake.Result, isClient bool) {
	entry := &sessionEntry{
		sess:         sess,
		rekeyKP:      d.rekeyKP,
		peerRekeyPub: peerRekeyPub(res.Peer),
		lastActivity: time.Now(),
	}
	cfg := d.config()
	cid := sess.CID()
	entry.reorder = d.newReorderFor(cid)
	entry.mux = stream.NewMux(isClient, stream.Config{
		MaxBidi:    cfg.Stream.MaxBidi,
		MaxUni:     cfg.Stream.MaxUni,
		SendWindow: uint64(cfg.Stream.SendWindow),
		RecvWindow: uint64(cfg.Stream.RecvWindow),
	}, func(f *wire.Frame) error { return d.sendFrame(cid, f) })

	if err := sess.Establish(res.Keys, res.Capabilities); err != nil {
		d.log.Errorf("daemon: establish failed for %x", cid[:4])
		return
	}

	d.sMu.Lock()
	d.sessions[cid] = entry
	d.sMu.Unlock()
}

// config returns the active configuration.
func (d *Daemon) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// OpenStream opens a stream on an established session.
func (d *Daemon) OpenStream(cid [16]byte) (uint32, error) {
	e, err := d.entry(cid)
	if err != nil {
		return 0, err
	}
	s, err := e.mux.OpenStream(stream.Bidi)
	if err != nil {
		return 0, err
	}
	return s.ID(), nil
}

// Send writes application bytes onto a stream.
func (d *Daemon) Send(cid [16]byte, streamID uint32, p []byte) (int, error) {
	e, err := d.entry(cid)
	if err != nil {
		return 0, err
	}
	d.touch(cid)
	return e.mux.Send(streamID, p)
}

// Read drains delivered bytes from a stream.
func (d *Daemon) Read(cid [16]byte, streamID uint32, p []byte) (int, error) {
	e, err := d.entry(cid)
	if err != nil {
		return 0, err
	}
	return e.mux.Read(streamID, p)
}

func (d *Daemon) entry(cid [16]byte) (*sessionEntry, error) {
	d.sMu.RLock()
	defer d.sMu.RUnlock()
	e, ok := d.sessions[cid]
	if !ok {
		return nil, ErrUnknownSession
	}
	return e, nil
}

func (d *Daemon) touch(cid [16]byte) {
	d.sMu.Lock()
	if e, ok := d.sessions[cid]; ok {
		e.lastActivity = time.Now()
	}
	d.sMu.Unlock()
}

// Sessions returns the live session count.
func (d *Daemon) Sessions() int {
	d.sMu.RLock()
	defer d.sMu.RUnlock()
	return len(d.sessions)
}
