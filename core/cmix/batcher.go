// batcher.go - Fixed size batch mixing with cover traffic.
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

// Package cmix accumulates packets into fixed size batches that are
// emitted after a VDF enforced delay, uniformly sized and topped up
// with cover traffic so egress shape is independent of load.
package cmix

import (
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nyxnet/nyx/core/crypto/rand"
	"github.com/nyxnet/nyx/core/worker"
	"github.com/nyxnet/nyx/internal/instrument"
)

const (
	// PacketSize is the uniform on-wire size of every batch member.
	PacketSize = 1280

	// CoverPayloadSize is the payload length of a cover packet
	// before padding to PacketSize.
	CoverPayloadSize = 1200

	// DefaultBatchSize is the slot count per batch.
	DefaultBatchSize = 16

	// DefaultTargetUtilization is the traffic fill target.
	DefaultTargetUtilization = 0.4

	// DefaultVDFDelay is the development grade head delay.
	DefaultVDFDelay = 100 * time.Millisecond
)

var (
	// ErrBackpressure is returned when the queue is above the high
	// watermark; the stream layer pauses admission until drained.
	ErrBackpressure = errors.New("cmix: queue above high watermark")

	// ErrHalted is returned after shutdown.
	ErrHalted = errors.New("cmix: halted")
)

// PacketKind distinguishes batch slot contents.
type PacketKind uint8

const (
	// KindReal is application traffic.
	KindReal PacketKind = iota
	// KindCover is an indistinguishable decoy routed like real
	// traffic.
	KindCover
	// KindPad is batch filler discarded at the first hop.
	KindPad
)

// Packet is one uniform batch slot.
type Packet struct {
	Kind PacketKind
	Wire []byte
}

// Batch is one emitted mix round: exactly BatchSize packets, every
// one PacketSize long.
type Batch struct {
	Packets []Packet
	VDFTail []byte

	queuedAt time.Time
}

// RealCount returns the number of real slots.
func (b *Batch) RealCount() int { return b.count(KindReal) }

// CoverCount returns the number of cover slots.
func (b *Batch) CoverCount() int { return b.count(KindCover) }

func (b *Batch) count(k PacketKind) int {
	n := 0
	for _, p := range b.Packets {
		if p.Kind == k {
			n++
		}
	}
	return n
}

// Config parameterizes the batcher.
type Config struct {
	BatchSize         int
	BatchTimeout      time.Duration
	VDFDelay          time.Duration
	TargetUtilization float64

	// HighWatermark / LowWatermark bound the ingress queue for
	// backpressure; zero values derive from BatchSize.
	HighWatermark int
	LowWatermark  int

	// CoverRatePerSecond throttles cover packet generation
	// independently of real traffic.  Zero means unthrottled.
	CoverRatePerSecond float64

	// VDF overrides the calibrated instance, for tests.
	VDF *VDF
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 500 * time.Millisecond
	}
	if c.VDFDelay == 0 {
		c.VDFDelay = DefaultVDFDelay
	}
	if c.TargetUtilization == 0 {
		c.TargetUtilization = DefaultTargetUtilization
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = c.BatchSize * 4
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = c.BatchSize
	}
}

// Batcher accumulates uniform packets and emits mixed batches.
type Batcher struct {
	worker.Worker
	sync.Mutex

	cfg Config
	vdf *VDF

	queue   []Packet
	headAt  time.Time
	paused  bool

	coverLimiter *rate.Limiter

	// emission accounting for the utilization gauge.
	slotsEmitted   uint64
	trafficEmitted uint64

	emitCh  chan *Batch
	kickCh  chan struct{}

	// onResume, when set, is invoked as the queue drains below the
	// low watermark so the stream layer can resume admission.
	onResume func()
}

// NewBatcher constructs and starts a batcher.
func NewBatcher(cfg Config, onResume func()) *Batcher {
	cfg.applyDefaults()
	b := &Batcher{
		cfg:      cfg,
		vdf:      cfg.VDF,
		emitCh:   make(chan *Batch, 8),
		kickCh:   make(chan struct{}, 1),
		onResume: onResume,
	}
	if b.vdf == nil {
		b.vdf = NewVDF(cfg.VDFDelay)
	}
	if cfg.CoverRatePerSecond > 0 {
		b.coverLimiter = rate.NewLimiter(rate.Limit(cfg.CoverRatePerSecond), cfg.BatchSize)
	}
	b.Go(b.worker)
	return b
}

// Emitted returns the channel of emitted batches.
func (b *Batcher) Emitted() <-chan *Batch { return b.emitCh }

// Submit queues one real packet, zero padded here to the uniform
// size.  Payloads longer than PacketSize are rejected with an error.
func (b *Batcher) Submit(pkt []byte) error {
	if len(pkt) > PacketSize {
		return errors.New("cmix: packet exceeds uniform size")
	}
	wire := make([]byte, PacketSize)
	copy(wire, pkt)

	b.Lock()
	if len(b.queue) >= b.cfg.HighWatermark {
		b.paused = true
		b.Unlock()
		return ErrBackpressure
	}
	if len(b.queue) == 0 {
		b.headAt = time.Now()
	}
	b.queue = append(b.queue, Packet{Kind: KindReal, Wire: wire})
	depth := len(b.queue)
	b.Unlock()

	instrument.CmixBatchDepth(depth)

	select {
	case b.kickCh <- struct{}{}:
	default:
	}
	return nil
}

// Paused reports whether backpressure is asserted.
func (b *Batcher) Paused() bool {
	b.Lock()
	defer b.Unlock()
	return b.paused
}

// coverPacket builds one cover slot: CoverPayloadSize random bytes,
// padded to the uniform size.
func coverPacket() (Packet, error) {
	wire := make([]byte, PacketSize)
	if _, err := io.ReadFull(rand.Reader, wire[:CoverPayloadSize]); err != nil {
		return Packet{}, err
	}
	return Packet{Kind: KindCover, Wire: wire}, nil
}

// CoverPayload returns the payload slice of a cover packet, which is
// CoverPayloadSize long by construction.
func CoverPayload(p Packet) []byte {
	return p.Wire[:CoverPayloadSize]
}

func (b *Batcher) worker() {
	timer := time.NewTimer(b.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		b.Lock()
		full := len(b.queue) >= b.cfg.BatchSize
		headAge := time.Duration(0)
		if len(b.queue) > 0 {
			headAge = time.Since(b.headAt)
		}
		b.Unlock()

		timedOut := headAge >= b.cfg.BatchTimeout
		if full || timedOut {
			if err := b.emitOne(); err != nil {
				return
			}
			continue
		}

		wait := b.cfg.BatchTimeout - headAge
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-b.HaltCh():
			close(b.emitCh)
			return
		case <-b.kickCh:
		case <-timer.C:
		}
	}
}

// emitOne assembles one batch: up to BatchSize real packets, cover
// packets toward the utilization target, pad slots to the uniform
// count.  The VDF runs over the batch head before emission.
func (b *Batcher) emitOne() error {
	b.Lock()
	n := len(b.queue)
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	batch := &Batch{
		Packets:  make([]Packet, 0, b.cfg.BatchSize),
		queuedAt: b.headAt,
	}
	batch.Packets = append(batch.Packets, b.queue[:n]...)
	b.queue = append([]Packet{}, b.queue[n:]...)
	if len(b.queue) > 0 {
		b.headAt = time.Now()
	}
	resume := b.paused && len(b.queue) <= b.cfg.LowWatermark
	if resume {
		b.paused = false
	}
	b.Unlock()

	if resume && b.onResume != nil {
		b.onResume()
	}

	// Cover tops the batch up to the utilization target; pad fills
	// the remaining slots so the emitted batch is always uniform.
	target := int(float64(b.cfg.BatchSize)*b.cfg.TargetUtilization + 0.5)
	for len(batch.Packets) < target {
		if b.coverLimiter != nil && !b.coverLimiter.Allow() {
			break
		}
		p, err := coverPacket()
		if err != nil {
			return err
		}
		batch.Packets = append(batch.Packets, p)
	}
	for len(batch.Packets) < b.cfg.BatchSize {
		batch.Packets = append(batch.Packets, Packet{Kind: KindPad, Wire: make([]byte, PacketSize)})
	}

	// The head delay: mix across the batch before it leaves.
	vdfStart := time.Now()
	seed := make([]byte, 32)
	if len(batch.Packets) > 0 {
		copy(seed, batch.Packets[0].Wire[:32])
	}
	batch.VDFTail = b.vdf.Eval(seed)
	instrument.VDFDelay(time.Since(vdfStart))

	b.Lock()
	b.slotsEmitted += uint64(b.cfg.BatchSize)
	b.trafficEmitted += uint64(batch.RealCount() + batch.CoverCount())
	util := float64(b.trafficEmitted) / float64(b.slotsEmitted)
	b.Unlock()
	instrument.CoverTrafficUtilization(util)
	if !batch.queuedAt.IsZero() {
		instrument.BatchProcessingLatency(time.Since(batch.queuedAt))
	}

	select {
	case b.emitCh <- batch:
	case <-b.HaltCh():
		close(b.emitCh)
		return ErrHalted
	}
	return nil
}

// Utilization returns traffic slots over total slots emitted.
func (b *Batcher) Utilization() float64 {
	b.Lock()
	defer b.Unlock()
	if b.slotsEmitted == 0 {
		return 0
	}
	return float64(b.trafficEmitted) / float64(b.slotsEmitted)
}

// QueueDepth returns the pending packet count.
func (b *Batcher) QueueDepth() int {
	b.Lock()
	defer b.Unlock()
	return len(b.queue)
}
