// mux.go - Stream multiplexer.
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

package stream

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/nyxnet/nyx/core/wire"
)

// Defaults for the multiplexer quotas and windows.
const (
	DefaultMaxBidi     = 128
	DefaultMaxUni      = 128
	DefaultSendWindow  = 256 * 1024
	DefaultRecvWindow  = 256 * 1024
	DefaultSegmentSize = 1200
)

var (
	// ErrQuotaExceeded is returned when the per-type stream quota is
	// exhausted.
	ErrQuotaExceeded = errors.New("stream: quota exceeded")

	// ErrUnknownStream is returned for frames addressed to a stream
	// that was never opened or is already swept.
	ErrUnknownStream = errors.New("stream: unknown stream")

	// ErrReservedStream guards stream ID 0.
	ErrReservedStream = errors.New("stream: id 0 is reserved")
)

// Ack is one cumulative acknowledgement range, inclusive on both
// ends, carried CBOR encoded inside an ACK frame.
type Ack struct {
	StreamID uint32 `cbor:"1,keyasint"`
	First    uint64 `cbor:"2,keyasint"`
	Last     uint64 `cbor:"3,keyasint"`
	// Window is the receiver's current credit for the stream.
	Window uint64 `cbor:"4,keyasint"`
}

// Config parameterizes a Mux.
type Config struct {
	MaxBidi     int
	MaxUni      int
	SendWindow  uint64
	RecvWindow  uint64
	SegmentSize int
}

func (c *Config) applyDefaults() {
	if c.MaxBidi == 0 {
		c.MaxBidi = DefaultMaxBidi
	}
	if c.MaxUni == 0 {
		c.MaxUni = DefaultMaxUni
	}
	if c.SendWindow == 0 {
		c.SendWindow = DefaultSendWindow
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = DefaultRecvWindow
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultSegmentSize
	}
}

// Mux allocates stream IDs and routes frames.  The send side hands
// frames to the injected sink, which feeds the session encryptor.
type Mux struct {
	sync.Mutex

	cfg      Config
	isClient bool

	// nextID holds the next stream number to allocate for the local
	// side, before parity mapping.
	nextID uint32

	streams map[uint32]*Stream

	nBidi, nUni int

	// highestRemote tracks the peer's monotonically increasing IDs.
	highestRemote uint32

	estimator Estimator

	sink func(*wire.Frame) error
}

// NewMux constructs a multiplexer.  isClient selects odd (client) or
// even (server) stream ID parity for locally opened streams.
func NewMux(isClient bool, cfg Config, sink func(*wire.Frame) error) *Mux {
	cfg.applyDefaults()
	m := &Mux{
		cfg:      cfg,
		isClient: isClient,
		streams:  make(map[uint32]*Stream),
		sink:     sink,
	}
	m.estimator.init()
	return m
}

// allocID returns the next local stream ID honoring parity.  Client
// streams are odd, server streams even; IDs increase monotonically
// and 0 is never produced.
func (m *Mux) allocID() uint32 {
	m.nextID++
	if m.isClient {
		return m.nextID*2 - 1
	}
	return m.nextID * 2
}

// OpenStream allocates a new locally initiated stream.
func (m *Mux) OpenStream(typ StreamType) (*Stream, error) {
	m.Lock()
	defer m.Unlock()

	switch typ {
	case Bidi:
		if m.nBidi >= m.cfg.MaxBidi {
			return nil, ErrQuotaExceeded
		}
		m.nBidi++
	case Uni:
		if m.nUni >= m.cfg.MaxUni {
			return nil, ErrQuotaExceeded
		}
		m.nUni++
	}

	s := &Stream{
		id:         m.allocID(),
		initiator:  Local,
		typ:        typ,
		state:      Open,
		sendWindow: m.cfg.SendWindow,
		recvWindow: m.cfg.RecvWindow,
		pending:    make(map[uint64][]byte),
	}
	s.nextSeq = 1
	m.streams[s.id] = s
	return s, nil
}

// Stream looks up an open stream by ID.
func (m *Mux) Stream(id uint32) (*Stream, bool) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Send segments p onto the stream, consuming send window, and hands
// DATA frames to the sink.  A zero window returns ErrFlowControl
// without transmitting anything.
func (m *Mux) Send(id uint32, p []byte) (int, error) {
	if id == 0 {
		return 0, ErrReservedStream
	}
	m.Lock()
	s, ok := m.streams[id]
	if !ok {
		m.Unlock()
		return 0, ErrUnknownStream
	}
	if !s.writable() {
		m.Unlock()
		return 0, ErrStreamClosed
	}

	var avail uint64
	if s.sendWindow > s.inFlight {
		avail = s.sendWindow - s.inFlight
	}
	if avail == 0 {
		m.Unlock()
		return 0, ErrFlowControl
	}
	if uint64(len(p)) < avail {
		avail = uint64(len(p))
	}
	p = p[:avail]

	type seg struct {
		seq     uint64
		payload []byte
	}
	var segs []seg
	for len(p) > 0 {
		n := m.cfg.SegmentSize
		if n > len(p) {
			n = len(p)
		}
		segs = append(segs, seg{seq: s.nextSeq, payload: append([]byte{}, p[:n]...)})
		s.nextSeq++
		s.inFlight += uint64(n)
		p = p[n:]
	}
	m.Unlock()

	// I/O happens outside the lock.
	sent := 0
	for _, g := range segs {
		f := &wire.Frame{Type: wire.FrameData, StreamID: id, Seq: g.seq, Payload: g.payload}
		if err := m.sink(f); err != nil {
			return sent, err
		}
		sent += len(g.payload)
	}
	return sent, nil
}

// CloseStream sends FIN for the local direction and advances the
// half-close FSM.
func (m *Mux) CloseStream(id uint32) error {
	m.Lock()
	s, ok := m.streams[id]
	if !ok {
		m.Unlock()
		return ErrUnknownStream
	}
	if s.finSent {
		m.Unlock()
		return nil
	}
	seq := s.nextSeq
	s.nextSeq++
	s.onLocalFin()
	m.sweepLocked(s)
	m.Unlock()

	return m.sink(&wire.Frame{Type: wire.FrameFin, StreamID: id, Seq: seq})
}

// sweepLocked removes a fully closed stream.  The ID is never reused:
// allocation is monotonic and remote IDs are tracked by high water
// mark.
func (m *Mux) sweepLocked(s *Stream) {
	if s.state != Closed {
		return
	}
	switch s.typ {
	case Bidi:
		m.nBidi--
	case Uni:
		m.nUni--
	}
	delete(m.streams, s.id)
}

// remoteParity reports whether id belongs to the peer's number space.
func (m *Mux) remoteParity(id uint32) bool {
	if m.isClient {
		return id%2 == 0
	}
	return id%2 == 1
}

// OnFrame routes an inbound frame.  DATA is buffered in order, FIN
// advances the FSM, ACK replenishes windows.  Read delivers buffered
// bytes.
func (m *Mux) OnFrame(f *wire.Frame) error {
	switch f.Type {
	case wire.FrameData:
		return m.onData(f)
	case wire.FrameFin:
		return m.onFin(f)
	case wire.FrameAck:
		return m.onAck(f)
	}
	return wire.ErrInvalidFrame
}

func (m *Mux) onData(f *wire.Frame) error {
	if f.StreamID == 0 {
		return ErrReservedStream
	}
	m.Lock()
	defer m.Unlock()

	s, ok := m.streams[f.StreamID]
	if !ok {
		var err error
		if s, err = m.acceptRemoteLocked(f.StreamID); err != nil {
			return err
		}
	}
	if !s.readable() {
		return ErrStreamClosed
	}

	if uint64(s.recvBuf.Len()+len(f.Payload)) > s.recvWindow {
		return ErrRecvOverflow
	}

	// Buffer out of order segments until the gap fills; in-window
	// duplicates were already weeded out by the replay filter.
	s.pending[f.Seq] = f.Payload
	for {
		p, ok := s.pending[s.nextSeq]
		if !ok {
			break
		}
		delete(s.pending, s.nextSeq)
		s.recvBuf.Write(p)
		s.nextSeq++
	}
	return nil
}

// acceptRemoteLocked admits a peer initiated stream.
func (m *Mux) acceptRemoteLocked(id uint32) (*Stream, error) {
	if !m.remoteParity(id) {
		return nil, ErrUnknownStream
	}
	if id <= m.highestRemote {
		// Below the high water mark: a swept stream, not a new one.
		return nil, ErrUnknownStream
	}
	if m.nBidi >= m.cfg.MaxBidi {
		return nil, ErrQuotaExceeded
	}
	m.highestRemote = id
	m.nBidi++
	s := &Stream{
		id:         id,
		initiator:  Remote,
		typ:        Bidi,
		state:      Open,
		sendWindow: m.cfg.SendWindow,
		recvWindow: m.cfg.RecvWindow,
		pending:    make(map[uint64][]byte),
	}
	s.nextSeq = 1
	m.streams[id] = s
	return s, nil
}

func (m *Mux) onFin(f *wire.Frame) error {
	m.Lock()
	defer m.Unlock()
	s, ok := m.streams[f.StreamID]
	if !ok {
		return ErrUnknownStream
	}
	s.onRemoteFin()
	m.sweepLocked(s)
	return nil
}

func (m *Mux) onAck(f *wire.Frame) error {
	var acks []Ack
	if err := cbor.Unmarshal(f.Payload, &acks); err != nil {
		return wire.ErrInvalidFrame
	}

	m.Lock()
	defer m.Unlock()
	for _, a := range acks {
		s, ok := m.streams[a.StreamID]
		if !ok {
			continue
		}
		acked := (a.Last - a.First + 1) * uint64(m.cfg.SegmentSize)
		if acked > s.inFlight {
			acked = s.inFlight
		}
		s.inFlight -= acked
		if a.Window > 0 {
			s.sendWindow = a.Window
		}
		m.estimator.onAck(acked)
	}
	return nil
}

// BuildAck constructs the cumulative ACK frame for a stream,
// advertising the current receive credit.
func (m *Mux) BuildAck(id uint32) (*wire.Frame, error) {
	m.Lock()
	s, ok := m.streams[id]
	if !ok {
		m.Unlock()
		return nil, ErrUnknownStream
	}
	ack := Ack{
		StreamID: id,
		First:    1,
		Last:     s.nextSeq - 1,
		Window:   s.recvWindow - uint64(s.recvBuf.Len()),
	}
	m.Unlock()

	payload, err := cbor.Marshal([]Ack{ack})
	if err != nil {
		return nil, err
	}
	return &wire.Frame{Type: wire.FrameAck, StreamID: id, Payload: payload}, nil
}

// Read drains up to len(p) in-order bytes from the stream's receive
// buffer.
func (m *Mux) Read(id uint32, p []byte) (int, error) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return 0, ErrUnknownStream
	}
	if s.recvBuf.Len() == 0 && !s.readable() {
		return 0, ErrStreamClosed
	}
	return s.recvBuf.Read(p)
}

// EstimatorSnapshot returns the connection level congestion state.
func (m *Mux) EstimatorSnapshot() EstimatorSnapshot {
	m.Lock()
	defer m.Unlock()
	return m.estimator.snapshot()
}

// OnRTTSample feeds one RTT observation into the estimator.
func (m *Mux) OnRTTSample(rttMs float64) {
	m.Lock()
	defer m.Unlock()
	m.estimator.onRTT(rttMs)
}

// OnLoss feeds a loss event into the estimator.
func (m *Mux) OnLoss() {
	m.Lock()
	defer m.Unlock()
	m.estimator.onLoss()
}
