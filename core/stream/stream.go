// stream.go - Stream state.
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

// Package stream multiplexes ordered byte streams over a session.
// Client initiated streams carry odd IDs, server initiated ones even
// IDs; stream 0 is reserved for connection control and never handed
// to user traffic.
package stream

import (
	"bytes"
	"errors"
)

// StreamType distinguishes bidirectional from unidirectional streams.
type StreamType uint8

const (
	// Bidi streams carry data both ways.
	Bidi StreamType = iota
	// Uni streams carry data from the initiator only.
	Uni
)

// StreamState is the per-stream half-close FSM.
type StreamState uint8

const (
	// Open accepts reads and writes.
	Open StreamState = iota
	// HalfClosedLocal means the local side sent FIN.
	HalfClosedLocal
	// HalfClosedRemote means the remote side sent FIN.
	HalfClosedRemote
	// Closed streams are swept; their IDs are never reused.
	Closed
)

// Initiator records which side opened the stream.
type Initiator uint8

const (
	// Local streams were opened by this endpoint.
	Local Initiator = iota
	// Remote streams were opened by the peer.
	Remote
)

var (
	// ErrStreamClosed is returned for operations on a closed or
	// half-closed-for-that-direction stream.
	ErrStreamClosed = errors.New("stream: closed")

	// ErrFlowControl is returned when the send window is exhausted;
	// the caller retries after ACKs replenish it.
	ErrFlowControl = errors.New("stream: send window exhausted")

	// ErrRecvOverflow is returned when the peer overruns the receive
	// buffer bound.
	ErrRecvOverflow = errors.New("stream: receive buffer overflow")
)

// Stream is one ordered byte stream.  All fields are guarded by the
// owning Mux's lock.
type Stream struct {
	id        uint32
	initiator Initiator
	typ       StreamType
	state     StreamState

	sendWindow uint64
	inFlight   uint64

	recvBuf    bytes.Buffer
	recvWindow uint64
	nextSeq    uint64

	// pending holds out of order segments keyed by sequence until
	// the gap fills.
	pending map[uint64][]byte

	finSent  bool
	finRecvd bool
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Type returns the stream type.
func (s *Stream) Type() StreamType { return s.typ }

// State returns the half-close state.
func (s *Stream) State() StreamState { return s.state }

func (s *Stream) writable() bool {
	return s.state == Open || s.state == HalfClosedRemote
}

func (s *Stream) readable() bool {
	return s.state == Open || s.state == HalfClosedLocal
}

// onLocalFin advances the FSM for a locally sent FIN.
func (s *Stream) onLocalFin() {
	s.finSent = true
	switch s.state {
	case Open:
		s.state = HalfClosedLocal
	case HalfClosedRemote:
		s.state = Closed
	}
}

// onRemoteFin advances the FSM for a FIN received from the peer.
func (s *Stream) onRemoteFin() {
	s.finRecvd = true
	switch s.state {
	case Open:
		s.state = HalfClosedRemote
	case HalfClosedLocal:
		s.state = Closed
	}
}
