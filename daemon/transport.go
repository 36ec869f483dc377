// transport.go - Datagram transport contract.
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
	"context"
	"errors"
	"time"
)

// Transport is the contract the external datagram transport (QUIC
// datagrams in production) implements for the core.  Implementations
// must be safe for concurrent use; RecvDatagram blocks until a
// datagram arrives, the context is canceled, or the transport closes.
type Transport interface {
	// SendDatagram transmits raw on the given path.
	SendDatagram(ctx context.Context, pathID uint8, raw []byte) error

	// RecvDatagram blocks for the next inbound datagram.
	RecvDatagram(ctx context.Context) (pathID uint8, raw []byte, err error)

	// ProbePath measures reachability of a path, returning the
	// round trip time.
	ProbePath(ctx context.Context, pathID uint8) (time.Duration, error)
}

// ErrTransportClosed is returned by transports after Close.
var ErrTransportClosed = errors.New("daemon: transport closed")

// LoopbackPair is an in-memory transport pair for tests and local
// bring-up: datagrams sent on one end arrive at the other.
type LoopbackPair struct {
	a, b *loopbackEnd
}

type loopbackDatagram struct {
	pathID uint8
	raw    []byte
}

type loopbackEnd struct {
	peer   chan loopbackDatagram
	local  chan loopbackDatagram
	closed chan struct{}
}

// NewLoopbackPair constructs a connected transport pair.
func NewLoopbackPair() *LoopbackPair {
	ab := make(chan loopbackDatagram, 1024)
	ba := make(chan loopbackDatagram, 1024)
	return &LoopbackPair{
		a: &loopbackEnd{peer: ab, local: ba, closed: make(chan struct{})},
		b: &loopbackEnd{peer: ba, local: ab, closed: make(chan struct{})},
	}
}

// A returns the first end.
func (p *LoopbackPair) A() Transport { return p.a }

// B returns the second end.
func (p *LoopbackPair) B() Transport { return p.b }

// Close tears both ends down.
func (p *LoopbackPair) Close() {
	for _, e := range []*loopbackEnd{p.a, p.b} {
		select {
		case <-e.closed:
		default:
			close(e.closed)
		}
	}
}

func (e *loopbackEnd) SendDatagram(ctx context.Context, pathID uint8, raw []byte) error {
	d := loopbackDatagram{pathID: pathID, raw: append([]byte{}, raw...)}
	select {
	case e.peer <- d:
		return nil
	case <-e.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *loopbackEnd) RecvDatagram(ctx context.Context) (uint8, []byte, error) {
	select {
	case d := <-e.local:
		return d.pathID, d.raw, nil
	case <-e.closed:
		return 0, nil, ErrTransportClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (e *loopbackEnd) ProbePath(ctx context.Context, pathID uint8) (time.Duration, error) {
	select {
	case <-e.closed:
		return 0, ErrTransportClosed
	default:
		return time.Millisecond, nil
	}
}
