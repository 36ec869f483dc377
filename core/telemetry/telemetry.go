// telemetry.go - Structural span emission.
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

// Package telemetry provides the span context the core instruments
// itself with.  It is purely structural: spans carry IDs, timing and
// attributes, and the sink handle is the only coupling to whatever
// exporter the operator wires up outside the core.
package telemetry

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// Sampler selects which spans are recorded.
type Sampler uint8

const (
	// AlwaysOff records nothing.
	AlwaysOff Sampler = iota
	// AlwaysOn records every span.
	AlwaysOn
)

// Sink receives completed spans.  Implementations live outside the
// core.
type Sink interface {
	Export(*Span)
}

// Span is one timed operation with attributes.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string
	Name     string

	Start time.Time
	End   time.Time

	mu    sync.Mutex
	attrs map[string]interface{}

	ctx *Context
}

// SetAttr records one attribute.  Key conventions follow the core's
// metric contract: stream_id, path_id, seq, rtt_ms and so on.
func (s *Span) SetAttr(key string, value interface{}) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// Attr reads one attribute back.
func (s *Span) Attr(key string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Finish stamps the end time and exports the span.
func (s *Span) Finish() {
	if s == nil {
		return
	}
	s.End = time.Now()
	if s.ctx != nil && s.ctx.sink != nil {
		s.ctx.sink.Export(s)
	}
}

// Child starts a sub-span inheriting the trace.
func (s *Span) Child(name string) *Span {
	if s == nil {
		return nil
	}
	child := s.ctx.newSpan(name)
	if child != nil {
		child.TraceID = s.TraceID
		child.ParentID = s.SpanID
	}
	return child
}

// Context is the telemetry handle passed to core constructors.
type Context struct {
	sampler Sampler
	sink    Sink
}

// NewContext constructs a context.  A nil sink with AlwaysOn still
// produces spans (useful for tests that inspect them); AlwaysOff
// short circuits to nil spans, which every method tolerates.
func NewContext(sampler Sampler, sink Sink) *Context {
	return &Context{sampler: sampler, sink: sink}
}

// StartSpan opens a root span.
func (c *Context) StartSpan(name string) *Span {
	s := c.newSpan(name)
	if s != nil {
		s.TraceID = s.SpanID
	}
	return s
}

func (c *Context) newSpan(name string) *Span {
	if c == nil || c.sampler == AlwaysOff {
		return nil
	}
	return &Span{
		SpanID: xid.New().String(),
		Name:   name,
		Start:  time.Now(),
		attrs:  make(map[string]interface{}),
		ctx:    c,
	}
}
