// plugin.go - Capability gated plugin frame dispatch.
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

package session

import (
	"errors"
	"sync"

	"github.com/nyxnet/nyx/core/handshake"
	"github.com/nyxnet/nyx/core/wire"
	"github.com/nyxnet/nyx/internal/instrument"
)

var (
	// ErrPluginNotNegotiated is returned when a CUSTOM frame arrives
	// on a session that did not negotiate the plugin framework.
	ErrPluginNotNegotiated = errors.New("session: plugin framework not negotiated")

	// ErrNoPluginHandler is returned for CUSTOM frame types with no
	// registered handler.
	ErrNoPluginHandler = errors.New("session: no handler for frame type")
)

// PluginHandler consumes CUSTOM frames of one registered type.  The
// core never introspects the concrete implementation.
type PluginHandler interface {
	// OnFrame is invoked with the frame addressed to this handler.
	// Returned frames, if any, are queued for transmission.
	OnFrame(cid wire.ConnectionID, f *wire.Frame) (*wire.Frame, error)
}

// PluginRegistry dispatches CUSTOM frame types 0x50-0x5F to
// registered handlers, gated on the negotiated capability set.
type PluginRegistry struct {
	sync.RWMutex
	handlers map[wire.FrameType]PluginHandler
}

// NewPluginRegistry constructs an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{handlers: make(map[wire.FrameType]PluginHandler)}
}

// Register binds handler to a frame type in the CUSTOM range.
func (r *PluginRegistry) Register(t wire.FrameType, h PluginHandler) error {
	if t < wire.FrameCustomMin || t > wire.FrameCustomMax {
		return wire.ErrInvalidFrame
	}
	r.Lock()
	defer r.Unlock()
	r.handlers[t] = h
	return nil
}

// Dispatch routes a CUSTOM frame to its handler.  Sessions that did
// not negotiate the plugin framework drop the frame with a counter
// increment rather than an error response, matching the silent-drop
// rule for adversarial input.
func (r *PluginRegistry) Dispatch(s *Session, f *wire.Frame) (*wire.Frame, error) {
	if !f.IsCustom() {
		return nil, wire.ErrInvalidFrame
	}
	if !s.HasCapability(handshake.CapPluginFramework) {
		instrument.PacketsDropped()
		return nil, ErrPluginNotNegotiated
	}

	r.RLock()
	h, ok := r.handlers[f.Type]
	r.RUnlock()
	if !ok {
		instrument.PacketsDropped()
		return nil, ErrNoPluginHandler
	}
	return h.OnFrame(s.CID(), f)
}
