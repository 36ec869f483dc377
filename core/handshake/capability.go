// capability.go - Capability negotiation.
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

package handshake

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Known capability identifiers.
const (
	// CapCore is the baseline protocol capability.  Always Required.
	CapCore uint32 = 0x0001
	// CapPluginFramework gates dispatch of CUSTOM frames.
	CapPluginFramework uint32 = 0x0002
)

// CapFlagRequired marks a capability the peer must support.
const CapFlagRequired uint8 = 0x01

// Capability is one entry of the CBOR encoded capability array
// exchanged in the ClientHello/ServerHello.  Data may carry
// versioning payloads; unknown bytes are ignored.
type Capability struct {
	ID    uint32 `cbor:"1,keyasint"`
	Flags uint8  `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint,omitempty"`
}

// Required reports whether the Required bit is set.
func (c *Capability) Required() bool {
	return c.Flags&CapFlagRequired != 0
}

// UnsupportedCapabilityError is surfaced to the application when the
// peer requires a capability the local side does not support.
type UnsupportedCapabilityError struct {
	ID uint32
}

// Error implements the error interface.
func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("handshake: unsupported required capability: 0x%08x", e.ID)
}

// DefaultCapabilities returns the capability set advertised by this
// implementation.
func DefaultCapabilities() []Capability {
	return []Capability{
		{ID: CapCore, Flags: CapFlagRequired},
		{ID: CapPluginFramework},
	}
}

// Negotiate validates the peer's capability list against the locally
// supported ids.  Any Required capability missing locally aborts with
// UnsupportedCapabilityError; unknown Optional capabilities are
// silently ignored.  The returned set holds the intersection that is
// active for the session.
func Negotiate(localSupported map[uint32]struct{}, peer []Capability) (map[uint32]struct{}, error) {
	active := make(map[uint32]struct{})
	for _, c := range peer {
		if _, ok := localSupported[c.ID]; ok {
			active[c.ID] = struct{}{}
			continue
		}
		if c.Required() {
			return nil, &UnsupportedCapabilityError{ID: c.ID}
		}
	}
	return active, nil
}

// supportedSet converts an advertised capability list into the lookup
// set used for negotiation.
func supportedSet(caps []Capability) map[uint32]struct{} {
	m := make(map[uint32]struct{}, len(caps))
	for _, c := range caps {
		m[c.ID] = struct{}{}
	}
	return m
}

// MarshalCapabilities encodes a capability list as the canonical CBOR
// array used on the wire.
func MarshalCapabilities(caps []Capability) ([]byte, error) {
	return encMode.Marshal(caps)
}

// UnmarshalCapabilities decodes a CBOR capability array.
func UnmarshalCapabilities(raw []byte) ([]Capability, error) {
	var caps []Capability
	if err := cbor.Unmarshal(raw, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}
