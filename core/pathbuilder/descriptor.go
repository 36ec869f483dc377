// descriptor.go - Mix node descriptor s11n.
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

// Package pathbuilder selects mix hop sequences with latency aware
// weighting over the known node set.
package pathbuilder

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/idna"
)

// DescriptorVersion guards against format drift; descriptors with a
// different version string are rejected outright.
const DescriptorVersion = "v0"

var (
	// ErrInvalidDescriptor is returned for malformed descriptors.
	ErrInvalidDescriptor = errors.New("pathbuilder: invalid descriptor")
)

// NodeDescriptor describes one mix node available for path
// construction.
type NodeDescriptor struct {
	// Name is the human readable node identifier.
	Name string

	// NodeID is the node's identity key hash.
	NodeID [32]byte

	// Addresses maps transport names to dialable addresses.
	Addresses map[string][]string

	// LatencyMs is the last measured latency toward the node.
	LatencyMs float64

	// BandwidthKbps is the node's advertised capacity.
	BandwidthKbps float64

	// Version pins the descriptor format.
	Version string
}

// Validate checks the descriptor's structural invariants, including
// that every address parses and every hostname survives IDNA lookup
// normalization.
func (d *NodeDescriptor) Validate() error {
	if d.Name == "" {
		return ErrInvalidDescriptor
	}
	if d.Version != DescriptorVersion {
		return fmt.Errorf("pathbuilder: version mismatch: '%v'", d.Version)
	}
	if len(d.Addresses) == 0 {
		return ErrInvalidDescriptor
	}
	for transport, addrs := range d.Addresses {
		if len(addrs) == 0 {
			return fmt.Errorf("pathbuilder: transport '%v' has no addresses", transport)
		}
		for _, a := range addrs {
			host, port, err := net.SplitHostPort(a)
			if err != nil {
				return fmt.Errorf("pathbuilder: address '%v': %v", a, err)
			}
			if _, err = strconv.ParseUint(port, 10, 16); err != nil {
				return fmt.Errorf("pathbuilder: address '%v': bad port", a)
			}
			if net.ParseIP(host) == nil {
				if _, err = idna.Lookup.ToASCII(host); err != nil {
					return fmt.Errorf("pathbuilder: address '%v': %v", a, err)
				}
			}
		}
	}
	if d.LatencyMs < 0 || d.BandwidthKbps < 0 {
		return ErrInvalidDescriptor
	}
	return nil
}

// Marshal serializes the descriptor as CBOR.
func (d *NodeDescriptor) Marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

// UnmarshalNodeDescriptor parses and validates a descriptor.
func UnmarshalNodeDescriptor(raw []byte) (*NodeDescriptor, error) {
	d := new(NodeDescriptor)
	if err := cbor.Unmarshal(raw, d); err != nil {
		return nil, ErrInvalidDescriptor
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
