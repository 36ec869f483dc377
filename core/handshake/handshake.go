// handshake.go - Handshake state machines.
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

// Package handshake implements the client and server handshake state
// machines.  The hybrid KEM exchange yields a root secret which is
// bound to the SHA256 transcript of the ClientHello and ServerHello
// bytes before traffic keys are derived, so any disagreement about
// what was said on the wire yields disjoint keys.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/nyxnet/nyx/core/crypto/kem"
	"github.com/nyxnet/nyx/core/wire"
)

// DefaultTimeout bounds handshake completion; the owner transitions
// the FSM to Failed when it expires.
const DefaultTimeout = 5 * time.Second

const finishedLabel = "nyx-finished"

// State is the handshake FSM state.
type State uint8

const (
	// StateIdle is the initial state.
	StateIdle State = iota
	// StateAwaitingResponse is the client waiting for a ServerHello.
	StateAwaitingResponse
	// StateAwaitingFinish is the server waiting for ClientFinished.
	StateAwaitingFinish
	// StateEstablished means traffic keys are live.
	StateEstablished
	// StateFailed is terminal.
	StateFailed
)

// String returns the state name for diagnostics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateAwaitingFinish:
		return "AwaitingFinish"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ErrStateViolation is returned for operations invoked in the wrong
// state.  No key material is mutated when it is returned.
var ErrStateViolation = errors.New("handshake: illegal state transition")

// ErrVerifyFailed is returned when the ClientFinished MAC does not
// verify.
var ErrVerifyFailed = errors.New("handshake: transcript verification failed")

// bindTranscript folds the transcript hash into the root secret.
func bindTranscript(root []byte, transcript []byte) []byte {
	return hkdf.Extract(sha256.New, root, transcript)
}

func finishedMAC(bound []byte) []byte {
	r := hkdf.Expand(sha256.New, bound, []byte(finishedLabel))
	mac := make([]byte, 32)
	if _, err := io.ReadFull(r, mac); err != nil {
		panic("handshake: hkdf expand failed: " + err.Error())
	}
	return mac
}

// Result is the outcome of a completed handshake.
type Result struct {
	Keys         *kem.TrafficKeys
	Capabilities map[uint32]struct{}

	// Peer is the peer's raw capability list, for callers that read
	// capability data payloads (key material, version pins).
	Peer []Capability
}

// Client drives the initiator side.
type Client struct {
	state State

	keypair   *Keypair
	advertise []Capability
	supported map[uint32]struct{}

	helloBytes []byte
}

// Keypair aliases the hybrid keypair so callers only import one
// package for the common path.
type Keypair = kem.Keypair

// NewClient constructs a client FSM advertising caps.
func NewClient(caps []Capability) *Client {
	return &Client{
		state:     StateIdle,
		advertise: caps,
		supported: supportedSet(caps),
	}
}

// State returns the current FSM state.
func (c *Client) State() State { return c.state }

// Start generates the ephemeral keypair and returns the serialized
// CRYPTO payload carrying the ClientHello.
func (c *Client) Start() ([]byte, error) {
	if c.state != StateIdle {
		return nil, ErrStateViolation
	}

	kp, pub, err := kem.ClientInit()
	if err != nil {
		c.state = StateFailed
		return nil, err
	}

	hello := &CryptoPayload{ClientHello: &ClientHello{
		PublicKey:    pub.Bytes(),
		Capabilities: c.advertise,
	}}
	raw, err := hello.Marshal()
	if err != nil {
		kp.Destroy()
		c.state = StateFailed
		return nil, err
	}

	c.keypair = kp
	c.helloBytes = raw
	c.state = StateAwaitingResponse
	return raw, nil
}

// ProcessServerHello finalizes the key exchange.  On success the
// returned CRYPTO payload carries the ClientFinished message and the
// Result holds the traffic keys and negotiated capability set.
func (c *Client) ProcessServerHello(raw []byte) ([]byte, *Result, error) {
	if c.state != StateAwaitingResponse {
		return nil, nil, ErrStateViolation
	}

	payload, err := UnmarshalCryptoPayload(raw)
	if err != nil || payload.ServerHello == nil {
		c.fail()
		return nil, nil, ErrMalformedMessage
	}
	sh := payload.ServerHello

	negotiated, err := Negotiate(c.supported, sh.Capabilities)
	if err != nil {
		c.fail()
		return nil, nil, err
	}

	ct, err := kem.CiphertextBundleFromBytes(sh.Ciphertext)
	if err != nil {
		c.fail()
		return nil, nil, err
	}
	root, err := kem.ClientFinalize(c.keypair, ct)
	c.keypair = nil
	if err != nil {
		c.fail()
		return nil, nil, err
	}
	defer memguard.WipeBytes(root)

	transcript := sha256.Sum256(append(append([]byte{}, c.helloBytes...), raw...))
	bound := bindTranscript(root, transcript[:])
	defer memguard.WipeBytes(bound)

	fin := &CryptoPayload{ClientFinished: &ClientFinished{MAC: finishedMAC(bound)}}
	finRaw, err := fin.Marshal()
	if err != nil {
		c.fail()
		return nil, nil, err
	}

	c.state = StateEstablished
	c.helloBytes = nil
	return finRaw, &Result{
		Keys:         kem.DeriveTrafficKeys(bound, true),
		Capabilities: negotiated,
		Peer:         sh.Capabilities,
	}, nil
}

// ProcessClose handles a CLOSE received mid-handshake: the FSM fails
// and a capability CLOSE surfaces as UnsupportedCapabilityError.
func (c *Client) ProcessClose(f *wire.Frame) error {
	c.fail()
	code, detail, err := wire.ParseClose(f)
	if err != nil {
		return err
	}
	if code == wire.CloseUnsupportedCapability && len(detail) == 4 {
		id := uint32(detail[0])<<24 | uint32(detail[1])<<16 | uint32(detail[2])<<8 | uint32(detail[3])
		return &UnsupportedCapabilityError{ID: id}
	}
	return fmt.Errorf("handshake: peer closed with code 0x%04x", code)
}

func (c *Client) fail() {
	if c.keypair != nil {
		c.keypair.Destroy()
		c.keypair = nil
	}
	c.helloBytes = nil
	c.state = StateFailed
}

// Server drives the responder side.
type Server struct {
	state State

	advertise []Capability
	supported map[uint32]struct{}

	bound      []byte
	negotiated map[uint32]struct{}
	peerCaps   []Capability
}

// NewServer constructs a server FSM advertising caps.
func NewServer(caps []Capability) *Server {
	return &Server{
		state:     StateIdle,
		advertise: caps,
		supported: supportedSet(caps),
	}
}

// State returns the current FSM state.
func (s *Server) State() State { return s.state }

// ProcessClientHello validates the peer's capabilities, encapsulates
// to its public bundle and returns the serialized ServerHello
// payload.  A capability mismatch returns UnsupportedCapabilityError;
// the caller emits wire.BuildCapabilityClose and tears down.
func (s *Server) ProcessClientHello(raw []byte) ([]byte, error) {
	if s.state != StateIdle {
		return nil, ErrStateViolation
	}

	payload, err := UnmarshalCryptoPayload(raw)
	if err != nil || payload.ClientHello == nil {
		s.fail()
		return nil, ErrMalformedMessage
	}
	ch := payload.ClientHello

	negotiated, err := Negotiate(s.supported, ch.Capabilities)
	if err != nil {
		s.fail()
		return nil, err
	}

	pub, err := kem.PublicBundleFromBytes(ch.PublicKey)
	if err != nil {
		s.fail()
		return nil, err
	}
	ct, root, err := kem.ServerRespond(pub)
	if err != nil {
		s.fail()
		return nil, err
	}

	hello := &CryptoPayload{ServerHello: &ServerHello{
		Ciphertext:   ct.Bytes(),
		Capabilities: s.advertise,
	}}
	shRaw, err := hello.Marshal()
	if err != nil {
		memguard.WipeBytes(root)
		s.fail()
		return nil, err
	}

	transcript := sha256.Sum256(append(append([]byte{}, raw...), shRaw...))
	s.bound = bindTranscript(root, transcript[:])
	memguard.WipeBytes(root)

	s.negotiated = negotiated
	s.peerCaps = ch.Capabilities
	s.state = StateAwaitingFinish
	return shRaw, nil
}

// ProcessClientFinished verifies the transcript MAC and yields the
// traffic keys.
func (s *Server) ProcessClientFinished(raw []byte) (*Result, error) {
	if s.state != StateAwaitingFinish {
		return nil, ErrStateViolation
	}

	payload, err := UnmarshalCryptoPayload(raw)
	if err != nil || payload.ClientFinished == nil {
		s.fail()
		return nil, ErrMalformedMessage
	}

	if !hmac.Equal(payload.ClientFinished.MAC, finishedMAC(s.bound)) {
		s.fail()
		return nil, ErrVerifyFailed
	}

	keys := kem.DeriveTrafficKeys(s.bound, false)
	memguard.WipeBytes(s.bound)
	s.bound = nil
	s.state = StateEstablished
	return &Result{Keys: keys, Capabilities: s.negotiated, Peer: s.peerCaps}, nil
}

func (s *Server) fail() {
	if s.bound != nil {
		memguard.WipeBytes(s.bound)
		s.bound = nil
	}
	s.negotiated = nil
	s.state = StateFailed
}
