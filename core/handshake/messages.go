// messages.go - Handshake message serialization.
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
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// The handshake transcript must match byte for byte on both
// endpoints, so all messages use canonical CBOR encoding.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// ErrMalformedMessage is returned when a CRYPTO payload fails to
// parse or carries the wrong variant for the current state.
var ErrMalformedMessage = errors.New("handshake: malformed message")

// ClientHello opens the handshake.  PublicKey is the serialized
// hybrid public bundle.
type ClientHello struct {
	PublicKey    []byte       `cbor:"1,keyasint"`
	Capabilities []Capability `cbor:"2,keyasint,omitempty"`
}

// ServerHello answers with the hybrid ciphertext bundle and the
// server's capability list.
type ServerHello struct {
	Ciphertext   []byte       `cbor:"1,keyasint"`
	Capabilities []Capability `cbor:"2,keyasint,omitempty"`
}

// ClientFinished closes the handshake with a MAC binding the
// transcript.
type ClientFinished struct {
	MAC []byte `cbor:"1,keyasint"`
}

// RekeyUpdate carries an HPKE sealed key rotation blob.  The blob is
// self protecting, so it travels in cleartext CRYPTO frames like the
// handshake messages.
type RekeyUpdate struct {
	Blob []byte `cbor:"1,keyasint"`
}

// CryptoPayload is the self describing envelope carried in CRYPTO
// frames.  Exactly one variant is set.
type CryptoPayload struct {
	ClientHello    *ClientHello    `cbor:"1,keyasint,omitempty"`
	ServerHello    *ServerHello    `cbor:"2,keyasint,omitempty"`
	ClientFinished *ClientFinished `cbor:"3,keyasint,omitempty"`
	RekeyUpdate    *RekeyUpdate    `cbor:"4,keyasint,omitempty"`
}

func (p *CryptoPayload) variants() int {
	n := 0
	if p.ClientHello != nil {
		n++
	}
	if p.ServerHello != nil {
		n++
	}
	if p.ClientFinished != nil {
		n++
	}
	if p.RekeyUpdate != nil {
		n++
	}
	return n
}

// Marshal serializes the payload with canonical encoding.
func (p *CryptoPayload) Marshal() ([]byte, error) {
	if p.variants() != 1 {
		return nil, ErrMalformedMessage
	}
	return encMode.Marshal(p)
}

// UnmarshalCryptoPayload parses a CRYPTO frame payload.
func UnmarshalCryptoPayload(raw []byte) (*CryptoPayload, error) {
	p := new(CryptoPayload)
	if err := cbor.Unmarshal(raw, p); err != nil {
		return nil, ErrMalformedMessage
	}
	if p.variants() != 1 {
		return nil, ErrMalformedMessage
	}
	return p, nil
}
