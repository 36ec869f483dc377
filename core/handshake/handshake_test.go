// handshake_test.go - Handshake FSM tests.
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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyx/core/crypto/kem"
	"github.com/nyxnet/nyx/core/wire"
)

func TestHappyPath(t *testing.T) {
	require := require.New(t)

	client := NewClient(DefaultCapabilities())
	server := NewServer(DefaultCapabilities())

	chRaw, err := client.Start()
	require.NoError(err)
	require.Equal(StateAwaitingResponse, client.State())

	// The ClientHello's capability list carries the Required core id.
	payload, err := UnmarshalCryptoPayload(chRaw)
	require.NoError(err)
	require.NotNil(payload.ClientHello)
	found := false
	for _, c := range payload.ClientHello.Capabilities {
		if c.ID == CapCore {
			require.True(c.Required())
			found = true
		}
	}
	require.True(found)

	shRaw, err := server.ProcessClientHello(chRaw)
	require.NoError(err)
	require.Equal(StateAwaitingFinish, server.State())

	finRaw, clientRes, err := client.ProcessServerHello(shRaw)
	require.NoError(err)
	require.Equal(StateEstablished, client.State())

	serverRes, err := server.ProcessClientFinished(finRaw)
	require.NoError(err)
	require.Equal(StateEstablished, server.State())

	// Keys are 32 bytes, non-zero, and cross-equal.
	zero := make([]byte, kem.TrafficKeySize)
	require.Len(clientRes.Keys.TxKey, kem.TrafficKeySize)
	require.NotEqual(zero, clientRes.Keys.TxKey)
	require.Equal(clientRes.Keys.TxKey, serverRes.Keys.RxKey)
	require.Equal(clientRes.Keys.RxKey, serverRes.Keys.TxKey)

	// Both sides agree on the negotiated set.
	require.Contains(clientRes.Capabilities, CapCore)
	require.Contains(serverRes.Capabilities, CapCore)
	require.Contains(serverRes.Capabilities, CapPluginFramework)
}

func TestCapabilityMismatch(t *testing.T) {
	require := require.New(t)

	exotic := []Capability{
		{ID: CapCore, Flags: CapFlagRequired},
		{ID: 0xDEADBEEF, Flags: CapFlagRequired},
	}
	client := NewClient(exotic)
	server := NewServer(DefaultCapabilities())

	chRaw, err := client.Start()
	require.NoError(err)

	_, err = server.ProcessClientHello(chRaw)
	var capErr *UnsupportedCapabilityError
	require.ErrorAs(err, &capErr)
	require.Equal(uint32(0xDEADBEEF), capErr.ID)
	require.Equal(StateFailed, server.State())
	require.Nil(server.bound)

	// The CLOSE the server emits carries the offending id, and the
	// client fails out when it receives it.
	closeFrame := wire.BuildCapabilityClose(capErr.ID)
	require.Equal([]byte{0x00, 0x07, 0xDE, 0xAD, 0xBE, 0xEF}, closeFrame.Payload)

	err = client.ProcessClose(closeFrame)
	require.ErrorAs(err, &capErr)
	require.Equal(uint32(0xDEADBEEF), capErr.ID)
	require.Equal(StateFailed, client.State())
	require.Nil(client.keypair)
}

func TestIllegalTransitions(t *testing.T) {
	require := require.New(t)

	client := NewClient(DefaultCapabilities())
	_, _, err := client.ProcessServerHello([]byte{0x00})
	require.Equal(ErrStateViolation, err)
	require.Equal(StateIdle, client.State())

	server := NewServer(DefaultCapabilities())
	_, err = server.ProcessClientFinished([]byte{0x00})
	require.Equal(ErrStateViolation, err)
	require.Equal(StateIdle, server.State())

	// Start twice.
	_, err = client.Start()
	require.NoError(err)
	_, err = client.Start()
	require.Equal(ErrStateViolation, err)
}

func TestMalformedMessages(t *testing.T) {
	require := require.New(t)

	server := NewServer(DefaultCapabilities())
	_, err := server.ProcessClientHello([]byte("not cbor at all"))
	require.Equal(ErrMalformedMessage, err)
	require.Equal(StateFailed, server.State())

	client := NewClient(DefaultCapabilities())
	_, err = client.Start()
	require.NoError(err)
	_, _, err = client.ProcessServerHello([]byte{0xff, 0xff})
	require.Equal(ErrMalformedMessage, err)
	require.Equal(StateFailed, client.State())
}

func TestFinishedMACVerification(t *testing.T) {
	require := require.New(t)

	client := NewClient(DefaultCapabilities())
	server := NewServer(DefaultCapabilities())

	chRaw, err := client.Start()
	require.NoError(err)
	shRaw, err := server.ProcessClientHello(chRaw)
	require.NoError(err)
	_, _, err = client.ProcessServerHello(shRaw)
	require.NoError(err)

	bogus := &CryptoPayload{ClientFinished: &ClientFinished{MAC: make([]byte, 32)}}
	raw, err := bogus.Marshal()
	require.NoError(err)
	_, err = server.ProcessClientFinished(raw)
	require.Equal(ErrVerifyFailed, err)
	require.Equal(StateFailed, server.State())
}

func TestNegotiateCommutative(t *testing.T) {
	require := require.New(t)

	local := supportedSet(DefaultCapabilities())
	peer := []Capability{
		{ID: CapPluginFramework},
		{ID: CapCore, Flags: CapFlagRequired},
		{ID: 0x7777}, // unknown optional, ignored
	}
	a, err := Negotiate(local, peer)
	require.NoError(err)

	reversed := []Capability{peer[2], peer[1], peer[0]}
	b, err := Negotiate(local, reversed)
	require.NoError(err)
	require.Equal(a, b)
	require.NotContains(a, uint32(0x7777))
}

func TestCapabilityDataIgnored(t *testing.T) {
	require := require.New(t)

	raw, err := MarshalCapabilities([]Capability{
		{ID: CapCore, Flags: CapFlagRequired, Data: []byte{0x01, 0x02, 0xab}},
	})
	require.NoError(err)
	caps, err := UnmarshalCapabilities(raw)
	require.NoError(err)

	_, err = Negotiate(supportedSet(DefaultCapabilities()), caps)
	require.NoError(err)
}
