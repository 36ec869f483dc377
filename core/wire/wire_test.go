// wire_test.go - Wire codec tests.
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

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCID() ConnectionID {
	var cid ConnectionID
	for i := range cid {
		cid[i] = byte(i + 1)
	}
	return cid
}

func TestPacketRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, n := range []int{0, 1, 100, 1259, 1260, 1261, 5000} {
		p := &ExtendedPacket{
			CID:     testCID(),
			PathID:  3,
			Type:    PacketData,
			Payload: bytes.Repeat([]byte{0xa5}, n),
		}
		raw, err := p.Encode()
		require.NoError(err, "n=%d", n)
		require.Zero(len(raw)%PacketSize, "n=%d", n)

		q, err := Decode(raw)
		require.NoError(err, "n=%d", n)
		require.Equal(p.CID, q.CID)
		require.Equal(p.PathID, q.PathID)
		require.Equal(p.Type, q.Type)
		require.Equal(p.Flags, q.Flags)
		require.True(bytes.Equal(p.Payload, q.Payload), "n=%d", n)
	}
}

func TestPacketProbeFlag(t *testing.T) {
	require := require.New(t)

	p := &ExtendedPacket{CID: testCID(), Type: PacketData, Flags: FlagProbe}
	raw, err := p.Encode()
	require.NoError(err)
	q, err := Decode(raw)
	require.NoError(err)
	require.Equal(FlagProbe, q.Flags)
}

func TestPacketRejects(t *testing.T) {
	require := require.New(t)

	p := &ExtendedPacket{CID: testCID(), Type: PacketData, Payload: []byte("x")}
	raw, err := p.Encode()
	require.NoError(err)

	// Truncated.
	_, err = Decode(raw[:PacketSize-1])
	require.Equal(ErrInvalidPacket, err)

	// Misaligned.
	_, err = Decode(append(raw, 0x00))
	require.Equal(ErrInvalidPacket, err)

	// Oversized.
	_, err = Decode(make([]byte, 32*PacketSize))
	require.Equal(ErrInvalidPacket, err)

	// Bad flags.
	bad := append([]byte{}, raw...)
	bad[17] |= 0x0e
	_, err = Decode(bad)
	require.Equal(ErrInvalidPacket, err)

	// Unknown type nibble.
	bad = append([]byte{}, raw...)
	bad[17] = 0xf0
	_, err = Decode(bad)
	require.Equal(ErrInvalidPacket, err)

	// Corrupt padding byte.
	bad = append([]byte{}, raw...)
	bad[len(bad)-1] ^= 0xff
	_, err = Decode(bad)
	require.Equal(ErrInvalidPacket, err)

	// Length field past the buffer.
	bad = append([]byte{}, raw...)
	bad[18], bad[19] = 0xff, 0xff
	_, err = Decode(bad)
	require.Equal(ErrInvalidPacket, err)

	// Encode side: oversized payload, bad flags.
	_, err = (&ExtendedPacket{Type: PacketData, Payload: make([]byte, MaxPayloadSize+1)}).Encode()
	require.Equal(ErrInvalidPacket, err)
	_, err = (&ExtendedPacket{Type: PacketData, Flags: 0x08}).Encode()
	require.Equal(ErrInvalidPacket, err)
}

func TestFrameRoundTrip(t *testing.T) {
	require := require.New(t)

	f := &Frame{
		Type:     FrameData,
		StreamID: 7,
		Seq:      0x1122334455667788,
		Payload:  []byte("hello nyx"),
	}
	raw, err := f.Encode()
	require.NoError(err)

	g, n, err := DecodeFrame(raw)
	require.NoError(err)
	require.Equal(len(raw), n)
	require.Equal(f.Type, g.Type)
	require.Equal(f.StreamID, g.StreamID)
	require.Equal(f.Seq, g.Seq)
	require.Equal(f.Payload, g.Payload)
}

func TestFramePacking(t *testing.T) {
	require := require.New(t)

	a, err := (&Frame{Type: FrameData, StreamID: 1, Seq: 1, Payload: []byte("aa")}).Encode()
	require.NoError(err)
	b, err := (&Frame{Type: FrameAck, StreamID: 1, Seq: 2}).Encode()
	require.NoError(err)

	packed := append(append([]byte{}, a...), b...)
	f1, n1, err := DecodeFrame(packed)
	require.NoError(err)
	require.Equal(FrameData, f1.Type)
	f2, n2, err := DecodeFrame(packed[n1:])
	require.NoError(err)
	require.Equal(FrameAck, f2.Type)
	require.Equal(len(packed), n1+n2)
}

func TestFrameRejects(t *testing.T) {
	require := require.New(t)

	// Unknown tag.
	raw, err := (&Frame{Type: FrameData, Payload: []byte("x")}).Encode()
	require.NoError(err)
	raw[0] = 0x30
	_, _, err = DecodeFrame(raw)
	require.Equal(ErrInvalidFrame, err)

	// Truncated header.
	_, _, err = DecodeFrame(make([]byte, 4))
	require.Equal(ErrInvalidFrame, err)

	// Length past buffer.
	raw, err = (&Frame{Type: FrameData, Payload: []byte("abcd")}).Encode()
	require.NoError(err)
	_, _, err = DecodeFrame(raw[:len(raw)-1])
	require.Equal(ErrInvalidFrame, err)
}

func TestCustomFrameRange(t *testing.T) {
	require := require.New(t)

	for _, tt := range []FrameType{FrameCustomMin, FrameCustomMax} {
		f := &Frame{Type: tt, Payload: []byte("plugin")}
		raw, err := f.Encode()
		require.NoError(err)
		g, _, err := DecodeFrame(raw)
		require.NoError(err)
		require.True(g.IsCustom())
	}

	_, _, err := DecodeFrame([]byte{0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Equal(ErrInvalidFrame, err)
}

func TestClosePayload(t *testing.T) {
	require := require.New(t)

	f := BuildCapabilityClose(0xDEADBEEF)
	require.Equal([]byte{0x00, 0x07, 0xDE, 0xAD, 0xBE, 0xEF}, f.Payload)

	code, detail, err := ParseClose(f)
	require.NoError(err)
	require.Equal(CloseUnsupportedCapability, code)
	require.Equal([]byte{0xDE, 0xAD, 0xBE, 0xEF}, detail)

	_, _, err = ParseClose(&Frame{Type: FrameClose, Payload: []byte{0x01}})
	require.Equal(ErrInvalidFrame, err)
}
