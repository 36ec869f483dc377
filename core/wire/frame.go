// frame.go - Typed frame codec.
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
	"encoding/binary"
	"errors"
)

// FrameType is the frame tag byte.
type FrameType uint8

const (
	// FrameData carries stream payload bytes.
	FrameData FrameType = 0x01
	// FrameAck carries cumulative acknowledgement ranges.
	FrameAck FrameType = 0x02
	// FrameCrypto carries handshake messages.
	FrameCrypto FrameType = 0x03
	// FrameClose carries a 2 byte error code plus detail bytes.
	FrameClose FrameType = 0x04
	// FramePathChallenge carries an 8 byte probe nonce.
	FramePathChallenge FrameType = 0x05
	// FramePathResponse echoes the challenge nonce verbatim.
	FramePathResponse FrameType = 0x06
	// FrameFin half-closes a stream in the sender's direction.
	FrameFin FrameType = 0x07

	// FrameCustomMin..FrameCustomMax is the plugin dispatch range,
	// gated on the plugin_framework capability.
	FrameCustomMin FrameType = 0x50
	FrameCustomMax FrameType = 0x5F
)

const (
	// frameHeaderSize is tag + stream id + seq + payload length.
	frameHeaderSize = 1 + 4 + 8 + 4

	// ProbeNonceSize is the size of a path challenge nonce.
	ProbeNonceSize = 8

	// MaxFramePayload bounds a single frame's payload.
	MaxFramePayload = MaxPayloadSize - frameHeaderSize
)

// ErrInvalidFrame is returned for malformed frame bytes.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// CloseUnsupportedCapability is the CLOSE error code emitted when
// capability negotiation fails; the detail bytes carry the 4 byte big
// endian offending capability id.
const CloseUnsupportedCapability uint16 = 0x0007

// Frame is a typed payload carried inside a packet.
type Frame struct {
	Type     FrameType
	StreamID uint32
	Seq      uint64
	Payload  []byte
}

// IsCustom reports whether the frame is in the plugin dispatch range.
func (f *Frame) IsCustom() bool {
	return f.Type >= FrameCustomMin && f.Type <= FrameCustomMax
}

func validFrameType(t FrameType) bool {
	switch t {
	case FrameData, FrameAck, FrameCrypto, FrameClose,
		FramePathChallenge, FramePathResponse, FrameFin:
		return true
	}
	return t >= FrameCustomMin && t <= FrameCustomMax
}

// Encode serializes the frame: tag, stream id, sequence, length
// prefixed payload, all big endian.
func (f *Frame) Encode() ([]byte, error) {
	if !validFrameType(f.Type) || len(f.Payload) > MaxFramePayload {
		return nil, ErrInvalidFrame
	}
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = uint8(f.Type)
	binary.BigEndian.PutUint32(out[1:5], f.StreamID)
	binary.BigEndian.PutUint64(out[5:13], f.Seq)
	binary.BigEndian.PutUint32(out[13:17], uint32(len(f.Payload)))
	copy(out[frameHeaderSize:], f.Payload)
	return out, nil
}

// DecodeFrame parses one frame from raw and returns it along with the
// number of bytes consumed, so several frames can be packed into one
// packet payload.
func DecodeFrame(raw []byte) (*Frame, int, error) {
	if len(raw) < frameHeaderSize {
		return nil, 0, ErrInvalidFrame
	}
	f := &Frame{
		Type:     FrameType(raw[0]),
		StreamID: binary.BigEndian.Uint32(raw[1:5]),
		Seq:      binary.BigEndian.Uint64(raw[5:13]),
	}
	if !validFrameType(f.Type) {
		return nil, 0, ErrInvalidFrame
	}
	n := int(binary.BigEndian.Uint32(raw[13:17]))
	if n > MaxFramePayload || frameHeaderSize+n > len(raw) {
		return nil, 0, ErrInvalidFrame
	}
	f.Payload = append([]byte{}, raw[frameHeaderSize:frameHeaderSize+n]...)
	return f, frameHeaderSize + n, nil
}

// BuildClose constructs a CLOSE frame payload: 2 byte big endian
// error code followed by detail bytes.
func BuildClose(code uint16, detail []byte) *Frame {
	payload := make([]byte, 2+len(detail))
	binary.BigEndian.PutUint16(payload[0:2], code)
	copy(payload[2:], detail)
	return &Frame{Type: FrameClose, Payload: payload}
}

// ParseClose splits a CLOSE frame payload into code and detail.
func ParseClose(f *Frame) (uint16, []byte, error) {
	if f.Type != FrameClose || len(f.Payload) < 2 {
		return 0, nil, ErrInvalidFrame
	}
	return binary.BigEndian.Uint16(f.Payload[0:2]), f.Payload[2:], nil
}

// BuildCapabilityClose constructs the CLOSE frame for an unsupported
// required capability.
func BuildCapabilityClose(capID uint32) *Frame {
	detail := make([]byte, 4)
	binary.BigEndian.PutUint32(detail, capID)
	return BuildClose(CloseUnsupportedCapability, detail)
}
