// packet.go - Extended packet codec.
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

// Package wire implements the fixed length extended packet format and
// the typed frames carried inside it.  Every packet on the wire is a
// multiple of PacketSize bytes so that traffic analysis learns nothing
// from packet lengths.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// PacketSize is the fixed on-wire quantum.  All encoded packets
	// are an exact multiple of this.
	PacketSize = 1280

	// CIDSize is the size of a connection identifier.
	CIDSize = 16

	// HeaderSize is the packet header: CID, path ID, type/flags,
	// payload length.
	HeaderSize = CIDSize + 1 + 1 + 2

	// MaxPayloadSize is the largest payload a single wire datagram
	// may carry (8 blocks, an implementation bound to keep the
	// decoder allocation proportional to the input).
	MaxPayloadSize = 8*PacketSize - HeaderSize
)

// ErrInvalidPacket is returned for any malformed wire input:
// truncated, oversized, non block aligned, bad flags, or bad padding.
var ErrInvalidPacket = errors.New("wire: invalid packet")

// ConnectionID identifies a session across path migrations.
type ConnectionID [CIDSize]byte

// PacketType occupies the high nibble of the type/flags octet.
type PacketType uint8

const (
	// PacketData carries encrypted frames.
	PacketData PacketType = 0x0
	// PacketHandshake carries cleartext CRYPTO frames.
	PacketHandshake PacketType = 0x1
	// PacketClose tears the session down.
	PacketClose PacketType = 0x2
)

// Flag bits occupy the low nibble of the type/flags octet.  Only
// FlagProbe is currently assigned; decoders reject the rest.
const (
	// FlagProbe marks a path liveness probe packet.
	FlagProbe uint8 = 0x1

	flagMask uint8 = 0x1
)

// ExtendedPacket is the wire unit.
type ExtendedPacket struct {
	CID    ConnectionID
	PathID uint8
	Type   PacketType
	Flags  uint8
	// Payload is the unpadded packet body.
	Payload []byte
}

func validType(t PacketType) bool {
	switch t {
	case PacketData, PacketHandshake, PacketClose:
		return true
	}
	return false
}

// paddedLen returns the total encoded length for a payload of n
// bytes: header plus payload plus at least one byte of padding,
// rounded up to the block boundary.
func paddedLen(n int) int {
	raw := HeaderSize + n + 1
	blocks := (raw + PacketSize - 1) / PacketSize
	return blocks * PacketSize
}

// Encode serializes the packet.  The result is always a non-zero
// multiple of PacketSize.  Padding is PKCS#7 within the final block:
// every pad byte carries the pad count; counts past 255 are stored
// truncated to a byte, the length field disambiguates.
func (p *ExtendedPacket) Encode() ([]byte, error) {
	if !validType(p.Type) || p.Flags&^flagMask != 0 {
		return nil, ErrInvalidPacket
	}
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrInvalidPacket
	}

	total := paddedLen(len(p.Payload))
	out := make([]byte, total)
	copy(out[0:CIDSize], p.CID[:])
	out[16] = p.PathID
	out[17] = uint8(p.Type)<<4 | p.Flags
	binary.BigEndian.PutUint16(out[18:20], uint16(len(p.Payload)))
	copy(out[HeaderSize:], p.Payload)

	padLen := total - HeaderSize - len(p.Payload)
	padByte := byte(padLen & 0xff)
	for i := HeaderSize + len(p.Payload); i < total; i++ {
		out[i] = padByte
	}
	return out, nil
}

// Decode parses a wire datagram.  It rejects truncated, oversized,
// misaligned, bad-flag and bad-padding inputs without allocating
// beyond the input, and copies the payload out so the caller may
// recycle the buffer.
func Decode(raw []byte) (*ExtendedPacket, error) {
	if len(raw) < PacketSize || len(raw)%PacketSize != 0 {
		return nil, ErrInvalidPacket
	}
	if len(raw) > HeaderSize+MaxPayloadSize+PacketSize {
		return nil, ErrInvalidPacket
	}

	p := &ExtendedPacket{}
	copy(p.CID[:], raw[0:CIDSize])
	p.PathID = raw[16]
	p.Type = PacketType(raw[17] >> 4)
	p.Flags = raw[17] & 0x0f
	if !validType(p.Type) || p.Flags&^flagMask != 0 {
		return nil, ErrInvalidPacket
	}

	n := int(binary.BigEndian.Uint16(raw[18:20]))
	padLen := len(raw) - HeaderSize - n
	if padLen < 1 {
		return nil, ErrInvalidPacket
	}
	// The padding must fit inside the final block.
	if padLen > PacketSize {
		return nil, ErrInvalidPacket
	}
	padByte := byte(padLen & 0xff)
	for _, b := range raw[HeaderSize+n:] {
		if b != padByte {
			return nil, ErrInvalidPacket
		}
	}

	p.Payload = append([]byte{}, raw[HeaderSize:HeaderSize+n]...)
	return p, nil
}
