// shard.go - Fixed size shard packing.
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

// Package fec packs payloads into fixed 1280 byte shards and
// protects shard groups with Reed-Solomon parity whose redundancy is
// tuned by a PID controller on observed network quality.
package fec

import (
	"encoding/binary"
	"errors"
)

const (
	// ShardSize is the fixed shard length.
	ShardSize = 1280

	// shardHeaderSize is the 2 byte big endian payload length prefix.
	shardHeaderSize = 2

	// MaxShardPayload is the payload capacity of one shard.
	MaxShardPayload = ShardSize - shardHeaderSize
)

// ErrInvalidShard is returned when a shard's length or length prefix
// is inconsistent.
var ErrInvalidShard = errors.New("fec: invalid shard")

// Pack splits payload into fixed size shards, each carrying a 2 byte
// big endian length prefix.  A payload up to 1278 bytes packs into
// exactly one shard.  Packing the empty payload yields one shard with
// a zero prefix.
func Pack(payload []byte) [][]byte {
	n := len(payload)/MaxShardPayload + 1
	if len(payload) > 0 && len(payload)%MaxShardPayload == 0 {
		n--
	}

	shards := make([][]byte, 0, n)
	for {
		chunk := payload
		if len(chunk) > MaxShardPayload {
			chunk = chunk[:MaxShardPayload]
		}
		shard := make([]byte, ShardSize)
		binary.BigEndian.PutUint16(shard[0:2], uint16(len(chunk)))
		copy(shard[shardHeaderSize:], chunk)
		shards = append(shards, shard)

		payload = payload[len(chunk):]
		if len(payload) == 0 {
			break
		}
	}
	return shards
}

// Unpack extracts the payload bytes from one shard.
func Unpack(shard []byte) ([]byte, error) {
	if len(shard) != ShardSize {
		return nil, ErrInvalidShard
	}
	n := int(binary.BigEndian.Uint16(shard[0:2]))
	if n > MaxShardPayload {
		return nil, ErrInvalidShard
	}
	return append([]byte{}, shard[shardHeaderSize:shardHeaderSize+n]...), nil
}

// UnpackAll reassembles the payload from an ordered shard sequence.
func UnpackAll(shards [][]byte) ([]byte, error) {
	var out []byte
	for _, s := range shards {
		p, err := Unpack(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	return out, nil
}
