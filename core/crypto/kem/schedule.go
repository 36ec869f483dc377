// schedule.go - Traffic key schedule.
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

package kem

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// TrafficKeySize is the size of a directional traffic key.
const TrafficKeySize = 32

// Direction labels are keyed by the transmitting side so that both
// endpoints derive byte identical keys: direction 1 is
// initiator-to-responder, direction 2 is responder-to-initiator.
const (
	labelDir1      = "nyx-traffic-tx-1"
	labelDir2      = "nyx-traffic-tx-2"
	labelNonceDir1 = "nyx-nonce-base-1"
	labelNonceDir2 = "nyx-nonce-base-2"
)

// TrafficKeys is the directional key material derived from a session
// root secret.  Destroy must be called when the keys are rotated out.
type TrafficKeys struct {
	TxKey []byte
	RxKey []byte

	TxNonceBase uint64
	RxNonceBase uint64
}

// Destroy scrubs the key bytes.
func (t *TrafficKeys) Destroy() {
	if t.TxKey != nil {
		memguard.WipeBytes(t.TxKey)
		t.TxKey = nil
	}
	if t.RxKey != nil {
		memguard.WipeBytes(t.RxKey)
		t.RxKey = nil
	}
	t.TxNonceBase = 0
	t.RxNonceBase = 0
}

func expand(root []byte, label string, n int) []byte {
	r := hkdf.Expand(sha256.New, root, []byte(label))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("kem: hkdf expand failed: " + err.Error())
	}
	return out
}

// DeriveTrafficKeys derives the directional traffic keys and nonce
// bases from a session root secret.  The initiator transmits on
// direction 1, the responder on direction 2.
func DeriveTrafficKeys(root []byte, isInitiator bool) *TrafficKeys {
	k1 := expand(root, labelDir1, TrafficKeySize)
	k2 := expand(root, labelDir2, TrafficKeySize)
	n1 := binary.BigEndian.Uint64(expand(root, labelNonceDir1, 8))
	n2 := binary.BigEndian.Uint64(expand(root, labelNonceDir2, 8))

	if isInitiator {
		return &TrafficKeys{TxKey: k1, RxKey: k2, TxNonceBase: n1, RxNonceBase: n2}
	}
	return &TrafficKeys{TxKey: k2, RxKey: k1, TxNonceBase: n2, RxNonceBase: n1}
}

// DeriveRekeyedKeys derives fresh directional keys after a rekey.
// The salt rotates with every rekey so old and new schedules never
// overlap; nonce bases restart at zero under the new keys.
func DeriveRekeyedKeys(root []byte, salt []byte, isInitiator bool) *TrafficKeys {
	r := hkdf.New(sha256.New, root, salt, []byte(hybridRootLabel))
	rotated := make([]byte, RootSecretSize)
	if _, err := io.ReadFull(r, rotated); err != nil {
		panic("kem: hkdf read failed: " + err.Error())
	}
	defer memguard.WipeBytes(rotated)

	k := DeriveTrafficKeys(rotated, isInitiator)
	k.TxNonceBase = 0
	k.RxNonceBase = 0
	return k
}
