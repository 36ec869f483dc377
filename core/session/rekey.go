// rekey.go - Key rotation.
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

package session

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/circl/hpke"
	circlkem "github.com/cloudflare/circl/kem"

	"github.com/nyxnet/nyx/core/crypto/kem"
	"github.com/nyxnet/nyx/core/crypto/rand"
	"github.com/nyxnet/nyx/internal/instrument"
)

// Rekey trigger thresholds.
const (
	// RekeyBytesThreshold triggers a rekey once the combined byte
	// count crosses 1 GiB.
	RekeyBytesThreshold = 1 << 30

	// RekeyTimeThreshold triggers a rekey after 10 minutes.
	RekeyTimeThreshold = 10 * time.Minute
)

const rekeyInfoLabel = "nyx-rekey-v1"

// ErrRekeyFailed is returned when the HPKE exchange or key install
// fails; the session must be aborted with CLOSE.
var ErrRekeyFailed = errors.New("session: rekey failed")

var rekeySuite = hpke.NewSuite(
	hpke.KEM_X25519_HKDF_SHA256,
	hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305,
)

// RekeyKeypair is a long-term HPKE keypair used to receive sealed
// rekey secrets.
type RekeyKeypair struct {
	Public  []byte
	private circlkem.PrivateKey
}

// NewRekeyKeypair generates a long-term rekey keypair.
func NewRekeyKeypair() (*RekeyKeypair, error) {
	pub, priv, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &RekeyKeypair{Public: raw, private: priv}, nil
}

// RekeyUpdate is the sealed key update transmitted to the peer inside
// a CRYPTO frame: the HPKE encapsulation, the sealed root, and the
// rotation salt in the clear (the salt is not secret, only unique).
type RekeyUpdate struct {
	Enc    []byte
	Sealed []byte
	Salt   []byte
}

// Marshal serializes the update: three length prefixed segments.
func (u *RekeyUpdate) Marshal() []byte {
	out := make([]byte, 0, 6+len(u.Enc)+len(u.Sealed)+len(u.Salt))
	for _, seg := range [][]byte{u.Enc, u.Sealed, u.Salt} {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(seg)))
		out = append(out, l[:]...)
		out = append(out, seg...)
	}
	return out
}

// UnmarshalRekeyUpdate parses a serialized update.
func UnmarshalRekeyUpdate(raw []byte) (*RekeyUpdate, error) {
	segs := make([][]byte, 3)
	for i := range segs {
		if len(raw) < 2 {
			return nil, ErrRekeyFailed
		}
		n := int(binary.BigEndian.Uint16(raw[:2]))
		raw = raw[2:]
		if len(raw) < n {
			return nil, ErrRekeyFailed
		}
		segs[i] = append([]byte{}, raw[:n]...)
		raw = raw[n:]
	}
	if len(raw) != 0 {
		return nil, ErrRekeyFailed
	}
	return &RekeyUpdate{Enc: segs[0], Sealed: segs[1], Salt: segs[2]}, nil
}

// NeedsRekey reports whether either trigger threshold has been
// crossed.
func (s *Session) NeedsRekey(now time.Time) bool {
	s.Lock()
	defer s.Unlock()
	if s.state != StateEstablished {
		return false
	}
	if s.bytesSent+s.bytesReceived >= RekeyBytesThreshold {
		return true
	}
	return now.Sub(s.lastRekeyAt) >= RekeyTimeThreshold
}

// InitiateRekey generates a fresh root secret, seals it to the peer's
// long-term public key, and installs the new schedule locally.  The
// returned update must reach the peer before any traffic under the
// new keys; the caller enforces the ordering barrier (all in-flight
// old-key packets ACKed or abandoned first).
func (s *Session) InitiateRekey(peerPublic []byte) (*RekeyUpdate, error) {
	newRoot := make([]byte, kem.RootSecretSize)
	if _, err := io.ReadFull(rand.Reader, newRoot); err != nil {
		return nil, ErrRekeyFailed
	}
	defer memguard.WipeBytes(newRoot)

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, ErrRekeyFailed
	}

	pk, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(peerPublic)
	if err != nil {
		instrument.RekeyFailed()
		return nil, ErrRekeyFailed
	}
	sender, err := rekeySuite.NewSender(pk, []byte(rekeyInfoLabel))
	if err != nil {
		instrument.RekeyFailed()
		return nil, ErrRekeyFailed
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		instrument.RekeyFailed()
		return nil, ErrRekeyFailed
	}
	sealed, err := sealer.Seal(newRoot, salt)
	if err != nil {
		instrument.RekeyFailed()
		return nil, ErrRekeyFailed
	}

	if err := s.applyRekey(newRoot, salt); err != nil {
		instrument.RekeyFailed()
		return nil, err
	}
	return &RekeyUpdate{Enc: enc, Sealed: sealed, Salt: salt}, nil
}

// AcceptRekey opens a peer's sealed update and installs the new
// schedule.  Once it returns, packets under the old keys fail AEAD
// authentication and are dropped.
func (s *Session) AcceptRekey(kp *RekeyKeypair, update *RekeyUpdate) error {
	recv, err := rekeySuite.NewReceiver(kp.private, []byte(rekeyInfoLabel))
	if err != nil {
		instrument.RekeyFailed()
		return ErrRekeyFailed
	}
	opener, err := recv.Setup(update.Enc)
	if err != nil {
		instrument.RekeyFailed()
		return ErrRekeyFailed
	}
	newRoot, err := opener.Open(update.Sealed, update.Salt)
	if err != nil {
		instrument.RekeyFailed()
		return ErrRekeyFailed
	}
	defer memguard.WipeBytes(newRoot)

	if err := s.applyRekey(newRoot, update.Salt); err != nil {
		instrument.RekeyFailed()
		return err
	}
	return nil
}

// applyRekey performs the atomic swap: outbound is paused by holding
// the session lock, old keys are zeroized, the new schedule installs
// with nonces at zero, and both replay windows reset.
func (s *Session) applyRekey(newRoot, salt []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.state != StateEstablished {
		return ErrNotEstablished
	}
	s.state = StateRekeying

	keys := kem.DeriveRekeyedKeys(newRoot, salt, s.isInitiator)
	if err := s.installKeysLocked(keys); err != nil {
		s.scrubLocked()
		s.state = StateClosed
		return ErrRekeyFailed
	}

	s.replayInitToResp.Reset()
	s.replayRespToInit.Reset()
	s.bytesSent, s.bytesReceived = 0, 0
	s.lastRekeyAt = time.Now()
	s.rekeyCount++
	s.state = StateEstablished
	instrument.RekeyCompleted()
	return nil
}

// RekeyCount returns the number of completed rekeys.
func (s *Session) RekeyCount() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.rekeyCount
}

// NonceBases returns the current nonce bases, for diagnostics.
func (s *Session) NonceBases() (uint64, uint64) {
	s.Lock()
	defer s.Unlock()
	return s.txNonceBase, s.rxNonceBase
}

// ReplayWindows returns both directional windows, for diagnostics.
func (s *Session) ReplayWindows() (*ReplayWindow, *ReplayWindow) {
	return s.replayInitToResp, s.replayRespToInit
}
