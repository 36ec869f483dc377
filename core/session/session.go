// session.go - Per-connection session state.
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

// Package session maintains per-CID connection state: traffic keys,
// sequence numbers, replay windows, rekey bookkeeping and the
// negotiated capability set.  A session serializes all of its state
// under one mutex; nothing inside a critical section performs I/O.
package session

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nyxnet/nyx/core/crypto/kem"
	"github.com/nyxnet/nyx/core/crypto/rand"
	"github.com/nyxnet/nyx/core/wire"
	"github.com/nyxnet/nyx/internal/instrument"
)

// State is the session lifecycle state.
type State uint8

const (
	// StateIdle is a freshly allocated session.
	StateIdle State = iota
	// StateAwaitingResponse mirrors the client handshake FSM.
	StateAwaitingResponse
	// StateAwaitingFinish mirrors the server handshake FSM.
	StateAwaitingFinish
	// StateEstablished means traffic keys are live.
	StateEstablished
	// StateRekeying is the window during an atomic key swap.
	StateRekeying
	// StateClosed is terminal; all secrets are scrubbed.
	StateClosed
)

var (
	// ErrNotEstablished is returned for traffic operations before the
	// handshake completes or after close.
	ErrNotEstablished = errors.New("session: not established")

	// ErrCryptoFailure is returned when AEAD open fails.
	ErrCryptoFailure = errors.New("session: crypto failure")

	// ErrReplay is returned (and counted) for replayed sequence
	// numbers; callers drop silently.
	ErrReplay = errors.New("session: replay detected")

	// ErrTooOld is returned for below-window sequence numbers.
	ErrTooOld = errors.New("session: sequence too old")

	// ErrTooFarAhead is returned for forward jumps beyond the guard.
	ErrTooFarAhead = errors.New("session: sequence too far ahead")
)

// Session is the per-CID connection state.
type Session struct {
	sync.Mutex

	cid   wire.ConnectionID
	state State

	isInitiator bool

	txAEAD cipher.AEAD
	rxAEAD cipher.AEAD
	txKey  []byte
	rxKey  []byte

	txNonceBase uint64
	rxNonceBase uint64
	txSeq       uint64

	replayInitToResp *ReplayWindow
	replayRespToInit *ReplayWindow

	capabilities map[uint32]struct{}

	bytesSent     uint64
	bytesReceived uint64
	establishedAt time.Time
	lastRekeyAt   time.Time
	rekeyCount    uint64
}

// New allocates a session with a random CID in the Idle state.
func New(isInitiator bool) (*Session, error) {
	s := &Session{
		state:            StateIdle,
		isInitiator:      isInitiator,
		replayInitToResp: NewReplayWindow(),
		replayRespToInit: NewReplayWindow(),
	}
	if _, err := io.ReadFull(rand.Reader, s.cid[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithCID allocates a responder session adopting the initiator's
// CID.
func NewWithCID(cid wire.ConnectionID) *Session {
	return &Session{
		cid:              cid,
		state:            StateIdle,
		replayInitToResp: NewReplayWindow(),
		replayRespToInit: NewReplayWindow(),
	}
}

// CID returns the connection identifier.
func (s *Session) CID() wire.ConnectionID { return s.cid }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Capabilities returns the negotiated capability set.
func (s *Session) Capabilities() map[uint32]struct{} {
	s.Lock()
	defer s.Unlock()
	out := make(map[uint32]struct{}, len(s.capabilities))
	for id := range s.capabilities {
		out[id] = struct{}{}
	}
	return out
}

// HasCapability reports whether id was negotiated.
func (s *Session) HasCapability(id uint32) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.capabilities[id]
	return ok
}

// rxWindow returns the replay window guarding inbound traffic.
func (s *Session) rxWindow() *ReplayWindow {
	if s.isInitiator {
		return s.replayRespToInit
	}
	return s.replayInitToResp
}

// installKeysLocked swaps traffic keys in place.  Old key bytes are
// zeroized before the new ones are referenced.
func (s *Session) installKeysLocked(keys *kem.TrafficKeys) error {
	txAEAD, err := chacha20poly1305.New(keys.TxKey)
	if err != nil {
		return err
	}
	rxAEAD, err := chacha20poly1305.New(keys.RxKey)
	if err != nil {
		return err
	}

	if s.txKey != nil {
		memguard.WipeBytes(s.txKey)
	}
	if s.rxKey != nil {
		memguard.WipeBytes(s.rxKey)
	}

	s.txAEAD, s.rxAEAD = txAEAD, rxAEAD
	s.txKey, s.rxKey = keys.TxKey, keys.RxKey
	s.txNonceBase = keys.TxNonceBase
	s.rxNonceBase = keys.RxNonceBase
	s.txSeq = 0
	return nil
}

// Establish installs the handshake result and moves the session to
// Established.
func (s *Session) Establish(keys *kem.TrafficKeys, caps map[uint32]struct{}) error {
	s.Lock()
	defer s.Unlock()

	if s.state == StateEstablished || s.state == StateClosed {
		return ErrNotEstablished
	}
	if err := s.installKeysLocked(keys); err != nil {
		return err
	}
	s.capabilities = caps
	s.state = StateEstablished
	now := time.Now()
	s.establishedAt = now
	s.lastRekeyAt = now
	return nil
}

// nonce derives the 96 bit AEAD nonce for a direction base and
// sequence number: the low 64 bits are base XOR seq, the high 32 are
// zero.  Sequence numbers never repeat under one key epoch, so
// nonces never repeat.
func nonce(base, seq uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(n[4:], base^seq)
	return n[:]
}

// Encrypt seals a frame payload for transmission and returns the
// sequence number it was sealed under along with the ciphertext.
// The CID is bound as associated data.
func (s *Session) Encrypt(plaintext []byte) (uint64, []byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.state != StateEstablished {
		return 0, nil, ErrNotEstablished
	}

	s.txSeq++
	seq := s.txSeq
	ct := s.txAEAD.Seal(nil, nonce(s.txNonceBase, seq), plaintext, s.cid[:])
	s.bytesSent += uint64(len(plaintext))
	return seq, ct, nil
}

// Decrypt opens an inbound ciphertext and applies replay protection.
// Replay verdicts are returned as typed errors; the caller drops
// silently and the counters take care of observability.  The replay
// window is only advanced after the AEAD authenticates, so garbage
// cannot perturb the window.
func (s *Session) Decrypt(seq uint64, ct []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	pt, err := s.rxAEAD.Open(nil, nonce(s.rxNonceBase, seq), ct, s.cid[:])
	if err != nil {
		return nil, ErrCryptoFailure
	}

	switch s.rxWindow().CheckAndUpdate(seq) {
	case ReplayOk:
	case ReplayDuplicate:
		instrument.ReplayRejected()
		return nil, ErrReplay
	case ReplayTooOld:
		instrument.TooOldRejected()
		return nil, ErrTooOld
	case ReplayTooFarAhead:
		return nil, ErrTooFarAhead
	}

	s.bytesReceived += uint64(len(pt))
	return pt, nil
}

// BytesTransferred returns the sent and received totals since the
// last rekey.
func (s *Session) BytesTransferred() (uint64, uint64) {
	s.Lock()
	defer s.Unlock()
	return s.bytesSent, s.bytesReceived
}

// Close scrubs all secret material and moves the session to Closed.
func (s *Session) Close() {
	s.Lock()
	defer s.Unlock()
	s.scrubLocked()
	s.state = StateClosed
}

func (s *Session) scrubLocked() {
	if s.txKey != nil {
		memguard.WipeBytes(s.txKey)
		s.txKey = nil
	}
	if s.rxKey != nil {
		memguard.WipeBytes(s.rxKey)
		s.rxKey = nil
	}
	s.txAEAD, s.rxAEAD = nil, nil
	s.txNonceBase, s.rxNonceBase = 0, 0
	s.txSeq = 0
}
