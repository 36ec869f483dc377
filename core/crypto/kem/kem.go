// kem.go - Hybrid post-quantum key encapsulation.
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

// Package kem implements the hybrid X25519/ML-KEM-768 key
// encapsulation used by the handshake.  The construction is secure as
// long as either component remains unbroken: the X25519 shared secret
// and the ML-KEM shared secret are concatenated and fed through
// HKDF-SHA256 with a domain separating label.
package kem

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/nyxnet/nyx/core/crypto/rand"
)

const (
	// RootSecretSize is the size of the derived session root secret.
	RootSecretSize = 32

	x25519KeySize = 32

	hybridRootLabel = "nyx-hybrid-root"
)

var (
	// ErrInvalidBundle is returned when a peer's serialized key or
	// ciphertext bundle has the wrong length or is malformed.
	ErrInvalidBundle = errors.New("kem: invalid bundle")

	// ErrNotImplemented is returned by reserved scheme stubs.
	ErrNotImplemented = errors.New("kem: scheme not implemented")

	mlkem = mlkem768.Scheme()
)

// PublicBundleSize is the wire size of a serialized PublicBundle.
func PublicBundleSize() int { return x25519KeySize + mlkem.PublicKeySize() }

// CiphertextBundleSize is the wire size of a serialized CiphertextBundle.
func CiphertextBundleSize() int { return x25519KeySize + mlkem.CiphertextSize() }

// Keypair holds the client's ephemeral handshake secrets.  Destroy
// must be called once the handshake completes or fails.
type Keypair struct {
	x25519Priv []byte
	mlkemSec   []byte
}

// PublicBundle is the client's serialized public material: the X25519
// public key followed by the ML-KEM-768 encapsulation key.
type PublicBundle struct {
	X25519  []byte
	MLKEM   []byte
}

// Bytes serializes the bundle.
func (b *PublicBundle) Bytes() []byte {
	out := make([]byte, 0, PublicBundleSize())
	out = append(out, b.X25519...)
	return append(out, b.MLKEM...)
}

// PublicBundleFromBytes deserializes a PublicBundle.
func PublicBundleFromBytes(raw []byte) (*PublicBundle, error) {
	if len(raw) != PublicBundleSize() {
		return nil, ErrInvalidBundle
	}
	b := &PublicBundle{
		X25519: append([]byte{}, raw[:x25519KeySize]...),
		MLKEM:  append([]byte{}, raw[x25519KeySize:]...),
	}
	return b, nil
}

// CiphertextBundle is the server's serialized response: its ephemeral
// X25519 public key followed by the ML-KEM-768 ciphertext.
type CiphertextBundle struct {
	X25519 []byte
	MLKEM  []byte
}

// Bytes serializes the bundle.
func (b *CiphertextBundle) Bytes() []byte {
	out := make([]byte, 0, CiphertextBundleSize())
	out = append(out, b.X25519...)
	return append(out, b.MLKEM...)
}

// CiphertextBundleFromBytes deserializes a CiphertextBundle.
func CiphertextBundleFromBytes(raw []byte) (*CiphertextBundle, error) {
	if len(raw) != CiphertextBundleSize() {
		return nil, ErrInvalidBundle
	}
	b := &CiphertextBundle{
		X25519: append([]byte{}, raw[:x25519KeySize]...),
		MLKEM:  append([]byte{}, raw[x25519KeySize:]...),
	}
	return b, nil
}

// Destroy scrubs the keypair's secret material.
func (k *Keypair) Destroy() {
	if k.x25519Priv != nil {
		memguard.WipeBytes(k.x25519Priv)
		k.x25519Priv = nil
	}
	if k.mlkemSec != nil {
		memguard.WipeBytes(k.mlkemSec)
		k.mlkemSec = nil
	}
}

// ClientInit generates the client's ephemeral keypair and the public
// bundle to transmit in the ClientHello.
func ClientInit() (*Keypair, *PublicBundle, error) {
	xPriv := make([]byte, x25519KeySize)
	if _, err := io.ReadFull(rand.Reader, xPriv); err != nil {
		return nil, nil, err
	}
	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		memguard.WipeBytes(xPriv)
		return nil, nil, err
	}

	mPub, mPriv, err := mlkem.GenerateKeyPair()
	if err != nil {
		memguard.WipeBytes(xPriv)
		return nil, nil, err
	}
	mPubBytes, err := mPub.MarshalBinary()
	if err != nil {
		memguard.WipeBytes(xPriv)
		return nil, nil, err
	}
	mPrivBytes, err := mPriv.MarshalBinary()
	if err != nil {
		memguard.WipeBytes(xPriv)
		return nil, nil, err
	}

	kp := &Keypair{
		x25519Priv: xPriv,
		mlkemSec:   mPrivBytes,
	}
	bundle := &PublicBundle{
		X25519: xPub,
		MLKEM:  mPubBytes,
	}
	return kp, bundle, nil
}

// ServerRespond consumes the client's public bundle, encapsulates to
// both components, and returns the ciphertext bundle along with the
// derived root secret.
func ServerRespond(peer *PublicBundle) (*CiphertextBundle, []byte, error) {
	if len(peer.X25519) != x25519KeySize || len(peer.MLKEM) != mlkem.PublicKeySize() {
		return nil, nil, ErrInvalidBundle
	}

	xPriv := make([]byte, x25519KeySize)
	if _, err := io.ReadFull(rand.Reader, xPriv); err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(xPriv)

	xPub, err := curve25519.X25519(xPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	xShared, err := curve25519.X25519(xPriv, peer.X25519)
	if err != nil {
		return nil, nil, ErrInvalidBundle
	}
	defer memguard.WipeBytes(xShared)

	mPub, err := mlkem.UnmarshalBinaryPublicKey(peer.MLKEM)
	if err != nil {
		return nil, nil, ErrInvalidBundle
	}
	mCt, mShared, err := mlkem.Encapsulate(mPub)
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(mShared)

	root := deriveRoot(xShared, mShared)
	bundle := &CiphertextBundle{
		X25519: xPub,
		MLKEM:  mCt,
	}
	return bundle, root, nil
}

// ClientFinalize consumes the server's ciphertext bundle and derives
// the same root secret as ServerRespond.  The keypair is scrubbed
// before returning regardless of outcome.
func ClientFinalize(kp *Keypair, ct *CiphertextBundle) ([]byte, error) {
	defer kp.Destroy()

	if kp.x25519Priv == nil || kp.mlkemSec == nil {
		return nil, errors.New("kem: keypair already destroyed")
	}
	if len(ct.X25519) != x25519KeySize || len(ct.MLKEM) != mlkem.CiphertextSize() {
		return nil, ErrInvalidBundle
	}

	xShared, err := curve25519.X25519(kp.x25519Priv, ct.X25519)
	if err != nil {
		return nil, ErrInvalidBundle
	}
	defer memguard.WipeBytes(xShared)

	mPriv, err := mlkem.UnmarshalBinaryPrivateKey(kp.mlkemSec)
	if err != nil {
		return nil, err
	}
	mShared, err := mlkem.Decapsulate(mPriv, ct.MLKEM)
	if err != nil {
		return nil, ErrInvalidBundle
	}
	defer memguard.WipeBytes(mShared)

	return deriveRoot(xShared, mShared), nil
}

// deriveRoot derives the session root secret from the concatenated
// component secrets.
func deriveRoot(xShared, mShared []byte) []byte {
	ikm := make([]byte, 0, len(xShared)+len(mShared))
	ikm = append(ikm, xShared...)
	ikm = append(ikm, mShared...)
	defer memguard.WipeBytes(ikm)

	r := hkdf.New(sha256.New, ikm, nil, []byte(hybridRootLabel))
	root := make([]byte, RootSecretSize)
	if _, err := io.ReadFull(r, root); err != nil {
		panic("kem: hkdf read failed: " + err.Error())
	}
	return root
}

// NewBIKE is reserved for a future BIKE based hybrid.  BIKE did not
// survive the NIST round 4 selection with parameters we are willing
// to ship, and no interoperable ciphertext format exists yet, so the
// scheme identifier is reserved and the constructor refuses.
func NewBIKE() (interface{}, error) {
	return nil, ErrNotImplemented
}
