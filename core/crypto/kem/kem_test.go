// kem_test.go - Hybrid KEM tests.
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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHybridExchange(t *testing.T) {
	require := require.New(t)

	kp, pub, err := ClientInit()
	require.NoError(err)

	ct, serverRoot, err := ServerRespond(pub)
	require.NoError(err)
	require.Len(serverRoot, RootSecretSize)

	clientRoot, err := ClientFinalize(kp, ct)
	require.NoError(err)
	require.Equal(serverRoot, clientRoot)
	require.NotEqual(make([]byte, RootSecretSize), clientRoot)

	// Keypair is scrubbed by finalize.
	require.Nil(kp.x25519Priv)
	require.Nil(kp.mlkemSec)
}

func TestHybridExchangeSerialized(t *testing.T) {
	require := require.New(t)

	kp, pub, err := ClientInit()
	require.NoError(err)
	defer kp.Destroy()

	pub2, err := PublicBundleFromBytes(pub.Bytes())
	require.NoError(err)

	ct, serverRoot, err := ServerRespond(pub2)
	require.NoError(err)

	ct2, err := CiphertextBundleFromBytes(ct.Bytes())
	require.NoError(err)

	clientRoot, err := ClientFinalize(kp, ct2)
	require.NoError(err)
	require.Equal(serverRoot, clientRoot)
}

func TestInvalidBundles(t *testing.T) {
	require := require.New(t)

	_, err := PublicBundleFromBytes(make([]byte, 5))
	require.Equal(ErrInvalidBundle, err)

	_, err = CiphertextBundleFromBytes(make([]byte, CiphertextBundleSize()-1))
	require.Equal(ErrInvalidBundle, err)

	_, _, err = ServerRespond(&PublicBundle{X25519: make([]byte, 31), MLKEM: make([]byte, 7)})
	require.Equal(ErrInvalidBundle, err)
}

func TestTrafficKeyDerivation(t *testing.T) {
	require := require.New(t)

	root := bytes.Repeat([]byte{0x42}, RootSecretSize)
	client := DeriveTrafficKeys(root, true)
	server := DeriveTrafficKeys(root, false)

	require.Len(client.TxKey, TrafficKeySize)
	require.Len(client.RxKey, TrafficKeySize)
	require.NotEqual(make([]byte, TrafficKeySize), client.TxKey)

	// Directional cross-equality.
	require.Equal(client.TxKey, server.RxKey)
	require.Equal(client.RxKey, server.TxKey)
	require.Equal(client.TxNonceBase, server.RxNonceBase)
	require.Equal(client.RxNonceBase, server.TxNonceBase)

	// The two directions never share a key.
	require.NotEqual(client.TxKey, client.RxKey)
}

func TestTrafficKeyDestroy(t *testing.T) {
	require := require.New(t)

	root := bytes.Repeat([]byte{0x17}, RootSecretSize)
	k := DeriveTrafficKeys(root, true)
	tx := k.TxKey
	k.Destroy()
	require.Nil(k.TxKey)
	require.Equal(make([]byte, TrafficKeySize), tx)
}

func TestRekeyedKeysRotate(t *testing.T) {
	require := require.New(t)

	root := bytes.Repeat([]byte{0x0f}, RootSecretSize)
	a := DeriveRekeyedKeys(root, []byte("salt-1"), true)
	b := DeriveRekeyedKeys(root, []byte("salt-2"), true)
	require.NotEqual(a.TxKey, b.TxKey)
	require.Zero(a.TxNonceBase)
	require.Zero(a.RxNonceBase)

	// Cross-equality holds after a rekey too.
	peer := DeriveRekeyedKeys(root, []byte("salt-1"), false)
	require.Equal(a.TxKey, peer.RxKey)
	require.Equal(a.RxKey, peer.TxKey)
}

func TestBIKEReserved(t *testing.T) {
	_, err := NewBIKE()
	require.Equal(t, ErrNotImplemented, err)
}
