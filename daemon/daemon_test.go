// daemon_test.go - End to end daemon tests.
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

package daemon

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxnet/nyx/daemon/config"
)

func testDaemonConfig(t *testing.T) (*config.Config, []byte) {
	raw := []byte(`
[Logging]
Disable = true

[Cmix]
BatchSize = 4
BatchTimeoutMs = 10
VDFDelayMs = 1
`)
	cfg, err := config.LoadBytes(raw)
	require.NoError(t, err)
	return cfg, raw
}

func startPair(t *testing.T) (*Daemon, *Daemon) {
	pair := NewLoopbackPair()
	t.Cleanup(pair.Close)

	cfg, raw := testDaemonConfig(t)
	dir := t.TempDir()

	client, err := New(cfg, raw, pair.A(), filepath.Join(dir, "client-audit.log"))
	require.NoError(t, err)
	t.Cleanup(client.Shutdown)

	server, err := New(cfg, raw, pair.B(), filepath.Join(dir, "server-audit.log"))
	require.NoError(t, err)
	t.Cleanup(server.Shutdown)

	return client, server
}

func TestEndToEndHandshakeAndData(t *testing.T) {
	require := require.New(t)

	client, server := startPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cid, err := client.Connect(ctx)
	require.NoError(err)
	require.Equal(1, client.Sessions())
	require.Eventually(func() bool { return server.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)

	streamID, err := client.OpenStream(cid)
	require.NoError(err)
	require.Equal(uint32(1), streamID%2, "client streams are odd")

	msg := []byte("the quick brown fox routes over the mixnet")
	n, err := client.Send(cid, streamID, msg)
	require.NoError(err)
	require.Equal(len(msg), n)

	buf := make([]byte, 1024)
	require.Eventually(func() bool {
		rn, rerr := server.Read(cid, streamID, buf)
		if rerr != nil || rn == 0 {
			return false
		}
		return bytes.Equal(msg, buf[:rn])
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEndForceRekey(t *testing.T) {
	require := require.New(t)

	client, server := startPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cid, err := client.Connect(ctx)
	require.NoError(err)
	require.Eventually(func() bool { return server.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)

	rotated, err := client.ForceRekey()
	require.NoError(err)
	require.Equal(1, rotated)

	// The peer applies the sealed update, after which traffic flows
	// under the new schedule.
	require.Eventually(func() bool {
		e, eerr := server.entry(cid)
		return eerr == nil && e.sess.RekeyCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	streamID, err := client.OpenStream(cid)
	require.NoError(err)
	msg := []byte("post-rekey payload")
	_, err = client.Send(cid, streamID, msg)
	require.NoError(err)

	buf := make([]byte, 256)
	require.Eventually(func() bool {
		rn, rerr := server.Read(cid, streamID, buf)
		return rerr == nil && rn > 0 && bytes.Equal(msg, buf[:rn])
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHandshakeTimeout(t *testing.T) {
	require := require.New(t)

	// A transport whose peer never answers.
	pair := NewLoopbackPair()
	t.Cleanup(pair.Close)

	raw := []byte("[Logging]\nDisable = true\n[Session]\nHandshakeTimeoutMs = 50\n")
	cfg, err := config.LoadBytes(raw)
	require.NoError(err)

	d, err := New(cfg, raw, pair.A(), filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(err)
	t.Cleanup(d.Shutdown)

	_, err = d.Connect(context.Background())
	require.Equal(ErrHandshakeTimeout, err)
	require.Zero(d.Sessions())
}

func TestBufferPool(t *testing.T) {
	require := require.New(t)

	p := NewBufferPool()
	buf := p.Get()
	require.Len(buf, 1280)
	buf[0] = 0xff
	p.Put(buf)
	require.Equal(1, p.Size())

	again := p.Get()
	require.Zero(again[0], "recycled buffers come back zeroed")

	p.Put(make([]byte, 10))
	require.Zero(p.Size())

	p.Put(make([]byte, 1280))
	p.Drain()
	require.Zero(p.Size())
}

func TestControlSurface(t *testing.T) {
	require := require.New(t)

	client, _ := startPair(t)

	info := client.Info()
	require.Equal(Version, info.Version)
	require.Zero(info.Sessions)

	newRaw := []byte("[Cmix]\nBatchSize = 8\n")
	require.NoError(client.ApplyConfig(newRaw))
	require.Equal(newRaw, client.CurrentConfigRaw())
	require.Error(client.ApplyConfig([]byte("[FEC]\nBaseRedundancy = 9.9\n")))
}
