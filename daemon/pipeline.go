// pipeline.go - Egress and ingress packet pipelines.
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
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/nyxnet/nyx/core/cmix"
	"github.com/nyxnet/nyx/core/fec"
	"github.com/nyxnet/nyx/core/handshake"
	"github.com/nyxnet/nyx/core/multipath"
	"github.com/nyxnet/nyx/core/session"
	"github.com/nyxnet/nyx/core/wire"
	"github.com/nyxnet/nyx/internal/instrument"
)

// seqPrefixSize is the cleartext sequence number preceding the AEAD
// ciphertext inside a data packet payload.
const seqPrefixSize = 8

// selectPathID picks an egress path, falling back to path 0 when the
// scheduler has nothing registered.
func (d *Daemon) selectPathID() uint8 {
	id, err := d.sched.SelectPath()
	if err != nil {
		return 0
	}
	return id
}

// sendCrypto transmits a CRYPTO payload in a cleartext handshake
// packet, bypassing the batcher: handshake and rekey messages are
// self protecting and latency sensitive.
func (d *Daemon) sendCrypto(ctx context.Context, cid [16]byte, payload []byte) error {
	f := &wire.Frame{Type: wire.FrameCrypto, Payload: payload}
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	pkt := &wire.ExtendedPacket{
		CID:     wire.ConnectionID(cid),
		PathID:  d.selectPathID(),
		Type:    wire.PacketHandshake,
		Payload: raw,
	}
	enc, err := pkt.Encode()
	if err != nil {
		return err
	}
	return d.transport.SendDatagram(ctx, pkt.PathID, enc)
}

// sendClose transmits a connection CLOSE.
func (d *Daemon) sendClose(ctx context.Context, cid [16]byte, f *wire.Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	pkt := &wire.ExtendedPacket{
		CID:     wire.ConnectionID(cid),
		PathID:  d.selectPathID(),
		Type:    wire.PacketClose,
		Payload: raw,
	}
	enc, err := pkt.Encode()
	if err != nil {
		return err
	}
	return d.transport.SendDatagram(ctx, pkt.PathID, enc)
}

// sendFrame is the mux sink: frame -> session AEAD -> packet ->
// batcher.  The sequence number travels in the clear ahead of the
// ciphertext so the receiver can derive the nonce.
func (d *Daemon) sendFrame(cid [16]byte, f *wire.Frame) error {
	e, err := d.entry(cid)
	if err != nil {
		return err
	}

	frameRaw, err := f.Encode()
	if err != nil {
		return err
	}
	seq, ct, err := e.sess.Encrypt(frameRaw)
	if err != nil {
		return err
	}

	payload := make([]byte, seqPrefixSize+len(ct))
	binary.BigEndian.PutUint64(payload[:seqPrefixSize], seq)
	copy(payload[seqPrefixSize:], ct)

	pkt := &wire.ExtendedPacket{
		CID:     wire.ConnectionID(cid),
		PathID:  d.selectPathID(),
		Type:    wire.PacketData,
		Payload: payload,
	}
	enc, err := pkt.Encode()
	if err != nil {
		return err
	}
	if len(enc) != wire.PacketSize {
		// The mux segment size bounds frames so a data packet always
		// fits one block; anything else is a programming error.
		return wire.ErrInvalidPacket
	}
	if err := d.batcher.Submit(enc); err != nil {
		return err
	}
	d.maybeEmitParity(enc)
	return nil
}

// maybeEmitParity folds the encoded packet into the current FEC
// group and, when the group fills, submits Reed-Solomon parity
// packets per the controller's redundancy ratio.  Parity rides in
// uniform slots; receivers that do not track groups drop it like any
// other undecodable packet.
func (d *Daemon) maybeEmitParity(enc []byte) {
	cfg := d.config()
	redundancy := d.fecCtl.Current().TX

	d.fecMu.Lock()
	d.fecGroup = append(d.fecGroup, append([]byte{}, enc...))
	if len(d.fecGroup) < cfg.FEC.DataShards {
		d.fecMu.Unlock()
		return
	}
	group := d.fecGroup
	d.fecGroup = nil
	d.fecMu.Unlock()

	dataShards, parityShards := fec.GeometryForRedundancy(len(group), redundancy)
	enc2, err := fec.NewEncoder(dataShards, parityShards)
	if err != nil {
		d.log.Warningf("daemon: fec geometry: %v", err)
		return
	}
	shards, err := enc2.Encode(group)
	if err != nil {
		d.log.Warningf("daemon: fec encode: %v", err)
		return
	}
	for _, parity := range shards[dataShards:] {
		if err := d.batcher.Submit(parity); err != nil {
			// Backpressure: parity is expendable.
			return
		}
	}
}

// egressWorker drains emitted batches onto the transport.  Pad slots
// are dropped here, at the first hop; real and cover slots go out on
// scheduled paths.
func (d *Daemon) egressWorker(ctx context.Context) {
	for {
		select {
		case <-d.HaltCh():
			return
		case batch, ok := <-d.batcher.Emitted():
			if !ok {
				return
			}
			for _, p := range batch.Packets {
				if p.Kind == cmix.KindPad {
					continue
				}
				pathID := d.selectPathID()
				if len(p.Wire) >= wire.HeaderSize && p.Kind == cmix.KindReal {
					pathID = p.Wire[16]
				}
				if err := d.transport.SendDatagram(ctx, pathID, p.Wire); err != nil {
					if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
						return
					}
					d.log.Warningf("daemon: egress send: %v", err)
				}
			}
		}
	}
}

// ingressWorker decodes datagrams off the transport and routes them.
func (d *Daemon) ingressWorker(ctx context.Context) {
	for {
		select {
		case <-d.HaltCh():
			return
		default:
		}

		pathID, raw, err := d.transport.RecvDatagram(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
				return
			}
			continue
		}

		pkt, err := wire.Decode(raw)
		if err != nil {
			// Malformed, cover, or parity-only traffic: silent drop.
			instrument.PacketsDropped()
			d.pool.Put(raw)
			continue
		}
		d.handlePacket(ctx, pathID, pkt)
		d.pool.Put(raw)
	}
}

func (d *Daemon) handlePacket(ctx context.Context, pathID uint8, pkt *wire.ExtendedPacket) {
	cid := [16]byte(pkt.CID)

	switch pkt.Type {
	case wire.PacketHandshake:
		d.handleCrypto(ctx, cid, pkt.Payload)

	case wire.PacketData:
		d.handleData(ctx, cid, pathID, pkt.Payload)

	case wire.PacketClose:
		d.handleClose(cid, pkt.Payload)
	}
}

func (d *Daemon) handleCrypto(ctx context.Context, cid [16]byte, raw []byte) {
	f, _, err := wire.DecodeFrame(raw)
	if err != nil || f.Type != wire.FrameCrypto {
		instrument.PacketsDropped()
		return
	}
	payload, err := handshake.UnmarshalCryptoPayload(f.Payload)
	if err != nil {
		instrument.PacketsDropped()
		return
	}

	switch {
	case payload.ClientHello != nil:
		d.handleClientHello(ctx, cid, f.Payload)
	case payload.ServerHello != nil:
		d.handleServerHello(ctx, cid, f.Payload)
	case payload.ClientFinished != nil:
		d.handleClientFinished(cid, f.Payload)
	case payload.RekeyUpdate != nil:
		d.handleRekeyUpdate(cid, payload.RekeyUpdate.Blob)
	}
}

func (d *Daemon) handleClientHello(ctx context.Context, cid [16]byte, raw []byte) {
	server := handshake.NewServer(d.capabilities())
	shRaw, err := server.ProcessClientHello(raw)
	if err != nil {
		instrument.HandshakeFailure()
		var capErr *handshake.UnsupportedCapabilityError
		if errors.As(err, &capErr) {
			if cerr := d.sendClose(ctx, cid, wire.BuildCapabilityClose(capErr.ID)); cerr != nil {
				d.log.Warningf("daemon: close send: %v", cerr)
			}
		}
		return
	}

	d.hsMu.Lock()
	d.pendingServer[cid] = server
	d.hsMu.Unlock()

	if err := d.sendCrypto(ctx, cid, shRaw); err != nil {
		d.log.Warningf("daemon: server hello send: %v", err)
	}
}

func (d *Daemon) handleServerHello(ctx context.Context, cid [16]byte, raw []byte) {
	d.hsMu.Lock()
	ph, ok := d.pending[cid]
	d.hsMu.Unlock()
	if !ok {
		instrument.PacketsDropped()
		return
	}

	finRaw, res, err := ph.client.ProcessServerHello(raw)
	if err != nil {
		ph.doneCh <- &handshakeOutcome{err: err}
		return
	}
	if err := d.sendCrypto(ctx, cid, finRaw); err != nil {
		ph.doneCh <- &handshakeOutcome{err: err}
		return
	}
	ph.doneCh <- &handshakeOutcome{res: res}
}

func (d *Daemon) handleClientFinished(cid [16]byte, raw []byte) {
	d.hsMu.Lock()
	server, ok := d.pendingServer[cid]
	delete(d.pendingServer, cid)
	d.hsMu.Unlock()
	if !ok {
		instrument.PacketsDropped()
		return
	}

	res, err := server.ProcessClientFinished(raw)
	if err != nil {
		instrument.HandshakeFailure()
		return
	}
	sess := session.NewWithCID(wire.ConnectionID(cid))
	d.installSession(sess, res, false)
	instrument.HandshakeSuccess()
}

func (d *Daemon) handleRekeyUpdate(cid [16]byte, blob []byte) {
	e, err := d.entry(cid)
	if err != nil {
		instrument.PacketsDropped()
		return
	}
	update, err := session.UnmarshalRekeyUpdate(blob)
	if err != nil {
		instrument.PacketsDropped()
		return
	}
	if err := e.sess.AcceptRekey(e.rekeyKP, update); err != nil {
		d.log.Errorf("daemon: rekey accept failed, closing session")
		d.closeSession(cid)
		return
	}
	d.resetReorder(cid)
}

// resetReorder replaces a session's reorder buffer after a rekey:
// sequence numbers restart at one under the new schedule.
func (d *Daemon) resetReorder(cid [16]byte) {
	d.sMu.Lock()
	if e, ok := d.sessions[cid]; ok {
		e.reorder = d.newReorderFor(cid)
	}
	d.sMu.Unlock()
}

func (d *Daemon) handleData(ctx context.Context, cid [16]byte, pathID uint8, payload []byte) {
	if len(payload) < seqPrefixSize {
		instrument.PacketsDropped()
		return
	}
	e, err := d.entry(cid)
	if err != nil {
		instrument.PacketsDropped()
		return
	}

	sp := d.tele.StartSpan("session.deliver")
	sp.SetAttr("path_id", pathID)
	defer sp.Finish()

	seq := binary.BigEndian.Uint64(payload[:seqPrefixSize])
	sp.SetAttr("seq", seq)
	pt, err := e.sess.Decrypt(seq, payload[seqPrefixSize:])
	if err != nil {
		// Replay, stale key, or tampering: drop silently, the
		// counters record it.
		instrument.PacketsDropped()
		return
	}
	d.touch(cid)

	// Cross-path ordering is restored before frames reach the mux;
	// items past the reorder timeout release with gaps.
	e.reorder.Push(seq, pt, time.Now())
}

// deliverFrames routes the frames of one in-order plaintext unit.
func (d *Daemon) deliverFrames(cid [16]byte, pt []byte) {
	e, err := d.entry(cid)
	if err != nil {
		return
	}
	for len(pt) > 0 {
		f, n, err := wire.DecodeFrame(pt)
		if err != nil {
			instrument.PacketsDropped()
			return
		}
		pt = pt[n:]
		d.handleFrame(cid, e, f)
	}
}

func (d *Daemon) handleFrame(cid [16]byte, e *sessionEntry, f *wire.Frame) {
	switch {
	case f.Type == wire.FrameData || f.Type == wire.FrameAck || f.Type == wire.FrameFin:
		if err := e.mux.OnFrame(f); err != nil {
			d.log.Debugf("daemon: mux frame: %v", err)
		}

	case f.Type == wire.FramePathChallenge:
		resp, err := multipath.HandleChallenge(f)
		if err != nil {
			instrument.PacketsDropped()
			return
		}
		if err := d.sendFrame(cid, resp); err != nil {
			d.log.Debugf("daemon: probe response: %v", err)
		}

	case f.Type == wire.FramePathResponse:
		if err := d.sched.HandleResponse(f, time.Now()); err != nil {
			instrument.PacketsDropped()
		}

	case f.Type == wire.FrameClose:
		d.closeSession(cid)

	case f.IsCustom():
		reply, err := d.plugins.Dispatch(e.sess, f)
		if err != nil {
			d.log.Debugf("daemon: plugin dispatch: %v", err)
			return
		}
		if reply != nil {
			if err := d.sendFrame(cid, reply); err != nil {
				d.log.Debugf("daemon: plugin reply: %v", err)
			}
		}

	default:
		instrument.PacketsDropped()
	}
}

func (d *Daemon) handleClose(cid [16]byte, raw []byte) {
	if f, _, err := wire.DecodeFrame(raw); err == nil && f.Type == wire.FrameClose {
		// Mid-handshake capability CLOSE surfaces to the waiting
		// Connect caller.
		d.hsMu.Lock()
		ph, ok := d.pending[cid]
		d.hsMu.Unlock()
		if ok {
			ph.doneCh <- &handshakeOutcome{err: ph.client.ProcessClose(f)}
			return
		}
	}
	d.closeSession(cid)
}

func (d *Daemon) closeSession(cid [16]byte) {
	d.sMu.Lock()
	e, ok := d.sessions[cid]
	if ok {
		delete(d.sessions, cid)
	}
	d.sMu.Unlock()
	if ok {
		e.sess.Close()
	}
}

// sweepWorker evicts idle sessions, expires probes and runs the FEC
// adjustment loop off the scheduler's path metrics.
func (d *Daemon) sweepWorker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.HaltCh():
			return
		case now := <-ticker.C:
			d.sched.SweepProbes(now)

			idle := d.config().IdleTimeout()
			var expired [][16]byte
			var buffers []*multipath.ReorderBuffer
			d.sMu.RLock()
			for cid, e := range d.sessions {
				buffers = append(buffers, e.reorder)
				if now.Sub(e.lastActivity) > idle {
					expired = append(expired, cid)
				}
			}
			d.sMu.RUnlock()

			// Tick outside the table lock: releasing a timed out
			// item re-enters the session table.
			for _, b := range buffers {
				b.Tick(now)
			}
			for _, cid := range expired {
				d.log.Noticef("daemon: session %x idle, closing", cid[:4])
				d.closeSession(cid)
			}

			d.observePathsForFEC(now)
		}
	}
}

func (d *Daemon) observePathsForFEC(now time.Time) {
	for id := 0; id <= 0xff; id++ {
		p, err := d.sched.Path(uint8(id))
		if err != nil {
			continue
		}
		d.fecCtl.Observe(fec.NetworkMetrics{
			RTTMs:         p.RTTEWMAMs,
			JitterMs:      p.JitterMs,
			LossRate:      p.LossRate,
			BandwidthKbps: p.BandwidthKbps,
		})
	}
	d.fecCtl.Adjust(now)
}

// ForceRekey implements pcr.Rekeyer: every established session with
// a peer rekey key rotates immediately.
func (d *Daemon) ForceRekey() (int, error) {
	d.sMu.RLock()
	entries := make(map[[16]byte]*sessionEntry, len(d.sessions))
	for cid, e := range d.sessions {
		entries[cid] = e
	}
	d.sMu.RUnlock()

	rotated := 0
	var firstErr error
	for cid, e := range entries {
		if e.peerRekeyPub == nil {
			continue
		}
		update, err := e.sess.InitiateRekey(e.peerRekeyPub)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		payload := &handshake.CryptoPayload{RekeyUpdate: &handshake.RekeyUpdate{Blob: update.Marshal()}}
		raw, err := payload.Marshal()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := d.sendCrypto(context.Background(), cid, raw); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.resetReorder(cid)
		rotated++
	}
	return rotated, firstErr
}
