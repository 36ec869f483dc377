// instrument.go - Prometheus instrumentation.
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

// Package instrument implements the metric contract to the exporters.
// Metric names map the dotted contract names (nyx.stream.rekey.count)
// to prometheus notation; the core only registers collectors on the
// default registry.  The exporter surface itself (the listener named
// by NYX_PROMETHEUS_ADDR) lives outside the core.
package instrument

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rekeyCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nyx_stream_rekey_count",
		Help: "Number of completed session rekeys.",
	})
	rekeyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nyx_stream_rekey_failures",
		Help: "Number of failed session rekeys.",
	})
	handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nyx_handshake_total",
		Help: "Handshake outcomes.",
	}, []string{"outcome"})
	replayRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nyx_replay_rejected_total",
		Help: "Packets rejected as replays.",
	})
	tooOldRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nyx_too_old_rejected_total",
		Help: "Packets rejected as below the replay window.",
	})
	packetsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nyx_packets_dropped_total",
		Help: "Packets silently dropped at the wire layer.",
	})
	pathRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nyx_path_rtt_ms",
		Help: "Smoothed RTT per path.",
	}, []string{"path_id"})
	pathLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nyx_path_loss",
		Help: "Loss rate per path.",
	}, []string{"path_id"})
	coverUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nyx_cover_traffic_utilization",
		Help: "Fraction of emitted batch slots carrying traffic.",
	})
	batchDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nyx_cmix_batch_depth",
		Help: "Packets queued in the cMix batcher.",
	})
	batchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nyx_batch_processing_latency_ms",
		Help:    "Batch accumulation to emission latency.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	vdfDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nyx_vdf_delay_ms",
		Help:    "Observed VDF evaluation wall time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// RekeyCompleted increments the rekey counter.
func RekeyCompleted() { rekeyCount.Inc() }

// RekeyFailed increments the rekey failure counter.
func RekeyFailed() { rekeyFailures.Inc() }

// HandshakeSuccess records a completed handshake.
func HandshakeSuccess() { handshakes.WithLabelValues("success").Inc() }

// HandshakeFailure records an aborted handshake.
func HandshakeFailure() { handshakes.WithLabelValues("failure").Inc() }

// ReplayRejected records a duplicate sequence rejection.
func ReplayRejected() { replayRejected.Inc() }

// TooOldRejected records a below-window rejection.
func TooOldRejected() { tooOldRejected.Inc() }

// PacketsDropped records a silent wire-level drop.
func PacketsDropped() { packetsDropped.Inc() }

// PathRTT publishes the smoothed RTT for a path.
func PathRTT(pathID uint8, ms float64) {
	pathRTT.WithLabelValues(strconv.Itoa(int(pathID))).Set(ms)
}

// PathLoss publishes the loss rate for a path.
func PathLoss(pathID uint8, loss float64) {
	pathLoss.WithLabelValues(strconv.Itoa(int(pathID))).Set(loss)
}

// CoverTrafficUtilization publishes the rolling utilization.
func CoverTrafficUtilization(u float64) { coverUtilization.Set(u) }

// CmixBatchDepth publishes the batcher queue depth.
func CmixBatchDepth(n int) { batchDepth.Set(float64(n)) }

// BatchProcessingLatency records one batch's queue latency.
func BatchProcessingLatency(d time.Duration) {
	batchLatency.Observe(float64(d.Milliseconds()))
}

// VDFDelay records one VDF evaluation.
func VDFDelay(d time.Duration) {
	vdfDelay.Observe(float64(d.Milliseconds()))
}
