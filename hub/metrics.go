// Copyright 2021-2022 The pushhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"github.com/alwitt/pushhub/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics hub operation metrics
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameSent()
	WriteFailure(reason string)
	HeartbeatEviction()
	BroadcastSent(msgType protocol.MessageType, recipients int)
}

// prometheusMetrics implements Metrics with prometheus collectors
type prometheusMetrics struct {
	connections   prometheus.Gauge
	framesSent    prometheus.Counter
	writeFailures *prometheus.CounterVec
	evictions     prometheus.Counter
	broadcasts    *prometheus.CounterVec
	recipients    prometheus.Histogram
}

// GetPrometheusMetrics define Metrics and register the collectors with the registerer
func GetPrometheusMetrics(reg prometheus.Registerer) (Metrics, error) {
	m := &prometheusMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushhub_connections",
			Help: "Number of live registered connections",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_frames_sent_total",
			Help: "Number of frames written to connections",
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushhub_write_failures_total",
			Help: "Number of connections removed due to write failures",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_heartbeat_evictions_total",
			Help: "Number of connections removed for missing liveness answers",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushhub_broadcasts_total",
			Help: "Number of broadcasts by message type",
		}, []string{"type"}),
		recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pushhub_broadcast_recipients",
			Help:    "Number of connections one broadcast was queued to",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.connections, m.framesSent, m.writeFailures, m.evictions, m.broadcasts, m.recipients,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *prometheusMetrics) ConnectionOpened() {
	m.connections.Inc()
}

func (m *prometheusMetrics) ConnectionClosed() {
	m.connections.Dec()
}

func (m *prometheusMetrics) FrameSent() {
	m.framesSent.Inc()
}

func (m *prometheusMetrics) WriteFailure(reason string) {
	m.writeFailures.WithLabelValues(reason).Inc()
}

func (m *prometheusMetrics) HeartbeatEviction() {
	m.evictions.Inc()
}

func (m *prometheusMetrics) BroadcastSent(msgType protocol.MessageType, recipients int) {
	m.broadcasts.WithLabelValues(string(msgType)).Inc()
	m.recipients.Observe(float64(recipients))
}
