// Copyright 2026 SCION Association
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/batchmesh/tpp/private/mailbox"
)

// Metrics defines the transport metrics. A nil *Metrics records nothing.
type Metrics struct {
	InputBytesTotal     prometheus.Counter
	OutputBytesTotal    prometheus.Counter
	InputPacketsTotal   prometheus.Counter
	OutputPacketsTotal  prometheus.Counter
	DroppedPacketsTotal *prometheus.CounterVec
	StateChanges        *prometheus.CounterVec
	ConnectAttempts     prometheus.Counter
	Connections         prometheus.Gauge
	// Mailbox instruments the worker and send mailboxes.
	Mailbox *mailbox.Metrics
}

// NewMetrics creates the transport metrics on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InputBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_transport_input_bytes_total",
				Help: "Total number of bytes received.",
			},
		),
		OutputBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_transport_output_bytes_total",
				Help: "Total number of bytes written to sockets.",
			},
		),
		InputPacketsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_transport_input_pkts_total",
				Help: "Total number of packets received.",
			},
		),
		OutputPacketsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_transport_output_pkts_total",
				Help: "Total number of packets sent.",
			},
		),
		DroppedPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_transport_dropped_pkts_total",
				Help: "Total number of queued packets dropped by the transport.",
			},
			[]string{"reason"},
		),
		StateChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_transport_state_changes_total",
				Help: "Total number of connection state changes.",
			},
			[]string{"state"},
		),
		ConnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_transport_connect_attempts_total",
				Help: "Total number of outgoing connection attempts.",
			},
		),
		Connections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tpp_transport_connections",
				Help: "Number of allocated connection slots.",
			},
		),
		Mailbox: mailbox.NewMetrics(reg, "tpp"),
	}
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.InputPacketsTotal.Inc()
	m.InputBytesTotal.Add(float64(n))
}

func (m *Metrics) wrote(n int) {
	if m == nil {
		return
	}
	m.OutputBytesTotal.Add(float64(n))
}

func (m *Metrics) sent() {
	if m == nil {
		return
	}
	m.OutputPacketsTotal.Inc()
}

func (m *Metrics) dropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DroppedPacketsTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) state(s State) {
	if m == nil {
		return
	}
	m.StateChanges.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) connectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

func (m *Metrics) slots(delta int) {
	if m == nil {
		return
	}
	m.Connections.Add(float64(delta))
}

func (m *Metrics) mailbox() *mailbox.Metrics {
	if m == nil {
		return nil
	}
	return m.Mailbox
}
