// Copyright 2020 Anapaya Systems
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

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/batchmesh/tpp/pkg/metrics"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/periodic"
)

// Metrics defines the router metrics. A nil *Metrics records nothing.
type Metrics struct {
	InputBytesTotal     *prometheus.CounterVec
	OutputBytesTotal    *prometheus.CounterVec
	InputPacketsTotal   *prometheus.CounterVec
	OutputPacketsTotal  *prometheus.CounterVec
	DroppedPacketsTotal *prometheus.CounterVec
	NoRouteTotal        prometheus.Counter
	JoinsTotal          *prometheus.CounterVec
	LeavesTotal         *prometheus.CounterVec
	RouterLinkChanges   *prometheus.CounterVec
	AuthFailures        prometheus.Counter
	UpdatesSent         prometheus.Counter
	Routers             prometheus.Gauge
	Leaves              prometheus.Gauge
	LocalLeaves         prometheus.Gauge
	ListenLeaves        prometheus.Gauge
	PeriodicEvents      *prometheus.CounterVec
	PeriodicRuntime     prometheus.Gauge
}

// NewMetrics initializes the router metrics and registers them with reg. A
// nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InputBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_input_bytes_total",
				Help: "Total number of bytes received, by packet type.",
			},
			[]string{"type"},
		),
		OutputBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_output_bytes_total",
				Help: "Total number of bytes queued for sending, by packet type.",
			},
			[]string{"type"},
		),
		InputPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_input_pkts_total",
				Help: "Total number of packets received, by packet type.",
			},
			[]string{"type"},
		),
		OutputPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_output_pkts_total",
				Help: "Total number of packets queued for sending, by packet type.",
			},
			[]string{"type"},
		),
		DroppedPacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_dropped_pkts_total",
				Help: "Total number of packets dropped by the router.",
			},
			[]string{"reason"},
		),
		NoRouteTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_router_noroute_total",
				Help: "Total number of NOROUTE messages sent.",
			},
		),
		JoinsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_joins_total",
				Help: "Total number of JOIN messages processed, by node type.",
			},
			[]string{"node_type"},
		),
		LeavesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_leaves_total",
				Help: "Total number of leaf routes removed, by cause.",
			},
			[]string{"cause"},
		),
		RouterLinkChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_link_state_changes_total",
				Help: "Total number of router link state changes.",
			},
			[]string{"state"},
		),
		AuthFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_router_auth_failures_total",
				Help: "Total number of failed connection handshakes.",
			},
		),
		UpdatesSent: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tpp_router_updates_sent_total",
				Help: "Total number of UPDATE notifications sent to listen leaves.",
			},
		),
		Routers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tpp_router_routers",
				Help: "Number of routers in the router index.",
			},
		),
		Leaves: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tpp_router_leaves",
				Help: "Number of leaves in the cluster leaf index.",
			},
		),
		LocalLeaves: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tpp_router_local_leaves",
				Help: "Number of leaves directly attached to this router.",
			},
		),
		ListenLeaves: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tpp_router_listen_leaves",
				Help: "Number of directly attached listen leaves.",
			},
		),
		PeriodicEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tpp_router_periodic_events_total",
				Help: "Total number of periodic task events, by event type.",
			},
			[]string{"event_type"},
		),
		PeriodicRuntime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tpp_router_periodic_runtime_seconds",
				Help: "Duration of the last topology gauge refresh.",
			},
		),
	}
}

func (m *Metrics) received(t tlayers.Type, n int) {
	if m == nil {
		return
	}
	m.InputPacketsTotal.WithLabelValues(t.String()).Inc()
	m.InputBytesTotal.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) sent(t tlayers.Type, n int) {
	if m == nil {
		return
	}
	m.OutputPacketsTotal.WithLabelValues(t.String()).Inc()
	m.OutputBytesTotal.WithLabelValues(t.String()).Add(float64(n))
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedPacketsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) noRoute() {
	if m == nil {
		return
	}
	m.NoRouteTotal.Inc()
}

func (m *Metrics) joined(t tlayers.NodeType) {
	if m == nil {
		return
	}
	m.JoinsTotal.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) left(cause string) {
	if m == nil {
		return
	}
	m.LeavesTotal.WithLabelValues(cause).Inc()
}

func (m *Metrics) link(s NodeState) {
	if m == nil {
		return
	}
	m.RouterLinkChanges.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) authFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) updated(n int) {
	if m == nil {
		return
	}
	m.UpdatesSent.Add(float64(n))
}

// periodic returns the instrumentation of the gauge refresh task.
func (m *Metrics) periodic() *periodic.Metrics {
	if m == nil {
		return nil
	}
	return &periodic.Metrics{
		Events: func(e string) metrics.Counter {
			return m.PeriodicEvents.WithLabelValues(e)
		},
		Runtime: m.PeriodicRuntime,
	}
}

// Drop reasons.
const (
	dropMalformed  = "malformed"
	dropQueueFull  = "queue_full"
	dropConnClosed = "conn_closed"
	dropBuild      = "build_error"
	dropRejected   = "rejected"
	dropNoRoute    = "no_route"
)
