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

package mailbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the mailbox metrics. A nil *Metrics records nothing.
type Metrics struct {
	PostedEntries *prometheus.CounterVec
	FullErrors    *prometheus.CounterVec
	QueuedBytes   *prometheus.GaugeVec
}

// NewMetrics creates the mailbox metrics on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PostedEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mailbox",
				Name:      "posted_entries_total",
				Help:      "Number of entries posted to mailboxes.",
			},
			[]string{"desc"},
		),
		FullErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mailbox",
				Name:      "full_errors_total",
				Help:      "Number of posts rejected because the mailbox was full.",
			},
			[]string{"desc"},
		),
		QueuedBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mailbox",
				Name:      "queued_bytes",
				Help:      "Number of bytes queued in mailboxes.",
			},
			[]string{"desc"},
		),
	}
}

func (m *Metrics) posted(desc string, size int) {
	if m == nil {
		return
	}
	m.PostedEntries.WithLabelValues(desc).Inc()
	m.QueuedBytes.WithLabelValues(desc).Add(float64(size))
}

func (m *Metrics) read(desc string, size int) {
	if m == nil {
		return
	}
	m.QueuedBytes.WithLabelValues(desc).Sub(float64(size))
}

func (m *Metrics) full(desc string) {
	if m == nil {
		return
	}
	m.FullErrors.WithLabelValues(desc).Inc()
}
