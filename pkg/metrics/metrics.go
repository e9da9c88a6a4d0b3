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

// Package metrics contains the small metric interfaces used by components
// that can be instrumented optionally. Prometheus counters and gauges
// satisfy them directly; fakes for tests are in this package as well.
package metrics

// Counter is a monotonically increasing value.
type Counter interface {
	Add(delta float64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(v float64)
	Add(delta float64)
}

// CounterInc increases c by one. It is a no-op if c is nil.
func CounterInc(c Counter) {
	if c != nil {
		c.Add(1)
	}
}

// CounterAdd increases c by delta. It is a no-op if c is nil.
func CounterAdd(c Counter, delta float64) {
	if c != nil {
		c.Add(delta)
	}
}

// GaugeSet sets g to v. It is a no-op if g is nil.
func GaugeSet(g Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}
