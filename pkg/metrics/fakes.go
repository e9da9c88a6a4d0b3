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

package metrics

import (
	"sync"
)

// value is the shared state of the test counters and gauges.
type value struct {
	mu sync.Mutex
	v  float64
}

func (b *value) add(delta float64, allowNegative bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !allowNegative && delta < 0 {
		panic("counter increment value is < 0")
	}
	b.v += delta
}

func (b *value) set(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = v
}

func (b *value) get() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// TestCounter implements a counter for use in tests.
type TestCounter struct {
	value
}

// NewTestCounter creates a new counter for use in tests.
func NewTestCounter() *TestCounter {
	return &TestCounter{}
}

// Add increases the counter by delta. A negative delta panics.
func (c *TestCounter) Add(delta float64) {
	c.add(delta, false)
}

// TestCounterVec hands out one TestCounter per label value.
type TestCounterVec struct {
	mu       sync.Mutex
	counters map[string]*TestCounter
}

// NewTestCounterVec creates an empty counter vector for use in tests.
func NewTestCounterVec() *TestCounterVec {
	return &TestCounterVec{counters: make(map[string]*TestCounter)}
}

// With returns the counter of label, creating it on first use.
func (v *TestCounterVec) With(label string) Counter {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.counters[label]
	if !ok {
		c = NewTestCounter()
		v.counters[label] = c
	}
	return c
}

// CounterValue extracts the value out of a TestCounter. If the argument is
// not a *TestCounter, CounterValue panics.
func CounterValue(c Counter) float64 {
	return c.(*TestCounter).get()
}

// TestGauge implements a gauge for use in tests.
type TestGauge struct {
	value
}

// NewTestGauge creates a new gauge for use in tests.
func NewTestGauge() *TestGauge {
	return &TestGauge{}
}

// Set sets the gauge to v.
func (g *TestGauge) Set(v float64) {
	g.set(v)
}

// Add changes the gauge by delta.
func (g *TestGauge) Add(delta float64) {
	g.add(delta, true)
}

// GaugeValue extracts the value out of a TestGauge. If the argument is not a
// *TestGauge, GaugeValue panics.
func GaugeValue(g Gauge) float64 {
	return g.(*TestGauge).get()
}
