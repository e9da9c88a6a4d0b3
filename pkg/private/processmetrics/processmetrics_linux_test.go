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

//go:build linux

package processmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/pkg/private/processmetrics"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, processmetrics.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]float64)
	for _, f := range families {
		names[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Contains(t, names, "tpp_process_running_seconds_total")
	assert.Contains(t, names, "tpp_process_runnable_seconds_total")
	assert.GreaterOrEqual(t, names["tpp_process_threads"], 1.0)
	assert.GreaterOrEqual(t, names["tpp_process_gomaxprocs"], 1.0)

	assert.Error(t, processmetrics.Register(reg), "duplicate registration")
}
