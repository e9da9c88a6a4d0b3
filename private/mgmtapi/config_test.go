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

package mgmtapi_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/private/config"
	api "github.com/batchmesh/tpp/private/mgmtapi"
	apitest "github.com/batchmesh/tpp/private/mgmtapi/mgmtapitest"
)

func TestConfigSample(t *testing.T) {
	var sample bytes.Buffer
	var cfg api.Config
	cfg.Sample(&sample, nil, nil)
	apitest.InitConfig(&cfg)
	require.NoError(t, config.Decode(sample.Bytes(), &cfg))
	apitest.CheckConfig(t, &cfg)
}

func TestConfigDecode(t *testing.T) {
	var cfg api.Config
	require.NoError(t, config.Decode([]byte(`addr = "127.0.0.1:8080"`), &cfg))
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr)
	assert.Error(t, config.Decode([]byte(`port = 1`), &cfg))
}
