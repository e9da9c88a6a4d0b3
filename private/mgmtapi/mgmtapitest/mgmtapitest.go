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

// Package mgmtapitest contains helpers to check the sample of the API
// config.
package mgmtapitest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	api "github.com/batchmesh/tpp/private/mgmtapi"
)

func InitConfig(cfg *api.Config) {
	cfg.Addr = "127.0.0.1:1"
}

func CheckConfig(t *testing.T, cfg *api.Config) {
	assert.Empty(t, cfg.Addr)
}
