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

// Package mgmtapi contains the pieces shared by the management APIs of the
// fabric daemons.
package mgmtapi

import (
	"io"

	"github.com/batchmesh/tpp/private/config"
)

// Config is the configuration of the management API.
type Config struct {
	config.NoDefaulter
	config.NoValidator
	// Addr is the address the API is served on. Empty disables the API.
	Addr string `toml:"addr,omitempty"`
}

// Sample writes the sample configuration to dst.
func (c *Config) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, sample)
}

// ConfigName returns the name of this config.
func (c *Config) ConfigName() string {
	return "api"
}

const sample = `
# The address to expose the API on (host:port or ip:port or :port).
# If not set, the API is not exposed. (default "")
addr = ""
`
