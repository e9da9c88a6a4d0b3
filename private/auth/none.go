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

package auth

import (
	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

const (
	// MethodNone performs no authentication.
	MethodNone = "none"
	// MethodResvPort trusts clients connecting from a privileged port.
	MethodResvPort = "resvport"

	privilegedPortLimit = 1024
)

// None is the backend that accepts every peer.
type None struct{}

func (None) Name() string       { return MethodNone }
func (None) HasHandshake() bool { return false }
func (None) ReservedPort() bool { return false }
func (None) Encrypts() bool     { return false }

func (None) NewHandshake(Config, Role, Purpose, string) (Handshake, error) {
	return noHandshake{}, nil
}

// ResvPort is the backend that accepts peers connecting from a privileged
// source port, which only privileged processes can bind.
type ResvPort struct{}

func (ResvPort) Name() string       { return MethodResvPort }
func (ResvPort) HasHandshake() bool { return false }
func (ResvPort) ReservedPort() bool { return true }
func (ResvPort) Encrypts() bool     { return false }

func (ResvPort) NewHandshake(_ Config, role Role, _ Purpose, peer string) (Handshake, error) {
	if role == RoleServer {
		_, port, err := addr.SplitHostPort(peer)
		if err != nil {
			return nil, err
		}
		if port >= privilegedPortLimit {
			return nil, serrors.New("peer not bound to a reserved port", "peer", peer)
		}
	}
	return noHandshake{}, nil
}

type noHandshake struct{}

func (noHandshake) Process([]byte) ([]byte, bool, error) {
	return nil, true, nil
}
