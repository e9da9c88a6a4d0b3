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

// Package auth integrates pluggable authentication and encryption backends
// with fabric connections.
//
// A backend negotiates a Session by exchanging opaque handshake messages.
// Authentication and encryption are independent sessions per connection,
// which may use the same backend. Conn drives both sessions of one
// connection; its handshake messages travel in AUTH_CTX packets.
//
// The following backends are registered by default:
//
//   - none: no handshake, no encryption.
//   - resvport: no handshake; the client must use a privileged source port.
//   - x25519: X25519 key agreement confirmed with a pre-shared key; provides
//     ChaCha20-Poly1305 encryption.
package auth

import (
	"errors"
	"slices"
	"sync"

	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
)

var (
	// ErrUnknownMethod is returned for method names without backend.
	ErrUnknownMethod = errors.New("unknown auth method")
	// ErrHandshake is returned for malformed or unexpected handshake
	// messages and failed verifications.
	ErrHandshake = errors.New("handshake failed")
	// ErrNoEncryption is returned when encryption is requested from a
	// backend that cannot encrypt.
	ErrNoEncryption = errors.New("method does not support encryption")
)

// Role is the side of a connection.
type Role int

const (
	// RoleClient is the connecting side. It starts the handshakes.
	RoleClient Role = iota
	// RoleServer is the accepting side.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Purpose is the purpose of a session.
type Purpose = tlayers.Purpose

const (
	PurposeAuth    = tlayers.PurposeAuth
	PurposeEncrypt = tlayers.PurposeEncrypt
)

// Backend is an authentication or encryption mechanism.
type Backend interface {
	// Name is the method name used in configuration and on the wire.
	Name() string
	// HasHandshake reports whether sessions exchange messages. Sessions of
	// backends without handshake complete when they are created.
	HasHandshake() bool
	// ReservedPort reports whether clients must connect from a privileged
	// port.
	ReservedPort() bool
	// Encrypts reports whether completed handshakes provide a Cipher.
	Encrypts() bool
	// NewHandshake creates the backend state of one session. peer is the
	// "host:port" of the remote side.
	NewHandshake(cfg Config, role Role, purpose Purpose, peer string) (Handshake, error)
}

// Handshake is the backend state of one session.
type Handshake interface {
	// Process consumes the next incoming message (nil for the first call of
	// the client) and returns the message to send, if any, and whether the
	// handshake is complete on this side.
	Process(in []byte) (out []byte, done bool, err error)
}

// CipherProvider is implemented by handshakes of encrypting backends.
type CipherProvider interface {
	// Cipher returns the cipher negotiated by the completed handshake.
	Cipher() (Cipher, error)
}

// Cipher encrypts the packets of one connection. Seal and Open must each be
// called in stream order.
type Cipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Config selects the methods of a node.
type Config struct {
	// AuthMethod authenticates connections. Empty selects "none".
	AuthMethod string
	// EncryptMethod encrypts connections. Empty disables encryption.
	EncryptMethod string
	// PSK is the pre-shared key of key agreement backends.
	PSK []byte
	// Registry resolves method names. Nil selects DefaultRegistry.
	Registry *Registry
}

func (c Config) registry() *Registry {
	if c.Registry == nil {
		return DefaultRegistry
	}
	return c.Registry
}

func (c Config) method(p Purpose) string {
	if p == PurposeEncrypt {
		return c.EncryptMethod
	}
	if c.AuthMethod == "" {
		return MethodNone
	}
	return c.AuthMethod
}

// Validate checks that the configured methods exist and can serve their
// purpose.
func (c Config) Validate() error {
	for _, p := range []Purpose{PurposeAuth, PurposeEncrypt} {
		name := c.method(p)
		if name == "" {
			continue
		}
		b, err := c.registry().Lookup(name)
		if err != nil {
			return err
		}
		if p == PurposeEncrypt && !b.Encrypts() {
			return serrors.JoinNoStack(ErrNoEncryption, nil, "method", name)
		}
	}
	return nil
}

// ReservedPort reports whether the configured methods require clients to
// bind a privileged source port.
func (c Config) ReservedPort() bool {
	for _, p := range []Purpose{PurposeAuth, PurposeEncrypt} {
		if b, err := c.registry().Lookup(c.method(p)); err == nil && b.ReservedPort() {
			return true
		}
	}
	return false
}

// Registry maps method names to backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates a registry with the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// DefaultRegistry holds the built-in backends.
var DefaultRegistry = NewRegistry(None{}, ResvPort{}, X25519{})

// Register adds a backend. Names must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[b.Name()]; ok {
		return serrors.New("auth method already registered", "method", b.Name())
	}
	r.backends[b.Name()] = b
	return nil
}

// Lookup returns the backend of a method.
func (r *Registry) Lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, serrors.JoinNoStack(ErrUnknownMethod, nil, "method", name)
	}
	return b, nil
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
