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
	"errors"
	"sync"

	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
)

var (
	// ErrNotAuthenticated is returned for packets other than AUTH_CTX
	// received before the handshakes completed.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrNotEncrypted is returned for plain packets received on an
	// encrypted connection.
	ErrNotEncrypted = errors.New("plain packet on encrypted connection")
	// ErrMethodMismatch is returned if the peer uses another method.
	ErrMethodMismatch = errors.New("auth method mismatch")
)

// Conn drives the authentication and encryption sessions of one
// connection. Handshake messages are returned as AUTH_CTX packets for the
// caller to send. It is safe for concurrent use.
type Conn struct {
	cfg  Config
	role Role
	peer string

	mu       sync.Mutex
	sessions map[Purpose]*Session
	cipher   Cipher
}

// NewConn creates the driver for a connection to or from peer. Sessions of
// backends without handshake are complete immediately.
func NewConn(cfg Config, role Role, peer string) (*Conn, error) {
	c := &Conn{
		cfg:      cfg,
		role:     role,
		peer:     peer,
		sessions: make(map[Purpose]*Session, 2),
	}
	for _, p := range c.purposes() {
		b, err := cfg.registry().Lookup(cfg.method(p))
		if err != nil {
			return nil, err
		}
		if role == RoleServer && b.HasHandshake() {
			// Created when the client's first message arrives.
			continue
		}
		s, err := MakeSession(cfg, role, p, peer)
		if err != nil {
			return nil, err
		}
		c.sessions[p] = s
		if err := c.complete(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) purposes() []Purpose {
	if c.cfg.EncryptMethod == "" {
		return []Purpose{PurposeAuth}
	}
	return []Purpose{PurposeAuth, PurposeEncrypt}
}

// Start starts the client side handshakes and returns the packets to send.
func (c *Conn) Start() ([]*packet.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleClient {
		return nil, serrors.New("handshakes are started by the client")
	}
	var pkts []*packet.Packet
	for _, p := range c.purposes() {
		s := c.sessions[p]
		if s.Done() {
			continue
		}
		out, _, err := s.Process(nil)
		if err != nil {
			releaseAll(pkts)
			return nil, err
		}
		if pkts, err = c.appendMessage(pkts, s, out); err != nil {
			return nil, err
		}
	}
	return pkts, nil
}

// Handle processes a received AUTH_CTX message and returns the packets to
// send in response.
func (c *Conn) Handle(purpose Purpose, method string, data []byte) ([]*packet.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured(purpose) {
		return nil, serrors.JoinNoStack(ErrHandshake, nil,
			"reason", "purpose not configured", "purpose", purpose)
	}
	if want := c.cfg.method(purpose); method != want {
		return nil, serrors.JoinNoStack(ErrMethodMismatch, nil, "purpose", purpose,
			"want", want, "got", method)
	}
	s := c.sessions[purpose]
	if s == nil {
		var err error
		if s, err = MakeSession(c.cfg, c.role, purpose, c.peer); err != nil {
			return nil, err
		}
		c.sessions[purpose] = s
	}
	out, done, err := s.Process(data)
	if err != nil {
		return nil, err
	}
	if done {
		if err := c.complete(s); err != nil {
			return nil, err
		}
	}
	return c.appendMessage(nil, s, out)
}

func (c *Conn) configured(p Purpose) bool {
	for _, q := range c.purposes() {
		if p == q {
			return true
		}
	}
	return false
}

func (c *Conn) complete(s *Session) error {
	if !s.Done() || s.Purpose() != PurposeEncrypt {
		return nil
	}
	ciph, err := s.Cipher()
	if err != nil {
		return err
	}
	c.cipher = ciph
	return nil
}

func (c *Conn) appendMessage(pkts []*packet.Packet, s *Session,
	out []byte) ([]*packet.Packet, error) {

	if len(out) == 0 {
		return pkts, nil
	}
	pkt, err := tlayers.Serialize(&tlayers.AuthCtx{Purpose: s.Purpose(), Method: s.Method()}, out)
	if err != nil {
		releaseAll(pkts)
		return nil, err
	}
	return append(pkts, pkt), nil
}

// Ready reports whether all sessions are complete.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.purposes() {
		if s := c.sessions[p]; s == nil || !s.Done() {
			return false
		}
	}
	return true
}

// Encrypted reports whether packets are encrypted.
func (c *Conn) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cipher != nil
}

// Permit checks whether an inbound packet of type t is acceptable in the
// current state.
func (c *Conn) Permit(t tlayers.Type) error {
	if t == tlayers.TypeAuthCtx {
		return nil
	}
	if !c.Ready() {
		return serrors.JoinNoStack(ErrNotAuthenticated, nil, "type", t, "peer", c.peer)
	}
	if c.Encrypted() && t != tlayers.TypeEncryptedData {
		return serrors.JoinNoStack(ErrNotEncrypted, nil, "type", t, "peer", c.peer)
	}
	return nil
}

// Seal encrypts pkt into an ENCRYPTED_DATA packet once encryption is
// established. AUTH_CTX packets and packets of unencrypted connections are
// returned unchanged. It is meant to be called in send order, from the
// transport's pre-send hook.
func (c *Conn) Seal(pkt *packet.Packet) (*packet.Packet, error) {
	c.mu.Lock()
	ciph := c.cipher
	c.mu.Unlock()
	if ciph == nil || tlayers.Type(pkt.Type()) == tlayers.TypeAuthCtx {
		return pkt, nil
	}
	ct, err := ciph.Seal(pkt.Bytes())
	if err != nil {
		return nil, err
	}
	return tlayers.Serialize(&tlayers.Encrypted{}, ct)
}

// Open decrypts the payload of an ENCRYPTED_DATA packet into the inner
// packet body.
func (c *Conn) Open(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	ciph := c.cipher
	c.mu.Unlock()
	if ciph == nil {
		return nil, serrors.New("encrypted packet before encryption was established",
			"peer", c.peer)
	}
	return ciph.Open(ciphertext)
}

func releaseAll(pkts []*packet.Packet) {
	for _, p := range pkts {
		p.Release()
	}
}
