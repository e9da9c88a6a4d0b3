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
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// MethodX25519 is the key agreement backend.
const MethodX25519 = "x25519"

const (
	keyLen = 32
	macLen = sha256.Size
)

// ErrNoPSK is returned if the x25519 backend is used without pre-shared key.
var ErrNoPSK = errors.New("pre-shared key required")

// X25519 authenticates peers by an ephemeral X25519 key agreement whose
// transcript both sides confirm with a key derived from the shared secret
// and the pre-shared key. The derived traffic keys encrypt with
// ChaCha20-Poly1305.
//
// The handshake takes three messages:
//
//	client -> server: client public key
//	server -> client: server public key | server confirmation
//	client -> server: client confirmation
type X25519 struct{}

func (X25519) Name() string       { return MethodX25519 }
func (X25519) HasHandshake() bool { return true }
func (X25519) ReservedPort() bool { return false }
func (X25519) Encrypts() bool     { return true }

func (X25519) NewHandshake(cfg Config, role Role, purpose Purpose, _ string) (Handshake, error) {
	if len(cfg.PSK) == 0 {
		return nil, ErrNoPSK
	}
	return &x25519Handshake{role: role, purpose: purpose, psk: cfg.PSK}, nil
}

type x25519Handshake struct {
	role    Role
	purpose Purpose
	psk     []byte
	step    int

	priv, pub     [keyLen]byte
	client        [keyLen]byte
	server        [keyLen]byte
	c2s, s2c, mac []byte
}

func (h *x25519Handshake) Process(in []byte) ([]byte, bool, error) {
	switch {
	case h.role == RoleClient && h.step == 0:
		if len(in) != 0 {
			return nil, false, serrors.New("unexpected message", "len", len(in))
		}
		if err := h.generate(); err != nil {
			return nil, false, err
		}
		h.client = h.pub
		h.step++
		return append([]byte(nil), h.pub[:]...), false, nil

	case h.role == RoleClient && h.step == 1:
		if len(in) != keyLen+macLen {
			return nil, false, serrors.New("malformed server hello", "len", len(in))
		}
		copy(h.server[:], in[:keyLen])
		if err := h.derive(h.server); err != nil {
			return nil, false, err
		}
		if !hmac.Equal(in[keyLen:], h.confirm("server")) {
			return nil, false, serrors.New("server confirmation mismatch")
		}
		h.step++
		return h.confirm("client"), true, nil

	case h.role == RoleServer && h.step == 0:
		if len(in) != keyLen {
			return nil, false, serrors.New("malformed client hello", "len", len(in))
		}
		copy(h.client[:], in)
		if err := h.generate(); err != nil {
			return nil, false, err
		}
		h.server = h.pub
		if err := h.derive(h.client); err != nil {
			return nil, false, err
		}
		h.step++
		out := append(append([]byte(nil), h.pub[:]...), h.confirm("server")...)
		return out, false, nil

	case h.role == RoleServer && h.step == 1:
		if !hmac.Equal(in, h.confirm("client")) {
			return nil, false, serrors.New("client confirmation mismatch")
		}
		h.step++
		return nil, true, nil
	}
	return nil, false, serrors.New("unexpected message", "step", h.step, "role", h.role)
}

func (h *x25519Handshake) generate() error {
	if _, err := io.ReadFull(rand.Reader, h.priv[:]); err != nil {
		return serrors.Wrap("generating key", err)
	}
	pub, err := curve25519.X25519(h.priv[:], curve25519.Basepoint)
	if err != nil {
		return serrors.Wrap("deriving public key", err)
	}
	copy(h.pub[:], pub)
	return nil
}

// derive computes the traffic and confirmation keys from the shared secret,
// the pre-shared key and the transcript.
func (h *x25519Handshake) derive(peer [keyLen]byte) error {
	shared, err := curve25519.X25519(h.priv[:], peer[:])
	if err != nil {
		return serrors.Wrap("key agreement", err)
	}
	info := append([]byte("tpp x25519 "+h.purpose.String()+" "), h.client[:]...)
	info = append(info, h.server[:]...)
	r := hkdf.New(sha256.New, shared, h.psk, info)
	keys := make([]byte, 3*keyLen)
	if _, err := io.ReadFull(r, keys); err != nil {
		return serrors.Wrap("deriving keys", err)
	}
	h.c2s, h.s2c, h.mac = keys[:keyLen], keys[keyLen:2*keyLen], keys[2*keyLen:]
	return nil
}

func (h *x25519Handshake) confirm(label string) []byte {
	m := hmac.New(sha256.New, h.mac)
	m.Write([]byte(label))
	m.Write(h.client[:])
	m.Write(h.server[:])
	return m.Sum(nil)
}

func (h *x25519Handshake) Cipher() (Cipher, error) {
	if h.c2s == nil {
		return nil, serrors.New("keys not derived")
	}
	sealKey, openKey := h.c2s, h.s2c
	if h.role == RoleServer {
		sealKey, openKey = h.s2c, h.c2s
	}
	seal, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, err
	}
	open, err := chacha20poly1305.New(openKey)
	if err != nil {
		return nil, err
	}
	return &aeadCipher{seal: seal, open: open}, nil
}

// aeadCipher uses one key per direction with a message counter as nonce.
type aeadCipher struct {
	mu      sync.Mutex
	seal    cipher.AEAD
	open    cipher.AEAD
	sealSeq uint64
	openSeq uint64
}

func (c *aeadCipher) Seal(plain []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := make([]byte, c.seal.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], c.sealSeq)
	c.sealSeq++
	return c.seal.Seal(nil, nonce, plain, nil), nil
}

func (c *aeadCipher) Open(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := make([]byte, c.open.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], c.openSeq)
	plain, err := c.open.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, serrors.Wrap("decrypting", err, "seq", c.openSeq)
	}
	c.openSeq++
	return plain, nil
}
