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
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// Session is one authentication or encryption handshake.
type Session struct {
	backend Backend
	hs      Handshake
	role    Role
	purpose Purpose
	peer    string
	done    bool
}

// MakeSession creates a session for the method configured for purpose.
func MakeSession(cfg Config, role Role, purpose Purpose, peer string) (*Session, error) {
	name := cfg.method(purpose)
	b, err := cfg.registry().Lookup(name)
	if err != nil {
		return nil, err
	}
	if purpose == PurposeEncrypt && !b.Encrypts() {
		return nil, serrors.JoinNoStack(ErrNoEncryption, nil, "method", name)
	}
	hs, err := b.NewHandshake(cfg, role, purpose, peer)
	if err != nil {
		return nil, serrors.Wrap("creating handshake", err, "method", name,
			"purpose", purpose, "peer", peer)
	}
	return &Session{
		backend: b,
		hs:      hs,
		role:    role,
		purpose: purpose,
		peer:    peer,
		done:    !b.HasHandshake(),
	}, nil
}

// Process feeds the next incoming handshake message into the session. It
// returns the message to send, if any, and whether the session is complete.
func (s *Session) Process(in []byte) ([]byte, bool, error) {
	if s.done {
		if len(in) != 0 {
			return nil, true, serrors.JoinNoStack(ErrHandshake, nil,
				"reason", "message after completion", "method", s.Method())
		}
		return nil, true, nil
	}
	out, done, err := s.hs.Process(in)
	if err != nil {
		return nil, false, serrors.Join(ErrHandshake, err, "method", s.Method(),
			"purpose", s.purpose, "role", s.role, "peer", s.peer)
	}
	s.done = done
	return out, done, nil
}

// Done reports whether the handshake is complete.
func (s *Session) Done() bool {
	return s.done
}

// Method returns the method name.
func (s *Session) Method() string {
	return s.backend.Name()
}

// Purpose returns the purpose of the session.
func (s *Session) Purpose() Purpose {
	return s.purpose
}

// Cipher returns the negotiated cipher of a complete encryption session.
func (s *Session) Cipher() (Cipher, error) {
	if !s.done {
		return nil, serrors.New("handshake not complete", "method", s.Method())
	}
	p, ok := s.hs.(CipherProvider)
	if !ok {
		return nil, serrors.JoinNoStack(ErrNoEncryption, nil, "method", s.Method())
	}
	return p.Cipher()
}
