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

package auth_test

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/auth/mock_auth"
)

func TestRegistry(t *testing.T) {
	r := auth.NewRegistry(auth.None{}, auth.X25519{})
	assert.Equal(t, []string{"none", "x25519"}, r.Names())

	b, err := r.Lookup("x25519")
	require.NoError(t, err)
	assert.True(t, b.Encrypts())

	_, err = r.Lookup("kerberos")
	assert.ErrorIs(t, err, auth.ErrUnknownMethod)

	assert.Error(t, r.Register(auth.None{}))
	require.NoError(t, r.Register(auth.ResvPort{}))
	assert.Equal(t, []string{"none", "resvport", "x25519"}, r.Names())
}

func TestConfigValidate(t *testing.T) {
	testCases := map[string]struct {
		Config       auth.Config
		ErrAssertion assert.ErrorAssertionFunc
		ResvPort     bool
	}{
		"defaults": {
			Config:       auth.Config{},
			ErrAssertion: assert.NoError,
		},
		"resvport": {
			Config:       auth.Config{AuthMethod: "resvport"},
			ErrAssertion: assert.NoError,
			ResvPort:     true,
		},
		"x25519 both": {
			Config:       auth.Config{AuthMethod: "x25519", EncryptMethod: "x25519"},
			ErrAssertion: assert.NoError,
		},
		"unknown auth": {
			Config:       auth.Config{AuthMethod: "kerberos"},
			ErrAssertion: assert.Error,
		},
		"encrypt without cipher": {
			Config:       auth.Config{EncryptMethod: "resvport"},
			ErrAssertion: assert.Error,
			ResvPort:     true,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			tc.ErrAssertion(t, tc.Config.Validate())
			assert.Equal(t, tc.ResvPort, tc.Config.ReservedPort())
		})
	}
}

func TestResvPortSession(t *testing.T) {
	cfg := auth.Config{AuthMethod: "resvport"}

	s, err := auth.MakeSession(cfg, auth.RoleServer, auth.PurposeAuth, "10.0.0.1:700")
	require.NoError(t, err)
	assert.True(t, s.Done())
	assert.Equal(t, "resvport", s.Method())

	_, err = auth.MakeSession(cfg, auth.RoleServer, auth.PurposeAuth, "10.0.0.1:40000")
	assert.Error(t, err)

	// Clients do not check their own port.
	_, err = auth.MakeSession(cfg, auth.RoleClient, auth.PurposeAuth, "10.0.0.1:40000")
	assert.NoError(t, err)
}

func TestX25519Session(t *testing.T) {
	cfg := auth.Config{AuthMethod: "x25519", PSK: []byte("cluster secret")}
	newPair := func(t *testing.T, serverPSK []byte) (*auth.Session, *auth.Session) {
		c, err := auth.MakeSession(cfg, auth.RoleClient, auth.PurposeAuth, "10.0.0.2:17001")
		require.NoError(t, err)
		scfg := cfg
		scfg.PSK = serverPSK
		s, err := auth.MakeSession(scfg, auth.RoleServer, auth.PurposeAuth, "10.0.0.1:40000")
		require.NoError(t, err)
		return c, s
	}

	t.Run("complete", func(t *testing.T) {
		c, s := newPair(t, cfg.PSK)
		hello, done, err := c.Process(nil)
		require.NoError(t, err)
		assert.False(t, done)

		reply, done, err := s.Process(hello)
		require.NoError(t, err)
		assert.False(t, done)

		fin, done, err := c.Process(reply)
		require.NoError(t, err)
		assert.True(t, done)

		out, done, err := s.Process(fin)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Empty(t, out)

		cc, err := c.Cipher()
		require.NoError(t, err)
		sc, err := s.Cipher()
		require.NoError(t, err)

		ct, err := cc.Seal([]byte("hello server"))
		require.NoError(t, err)
		pt, err := sc.Open(ct)
		require.NoError(t, err)
		assert.Equal(t, "hello server", string(pt))

		ct, err = sc.Seal([]byte("hello client"))
		require.NoError(t, err)
		pt, err = cc.Open(ct)
		require.NoError(t, err)
		assert.Equal(t, "hello client", string(pt))

		// Replayed ciphertext does not decrypt with the advanced nonce.
		_, err = cc.Open(ct)
		assert.Error(t, err)
	})

	t.Run("psk mismatch", func(t *testing.T) {
		c, s := newPair(t, []byte("other secret"))
		hello, _, err := c.Process(nil)
		require.NoError(t, err)
		reply, _, err := s.Process(hello)
		require.NoError(t, err)
		_, _, err = c.Process(reply)
		assert.ErrorIs(t, err, auth.ErrHandshake)
	})

	t.Run("malformed", func(t *testing.T) {
		_, s := newPair(t, cfg.PSK)
		_, _, err := s.Process([]byte{1, 2, 3})
		assert.ErrorIs(t, err, auth.ErrHandshake)
	})

	t.Run("no psk", func(t *testing.T) {
		_, err := auth.MakeSession(auth.Config{AuthMethod: "x25519"},
			auth.RoleClient, auth.PurposeAuth, "10.0.0.2:17001")
		assert.ErrorIs(t, err, auth.ErrNoPSK)
	})
}

func TestSessionBackendError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	hs := mock_auth.NewMockHandshake(ctrl)
	b := mock_auth.NewMockBackend(ctrl)
	b.EXPECT().Name().Return("mock").AnyTimes()
	b.EXPECT().HasHandshake().Return(true).AnyTimes()
	b.EXPECT().NewHandshake(gomock.Any(), auth.RoleClient, auth.PurposeAuth, "peer:1").
		Return(hs, nil)
	hs.EXPECT().Process(gomock.Nil()).Return([]byte("hi"), false, nil)
	hs.EXPECT().Process([]byte("bogus")).Return(nil, false, assert.AnError)

	cfg := auth.Config{AuthMethod: "mock", Registry: auth.NewRegistry(b)}
	s, err := auth.MakeSession(cfg, auth.RoleClient, auth.PurposeAuth, "peer:1")
	require.NoError(t, err)
	out, _, err := s.Process(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)

	_, _, err = s.Process([]byte("bogus"))
	assert.ErrorIs(t, err, auth.ErrHandshake)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, s.Done())

	_, err = s.Cipher()
	assert.Error(t, err)
}
