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

package router_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/xtest"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/router"
)

func newState() *router.State {
	return router.NewState("r1", xtest.MustParseAddrs("192.0.2.1:17001"))
}

func leafJoin(addrs string, t tlayers.NodeType, index uint8) *tlayers.Join {
	return &tlayers.Join{
		Hop:      1,
		NodeType: t,
		Index:    index,
		Addrs:    xtest.MustParseAddrs(addrs),
	}
}

func connectRouter(t *testing.T, s *router.State, a string, tfd int) *router.RouterNode {
	t.Helper()
	node, err := s.RouterUp(nil, xtest.MustParseAddr(a), tfd)
	require.NoError(t, err)
	return node
}

func TestStateJoinLeaveRoundTrip(t *testing.T) {
	s := newState()
	j := leafJoin("10.0.0.1:0,10.0.1.1:0", tlayers.NodeLeaf, 0)
	res, err := s.LeafJoin(j, s.Self(), 7)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Added)
	assert.Empty(t, res.Trimmed)

	for _, a := range j.Addrs {
		hop := s.Route(a, false)
		assert.Equal(t, router.Hop{TFD: 7, Direct: true}, hop, a.String())
		l, ok := s.Lookup(a)
		require.True(t, ok)
		assert.Equal(t, j.Addrs[0], l.Primary())
		assert.Equal(t, 1, l.NumRouters)
	}
	_, leaves, local, _ := s.Counts()
	assert.Equal(t, 1, leaves)
	assert.Equal(t, 1, local)

	t.Run("leave from other connection is ignored", func(t *testing.T) {
		res := s.LeafLeave(j.Addrs, s.Self(), 8)
		assert.Nil(t, res.Leaf)
		assert.Equal(t, 7, s.Route(j.Addrs[0], false).TFD)
	})
	t.Run("leave removes the leaf", func(t *testing.T) {
		res := s.LeafLeave(j.Addrs[1:], s.Self(), 7)
		require.NotNil(t, res.Leaf)
		assert.True(t, res.Deleted)
		assert.Equal(t, j.Addrs, res.Addrs)
		for _, a := range j.Addrs {
			assert.Equal(t, -1, s.Route(a, false).TFD, a.String())
		}
		_, leaves, local, _ := s.Counts()
		assert.Zero(t, leaves)
		assert.Zero(t, local)
	})
}

func TestStateDetachLeaf(t *testing.T) {
	s := newState()
	j := leafJoin("10.0.0.1:0", tlayers.NodeListen, 0)
	res, err := s.LeafJoin(j, s.Self(), 3)
	require.NoError(t, err)
	assert.Equal(t, map[int]addr.Addr{3: j.Addrs[0]}, s.ListenLeaves())

	assert.Nil(t, s.DetachLeaf(res.Leaf, 4).Leaf)
	gone := s.DetachLeaf(res.Leaf, 3)
	assert.True(t, gone.Deleted)
	assert.Equal(t, tlayers.NodeListen, gone.Type)
	assert.Empty(t, s.ListenLeaves())
	_, ok := s.Lookup(j.Addrs[0])
	assert.False(t, ok)
}

func TestStateJoinIdempotent(t *testing.T) {
	s := newState()
	r2 := connectRouter(t, s, "192.0.2.2:17001", 5)
	j := leafJoin("10.0.0.1:0", tlayers.NodeLeaf, 1)
	j.Hop = 2

	first, err := s.LeafJoin(j, r2, -1)
	require.NoError(t, err)
	assert.True(t, first.Added)
	for i := 0; i < 3; i++ {
		res, err := s.LeafJoin(j, r2, -1)
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.False(t, res.Added)
	}
	l, ok := s.Lookup(j.Addrs[0])
	require.True(t, ok)
	assert.Equal(t, 1, l.NumRouters)
	assert.Len(t, l.Routers, 2)
	assert.Nil(t, l.Routers[0])
	assert.Same(t, r2, l.Routers[1])
}

func TestStateTrimsDuplicateAddresses(t *testing.T) {
	s := newState()
	_, err := s.LeafJoin(leafJoin("10.0.0.1:0,10.0.0.2:0", tlayers.NodeLeaf, 0), s.Self(), 1)
	require.NoError(t, err)

	t.Run("partially owned", func(t *testing.T) {
		res, err := s.LeafJoin(leafJoin("10.0.0.3:0,10.0.0.2:0", tlayers.NodeLeaf, 0),
			s.Self(), 2)
		require.NoError(t, err)
		assert.Equal(t, xtest.MustParseAddrs("10.0.0.2:0"), res.Trimmed)
		assert.Equal(t, xtest.MustParseAddrs("10.0.0.3:0"), res.Addrs)
		assert.Equal(t, 1, s.Route(xtest.MustParseAddr("10.0.0.2:0"), false).TFD)
		assert.Equal(t, 2, s.Route(xtest.MustParseAddr("10.0.0.3:0"), false).TFD)
	})
	t.Run("fully owned", func(t *testing.T) {
		_, err := s.LeafJoin(leafJoin("10.0.0.2:0,10.0.0.1:0", tlayers.NodeLeaf, 0),
			s.Self(), 3)
		assert.ErrorIs(t, err, router.ErrNoAddress)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := s.LeafJoin(&tlayers.Join{Hop: 1}, s.Self(), 4)
		assert.ErrorIs(t, err, router.ErrNoAddress)
	})
}

func TestStatePreferredRoute(t *testing.T) {
	s := newState()
	r2 := connectRouter(t, s, "192.0.2.2:17001", 10)
	r3 := connectRouter(t, s, "192.0.2.3:17001", 11)
	dst := xtest.MustParseAddr("10.0.0.1:0")
	relayed := func(index uint8) *tlayers.Join {
		j := leafJoin("10.0.0.1:0", tlayers.NodeLeaf, index)
		j.Hop = 2
		return j
	}
	_, err := s.LeafJoin(relayed(1), r3, -1)
	require.NoError(t, err)
	_, err = s.LeafJoin(relayed(0), r2, -1)
	require.NoError(t, err)

	testCases := map[string]struct {
		prepare    func(t *testing.T)
		fromRouter bool
		want       router.Hop
	}{
		"lowest index wins": {
			want: router.Hop{TFD: 10},
		},
		"packets from routers are not relayed": {
			fromRouter: true,
			want:       router.Hop{TFD: -1},
		},
		"disconnected router is skipped": {
			prepare: func(t *testing.T) {
				gone, keep := s.RouterDown(r2)
				assert.Empty(t, gone)
				assert.False(t, keep)
			},
			want: router.Hop{TFD: 11},
		},
		"direct connection wins": {
			prepare: func(t *testing.T) {
				_, err := s.LeafJoin(leafJoin("10.0.0.1:0", tlayers.NodeLeaf, 2), s.Self(), 12)
				require.NoError(t, err)
			},
			fromRouter: true,
			want:       router.Hop{TFD: 12, Direct: true},
		},
	}
	for _, name := range []string{
		"lowest index wins",
		"packets from routers are not relayed",
		"disconnected router is skipped",
		"direct connection wins",
	} {
		tc := testCases[name]
		t.Run(name, func(t *testing.T) {
			if tc.prepare != nil {
				tc.prepare(t)
			}
			assert.Equal(t, tc.want, s.Route(dst, tc.fromRouter))
		})
	}
}

func TestStateRouterDown(t *testing.T) {
	s := newState()
	peerAddr := xtest.MustParseAddr("192.0.2.2:17001")
	node := s.AddPeer("r2", peerAddr)
	assert.Equal(t, router.NodeConnecting, node.State)
	up, err := s.RouterUp(node, peerAddr, 4)
	require.NoError(t, err)
	require.Same(t, node, up)
	assert.Equal(t, []int{4}, s.ConnectedRouters(-1))
	assert.Empty(t, s.ConnectedRouters(4))

	_, err = s.RouterUp(nil, peerAddr, 9)
	assert.ErrorIs(t, err, router.ErrDuplicateRouter)

	only := leafJoin("10.0.0.1:0", tlayers.NodeLeaf, 0)
	only.Hop = 2
	_, err = s.LeafJoin(only, node, -1)
	require.NoError(t, err)
	shared := leafJoin("10.0.0.2:0", tlayers.NodeLeaf, 1)
	_, err = s.LeafJoin(shared, s.Self(), 6)
	require.NoError(t, err)
	shared.Index, shared.Hop = 0, 2
	_, err = s.LeafJoin(shared, node, -1)
	require.NoError(t, err)

	gone, keep := s.RouterDown(node)
	assert.True(t, keep)
	require.Len(t, gone, 1)
	assert.Equal(t, only.Addrs, gone[0].Addrs)
	assert.Equal(t, router.NodeConnecting, node.State)
	assert.Equal(t, -1, node.TFD)
	assert.Equal(t, -1, s.Route(only.Addrs[0], false).TFD)
	assert.Equal(t, 6, s.Route(shared.Addrs[0], false).TFD)
	routers, _, _, _ := s.Counts()
	assert.Equal(t, 1, routers)

	t.Run("reconnect", func(t *testing.T) {
		up, err := s.RouterUp(node, peerAddr, 8)
		require.NoError(t, err)
		assert.Same(t, node, up)
		assert.Equal(t, router.NodeConnected, node.State)
	})
}

func TestStateTrimmedFirstAddress(t *testing.T) {
	s := newState()
	x := leafJoin("10.0.0.1:0,10.0.0.2:0", tlayers.NodeLeaf, 0)
	_, err := s.LeafJoin(x, s.Self(), 1)
	require.NoError(t, err)

	y := leafJoin("10.0.0.2:0,10.0.0.3:0", tlayers.NodeLeaf, 0)
	res, err := s.LeafJoin(y, s.Self(), 2)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, xtest.MustParseAddrs("10.0.0.2:0"), res.Trimmed)
	yPrimary := xtest.MustParseAddr("10.0.0.3:0")
	assert.Equal(t, yPrimary, res.Leaf.Primary())
	l, ok := s.Lookup(yPrimary)
	require.True(t, ok)
	assert.Same(t, res.Leaf, l)

	t.Run("rejoin finds the leaf", func(t *testing.T) {
		again, err := s.LeafJoin(y, s.Self(), 2)
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.False(t, again.Added)
		assert.Same(t, res.Leaf, again.Leaf)
	})
	t.Run("freed address goes to a new leaf", func(t *testing.T) {
		gone := s.LeafLeave(x.Addrs, s.Self(), 1)
		require.True(t, gone.Deleted)

		z := leafJoin("10.0.0.2:0,10.0.0.4:0", tlayers.NodeLeaf, 0)
		zres, err := s.LeafJoin(z, s.Self(), 4)
		require.NoError(t, err)
		assert.True(t, zres.Created)
		assert.NotSame(t, res.Leaf, zres.Leaf)
		assert.Equal(t, z.Addrs, zres.Addrs)
		assert.Equal(t, xtest.MustParseAddrs("10.0.0.3:0"), res.Leaf.Addrs)
		assert.Equal(t, 2, s.Route(yPrimary, false).TFD)
		assert.Equal(t, 4, s.Route(z.Addrs[0], false).TFD)
	})
	t.Run("leave by announced addresses", func(t *testing.T) {
		gone := s.LeafLeave(y.Addrs, s.Self(), 2)
		require.True(t, gone.Deleted)
		assert.Same(t, res.Leaf, gone.Leaf)
		assert.Equal(t, 4, s.Route(xtest.MustParseAddr("10.0.0.2:0"), false).TFD)
	})
}

func TestStateRouterLinkChoice(t *testing.T) {
	testCases := map[string]struct {
		peer      string
		prepare   func(s *router.State, node *router.RouterNode)
		acceptErr assert.ErrorAssertionFunc
	}{
		"lower address wins while both dial": {
			peer:      "192.0.2.0:17001",
			acceptErr: assert.NoError,
		},
		"higher address is rejected while dialing": {
			peer: "192.0.2.2:17001",
			acceptErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, router.ErrDuplicateRouter)
			},
		},
		"accepted after failed authentication": {
			peer: "192.0.2.3:17001",
			prepare: func(s *router.State, node *router.RouterNode) {
				s.PeerClosed(node, 3, true)
			},
			acceptErr: assert.NoError,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			s := router.NewState("r1", xtest.MustParseAddrs("192.0.2.1:17001"))
			a := xtest.MustParseAddr(tc.peer)
			node := s.AddPeer(tc.peer, a)
			if tc.prepare != nil {
				tc.prepare(s, node)
			}
			_, err := s.RouterUp(nil, a, 9)
			tc.acceptErr(t, err)
		})
	}
}

func TestStateParkedLink(t *testing.T) {
	s := newState()
	a := xtest.MustParseAddr("192.0.2.0:17001")
	node := s.AddPeer("r0", a)
	accepted, err := s.RouterUp(nil, a, 5)
	require.NoError(t, err)
	require.Same(t, node, accepted)

	assert.False(t, s.PeerClosed(node, 9, false), "outgoing link is parked")
	assert.False(t, s.Redial(node), "link is up")

	_, keep := s.RouterDown(node)
	assert.True(t, keep)
	assert.True(t, s.Redial(node))
	assert.False(t, s.Redial(node), "already dialing")
	assert.Equal(t, router.NodeConnecting, node.State)
	assert.True(t, s.PeerClosed(node, 10, false))
	assert.False(t, s.PeerClosed(node, 10, true))
	assert.Equal(t, router.NodeDisconnected, node.State)
}
