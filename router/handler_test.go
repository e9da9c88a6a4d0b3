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

package router

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/xtest"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/transport"
	"github.com/batchmesh/tpp/router/mock_router"
)

type sentPacket struct {
	tfd  int
	body []byte
}

func newTestRouter(t *testing.T, ctrl *gomock.Controller) (*Router, *mock_router.MockConns) {
	t.Helper()
	r, err := newRouter(Config{
		Names:       []string{"192.0.2.1:17001"},
		NotifyDelay: time.Second,
	}, nil)
	require.NoError(t, err)
	conns := mock_router.NewMockConns(ctrl)
	r.conns = conns
	return r, conns
}

// recordSends accepts and records every packet sent through conns.
func recordSends(conns *mock_router.MockConns) *[]sentPacket {
	var out []sentPacket
	conns.EXPECT().VSend(gomock.Any(), gomock.Any()).DoAndReturn(
		func(tfd int, pkt *packet.Packet) error {
			out = append(out, sentPacket{tfd: tfd, body: bytes.Clone(pkt.Bytes())})
			pkt.Release()
			return nil
		},
	).AnyTimes()
	return &out
}

func testPeer(t *testing.T, r *Router, tfd int, a string) *peer {
	t.Helper()
	ac, err := auth.NewConn(r.cfg.Auth, auth.RoleServer, a)
	require.NoError(t, err)
	return &peer{tfd: tfd, host: a, addr: xtest.MustParseAddr(a), auth: ac}
}

func decode(t *testing.T, body []byte) (*tlayers.Parser, tlayers.Type) {
	t.Helper()
	p := tlayers.NewParser()
	typ, err := p.Decode(body)
	require.NoError(t, err)
	return p, typ
}

func body(h tlayers.Header, payload ...[]byte) []byte {
	return bytes.Clone(tlayers.MustSerialize(h, payload...).Bytes())
}

func joinLeaf(t *testing.T, r *Router, p *peer, nt tlayers.NodeType, addrs string) {
	t.Helper()
	require.NoError(t, r.packetReceived(p.tfd, p, body(&tlayers.Join{
		Hop:      1,
		NodeType: nt,
		Addrs:    xtest.MustParseAddrs(addrs),
	})))
}

func TestNoRoute(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)

	src := xtest.MustParseAddr("10.0.0.2:0")
	dst := xtest.MustParseAddr("10.0.0.9:0")
	conns.EXPECT().PeerAddr(3).Return(xtest.MustParseAddr("10.0.0.2:40000"), true)
	var ctx any
	conns.EXPECT().SetContext(3, gomock.Any()).DoAndReturn(func(_ int, c any) error {
		ctx = c
		return nil
	})
	var reply []byte
	conns.EXPECT().VSend(3, gomock.Any()).DoAndReturn(func(_ int, pkt *packet.Packet) error {
		reply = bytes.Clone(pkt.Bytes())
		pkt.Release()
		return nil
	}).Times(1)

	data := body(&tlayers.Data{SrcSD: 11, DstSD: 12, SrcMagic: 13, Src: src, Dst: dst},
		[]byte("payload"))
	require.NoError(t, r.packetReceived(3, nil, data))
	assert.IsType(t, &peer{}, ctx)

	p, typ := decode(t, reply)
	require.Equal(t, tlayers.TypeControl, typ)
	assert.Equal(t, tlayers.ControlNoRoute, p.Control.Subtype)
	assert.Equal(t, uint32(11), p.Control.SrcSD)
	assert.Equal(t, dst, p.Control.Src)
	assert.Equal(t, src, p.Control.Dst)
	assert.Contains(t, p.Control.Msg, dst.String())
}

func TestForwardData(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	sent := recordSends(conns)

	a := testPeer(t, r, 5, "10.0.0.1:40000")
	joinLeaf(t, r, a, tlayers.NodeLeaf, "10.0.0.1:0")
	client := testPeer(t, r, 6, "10.0.0.2:40001")
	joinLeaf(t, r, client, tlayers.NodeLeaf, "10.0.0.2:0")
	require.Empty(t, *sent)

	for _, closeStream := range []bool{false, true} {
		data := body(&tlayers.Data{
			Close: closeStream,
			SrcSD: 1,
			DstSD: 2,
			Src:   xtest.MustParseAddr("10.0.0.2:0"),
			Dst:   xtest.MustParseAddr("10.0.0.1:0"),
		}, []byte("hello"))
		require.NoError(t, r.packetReceived(client.tfd, client, data))
		require.NotEmpty(t, *sent)
		last := (*sent)[len(*sent)-1]
		assert.Equal(t, 5, last.tfd)
		assert.Equal(t, data, last.body)
	}
	assert.Len(t, *sent, 2)
}

func TestMalformedPacket(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newTestRouter(t, ctrl)
	p := testPeer(t, r, 3, "10.0.0.1:40000")

	err := r.packetReceived(3, p, []byte{byte(tlayers.TypeData), 1, 2})
	assert.ErrorIs(t, err, transport.ErrProtocol)
	err = r.packetReceived(3, p, body(&tlayers.Join{Hop: 1}))
	assert.ErrorIs(t, err, transport.ErrProtocol)
}

func TestLeafJoinAddressConflict(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	recordSends(conns)

	joinLeaf(t, r, testPeer(t, r, 5, "10.0.0.1:40000"), tlayers.NodeLeaf,
		"10.0.0.1:0,10.0.0.5:0")
	other := testPeer(t, r, 6, "10.0.0.5:40001")
	err := r.packetReceived(6, other, body(&tlayers.Join{
		Hop:   1,
		Addrs: xtest.MustParseAddrs("10.0.0.5:0"),
	}))
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Nil(t, other.leaf)
	assert.Equal(t, 5, r.state.Route(xtest.MustParseAddr("10.0.0.5:0"), false).TFD)
}

func TestLeafReattach(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	recordSends(conns)

	old := testPeer(t, r, 5, "10.0.0.1:40000")
	joinLeaf(t, r, old, tlayers.NodeLeaf, "10.0.0.1:0")
	cur := testPeer(t, r, 6, "10.0.0.1:40001")
	joinLeaf(t, r, cur, tlayers.NodeLeaf, "10.0.0.1:0")
	dst := xtest.MustParseAddr("10.0.0.1:0")
	assert.Equal(t, Hop{TFD: 6, Direct: true}, r.state.Route(dst, false))

	assert.Equal(t, transport.CloseDone, r.closed(5, old, io.EOF))
	assert.Equal(t, Hop{TFD: 6, Direct: true}, r.state.Route(dst, false))
	l, ok := r.state.Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, 1, l.NumRouters)
}

func TestMulticast(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	r.cfg.Compress = true
	r.cfg.CompressThreshold = 1
	sent := recordSends(conns)

	local := testPeer(t, r, 5, "10.0.0.1:40000")
	joinLeaf(t, r, local, tlayers.NodeLeaf, "10.0.0.1:0")
	r2, err := r.state.RouterUp(nil, xtest.MustParseAddr("192.0.2.2:17001"), 7)
	require.NoError(t, err)
	remote := xtest.MustParseAddrs("10.0.1.1:0,10.0.1.2:0")
	for _, a := range remote {
		_, err := r.state.LeafJoin(&tlayers.Join{Hop: 2, Addrs: []addr.Addr{a}}, r2, -1)
		require.NoError(t, err)
	}
	sender := testPeer(t, r, 6, "10.0.0.2:40001")
	joinLeaf(t, r, sender, tlayers.NodeLeaf, "10.0.0.2:0")
	*sent = nil

	src := xtest.MustParseAddr("10.0.0.2:0")
	unknown := xtest.MustParseAddr("10.0.9.9:0")
	members := []tlayers.Member{
		{SrcSD: 1, SrcMagic: 100, DstSD: 10, Dst: xtest.MustParseAddr("10.0.0.1:0")},
		{SrcSD: 2, SrcMagic: 200, DstSD: 20, Dst: remote[0]},
		{SrcSD: 3, SrcMagic: 300, DstSD: 30, Dst: unknown},
		{SrcSD: 4, SrcMagic: 400, DstSD: 40, Dst: remote[1]},
	}
	payload := []byte("broadcast payload")
	require.NoError(t, r.packetReceived(6, sender,
		body(&tlayers.Mcast{Hop: 1, Src: src, Members: members}, payload)))

	byTFD := map[int][]sentPacket{}
	for _, s := range *sent {
		byTFD[s.tfd] = append(byTFD[s.tfd], s)
	}
	require.Len(t, byTFD[5], 1)
	p, typ := decode(t, byTFD[5][0].body)
	require.Equal(t, tlayers.TypeData, typ)
	assert.Equal(t, uint32(1), p.Data.SrcSD)
	assert.Equal(t, uint32(10), p.Data.DstSD)
	assert.Equal(t, uint32(100), p.Data.SrcMagic)
	assert.Equal(t, src, p.Data.Src)
	assert.Equal(t, payload, []byte(p.Data.Payload))

	require.Len(t, byTFD[7], 1)
	p, typ = decode(t, byTFD[7][0].body)
	require.Equal(t, tlayers.TypeMcastData, typ)
	assert.Equal(t, uint8(2), p.Mcast.Hop)
	assert.Equal(t, []tlayers.Member{members[1], members[3]}, p.Mcast.Members)
	assert.Equal(t, payload, []byte(p.Mcast.Payload))

	require.Len(t, byTFD[6], 1)
	p, typ = decode(t, byTFD[6][0].body)
	require.Equal(t, tlayers.TypeControl, typ)
	assert.Equal(t, tlayers.ControlNoRoute, p.Control.Subtype)
	assert.Equal(t, unknown, p.Control.Src)
	assert.Equal(t, uint32(3), p.Control.SrcSD)
}

func TestRouterLink(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	sent := recordSends(conns)

	leafA := testPeer(t, r, 5, "10.0.0.1:40000")
	joinLeaf(t, r, leafA, tlayers.NodeLeaf, "10.0.0.1:0,10.0.1.1:0")

	link := testPeer(t, r, 4, "192.0.2.2:50000")
	peerAddr := xtest.MustParseAddr("192.0.2.2:17001")
	require.NoError(t, r.packetReceived(4, link, body(&tlayers.Join{
		Hop:      1,
		NodeType: tlayers.NodeRouter,
		Addrs:    []addr.Addr{peerAddr},
	})))
	require.NotNil(t, link.node)
	assert.Equal(t, []int{4}, r.state.ConnectedRouters(-1))

	require.Len(t, *sent, 2)
	p, _ := decode(t, (*sent)[0].body)
	assert.Equal(t, tlayers.NodeRouter, p.Join.NodeType)
	assert.Equal(t, r.state.SelfAddrs(), p.Join.Addrs)
	p, _ = decode(t, (*sent)[1].body)
	assert.Equal(t, tlayers.NodeLeaf, p.Join.NodeType)
	assert.Equal(t, uint8(2), p.Join.Hop)
	assert.Equal(t, xtest.MustParseAddrs("10.0.0.1:0,10.0.1.1:0"), p.Join.Addrs)

	t.Run("new leaf is relayed", func(t *testing.T) {
		*sent = nil
		leafB := testPeer(t, r, 6, "10.0.0.2:40000")
		joinLeaf(t, r, leafB, tlayers.NodeLeaf, "10.0.0.2:0")
		require.Len(t, *sent, 1)
		assert.Equal(t, 4, (*sent)[0].tfd)
		p, typ := decode(t, (*sent)[0].body)
		require.Equal(t, tlayers.TypeJoin, typ)
		assert.Equal(t, uint8(2), p.Join.Hop)

		*sent = nil
		assert.Equal(t, transport.CloseDone, r.closed(6, leafB, io.EOF))
		require.Len(t, *sent, 1)
		p, typ = decode(t, (*sent)[0].body)
		require.Equal(t, tlayers.TypeLeave, typ)
		assert.Equal(t, xtest.MustParseAddrs("10.0.0.2:0"), p.Leave.Addrs)
	})
	t.Run("relayed leaf is reachable", func(t *testing.T) {
		require.NoError(t, r.packetReceived(4, link, body(&tlayers.Join{
			Hop:   2,
			Index: 1,
			Addrs: xtest.MustParseAddrs("10.0.2.1:0"),
		})))
		assert.Equal(t, Hop{TFD: 4}, r.state.Route(xtest.MustParseAddr("10.0.2.1:0"), false))
	})
	t.Run("duplicate link is rejected", func(t *testing.T) {
		dup := testPeer(t, r, 8, "192.0.2.2:50001")
		err := r.packetReceived(8, dup, body(&tlayers.Join{
			Hop:      1,
			NodeType: tlayers.NodeRouter,
			Addrs:    []addr.Addr{peerAddr},
		}))
		assert.ErrorIs(t, err, ErrDuplicateRouter)
	})
	t.Run("link loss removes the router", func(t *testing.T) {
		assert.Equal(t, transport.CloseDone, r.closed(4, link, io.EOF))
		assert.Empty(t, r.state.ConnectedRouters(-1))
		_, ok := r.state.Lookup(xtest.MustParseAddr("10.0.2.1:0"))
		assert.False(t, ok)
		routers, _, _, _ := r.state.Counts()
		assert.Zero(t, routers)
	})
}

func TestUpdateDebounce(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	sent := recordSends(conns)

	listener := testPeer(t, r, 5, "10.0.0.1:40000")
	joinLeaf(t, r, listener, tlayers.NodeListen, "10.0.0.1:0")
	for i, a := range []string{"10.0.0.2:0", "10.0.0.3:0", "10.0.0.4:0"} {
		joinLeaf(t, r, testPeer(t, r, 6+i, a), tlayers.NodeLeaf, a)
	}
	now := time.Now()
	assert.Positive(t, r.timer(now))
	assert.Empty(t, *sent)

	assert.Zero(t, r.timer(now.Add(2*time.Second)))
	require.Len(t, *sent, 1)
	assert.Equal(t, 5, (*sent)[0].tfd)
	p, typ := decode(t, (*sent)[0].body)
	require.Equal(t, tlayers.TypeControl, typ)
	assert.Equal(t, tlayers.ControlUpdate, p.Control.Subtype)

	assert.Zero(t, r.timer(now.Add(4*time.Second)))
	assert.Len(t, *sent, 1)

	t.Run("deleted leaf is announced", func(t *testing.T) {
		*sent = nil
		assert.Equal(t, transport.CloseDone, r.closed(6, &peer{tfd: 6,
			leaf: mustLeaf(t, r, "10.0.0.2:0")}, io.EOF))
		require.Len(t, *sent, 1)
		assert.Equal(t, 5, (*sent)[0].tfd)
		p, typ := decode(t, (*sent)[0].body)
		require.Equal(t, tlayers.TypeLeave, typ)
		assert.Equal(t, xtest.MustParseAddrs("10.0.0.2:0"), p.Leave.Addrs)
	})
}

func mustLeaf(t *testing.T, r *Router, a string) *Leaf {
	t.Helper()
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	l, ok := r.state.leaves.Find(xtest.MustParseAddr(a))
	require.True(t, ok)
	return l
}

func TestAuthRequired(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	r.cfg.Auth = auth.Config{AuthMethod: auth.MethodX25519, PSK: []byte("secret")}

	p := testPeer(t, r, 3, "10.0.0.1:40000")
	var reply []byte
	conns.EXPECT().VSend(3, gomock.Any()).DoAndReturn(func(_ int, pkt *packet.Packet) error {
		reply = bytes.Clone(pkt.Bytes())
		pkt.Release()
		return nil
	})
	conns.EXPECT().Close(3).Return(nil)

	join := body(&tlayers.Join{Hop: 1, Addrs: xtest.MustParseAddrs("10.0.0.1:0")})
	require.NoError(t, r.packetReceived(3, p, join))
	assert.True(t, p.failed)
	pr, typ := decode(t, reply)
	require.Equal(t, tlayers.TypeControl, typ)
	assert.Equal(t, tlayers.ControlAuthErr, pr.Control.Subtype)

	// Further input is dropped without answer.
	require.NoError(t, r.packetReceived(3, p, join))
	_, ok := r.state.Lookup(xtest.MustParseAddr("10.0.0.1:0"))
	assert.False(t, ok)
}

func TestRouterLinkClosed(t *testing.T) {
	lower := xtest.MustParseAddr("192.0.2.0:17001")
	testCases := map[string]struct {
		prepare   func(t *testing.T, r *Router, node *RouterNode)
		failed    bool
		cause     error
		want      transport.CloseAction
		wantState NodeState
	}{
		"lost link reconnects": {
			cause:     io.EOF,
			want:      transport.CloseReconnect,
			wantState: NodeConnecting,
		},
		"failed authentication stops reconnecting": {
			failed:    true,
			cause:     io.EOF,
			want:      transport.CloseDone,
			wantState: NodeDisconnected,
		},
		"link accepted from the same router parks the outgoing one": {
			prepare: func(t *testing.T, r *Router, node *RouterNode) {
				accepted, err := r.state.RouterUp(nil, lower, 7)
				require.NoError(t, err)
				require.Same(t, node, accepted)
			},
			cause:     io.EOF,
			want:      transport.CloseDone,
			wantState: NodeConnected,
		},
		"shutdown": {
			cause:     transport.ErrShutdown,
			want:      transport.CloseDone,
			wantState: NodeConnecting,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			r, _ := newTestRouter(t, ctrl)
			node := r.state.AddPeer("r0", lower)
			if tc.prepare != nil {
				tc.prepare(t, r, node)
			}
			p := &peer{tfd: 4, host: "r0", addr: lower, node: node, outbound: true,
				failed: tc.failed}
			assert.Equal(t, tc.want, r.closed(4, p, tc.cause))
			assert.Equal(t, tc.wantState, node.State)
			assert.Same(t, node, p.node)
		})
	}
}

func TestAcceptedPeerLinkLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, conns := newTestRouter(t, ctrl)
	recordSends(conns)

	lower := xtest.MustParseAddr("192.0.2.0:17001")
	node := r.state.AddPeer("r0", lower)
	assert.False(t, r.state.PeerClosed(node, 4, true))

	link := testPeer(t, r, 7, "192.0.2.0:50000")
	require.NoError(t, r.packetReceived(7, link, body(&tlayers.Join{
		Hop:      1,
		NodeType: tlayers.NodeRouter,
		Addrs:    []addr.Addr{lower},
	})))
	require.Same(t, node, link.node)
	assert.Equal(t, NodeConnected, node.State)

	assert.Equal(t, transport.CloseDone, r.closed(7, link, io.EOF))
	assert.Nil(t, link.node)
	assert.Equal(t, NodeConnecting, node.State)
	assert.False(t, r.state.Redial(node), "reconnect already started")
}
