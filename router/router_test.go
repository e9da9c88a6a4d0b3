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
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/log/testlog"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/xtest"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/transport"
)

var testBackoff = transport.Backoff{
	Min:  300 * time.Millisecond,
	Step: 100 * time.Millisecond,
	Max:  time.Second,
}

func startRouter(t *testing.T, peers ...string) *Router {
	t.Helper()
	r, err := New(Config{
		Names: []string{"127.0.0.1:0"},
		Peers: peers,
		Transport: transport.Config{
			Workers: 2,
			Backoff: testBackoff,
		},
		Metrics: NewMetrics(prometheus.NewRegistry()),
	}, testlog.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Shutdown)
	require.NotZero(t, r.Addr().Port)
	return r
}

// testLeaf is a leaf speaking the wire protocol over a plain TCP
// connection.
type testLeaf struct {
	conn  net.Conn
	addrs []addr.Addr
}

func dialLeaf(t *testing.T, r *Router, addrs string) *testLeaf {
	t.Helper()
	c, err := net.Dial("tcp", r.Addr().AddrPort().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	l := &testLeaf{conn: c, addrs: xtest.MustParseAddrs(addrs)}
	l.send(t, &tlayers.Join{Hop: 1, NodeType: tlayers.NodeLeaf, Addrs: l.addrs})
	xtest.Eventually(t, 2*time.Second, func() bool {
		return r.State().Route(l.addrs[0], true).Direct
	}, "leaf joined")
	return l
}

// send writes a packet and returns its body.
func (l *testLeaf) send(t *testing.T, h tlayers.Header, payload ...[]byte) []byte {
	t.Helper()
	pkt := tlayers.MustSerialize(h, payload...)
	bufs := net.Buffers(pkt.Buffers(0, nil))
	_, err := bufs.WriteTo(l.conn)
	require.NoError(t, err)
	return pkt.Bytes()
}

func (l *testLeaf) read(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, l.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var prefix [packet.PrefixLen]byte
	_, err := io.ReadFull(l.conn, prefix[:])
	require.NoError(t, err)
	b := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	_, err = io.ReadFull(l.conn, b)
	require.NoError(t, err)
	return b
}

func (l *testLeaf) data(dst *testLeaf, payload string) (tlayers.Header, []byte) {
	return &tlayers.Data{
		SrcSD:    1,
		DstSD:    2,
		SrcMagic: 0xcafe,
		Src:      l.addrs[0],
		Dst:      dst.addrs[0],
	}, []byte(payload)
}

func routeKnown(r *Router, l *testLeaf) func() bool {
	return func() bool {
		return r.State().Route(l.addrs[0], false).TFD >= 0
	}
}

func TestForwardingAcrossRouters(t *testing.T) {
	r1 := startRouter(t)
	a := dialLeaf(t, r1, "10.0.0.1:0")
	r2 := startRouter(t, r1.Addr().String())
	client := dialLeaf(t, r2, "10.0.0.2:0")

	xtest.Eventually(t, 5*time.Second, routeKnown(r2, a), "leaf A known at R2")
	xtest.Eventually(t, 5*time.Second, routeKnown(r1, client), "client known at R1")

	h, payload := client.data(a, "job 1.server started")
	sent := client.send(t, h, payload)
	assert.Equal(t, sent, a.read(t))

	h, payload = a.data(client, "reply")
	sent = a.send(t, h, payload)
	assert.Equal(t, sent, client.read(t))

	t.Run("no route", func(t *testing.T) {
		unknown := &testLeaf{addrs: xtest.MustParseAddrs("10.0.9.9:0")}
		h, payload := client.data(unknown, "lost")
		client.send(t, h, payload)
		p := tlayers.NewParser()
		typ, err := p.Decode(client.read(t))
		require.NoError(t, err)
		require.Equal(t, tlayers.TypeControl, typ)
		assert.Equal(t, tlayers.ControlNoRoute, p.Control.Subtype)
		assert.Equal(t, unknown.addrs[0], p.Control.Src)
		assert.Equal(t, 1.0, testutil.ToFloat64(r2.metrics.NoRouteTotal))
	})
}

func TestRouterLinkReconnect(t *testing.T) {
	r2 := startRouter(t)
	client := dialLeaf(t, r2, "10.0.0.2:0")
	r1 := startRouter(t, r2.Addr().String())
	a := dialLeaf(t, r1, "10.0.0.1:0")
	xtest.Eventually(t, 5*time.Second, routeKnown(r2, a), "leaf A known at R2")

	links := r2.State().ConnectedRouters(-1)
	require.Len(t, links, 1)
	dropped := time.Now()
	require.NoError(t, r2.tp.Close(links[0]))

	xtest.Eventually(t, testBackoff.Min, func() bool { return !routeKnown(r2, a)() },
		"leaf A removed at R2")
	xtest.Eventually(t, 5*time.Second, routeKnown(r2, a), "leaf A resent to R2")
	elapsed := time.Since(dropped)
	assert.GreaterOrEqual(t, elapsed, testBackoff.Min)
	assert.Less(t, elapsed, testBackoff.Max+2*time.Second)

	h, payload := client.data(a, "after reconnect")
	sent := client.send(t, h, payload)
	assert.Equal(t, sent, a.read(t))
}

func singleLink(routers ...*Router) func() bool {
	return func() bool {
		for _, r := range routers {
			if len(r.State().ConnectedRouters(-1)) != 1 {
				return false
			}
		}
		return true
	}
}

func TestMutualPeers(t *testing.T) {
	t.Run("peer added after link is up", func(t *testing.T) {
		r1 := startRouter(t)
		a := dialLeaf(t, r1, "10.0.0.1:0")
		r2 := startRouter(t, r1.Addr().String())
		require.NoError(t, r1.ConnectPeer(r2.Addr().String()))

		xtest.Eventually(t, 5*time.Second, routeKnown(r2, a), "leaf A known at R2")
		assert.Never(t, func() bool { return !singleLink(r1, r2)() },
			testBackoff.Max+500*time.Millisecond, 50*time.Millisecond, "single stable link")
	})
	t.Run("both dial", func(t *testing.T) {
		r1 := startRouter(t)
		r2 := startRouter(t)
		a := dialLeaf(t, r1, "10.0.0.1:0")
		client := dialLeaf(t, r2, "10.0.0.2:0")
		require.NoError(t, r1.ConnectPeer(r2.Addr().String()))
		require.NoError(t, r2.ConnectPeer(r1.Addr().String()))

		xtest.Eventually(t, 5*time.Second, routeKnown(r2, a), "leaf A known at R2")
		xtest.Eventually(t, 5*time.Second, routeKnown(r1, client), "client known at R1")
		assert.Never(t, func() bool { return !singleLink(r1, r2)() },
			testBackoff.Max+500*time.Millisecond, 50*time.Millisecond, "single stable link")

		h, payload := client.data(a, "mutual")
		sent := client.send(t, h, payload)
		assert.Equal(t, sent, a.read(t))
	})
}
