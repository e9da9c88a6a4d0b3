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

package transport

import (
	"sync"
	"sync/atomic"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/private/em"
	"github.com/batchmesh/tpp/private/mailbox"
)

const (
	initialRecvBuf = 16 << 10
	minRead        = 4 << 10
)

// conn is one physical connection.
type conn struct {
	tfd      int
	host     string
	remote   addr.Addr
	outbound bool

	// inflight is the size of the packet being written.
	inflight atomic.Int64

	mu    sync.Mutex
	ctx   any
	peer  addr.Addr
	state State
	w     *worker
	sendq *mailbox.Mailbox
	gen   uint64

	// The fields below are owned by the worker the connection is assigned
	// to. They change hands only through the worker mailboxes.
	fd         int
	registered bool
	events     em.Events
	in         inbuf
	cur        *packet.Packet
	curSize    int
	off        int
	wantOut    bool
	suspended  bool
	closing    bool
	attempts   int
	iov        [][]byte
}

func newConn(host string, remote addr.Addr, outbound bool, ctx any) *conn {
	return &conn{
		host:     host,
		remote:   remote,
		outbound: outbound,
		ctx:      ctx,
		fd:       -1,
		state:    Initiating,
	}
}

// assign hands the connection to w with a fresh send queue and starts a new
// generation.
func (c *conn) assign(w *worker, q *mailbox.Mailbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
	c.sendq = q
	c.gen++
	c.state = Initiating
}

func (c *conn) owner() *worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w
}

func (c *conn) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *conn) sendState() (State, *mailbox.Mailbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sendq
}

func (c *conn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *conn) context() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *conn) setContext(ctx any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
}

func (c *conn) peerAddr() addr.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *conn) setPeer(a addr.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = a
}

// interest returns the events the worker has to wait for.
func (c *conn) interest() em.Events {
	switch c.currentState() {
	case Connecting:
		return em.Out
	case Connected:
		var ev em.Events
		if !c.suspended {
			ev |= em.In
		}
		if c.wantOut {
			ev |= em.Out
		}
		return ev
	}
	return 0
}

// inbuf accumulates inbound bytes. buf[r:w] holds received bytes not yet
// handed to the upper layer.
type inbuf struct {
	buf  []byte
	r, w int
}

func (b *inbuf) buffered() []byte {
	return b.buf[b.r:b.w]
}

func (b *inbuf) space() []byte {
	return b.buf[b.w:]
}

// reserve makes room for at least n more bytes.
func (b *inbuf) reserve(n int) {
	if b.buf == nil {
		b.buf = make([]byte, max(initialRecvBuf, n))
		return
	}
	if len(b.buf)-b.w >= n {
		return
	}
	if b.r > 0 {
		b.w = copy(b.buf, b.buf[b.r:b.w])
		b.r = 0
		if len(b.buf)-b.w >= n {
			return
		}
	}
	grown := make([]byte, max(2*len(b.buf), b.w+n))
	copy(grown, b.buf[:b.w])
	b.buf = grown
}

// consume marks n buffered bytes as processed. The buffer is rewound when
// it runs empty.
func (b *inbuf) consume(n int) {
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

func (b *inbuf) reset() {
	b.buf = nil
	b.r, b.w = 0, 0
}
