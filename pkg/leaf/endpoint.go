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

package leaf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/log"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/transport"
)

// routerConn is the context of the connection to one router.
type routerConn struct {
	index int
	host  string
	// tfd and auth are only accessed from the worker owning the
	// connection; ready publishes tfd to other goroutines.
	tfd    int
	auth   *auth.Conn
	joined bool
	ready  atomic.Bool
	// sendTFD is the connection used by senders, -1 while not joined.
	sendTFD atomic.Int64
}

// Endpoint is a leaf attached to the fabric. It implements Transport.
type Endpoint struct {
	cfg      Config
	logger   log.Logger
	tp       *transport.Transport
	addrs    []addr.Addr
	nodeType tlayers.NodeType
	routers  []*routerConn
	parsers  sync.Pool
	closing  atomic.Bool
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	streams map[uint32]*stream
	remote  map[streamKey]uint32
	nextSD  uint32
	queue   chan Message
	// suspended are the connections whose reading is suspended because
	// the queue was full.
	suspended map[int]struct{}
}

var _ Transport = (*Endpoint)(nil)

// New creates an endpoint. The names of the leaf are resolved immediately.
func New(cfg Config, logger log.Logger) (*Endpoint, error) {
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ConnectTimeout)
	defer cancel()
	addrs, err := cfg.Transport.Resolver.ResolveList(ctx, cfg.Names)
	if err != nil {
		return nil, serrors.Wrap("resolving leaf names", err)
	}
	e := &Endpoint{
		cfg:       cfg,
		logger:    logger,
		addrs:     addrs,
		nodeType:  tlayers.NodeLeaf,
		done:      make(chan struct{}),
		streams:   make(map[uint32]*stream),
		remote:    make(map[streamKey]uint32),
		queue:     make(chan Message, cfg.RecvQueue),
		suspended: make(map[int]struct{}),
	}
	if cfg.Listen {
		e.nodeType = tlayers.NodeListen
	}
	e.parsers.New = func() any { return tlayers.NewParser() }
	tcfg := cfg.Transport
	tcfg.ReservedPort = tcfg.ReservedPort || cfg.Auth.ReservedPort()
	e.tp, err = transport.New(tcfg, transport.Handlers{
		PreSend:        e.preSend,
		PacketReceived: e.packetReceived,
		Closed:         e.closed,
		PostConnect:    e.postConnect,
	}, logger)
	if err != nil {
		return nil, serrors.Wrap("creating transport", err)
	}
	return e, nil
}

// Start connects to the routers. Connections are established in the
// background; Wait blocks until one router is joined.
func (e *Endpoint) Start(ctx context.Context) error {
	if err := e.tp.Start(ctx); err != nil {
		return err
	}
	context.AfterFunc(ctx, e.Shutdown)
	for i, host := range e.cfg.Routers {
		rc := &routerConn{index: i, host: host, tfd: -1}
		rc.sendTFD.Store(-1)
		e.routers = append(e.routers, rc)
	}
	for _, rc := range e.routers {
		if _, err := e.tp.Connect(rc.host, 0, rc); err != nil {
			e.Shutdown()
			return serrors.Wrap("connecting router", err, "router", rc.host)
		}
	}
	e.logger.Info("Leaf started", "addrs", e.addrs, "type", e.nodeType,
		"routers", e.cfg.Routers)
	return nil
}

// Wait blocks until the endpoint joined at least one router.
func (e *Endpoint) Wait(ctx context.Context) error {
	for {
		if _, err := e.route(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		case <-waitTick():
		}
	}
}

// Shutdown closes all connections. Pending Recv calls return ErrClosed.
func (e *Endpoint) Shutdown() {
	e.once.Do(func() {
		e.closing.Store(true)
		close(e.done)
		e.tp.Shutdown()
	})
}

// Addrs returns the addresses of the leaf.
func (e *Endpoint) Addrs() []addr.Addr {
	return append([]addr.Addr(nil), e.addrs...)
}

// route returns the connection of the joined router with the lowest
// preference index.
func (e *Endpoint) route() (int, error) {
	for _, rc := range e.routers {
		if tfd := rc.sendTFD.Load(); tfd >= 0 {
			return int(tfd), nil
		}
	}
	return -1, ErrNoRouter
}

// send queues pkt on tfd. The packet is released on error.
func (e *Endpoint) send(tfd int, pkt *packet.Packet) error {
	if err := e.tp.VSend(tfd, pkt); err != nil {
		pkt.Release()
		return err
	}
	return nil
}

func (e *Endpoint) sendHeader(tfd int, h tlayers.Header, payload ...[]byte) error {
	pkt, err := tlayers.Serialize(h, payload...)
	if err != nil {
		return err
	}
	return e.send(tfd, pkt)
}

func (e *Endpoint) preSend(_ int, ctx any, pkt *packet.Packet) (*packet.Packet, error) {
	rc, _ := ctx.(*routerConn)
	if rc == nil || rc.auth == nil {
		return pkt, nil
	}
	return rc.auth.Seal(pkt)
}

func (e *Endpoint) postConnect(tfd int, ctx any) error {
	rc, ok := ctx.(*routerConn)
	if !ok {
		return serrors.New("router connection without context", "tfd", tfd)
	}
	rc.tfd = tfd
	ac, err := auth.NewConn(e.cfg.Auth, auth.RoleClient, rc.host)
	if err != nil {
		return err
	}
	rc.auth = ac
	pkts, err := ac.Start()
	if err != nil {
		return serrors.Wrap("starting handshake", err, "router", rc.host)
	}
	for _, pkt := range pkts {
		if err := e.send(tfd, pkt); err != nil {
			return err
		}
	}
	return e.maybeJoin(rc)
}

// maybeJoin announces the leaf once the connection is authenticated.
func (e *Endpoint) maybeJoin(rc *routerConn) error {
	if rc.joined || !rc.auth.Ready() {
		return nil
	}
	err := e.sendHeader(rc.tfd, &tlayers.Join{
		Hop:      1,
		NodeType: e.nodeType,
		Index:    uint8(rc.index),
		Addrs:    e.addrs,
	})
	if err != nil {
		return serrors.Wrap("sending join", err, "router", rc.host)
	}
	rc.joined = true
	rc.sendTFD.Store(int64(rc.tfd))
	e.logger.Info("Joined router", "router", rc.host, "index", rc.index, "tfd", rc.tfd)
	return nil
}

func (e *Endpoint) closed(tfd int, ctx any, cause error) transport.CloseAction {
	e.mu.Lock()
	delete(e.suspended, tfd)
	e.mu.Unlock()
	rc, _ := ctx.(*routerConn)
	if rc == nil {
		return transport.CloseDone
	}
	rc.sendTFD.Store(-1)
	rc.auth = nil
	rc.joined = false
	if e.closing.Load() || errors.Is(cause, transport.ErrShutdown) {
		return transport.CloseDone
	}
	e.logger.Info("Router connection lost", "router", rc.host, "cause", cause)
	return transport.CloseReconnect
}

func (e *Endpoint) packetReceived(tfd int, ctx any, body []byte) error {
	rc, ok := ctx.(*routerConn)
	if !ok || rc.auth == nil {
		return serrors.New("packet on unknown connection", "tfd", tfd)
	}
	return e.dispatch(rc, body, false)
}

func (e *Endpoint) dispatch(rc *routerConn, body []byte, inner bool) error {
	parser := e.parsers.Get().(*tlayers.Parser)
	defer e.parsers.Put(parser)
	t, err := parser.Decode(body)
	if err != nil {
		return serrors.JoinNoStack(transport.ErrProtocol, err, "router", rc.host)
	}
	if !inner {
		if err := rc.auth.Permit(t); err != nil {
			return err
		}
	}
	switch t {
	case tlayers.TypeData, tlayers.TypeCloseStream:
		return e.receiveData(rc.tfd, &parser.Data)
	case tlayers.TypeControl:
		return e.receiveControl(rc, &parser.Control)
	case tlayers.TypeLeave:
		return e.deliver(rc.tfd, Message{
			Kind:  KindLeave,
			SD:    -1,
			Addrs: append([]addr.Addr(nil), parser.Leave.Addrs...),
		})
	case tlayers.TypeAuthCtx:
		if inner {
			return serrors.JoinNoStack(transport.ErrProtocol, nil, "reason", "nested auth packet")
		}
		pkts, err := rc.auth.Handle(parser.AuthCtx.Purpose, parser.AuthCtx.Method,
			parser.AuthCtx.Payload)
		if err != nil {
			return serrors.Wrap("auth handshake", err, "router", rc.host)
		}
		for _, pkt := range pkts {
			if err := e.send(rc.tfd, pkt); err != nil {
				return err
			}
		}
		return e.maybeJoin(rc)
	case tlayers.TypeEncryptedData:
		if inner {
			return serrors.JoinNoStack(transport.ErrProtocol, nil, "reason", "nested auth packet")
		}
		plain, err := rc.auth.Open(parser.Encrypted.Payload)
		if err != nil {
			return err
		}
		return e.dispatch(rc, plain, true)
	default:
		e.logger.Debug("Ignoring packet", "router", rc.host, "type", t)
		return nil
	}
}

func (e *Endpoint) receiveControl(rc *routerConn, c *tlayers.Control) error {
	switch c.Subtype {
	case tlayers.ControlNoRoute:
		return e.noRoute(rc.tfd, c)
	case tlayers.ControlUpdate:
		return e.deliver(rc.tfd, Message{Kind: KindUpdate, SD: -1, Src: c.Src})
	case tlayers.ControlAuthErr:
		e.logger.Error("Router rejected authentication", "router", rc.host, "msg", c.Msg)
		return e.deliver(rc.tfd, Message{Kind: KindAuthErr, SD: -1, Src: c.Src,
			Data: []byte(c.Msg)})
	}
	return nil
}

// deliver queues a notification.
func (e *Endpoint) deliver(tfd int, m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fullLocked(tfd) {
		return transport.ErrReceiverFull
	}
	e.queue <- m
	return nil
}

// fullLocked reports whether the queue is full and, if so, records the
// suspended connection. Producers hold e.mu, so a queue that is not full
// accepts one message without blocking.
func (e *Endpoint) fullLocked(tfd int) bool {
	if len(e.queue) < cap(e.queue) {
		return false
	}
	e.suspended[tfd] = struct{}{}
	return true
}

// Recv returns the next received message.
func (e *Endpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-e.queue:
		e.resumeReading()
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-e.done:
		return Message{}, ErrClosed
	}
}

// resumeReading restores reading on the connections suspended by a full
// queue.
func (e *Endpoint) resumeReading() {
	e.mu.Lock()
	tfds := make([]int, 0, len(e.suspended))
	for tfd := range e.suspended {
		tfds = append(tfds, tfd)
	}
	clear(e.suspended)
	e.mu.Unlock()
	for _, tfd := range tfds {
		if err := e.tp.Resume(tfd); err != nil {
			e.logger.Debug("Resuming connection", "tfd", tfd, "err", err)
		}
	}
}

// Flush waits until the send queues of all router connections are empty.
func (e *Endpoint) Flush(ctx context.Context) error {
	for {
		pending := 0
		for _, rc := range e.routers {
			tfd := rc.sendTFD.Load()
			if tfd < 0 {
				continue
			}
			n, err := e.tp.QueueLen(int(tfd))
			if err == nil {
				pending += n
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		case <-waitTick():
		}
	}
}
