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

// Package transport owns the TCP connections of a fabric node.
//
// A Transport runs a fixed pool of workers. Every connection is assigned to
// one worker round-robin when it is created and stays there until it is torn
// down, or until it is re-armed for a reconnect, in which case it moves to the
// next worker. Workers block only in the event multiplexer; all requests from
// other goroutines (send, close, resume, new connections) are posted to the
// worker's mailbox, which wakes it up.
//
// Connections are identified by a transport descriptor (tfd), a small
// integer that stays valid across reconnects of the same connection. The
// upper layer registers Handlers and an opaque per connection context; all
// handler calls for a connection happen on its owning worker.
//
// On the wire, every packet is a 4 byte length prefix followed by the body,
// see package packet.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/log"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/private/mailbox"
)

const (
	// DefaultReadRetryInterval is how long reading of a connection stays
	// suspended after the receiver reported ErrReceiverFull.
	DefaultReadRetryInterval = 100 * time.Millisecond
	// DefaultTimerInterval is the default period of the timer handler.
	DefaultTimerInterval = time.Second
	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultBackoffMin is the delay of the first reconnect attempt.
	DefaultBackoffMin = 2 * time.Second
	// DefaultBackoffStep is added to the delay for every failed attempt.
	DefaultBackoffStep = 2 * time.Second
	// DefaultBackoffMax caps the reconnect delay.
	DefaultBackoffMax = 10 * time.Second
)

var (
	// ErrConnNotFound is returned for unknown transport descriptors.
	ErrConnNotFound = errors.New("connection not found")
	// ErrNotConnected is returned by VSend for connections that are not
	// (yet) established.
	ErrNotConnected = errors.New("connection not established")
	// ErrClosed is returned by VSend if the connection was torn down while
	// the packet was submitted. It is also the close cause of connections
	// closed with Close.
	ErrClosed = errors.New("connection closed")
	// ErrShutdown is returned after Shutdown. It is the close cause of
	// connections torn down by Shutdown.
	ErrShutdown = errors.New("transport shut down")
	// ErrReceiverFull is returned by a PacketReceived handler that cannot
	// accept the packet now. Reading from the connection is suspended and
	// the packet is delivered again later.
	ErrReceiverFull = errors.New("receiver full")
	// ErrProtocol is the close cause of connections that sent a malformed
	// frame.
	ErrProtocol = errors.New("protocol violation")
	// ErrConnectTimeout is the close cause of connect attempts that did not
	// complete within the connect timeout.
	ErrConnectTimeout = errors.New("connect timeout")
)

// State is the state of a connection.
type State int

const (
	// Initiating connections wait for their (re)connect attempt.
	Initiating State = iota
	// Connecting connections have a connect in progress.
	Connecting
	// Connected connections carry traffic.
	Connected
	// Disconnected connections are being torn down.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Initiating:
		return "initiating"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// CloseAction is the decision of the Closed handler.
type CloseAction int

const (
	// CloseDone releases the connection.
	CloseDone CloseAction = iota
	// CloseReconnect keeps the descriptor and context and schedules a
	// reconnect with backoff. It only applies to outgoing connections;
	// accepted connections are released.
	CloseReconnect
	// CloseError releases the connection; the handler failed to process the
	// disconnect.
	CloseError
)

func (a CloseAction) String() string {
	switch a {
	case CloseDone:
		return "done"
	case CloseReconnect:
		return "reconnect"
	case CloseError:
		return "error"
	}
	return "unknown"
}

// Handlers are the upper layer callbacks. All fields are optional. The
// connection handlers are invoked on the worker owning the connection and
// must not block.
type Handlers struct {
	// PreSend is invoked on the owning worker just before pkt is written.
	// It may return a replacement packet (e.g. the encrypted packet), in
	// which case the transport releases pkt. An error closes the connection.
	PreSend func(tfd int, ctx any, pkt *packet.Packet) (*packet.Packet, error)
	// PacketReceived is invoked for every complete inbound packet. body
	// excludes the length prefix and is only valid during the call.
	// Returning ErrReceiverFull suspends reading; any other error closes the
	// connection.
	PacketReceived func(tfd int, ctx any, body []byte) error
	// Closed is invoked exactly once when a connection is torn down. cause is
	// the reason. The result decides whether the connection is reconnected.
	Closed func(tfd int, ctx any, cause error) CloseAction
	// PostConnect is invoked when an outgoing connection is established. An
	// error closes the connection.
	PostConnect func(tfd int, ctx any) error
	// Timer is invoked periodically on the first worker. It returns the
	// delay until the next invocation; a non-positive delay selects the
	// configured timer interval.
	Timer func(now time.Time) time.Duration
}

// Keepalive configures TCP keepalive probes.
type Keepalive struct {
	Enabled  bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Backoff configures the reconnect delay: Min + attempts*Step, capped at
// Max. The attempt counter is reset by a successful connect.
type Backoff struct {
	Min  time.Duration
	Step time.Duration
	Max  time.Duration
}

// Delay returns the delay before reconnect attempt number attempt, starting
// at zero.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Min + time.Duration(attempt)*b.Step
	if d > b.Max || d < 0 {
		return b.Max
	}
	return d
}

// Config is the transport configuration.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int
	// BufferLimit is the number of bytes that may be queued for sending on a
	// connection before VSend returns mailbox.ErrFull. Zero is unlimited.
	BufferLimit int
	// ReservedPort binds outgoing connections to a privileged source port.
	ReservedPort bool
	// Keepalive is applied to every connection.
	Keepalive Keepalive
	// Backoff is the reconnect backoff.
	Backoff Backoff
	// ConnectTimeout bounds every connect attempt.
	ConnectTimeout time.Duration
	// ReadRetryInterval is the read suspension after ErrReceiverFull.
	ReadRetryInterval time.Duration
	// TimerInterval is the default period of the timer handler.
	TimerInterval time.Duration
	// Resolver resolves the host names passed to Connect.
	Resolver *addr.Resolver
	// Metrics is optional.
	Metrics *Metrics
}

// InitDefaults sets the defaults of all unset fields.
func (c *Config) InitDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Backoff.Min == 0 {
		c.Backoff.Min = DefaultBackoffMin
	}
	if c.Backoff.Step == 0 {
		c.Backoff.Step = DefaultBackoffStep
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = DefaultBackoffMax
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadRetryInterval == 0 {
		c.ReadRetryInterval = DefaultReadRetryInterval
	}
	if c.TimerInterval == 0 {
		c.TimerInterval = DefaultTimerInterval
	}
	if c.Resolver == nil {
		c.Resolver = addr.NewResolver(0)
	}
}

// Transport manages the connections of a node.
type Transport struct {
	cfg      Config
	handlers Handlers
	logger   log.Logger
	metrics  *Metrics

	workers []*worker
	next    atomic.Uint32

	mu    sync.RWMutex
	conns []*conn
	free  []int

	started  atomic.Bool
	shutdown atomic.Bool
	stopCtx  atomic.Pointer[func() bool]
}

// New creates a transport. The workers are started by Start.
func New(cfg Config, handlers Handlers, logger log.Logger) (*Transport, error) {
	cfg.InitDefaults()
	if logger == nil {
		logger = log.Root()
	}
	t := &Transport{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		w, err := newWorker(t, i)
		if err != nil {
			for _, w := range t.workers {
				w.release()
			}
			return nil, serrors.Wrap("creating worker", err, "worker", i)
		}
		t.workers = append(t.workers, w)
	}
	return t, nil
}

// Start starts the workers. When ctx is done the transport is shut down.
func (t *Transport) Start(ctx context.Context) error {
	if t.shutdown.Load() {
		return ErrShutdown
	}
	if !t.started.CompareAndSwap(false, true) {
		return serrors.New("transport already started")
	}
	for _, w := range t.workers {
		go func() {
			defer log.HandlePanic()
			w.run()
		}()
	}
	stop := context.AfterFunc(ctx, t.Shutdown)
	t.stopCtx.Store(&stop)
	t.logger.Debug("Transport started", "workers", len(t.workers))
	return nil
}

// Run starts the transport and blocks until ctx is done and all workers
// have exited.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	t.Shutdown()
	return nil
}

// Shutdown tears down all connections and stops the workers. The Closed
// handler is invoked for every connection; reconnects are not scheduled.
// Shutdown blocks until all workers have exited.
func (t *Transport) Shutdown() {
	if !t.shutdown.CompareAndSwap(false, true) {
		t.wait()
		return
	}
	if stop := t.stopCtx.Load(); stop != nil {
		(*stop)()
	}
	if !t.started.Load() {
		for _, w := range t.workers {
			w.release()
		}
		return
	}
	for _, w := range t.workers {
		if err := w.post(-1, cmdExit, nil); err != nil {
			t.logger.Error("Failed to post exit to worker", "worker", w.id, "err", err)
		}
	}
	t.wait()
	t.logger.Debug("Transport shut down")
}

func (t *Transport) wait() {
	if !t.started.Load() {
		return
	}
	for _, w := range t.workers {
		<-w.done
	}
}

func (t *Transport) closing() bool {
	return t.shutdown.Load()
}

// Listen binds a listening socket to a and hands it to the first worker,
// which accepts connections and distributes them over the pool. It returns
// the bound address.
func (t *Transport) Listen(a addr.Addr) (addr.Addr, error) {
	if t.closing() {
		return addr.Addr{}, ErrShutdown
	}
	fd, bound, err := listenSocket(a)
	if err != nil {
		return addr.Addr{}, err
	}
	if err := t.workers[0].post(-1, cmdListen, fd); err != nil {
		closeFD(fd)
		return addr.Addr{}, err
	}
	t.logger.Info("Listening", "addr", bound)
	return bound, nil
}

// Connect allocates a connection to host ("name:port") and connects to it
// asynchronously after delay. The host name is resolved immediately; the
// resolved address is reused by reconnects. ctx is the upper layer context
// passed to the handlers.
func (t *Transport) Connect(host string, delay time.Duration, ctx any) (int, error) {
	if t.closing() {
		return -1, ErrShutdown
	}
	rctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()
	remote, err := t.cfg.Resolver.ResolveOne(rctx, host)
	if err != nil {
		return -1, serrors.Wrap("resolving host", err, "host", host)
	}
	return t.ConnectAddr(remote, host, delay, ctx)
}

// ConnectAddr is Connect to an already resolved address. host is only used
// for logging.
func (t *Transport) ConnectAddr(remote addr.Addr, host string, delay time.Duration,
	ctx any) (int, error) {

	if t.closing() {
		return -1, ErrShutdown
	}
	c := newConn(host, remote, true, ctx)
	w := t.nextWorker()
	tfd := t.insert(c)
	c.assign(w, t.newSendQueue(tfd, w))
	if err := w.post(tfd, cmdConnect, delay); err != nil {
		t.remove(tfd)
		return -1, err
	}
	return tfd, nil
}

// VSend queues pkt for sending on tfd. On success the transport owns the
// reference. On error the caller keeps it: mailbox.ErrFull is transient and
// the send may be retried, all other errors are final for this connection.
func (t *Transport) VSend(tfd int, pkt *packet.Packet) error {
	c := t.lookup(tfd)
	if c == nil {
		return ErrConnNotFound
	}
	state, q := c.sendState()
	if state != Connected {
		return serrors.JoinNoStack(ErrNotConnected, nil, "tfd", tfd, "state", state)
	}
	err := q.Post(tfd, cmdSend, pkt, pkt.WireLen())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mailbox.ErrClosed):
		return ErrClosed
	}
	return err
}

// Close tears down tfd asynchronously. The Closed handler runs on the owning
// worker; the connection is not reconnected.
func (t *Transport) Close(tfd int) error {
	c := t.lookup(tfd)
	if c == nil {
		return ErrConnNotFound
	}
	return c.owner().post(tfd, cmdClose, nil)
}

// Resume restores reading of a connection suspended by ErrReceiverFull
// before the retry interval expires.
func (t *Transport) Resume(tfd int) error {
	c := t.lookup(tfd)
	if c == nil {
		return ErrConnNotFound
	}
	return c.owner().post(tfd, cmdResume, nil)
}

// QueueLen returns the number of bytes queued for sending on tfd, including
// a packet that is partially written.
func (t *Transport) QueueLen(tfd int) (int, error) {
	c := t.lookup(tfd)
	if c == nil {
		return 0, ErrConnNotFound
	}
	_, q := c.sendState()
	return q.Bytes() + int(c.inflight.Load()), nil
}

// SetContext replaces the upper layer context of tfd.
func (t *Transport) SetContext(tfd int, ctx any) error {
	c := t.lookup(tfd)
	if c == nil {
		return ErrConnNotFound
	}
	c.setContext(ctx)
	return nil
}

// Context returns the upper layer context of tfd.
func (t *Transport) Context(tfd int) (any, bool) {
	c := t.lookup(tfd)
	if c == nil {
		return nil, false
	}
	return c.context(), true
}

// PeerAddr returns the remote address of tfd.
func (t *Transport) PeerAddr(tfd int) (addr.Addr, bool) {
	c := t.lookup(tfd)
	if c == nil {
		return addr.Addr{}, false
	}
	return c.peerAddr(), true
}

// State returns the state of tfd.
func (t *Transport) State(tfd int) (State, bool) {
	c := t.lookup(tfd)
	if c == nil {
		return Disconnected, false
	}
	s, _ := c.sendState()
	return s, true
}

// NumConns returns the number of allocated connections.
func (t *Transport) NumConns() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns) - len(t.free)
}

func (t *Transport) nextWorker() *worker {
	n := t.next.Add(1) - 1
	return t.workers[int(n)%len(t.workers)]
}

func (t *Transport) newSendQueue(tfd int, w *worker) *mailbox.Mailbox {
	return mailbox.New("send",
		mailbox.WithWaker(sendWaker{w: w, tfd: tfd}),
		mailbox.WithLimit(t.cfg.BufferLimit),
		mailbox.WithMetrics(t.metrics.mailbox()),
	)
}

// insert allocates a descriptor for c. Freed descriptors are reused oldest
// first.
func (t *Transport) insert(c *conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tfd int
	if len(t.free) > 0 {
		tfd = t.free[0]
		t.free = t.free[1:]
		t.conns[tfd] = c
	} else {
		tfd = len(t.conns)
		t.conns = append(t.conns, c)
	}
	c.tfd = tfd
	t.metrics.slots(1)
	return tfd
}

func (t *Transport) remove(tfd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tfd < 0 || tfd >= len(t.conns) || t.conns[tfd] == nil {
		return
	}
	t.conns[tfd] = nil
	t.free = append(t.free, tfd)
	t.metrics.slots(-1)
}

func (t *Transport) lookup(tfd int) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tfd < 0 || tfd >= len(t.conns) {
		return nil
	}
	return t.conns[tfd]
}

// rearm moves a torn down outgoing connection to the next worker and
// schedules a reconnect with backoff. It reports false if the connection
// must be released instead.
func (t *Transport) rearm(c *conn) bool {
	if t.closing() {
		return false
	}
	delay := t.cfg.Backoff.Delay(c.attempts)
	c.attempts++
	w := t.nextWorker()
	c.assign(w, t.newSendQueue(c.tfd, w))
	if err := w.post(c.tfd, cmdConnect, delay); err != nil {
		return false
	}
	t.logger.Info("Reconnect scheduled", "tfd", c.tfd, "host", c.host,
		"delay", delay, "attempt", c.attempts, "worker", w.id)
	return true
}

// sendWaker notifies the owning worker that a send queue became non-empty.
type sendWaker struct {
	w   *worker
	tfd int
}

func (s sendWaker) Wake() {
	// Fails only during shutdown, when the queue is dropped anyway.
	_ = s.w.post(s.tfd, cmdSend, nil)
}

func (sendWaker) Clear() {}
