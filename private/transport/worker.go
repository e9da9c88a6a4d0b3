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
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/log"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/private/em"
	"github.com/batchmesh/tpp/private/mailbox"
)

// Worker commands.
const (
	cmdConnect = iota + 1
	cmdSend
	cmdClose
	cmdResume
	cmdAdopt
	cmdListen
	cmdExit
)

const (
	// maxCommands bounds the commands handled per loop iteration so that
	// busy producers cannot starve the sockets.
	maxCommands = 1024
	// maxAccepts bounds the connections accepted per readiness event.
	maxAccepts = 64
	eventBatch = 128
	// waitErrorPause throttles the loop if the multiplexer keeps failing.
	waitErrorPause = 10 * time.Millisecond
)

type worker struct {
	id     int
	t      *Transport
	logger log.Logger

	mux   em.Multiplexer
	waker *mailbox.FDWaker
	cmds  *mailbox.Mailbox

	// conns are the connections assigned to the worker by descriptor, fds
	// the ones with a socket by socket descriptor.
	conns    map[int]*conn
	fds      map[int]*conn
	listenFD int
	deferred deferredQueue
	// nextTimer is zero on all but the first worker.
	nextTimer time.Time
	events    []em.Event

	done chan struct{}
}

func newWorker(t *Transport, id int) (*worker, error) {
	waker, err := mailbox.NewFDWaker()
	if err != nil {
		return nil, err
	}
	mux, err := em.New(256)
	if err != nil {
		waker.Close()
		return nil, err
	}
	if err := mux.Add(waker.FD(), em.In); err != nil {
		mux.Close()
		waker.Close()
		return nil, err
	}
	return &worker{
		id:     id,
		t:      t,
		logger: t.logger.New("worker", id),
		mux:    mux,
		waker:  waker,
		cmds: mailbox.New("worker",
			mailbox.WithWaker(waker),
			mailbox.WithMetrics(t.metrics.mailbox()),
		),
		conns:    make(map[int]*conn),
		fds:      make(map[int]*conn),
		listenFD: -1,
		events:   make([]em.Event, eventBatch),
		done:     make(chan struct{}),
	}, nil
}

func (w *worker) post(tfd, cmd int, payload any) error {
	return w.cmds.Post(tfd, cmd, payload, 0)
}

func (w *worker) run() {
	defer close(w.done)
	if w.id == 0 && w.t.handlers.Timer != nil {
		w.nextTimer = time.Now().Add(w.t.cfg.TimerInterval)
	}
	w.logger.Debug("Worker started")
	for {
		n, err := w.mux.Wait(w.events, w.timeout(time.Now()))
		if err != nil {
			w.logger.Error("Waiting for events failed", "err", err)
			time.Sleep(waitErrorPause)
		}
		if w.drain() {
			w.exit()
			w.logger.Debug("Worker stopped")
			return
		}
		for _, ev := range w.events[:n] {
			w.handle(ev)
		}
		now := time.Now()
		w.runDeferred(now)
		w.runTimer(now)
	}
}

// timeout returns the wait timeout: the time until the next deferred event
// or timer, or -1 if there is none.
func (w *worker) timeout(now time.Time) time.Duration {
	next, ok := w.deferred.next()
	if !w.nextTimer.IsZero() && (!ok || w.nextTimer.Before(next)) {
		next, ok = w.nextTimer, true
	}
	if !ok {
		return -1
	}
	return max(next.Sub(now), 0)
}

// drain handles queued commands. It reports whether the worker must exit.
func (w *worker) drain() bool {
	for i := 0; i < maxCommands; i++ {
		e, ok := w.cmds.Read()
		if !ok {
			return false
		}
		if e.Cmd == cmdExit {
			return true
		}
		w.command(e)
	}
	return false
}

func (w *worker) command(e mailbox.Entry) {
	switch e.Cmd {
	case cmdListen:
		w.listen(e.Payload.(int))
		return
	case cmdAdopt:
		w.adopt(e.Payload.(*conn))
		return
	}
	c := w.t.lookup(e.ID)
	if c == nil {
		return
	}
	if owner := c.owner(); owner != w {
		// The connection was re-armed on another worker in the meantime.
		if e.Cmd == cmdClose || e.Cmd == cmdResume {
			_ = owner.post(e.ID, e.Cmd, e.Payload)
		}
		return
	}
	switch e.Cmd {
	case cmdConnect:
		w.conns[c.tfd] = c
		if delay := e.Payload.(time.Duration); delay > 0 {
			w.schedule(c, deferConnect, delay)
			return
		}
		w.connect(c)
	case cmdSend:
		if _, ok := w.conns[c.tfd]; ok {
			w.flush(c)
		}
	case cmdClose:
		if _, ok := w.conns[c.tfd]; ok {
			c.closing = true
			w.teardown(c, ErrClosed)
		}
	case cmdResume:
		if _, ok := w.conns[c.tfd]; ok {
			w.resume(c)
		}
	}
}

func (w *worker) handle(ev em.Event) {
	switch ev.FD {
	case w.waker.FD():
		return
	case w.listenFD:
		w.accept()
		return
	}
	c, ok := w.fds[ev.FD]
	if !ok {
		return
	}
	switch c.currentState() {
	case Connecting:
		if err := socketError(c.fd); err != nil {
			w.teardown(c, serrors.WrapNoStack("connecting", err, "host", c.host))
			return
		}
		w.established(c)
	case Connected:
		if ev.Events&em.Err != 0 && ev.Events&em.In == 0 {
			err := socketError(c.fd)
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			w.teardown(c, serrors.WrapNoStack("socket error", err))
			return
		}
		if ev.Events&em.Out != 0 && !w.flush(c) {
			return
		}
		if ev.Events&(em.In|em.Hup) == 0 {
			return
		}
		if c.suspended {
			// Hang ups are reported regardless of interest; the buffered
			// packets cannot be delivered anymore.
			w.teardown(c, io.EOF)
			return
		}
		w.read(c)
	}
}

// connect starts a connect attempt.
func (w *worker) connect(c *conn) {
	sa, domain, err := toSockaddr(c.remote)
	if err != nil {
		w.teardown(c, err)
		return
	}
	fd, err := newSocket(domain)
	if err != nil {
		w.teardown(c, err)
		return
	}
	c.fd = fd
	w.fds[fd] = c
	if err := tune(fd, w.t.cfg.Keepalive); err != nil {
		w.teardown(c, err)
		return
	}
	if w.t.cfg.ReservedPort {
		port, err := bindReserved(fd, domain)
		if err != nil {
			w.teardown(c, err)
			return
		}
		w.logger.Debug("Bound reserved port", "tfd", c.tfd, "port", port)
	}
	c.setState(Connecting)
	w.t.metrics.state(Connecting)
	w.t.metrics.connectAttempt()
	w.logger.Debug("Connecting", "tfd", c.tfd, "host", c.host, "addr", c.remote)
	done, err := startConnect(fd, sa)
	if err != nil {
		w.teardown(c, serrors.WrapNoStack("connecting", err, "host", c.host))
		return
	}
	if done {
		w.established(c)
		return
	}
	if !w.setInterest(c) {
		return
	}
	w.schedule(c, deferConnectTimeout, w.t.cfg.ConnectTimeout)
}

func (w *worker) established(c *conn) {
	c.setState(Connected)
	c.setPeer(c.remote)
	c.attempts = 0
	w.t.metrics.state(Connected)
	w.logger.Info("Connected", "tfd", c.tfd, "host", c.host, "addr", c.remote)
	if !w.setInterest(c) {
		return
	}
	if h := w.t.handlers.PostConnect; h != nil {
		if err := h(c.tfd, c.context()); err != nil {
			w.teardown(c, serrors.Wrap("post connect", err))
			return
		}
	}
	w.flush(c)
}

func (w *worker) listen(fd int) {
	if w.listenFD >= 0 {
		w.logger.Error("Listener already registered, closing new one", "fd", fd)
		closeFD(fd)
		return
	}
	if err := w.mux.Add(fd, em.In); err != nil {
		w.logger.Error("Registering listener failed", "err", err)
		closeFD(fd)
		return
	}
	w.listenFD = fd
}

// accept accepts pending connections and distributes them over the pool.
func (w *worker) accept() {
	for i := 0; i < maxAccepts; i++ {
		nfd, sa, err := accept(w.listenFD)
		switch {
		case err == nil:
		case isTemporary(err), errors.Is(err, unix.ECONNABORTED):
			return
		default:
			// Typically descriptor exhaustion. The listener stays readable,
			// so it is paused to avoid spinning.
			w.logger.Error("Accepting connection failed", "err", err)
			if err := w.mux.Mod(w.listenFD, 0); err == nil {
				w.deferred.schedule(deferred{
					at:   time.Now().Add(w.t.cfg.ReadRetryInterval),
					kind: deferAccept,
					tfd:  -1,
				})
			}
			return
		}
		if err := tune(nfd, w.t.cfg.Keepalive); err != nil {
			w.logger.Error("Configuring accepted socket failed", "err", err)
			closeFD(nfd)
			continue
		}
		peer := fromSockaddr(sa)
		c := newConn(peer.String(), peer, false, nil)
		c.fd = nfd
		target := w.t.nextWorker()
		tfd := w.t.insert(c)
		c.assign(target, w.t.newSendQueue(tfd, target))
		c.setPeer(peer)
		c.setState(Connected)
		if err := target.post(tfd, cmdAdopt, c); err != nil {
			w.t.remove(tfd)
			closeFD(nfd)
			return
		}
		w.logger.Info("Accepted connection", "tfd", tfd, "peer", peer, "target", target.id)
	}
}

func (w *worker) adopt(c *conn) {
	w.conns[c.tfd] = c
	w.fds[c.fd] = c
	w.t.metrics.state(Connected)
	w.setInterest(c)
}

// read reads once from the socket and delivers the complete packets. It
// returns false if the connection was torn down.
func (w *worker) read(c *conn) bool {
	c.in.reserve(minRead)
	n, err := unix.Read(c.fd, c.in.space())
	switch {
	case err != nil && isTemporary(err):
		return true
	case err != nil:
		w.teardown(c, serrors.WrapNoStack("reading", err))
		return false
	case n == 0:
		w.teardown(c, io.EOF)
		return false
	}
	c.in.w += n
	return w.dispatch(c)
}

// dispatch hands the complete buffered packets to the upper layer.
func (w *worker) dispatch(c *conn) bool {
	for !c.suspended {
		data := c.in.buffered()
		if len(data) < packet.PrefixLen {
			return true
		}
		n := int(binary.BigEndian.Uint32(data))
		if n == 0 || n > packet.MaxLen {
			w.teardown(c, serrors.JoinNoStack(ErrProtocol, nil, "frame_len", n))
			return false
		}
		if len(data) < packet.PrefixLen+n {
			c.in.reserve(packet.PrefixLen + n - len(data))
			return true
		}
		h := w.t.handlers.PacketReceived
		if h == nil {
			c.in.consume(packet.PrefixLen + n)
			continue
		}
		err := h(c.tfd, c.context(), data[packet.PrefixLen:packet.PrefixLen+n])
		switch {
		case err == nil:
			c.in.consume(packet.PrefixLen + n)
			w.t.metrics.received(packet.PrefixLen + n)
		case errors.Is(err, ErrReceiverFull):
			w.suspend(c)
			return true
		default:
			w.teardown(c, err)
			return false
		}
	}
	return true
}

func (w *worker) suspend(c *conn) {
	c.suspended = true
	if !w.setInterest(c) {
		return
	}
	w.schedule(c, deferReadRetry, w.t.cfg.ReadRetryInterval)
	w.logger.Debug("Reading suspended", "tfd", c.tfd)
}

func (w *worker) resume(c *conn) {
	if !c.suspended || c.currentState() != Connected {
		return
	}
	c.suspended = false
	if !w.setInterest(c) {
		return
	}
	w.dispatch(c)
}

// flush writes queued packets until the queue is empty or the socket would
// block. It returns false if the connection was torn down.
func (w *worker) flush(c *conn) bool {
	state, q := c.sendState()
	if state != Connected {
		return true
	}
	for {
		if c.cur == nil {
			e, ok := q.Read()
			if !ok {
				if c.wantOut {
					c.wantOut = false
					return w.setInterest(c)
				}
				return true
			}
			pkt := e.Payload.(*packet.Packet)
			c.inflight.Store(int64(e.Size))
			if h := w.t.handlers.PreSend; h != nil {
				out, err := h(c.tfd, c.context(), pkt)
				if err != nil {
					pkt.Release()
					c.inflight.Store(0)
					w.teardown(c, serrors.Wrap("presend", err))
					return false
				}
				if out != pkt {
					pkt.Release()
				}
				if out == nil {
					c.inflight.Store(0)
					continue
				}
				pkt = out
			}
			c.cur, c.curSize, c.off = pkt, e.Size, 0
		}
		c.iov = c.cur.Buffers(c.off, c.iov[:0])
		n, err := writev(c.fd, c.iov)
		clear(c.iov)
		if err != nil {
			if isTemporary(err) {
				break
			}
			w.teardown(c, serrors.WrapNoStack("writing", err))
			return false
		}
		w.t.metrics.wrote(n)
		c.off += n
		if c.off < c.cur.WireLen() {
			continue
		}
		c.cur.Release()
		c.cur = nil
		c.inflight.Store(0)
		w.t.metrics.sent()
	}
	if !c.wantOut {
		c.wantOut = true
		return w.setInterest(c)
	}
	return true
}

// setInterest registers the events the connection waits for. It returns
// false if the connection was torn down.
func (w *worker) setInterest(c *conn) bool {
	ev := c.interest()
	var err error
	switch {
	case !c.registered:
		if err = w.mux.Add(c.fd, ev); err == nil {
			c.registered = true
		}
	case ev != c.events:
		err = w.mux.Mod(c.fd, ev)
	default:
		return true
	}
	if err != nil {
		w.teardown(c, serrors.Wrap("registering socket", err, "events", ev))
		return false
	}
	c.events = ev
	return true
}

func (w *worker) schedule(c *conn, kind deferredKind, after time.Duration) {
	w.deferred.schedule(deferred{
		at:   time.Now().Add(after),
		kind: kind,
		tfd:  c.tfd,
		gen:  c.generation(),
	})
}

func (w *worker) runDeferred(now time.Time) {
	for {
		d, ok := w.deferred.popDue(now)
		if !ok {
			return
		}
		if d.kind == deferAccept {
			if w.listenFD >= 0 {
				if err := w.mux.Mod(w.listenFD, em.In); err != nil {
					w.logger.Error("Resuming listener failed", "err", err)
				}
			}
			continue
		}
		c, ok := w.conns[d.tfd]
		if !ok || c.generation() != d.gen {
			continue
		}
		switch d.kind {
		case deferConnect:
			if c.currentState() == Initiating {
				w.connect(c)
			}
		case deferConnectTimeout:
			if c.currentState() == Connecting {
				w.teardown(c, serrors.JoinNoStack(ErrConnectTimeout, nil, "host", c.host))
			}
		case deferReadRetry:
			w.resume(c)
		}
	}
}

func (w *worker) runTimer(now time.Time) {
	if w.nextTimer.IsZero() || now.Before(w.nextTimer) {
		return
	}
	d := w.t.handlers.Timer(now)
	if d <= 0 {
		d = w.t.cfg.TimerInterval
	}
	w.nextTimer = now.Add(d)
}

// teardown closes the socket, drops the queued packets and invokes the
// Closed handler. Depending on its decision the connection is re-armed or
// released. The connection must not be touched by the worker afterwards.
func (w *worker) teardown(c *conn, cause error) {
	if c.fd >= 0 {
		if c.registered {
			_ = w.mux.Del(c.fd)
		}
		delete(w.fds, c.fd)
		closeFD(c.fd)
		c.fd = -1
	}
	c.registered, c.events, c.wantOut, c.suspended = false, 0, false, false
	delete(w.conns, c.tfd)
	w.deferred.cancel(c.tfd)

	prev := c.currentState()
	c.setState(Disconnected)
	w.t.metrics.state(Disconnected)

	_, q := c.sendState()
	dropped := 0
	if c.cur != nil {
		c.cur.Release()
		c.cur = nil
		dropped++
	}
	for _, e := range q.Close() {
		if pkt, ok := e.Payload.(*packet.Packet); ok {
			pkt.Release()
		}
		dropped++
	}
	c.inflight.Store(0)
	c.in.reset()
	w.t.metrics.dropped("disconnect", dropped)
	// A pending close request wins over a reconnect.
	for _, e := range w.cmds.Clear(c.tfd) {
		if e.Cmd == cmdClose {
			c.closing = true
		}
	}

	w.logger.Info("Connection closed", "tfd", c.tfd, "host", c.host, "state", prev,
		"cause", cause, "dropped", dropped)
	action := CloseDone
	if h := w.t.handlers.Closed; h != nil {
		action = h(c.tfd, c.context(), cause)
	}
	switch action {
	case CloseReconnect:
		if c.outbound && !c.closing && w.t.rearm(c) {
			return
		}
	case CloseError:
		w.logger.Error("Close handler failed", "tfd", c.tfd, "host", c.host)
	}
	w.t.remove(c.tfd)
}

// exit tears down all connections of the worker and releases it.
func (w *worker) exit() {
	tfds := make([]int, 0, len(w.conns))
	for tfd := range w.conns {
		tfds = append(tfds, tfd)
	}
	slices.Sort(tfds)
	for _, tfd := range tfds {
		if c, ok := w.conns[tfd]; ok {
			c.closing = true
			w.teardown(c, ErrShutdown)
		}
	}
	if w.listenFD >= 0 {
		_ = w.mux.Del(w.listenFD)
		closeFD(w.listenFD)
		w.listenFD = -1
	}
	w.release()
}

// release discards the remaining commands and frees the worker resources.
func (w *worker) release() {
	for _, e := range w.cmds.Close() {
		w.discard(e)
	}
	w.mux.Close()
	w.waker.Close()
}

func (w *worker) discard(e mailbox.Entry) {
	switch e.Cmd {
	case cmdListen:
		closeFD(e.Payload.(int))
	case cmdAdopt:
		c := e.Payload.(*conn)
		c.closing = true
		w.teardown(c, ErrShutdown)
	case cmdConnect:
		if c := w.t.lookup(e.ID); c != nil && c.owner() == w {
			c.closing = true
			w.teardown(c, ErrShutdown)
		}
	}
}
