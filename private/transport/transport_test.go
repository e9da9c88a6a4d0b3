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

package transport_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/log/testlog"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/private/xtest"
	"github.com/batchmesh/tpp/private/mailbox"
	"github.com/batchmesh/tpp/private/transport"
)

func newTransport(t *testing.T, workers int, h transport.Handlers,
	opts ...func(*transport.Config)) *transport.Transport {

	t.Helper()
	cfg := transport.Config{Workers: workers}
	for _, o := range opts {
		o(&cfg)
	}
	tr, err := transport.New(cfg, h, testlog.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Shutdown)
	return tr
}

func listen(t *testing.T, tr *transport.Transport) addr.Addr {
	t.Helper()
	bound, err := tr.Listen(xtest.MustParseAddr("127.0.0.1:0"))
	require.NoError(t, err)
	require.NotZero(t, bound.Port)
	return bound
}

// seqBody returns a body of the given size carrying id and seq, filled with
// a pattern derived from both.
func seqBody(id, seq uint32, size int) []byte {
	b := make([]byte, max(size, 8))
	binary.BigEndian.PutUint32(b[0:4], id)
	binary.BigEndian.PutUint32(b[4:8], seq)
	for i := 8; i < len(b); i++ {
		b[i] = byte(id + seq + uint32(i))
	}
	return b
}

func sendRetry(tr *transport.Transport, tfd int, body []byte) error {
	pkt := packet.MustNew(body)
	for {
		err := tr.VSend(tfd, pkt)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, mailbox.ErrFull):
			time.Sleep(time.Millisecond)
		default:
			pkt.Release()
			return err
		}
	}
}

func connectAndWait(t *testing.T, tr *transport.Transport, connected <-chan int,
	target addr.Addr) int {

	t.Helper()
	tfd, err := tr.Connect(target.String(), 0, nil)
	require.NoError(t, err)
	select {
	case got := <-connected:
		require.Equal(t, tfd, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("connection to %s not established", target)
	}
	return tfd
}

func postConnectChan() (chan int, func(int, any) error) {
	ch := make(chan int, 16)
	return ch, func(tfd int, _ any) error {
		ch <- tfd
		return nil
	}
}

func TestBackoffDelay(t *testing.T) {
	b := transport.Backoff{Min: 2 * time.Second, Step: 2 * time.Second, Max: 10 * time.Second}
	want := []time.Duration{2, 4, 6, 8, 10, 10, 10}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i), "attempt %d", i)
	}
}

func TestFIFO(t *testing.T) {
	const n = 2000
	got := make(chan uint32, n)
	server := newTransport(t, 2, transport.Handlers{
		PacketReceived: func(_ int, _ any, body []byte) error {
			got <- binary.BigEndian.Uint32(body[4:8])
			return nil
		},
	})
	bound := listen(t, server)
	connected, postConnect := postConnectChan()
	client := newTransport(t, 2, transport.Handlers{PostConnect: postConnect})
	tfd := connectAndWait(t, client, connected, bound)

	for i := uint32(0); i < n; i++ {
		require.NoError(t, sendRetry(client, tfd, seqBody(1, i, 64)))
	}
	for i := uint32(0); i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("packet %d not received", i)
		}
	}
}

func TestStress(t *testing.T) {
	const (
		workers = 4
		conns   = 16
		perConn = 200
	)
	size := func(seq uint32) int {
		if seq%50 == 0 {
			return 300 << 10
		}
		return 16 + int(seq*7919%20000)
	}

	var (
		mu       sync.Mutex
		next     = map[uint32]uint32{}
		bad      atomic.Int64
		received atomic.Int64
	)
	server := newTransport(t, workers, transport.Handlers{
		PacketReceived: func(_ int, _ any, body []byte) error {
			id := binary.BigEndian.Uint32(body[0:4])
			seq := binary.BigEndian.Uint32(body[4:8])
			mu.Lock()
			if next[id] != seq {
				bad.Add(1)
			}
			next[id] = seq + 1
			mu.Unlock()
			if !bytes.Equal(body, seqBody(id, seq, size(seq))) {
				bad.Add(1)
			}
			received.Add(1)
			return nil
		},
	})
	bound := listen(t, server)
	connected, postConnect := postConnectChan()
	client := newTransport(t, workers, transport.Handlers{PostConnect: postConnect},
		func(cfg *transport.Config) { cfg.BufferLimit = 256 << 10 })

	tfds := make([]int, conns)
	for i := range tfds {
		tfds[i] = connectAndWait(t, client, connected, bound)
	}

	var g errgroup.Group
	for i, tfd := range tfds {
		g.Go(func() error {
			for seq := uint32(0); seq < perConn; seq++ {
				if err := sendRetry(client, tfd, seqBody(uint32(i), seq, size(seq))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	xtest.Eventually(t, 20*time.Second, func() bool {
		return received.Load() == conns*perConn
	}, "all packets received")
	assert.Zero(t, bad.Load(), "corrupted or reordered packets")
	for _, tfd := range tfds {
		xtest.Eventually(t, 5*time.Second, func() bool {
			n, err := client.QueueLen(tfd)
			return err == nil && n == 0
		}, "send queue drained")
	}
}

func TestReceiverFull(t *testing.T) {
	const n = 20
	var calls atomic.Int32
	got := make(chan uint32, n)
	server := newTransport(t, 1, transport.Handlers{
		PacketReceived: func(_ int, _ any, body []byte) error {
			if calls.Add(1)%3 != 0 {
				return transport.ErrReceiverFull
			}
			got <- binary.BigEndian.Uint32(body[4:8])
			return nil
		},
	}, func(cfg *transport.Config) { cfg.ReadRetryInterval = 5 * time.Millisecond })
	bound := listen(t, server)
	connected, postConnect := postConnectChan()
	client := newTransport(t, 1, transport.Handlers{PostConnect: postConnect})
	tfd := connectAndWait(t, client, connected, bound)

	for i := uint32(0); i < n; i++ {
		require.NoError(t, sendRetry(client, tfd, seqBody(0, i, 32)))
	}
	for i := uint32(0); i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("packet %d not received", i)
		}
	}
	assert.Equal(t, int32(3*n), calls.Load())
}

func TestResume(t *testing.T) {
	var full atomic.Bool
	full.Store(true)
	suspended := make(chan int, 1)
	got := make(chan struct{}, 1)
	server := newTransport(t, 1, transport.Handlers{
		PacketReceived: func(tfd int, _ any, _ []byte) error {
			if full.CompareAndSwap(true, false) {
				suspended <- tfd
				return transport.ErrReceiverFull
			}
			got <- struct{}{}
			return nil
		},
	}, func(cfg *transport.Config) { cfg.ReadRetryInterval = time.Hour })
	bound := listen(t, server)
	connected, postConnect := postConnectChan()
	client := newTransport(t, 1, transport.Handlers{PostConnect: postConnect})
	tfd := connectAndWait(t, client, connected, bound)

	require.NoError(t, sendRetry(client, tfd, seqBody(0, 0, 16)))
	var serverTFD int
	select {
	case serverTFD = <-suspended:
	case <-time.After(5 * time.Second):
		t.Fatal("packet not received")
	}
	xtest.AssertReadDoesNotReturnBefore(t, got, 50*time.Millisecond)
	require.NoError(t, server.Resume(serverTFD))
	xtest.AssertReadReturnsBefore(t, got, 5*time.Second)
}

func TestClosedOnce(t *testing.T) {
	serverClosed := make(chan error, 4)
	clientClosed := make(chan error, 4)
	server := newTransport(t, 1, transport.Handlers{
		Closed: func(_ int, _ any, cause error) transport.CloseAction {
			serverClosed <- cause
			return transport.CloseDone
		},
	})
	bound := listen(t, server)
	connected, postConnect := postConnectChan()
	client := newTransport(t, 1, transport.Handlers{
		PostConnect: postConnect,
		Closed: func(_ int, _ any, cause error) transport.CloseAction {
			clientClosed <- cause
			// Explicit closes are never reconnected.
			return transport.CloseReconnect
		},
	})
	tfd := connectAndWait(t, client, connected, bound)
	xtest.Eventually(t, 5*time.Second, func() bool { return server.NumConns() == 1 },
		"connection accepted")

	require.NoError(t, client.Close(tfd))
	for _, tc := range []struct {
		name  string
		ch    chan error
		cause error
	}{
		{name: "client", ch: clientClosed, cause: transport.ErrClosed},
		{name: "server", ch: serverClosed, cause: io.EOF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			select {
			case err := <-tc.ch:
				assert.ErrorIs(t, err, tc.cause)
			case <-time.After(5 * time.Second):
				t.Fatal("close handler not called")
			}
			select {
			case err := <-tc.ch:
				t.Fatalf("close handler called twice: %v", err)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
	xtest.Eventually(t, time.Second, func() bool { return client.NumConns() == 0 },
		"client slot released")
	assert.ErrorIs(t, client.VSend(tfd, packet.MustNew([]byte{1})), transport.ErrConnNotFound)
	assert.ErrorIs(t, client.Close(tfd), transport.ErrConnNotFound)
}

func TestReconnectBackoff(t *testing.T) {
	// Reserve a port nobody listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := addr.FromAddrPort(l.Addr().(*net.TCPAddr).AddrPort())
	require.NoError(t, l.Close())

	backoff := transport.Backoff{
		Min:  40 * time.Millisecond,
		Step: 40 * time.Millisecond,
		Max:  120 * time.Millisecond,
	}
	var (
		mu     sync.Mutex
		closes []time.Time
	)
	connected, postConnect := postConnectChan()
	client := newTransport(t, 2, transport.Handlers{
		PostConnect: postConnect,
		Closed: func(_ int, ctx any, _ error) transport.CloseAction {
			assert.Equal(t, "router", ctx)
			mu.Lock()
			defer mu.Unlock()
			closes = append(closes, time.Now())
			return transport.CloseReconnect
		},
	}, func(cfg *transport.Config) { cfg.Backoff = backoff })

	tfd, err := client.ConnectAddr(target, "peer", 0, "router")
	require.NoError(t, err)
	numCloses := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(closes)
	}
	xtest.Eventually(t, 5*time.Second, func() bool { return numCloses() >= 5 },
		"reconnect attempts")
	mu.Lock()
	for i := 1; i < 5; i++ {
		gap := closes[i].Sub(closes[i-1])
		delay := backoff.Delay(i - 1)
		assert.GreaterOrEqual(t, gap, delay, "attempt %d", i)
		assert.Less(t, gap, delay+time.Second, "attempt %d", i)
	}
	mu.Unlock()

	server := newTransport(t, 1, transport.Handlers{})
	_, err = server.Listen(target)
	require.NoError(t, err)
	select {
	case got := <-connected:
		assert.Equal(t, tfd, got)
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect did not succeed")
	}
	state, ok := client.State(tfd)
	require.True(t, ok)
	assert.Equal(t, transport.Connected, state)
	ctx, ok := client.Context(tfd)
	require.True(t, ok)
	assert.Equal(t, "router", ctx)
}

func TestVSendErrors(t *testing.T) {
	client := newTransport(t, 1, transport.Handlers{})
	pkt := packet.MustNew([]byte{1, 2, 3})
	defer pkt.Release()

	assert.ErrorIs(t, client.VSend(42, pkt), transport.ErrConnNotFound)
	tfd, err := client.ConnectAddr(xtest.MustParseAddr("127.0.0.1:1"), "idle", time.Hour, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, client.VSend(tfd, pkt), transport.ErrNotConnected)
	assert.Equal(t, 1, pkt.Refs())
	n, err := client.QueueLen(tfd)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestShutdown(t *testing.T) {
	closed := make(chan error, 2)
	tr, err := transport.New(transport.Config{Workers: 2}, transport.Handlers{
		Closed: func(_ int, _ any, cause error) transport.CloseAction {
			closed <- cause
			return transport.CloseReconnect
		},
	}, testlog.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	_, err = tr.ConnectAddr(xtest.MustParseAddr("127.0.0.1:1"), "idle", time.Hour, nil)
	require.NoError(t, err)
	_, err = tr.ConnectAddr(xtest.MustParseAddr("127.0.0.1:1"), "idle", time.Hour, nil)
	require.NoError(t, err)

	tr.Shutdown()
	for i := 0; i < 2; i++ {
		select {
		case err := <-closed:
			assert.ErrorIs(t, err, transport.ErrShutdown)
		default:
			t.Fatal("close handler not called during shutdown")
		}
	}
	assert.Zero(t, tr.NumConns())
	tr.Shutdown()
	_, err = tr.ConnectAddr(xtest.MustParseAddr("127.0.0.1:1"), "idle", 0, nil)
	assert.ErrorIs(t, err, transport.ErrShutdown)
}

func TestTimer(t *testing.T) {
	ticks := make(chan struct{}, 16)
	newTransport(t, 2, transport.Handlers{
		Timer: func(time.Time) time.Duration {
			select {
			case ticks <- struct{}{}:
			default:
			}
			return 5 * time.Millisecond
		},
	}, func(cfg *transport.Config) { cfg.TimerInterval = 5 * time.Millisecond })
	for i := 0; i < 3; i++ {
		xtest.AssertReadReturnsBefore(t, ticks, time.Second)
	}
}

func TestCloseCauseLogsWithoutStack(t *testing.T) {
	var b bytes.Buffer
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{MessageKey: "msg"}),
		zapcore.AddSync(&b),
		zapcore.DebugLevel,
	))
	for _, err := range []error{
		transport.ErrClosed,
		transport.ErrShutdown,
		transport.ErrProtocol,
		mailbox.ErrFull,
		serrors.JoinNoStack(transport.ErrClosed, io.EOF, "tfd", 3),
		serrors.JoinNoStack(transport.ErrReceiverFull, nil, "tfd", 4),
	} {
		logger.Sugar().Debugw("Connection closed", "cause", err)
	}
	assert.NotContains(t, b.String(), "stacktrace")
	assert.Contains(t, b.String(), "connection closed")
}
