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

package em_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/private/em"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newMux(t *testing.T) em.Multiplexer {
	t.Helper()
	m, err := em.New(8)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWaitReadiness(t *testing.T) {
	m := newMux(t)
	a, b := socketPair(t)
	require.NoError(t, m.Add(a, em.In))

	events := make([]em.Event, 4)
	n, err := m.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is readable yet")

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	n, err = m.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, a, events[0].FD)
	assert.NotZero(t, events[0].Events&em.In)

	// Level triggered: still readable until drained.
	n, err = m.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Mod(a, em.In|em.Out))
	n, err = m.Wait(events, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, em.In|em.Out, events[0].Events&(em.In|em.Out))

	require.NoError(t, m.Del(a))
	n, err = m.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, m.Mod(a, em.In), em.ErrUnknownFD)
}

func TestWaitTimeout(t *testing.T) {
	m := newMux(t)
	start := time.Now()
	n, err := m.Wait(make([]em.Event, 1), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestHangup(t *testing.T) {
	m := newMux(t)
	a, b := socketPair(t)
	require.NoError(t, m.Add(a, em.In))
	require.NoError(t, unix.Shutdown(b, unix.SHUT_RDWR))

	events := make([]em.Event, 1)
	n, err := m.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, events[0].Events&(em.Hup|em.In))
}

func TestWakeup(t *testing.T) {
	m := newMux(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := m.Wait(make([]em.Event, 1), -1)
		assert.NoError(t, err)
		assert.Zero(t, n)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Wakeup()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after wakeup")
	}
}

func TestWaitContext(t *testing.T) {
	m := newMux(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	n, err := m.WaitContext(ctx, make([]em.Event, 1), -1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)

	_, err = m.WaitContext(ctx, make([]em.Event, 1), -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaker(t *testing.T) {
	m := newMux(t)
	w, err := em.NewWaker()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, m.Add(w.FD(), em.In))

	events := make([]em.Event, 1)
	w.Wake()
	w.Wake()
	n, err := m.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, w.FD(), events[0].FD)

	w.Clear()
	n, err = m.Wait(events, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
