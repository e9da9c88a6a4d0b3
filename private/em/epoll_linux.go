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

//go:build linux

package em

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

type epoll struct {
	fd   int
	wake *Waker
	buf  []unix.EpollEvent
}

func newPlatform(maxFDs int) (Multiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, serrors.Wrap("creating epoll instance", err)
	}
	wake, err := NewWaker()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	e := &epoll{fd: fd, wake: wake, buf: make([]unix.EpollEvent, maxFDs)}
	if err := e.Add(wake.FD(), In); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func toEpoll(ev Events) uint32 {
	var out uint32
	if ev&In != 0 {
		out |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&Out != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(ev uint32) Events {
	var out Events
	if ev&unix.EPOLLIN != 0 {
		out |= In
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= Out
	}
	if ev&unix.EPOLLERR != 0 {
		out |= Err
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		out |= Hup
	}
	return out
}

func (e *epoll) ctl(op, fd int, ev Events) error {
	event := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, op, fd, &event); err != nil {
		if err == unix.ENOENT {
			return serrors.JoinNoStack(ErrUnknownFD, nil, "fd", fd)
		}
		return serrors.Wrap("epoll_ctl", err, "fd", fd, "op", op)
	}
	return nil
}

func (e *epoll) Add(fd int, ev Events) error {
	return e.ctl(unix.EPOLL_CTL_ADD, fd, ev)
}

func (e *epoll) Mod(fd int, ev Events) error {
	return e.ctl(unix.EPOLL_CTL_MOD, fd, ev)
}

func (e *epoll) Del(fd int) error {
	return e.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

func (e *epoll) Wait(events []Event, timeout time.Duration) (int, error) {
	max := min(len(events), len(e.buf))
	if max == 0 {
		return 0, serrors.New("no room for events")
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		n, err := unix.EpollWait(e.fd, e.buf[:max], timeoutMillis(timeout))
		if err == unix.EINTR {
			if timeout > 0 {
				if timeout = time.Until(deadline); timeout < 0 {
					timeout = 0
				}
			}
			continue
		}
		if err != nil {
			return 0, serrors.Wrap("epoll_wait", err)
		}
		out := 0
		for _, ev := range e.buf[:n] {
			if int(ev.Fd) == e.wake.FD() {
				e.wake.Clear()
				continue
			}
			events[out] = Event{FD: int(ev.Fd), Events: fromEpoll(ev.Events)}
			out++
		}
		return out, nil
	}
}

func (e *epoll) WaitContext(ctx context.Context, events []Event,
	timeout time.Duration) (int, error) {

	return waitContext(ctx, e, events, timeout)
}

func (e *epoll) Wakeup() {
	e.wake.Wake()
}

func (e *epoll) Close() error {
	e.wake.Close()
	return unix.Close(e.fd)
}
