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

//go:build unix && !linux

package em

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// poller is the poll(2) backend. The wake descriptor always occupies slot 0.
type poller struct {
	wake *Waker
	fds  []unix.PollFd
	pos  map[int]int
}

func newPlatform(maxFDs int) (Multiplexer, error) {
	wake, err := NewWaker()
	if err != nil {
		return nil, err
	}
	p := &poller{
		wake: wake,
		fds:  make([]unix.PollFd, 0, maxFDs+1),
		pos:  make(map[int]int, maxFDs+1),
	}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(wake.FD()), Events: unix.POLLIN})
	p.pos[wake.FD()] = 0
	return p, nil
}

func toPoll(ev Events) int16 {
	var out int16
	if ev&In != 0 {
		out |= unix.POLLIN
	}
	if ev&Out != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func fromPoll(ev int16) Events {
	var out Events
	if ev&unix.POLLIN != 0 {
		out |= In
	}
	if ev&unix.POLLOUT != 0 {
		out |= Out
	}
	if ev&(unix.POLLERR|unix.POLLNVAL) != 0 {
		out |= Err
	}
	if ev&unix.POLLHUP != 0 {
		out |= Hup
	}
	return out
}

func (p *poller) Add(fd int, ev Events) error {
	if _, ok := p.pos[fd]; ok {
		return serrors.New("descriptor already registered", "fd", fd)
	}
	p.pos[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: toPoll(ev)})
	return nil
}

func (p *poller) Mod(fd int, ev Events) error {
	i, ok := p.pos[fd]
	if !ok {
		return serrors.JoinNoStack(ErrUnknownFD, nil, "fd", fd)
	}
	p.fds[i].Events = toPoll(ev)
	return nil
}

func (p *poller) Del(fd int) error {
	i, ok := p.pos[fd]
	if !ok || i == 0 {
		return serrors.JoinNoStack(ErrUnknownFD, nil, "fd", fd)
	}
	last := len(p.fds) - 1
	p.fds[i] = p.fds[last]
	p.pos[int(p.fds[i].Fd)] = i
	p.fds = p.fds[:last]
	delete(p.pos, fd)
	return nil
}

func (p *poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, serrors.New("no room for events")
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		n, err := unix.Poll(p.fds, timeoutMillis(timeout))
		if err == unix.EINTR {
			if timeout > 0 {
				if timeout = time.Until(deadline); timeout < 0 {
					timeout = 0
				}
			}
			continue
		}
		if err != nil {
			return 0, serrors.Wrap("poll", err)
		}
		out := 0
		for i := 0; i < len(p.fds) && n > 0 && out < len(events); i++ {
			re := p.fds[i].Revents
			if re == 0 {
				continue
			}
			n--
			if i == 0 {
				p.wake.Clear()
				continue
			}
			events[out] = Event{FD: int(p.fds[i].Fd), Events: fromPoll(re)}
			out++
		}
		return out, nil
	}
}

func (p *poller) WaitContext(ctx context.Context, events []Event,
	timeout time.Duration) (int, error) {

	return waitContext(ctx, p, events, timeout)
}

func (p *poller) Wakeup() {
	p.wake.Wake()
}

func (p *poller) Close() error {
	return p.wake.Close()
}
