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

// Package em is the event multiplexer of the transport workers. It reports
// readiness of raw non-blocking descriptors, level triggered, with one
// interface over epoll (linux) and poll (other unix systems).
//
// A multiplexer is owned by one worker goroutine: Wait and WaitContext must
// not be called concurrently. Add, Mod and Del may be called from the owner
// only. Wakeup may be called from any goroutine.
package em

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Events is a set of readiness conditions.
type Events uint32

const (
	// In reports that the descriptor is readable.
	In Events = 1 << iota
	// Out reports that the descriptor is writable.
	Out
	// Err reports an error condition. It is always reported, whether
	// requested or not.
	Err
	// Hup reports that the peer hung up. It is always reported, whether
	// requested or not.
	Hup
)

func (e Events) String() string {
	var parts []string
	for _, f := range []struct {
		ev   Events
		name string
	}{{In, "in"}, {Out, "out"}, {Err, "err"}, {Hup, "hup"}} {
		if e&f.ev != 0 {
			parts = append(parts, f.name)
		}
	}
	return "{" + strings.Join(parts, "|") + "}"
}

// Event is a readiness notification for one descriptor.
type Event struct {
	FD     int
	Events Events
}

// ErrUnknownFD is returned by Mod and Del for unregistered descriptors.
var ErrUnknownFD = errors.New("descriptor not registered")

// Multiplexer waits for readiness on a set of descriptors.
type Multiplexer interface {
	// Add registers fd for the given events.
	Add(fd int, ev Events) error
	// Mod changes the events fd is registered for.
	Mod(fd int, ev Events) error
	// Del removes fd.
	Del(fd int) error
	// Wait blocks until at least one registered descriptor is ready, the
	// timeout expires or Wakeup is called. A negative timeout blocks
	// indefinitely, zero polls. It returns the number of events written to
	// events; zero means timeout or wakeup. Interrupted system calls are
	// retried.
	Wait(events []Event, timeout time.Duration) (int, error)
	// WaitContext is Wait that also returns when ctx is done, with the
	// context error.
	WaitContext(ctx context.Context, events []Event, timeout time.Duration) (int, error)
	// Wakeup makes a concurrent or the next Wait return.
	Wakeup()
	// Close releases the multiplexer.
	Close() error
}

// New creates the multiplexer of the platform. maxFDs is a sizing hint.
func New(maxFDs int) (Multiplexer, error) {
	if maxFDs <= 0 {
		maxFDs = 64
	}
	return newPlatform(maxFDs)
}

func waitContext(ctx context.Context, m Multiplexer, events []Event,
	timeout time.Duration) (int, error) {

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, m.Wakeup)
	defer stop()
	n, err := m.Wait(events, timeout)
	if err != nil {
		return n, err
	}
	if n == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// timeoutMillis converts a timeout to the milliseconds argument of the
// polling system calls, rounding up.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
