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
	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// Waker is a descriptor that becomes readable when woken and stays readable
// until cleared. It is the read end of a non-blocking self-pipe.
type Waker struct {
	r, w int
}

// NewWaker creates a waker.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, serrors.Wrap("creating pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, serrors.Wrap("setting pipe non-blocking", err)
		}
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// FD returns the descriptor to register for In events.
func (w *Waker) FD() int {
	return w.r
}

// Wake makes the descriptor readable.
func (w *Waker) Wake() {
	// EAGAIN means the pipe is full, so the descriptor is readable.
	_, _ = unix.Write(w.w, []byte{1})
}

// Clear drains the pipe.
func (w *Waker) Clear() {
	var b [64]byte
	for {
		n, err := unix.Read(w.r, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both ends of the pipe.
func (w *Waker) Close() error {
	err := unix.Close(w.w)
	if rerr := unix.Close(w.r); err == nil {
		err = rerr
	}
	return err
}
