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
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// Waker is a descriptor that becomes readable when woken and stays readable
// until cleared. On linux it is an eventfd.
type Waker struct {
	fd int
}

// NewWaker creates a waker.
func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, serrors.Wrap("creating eventfd", err)
	}
	return &Waker{fd: fd}, nil
}

// FD returns the descriptor to register for In events.
func (w *Waker) FD() int {
	return w.fd
}

// Wake makes the descriptor readable.
func (w *Waker) Wake() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	// EAGAIN means the counter is saturated, so the descriptor is readable.
	_, _ = unix.Write(w.fd, b[:])
}

// Clear resets the descriptor to not readable.
func (w *Waker) Clear() {
	var b [8]byte
	_, _ = unix.Read(w.fd, b[:])
}

// Close releases the descriptor.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
