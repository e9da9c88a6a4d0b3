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

// Package mailbox implements the command queue used for cross-goroutine
// signalling between transport users and workers.
//
// A mailbox has many producers and one consumer. Producers Post entries, the
// consumer Reads them in FIFO order. A Waker is signalled when the queue
// becomes non-empty and cleared when the consumer empties it, so a worker
// that multiplexes descriptors can register the wake descriptor and sleep
// until there is work.
package mailbox

import (
	"errors"
	"sync"

	"github.com/batchmesh/tpp/private/em"
)

var (
	// ErrFull is returned by Post when the byte limit is exceeded. It is
	// transient; the caller may retry later.
	ErrFull = errors.New("mailbox full")
	// ErrClosed is returned by Post after Close.
	ErrClosed = errors.New("mailbox closed")
)

// Entry is one queued command.
type Entry struct {
	// ID identifies the connection the entry belongs to.
	ID int
	// Cmd is the command code, interpreted by the consumer.
	Cmd int
	// Payload is the command argument.
	Payload any
	// Size is the number of bytes accounted for the entry.
	Size int
}

// Waker is signalled by the mailbox.
type Waker interface {
	// Wake signals the consumer.
	Wake()
	// Clear withdraws the signal.
	Clear()
}

// FDWaker is a Waker backed by a descriptor that can be registered with an
// event multiplexer.
type FDWaker = em.Waker

// NewFDWaker creates a descriptor backed waker.
func NewFDWaker() (*FDWaker, error) {
	return em.NewWaker()
}

// ChanWaker is a Waker for consumers that select on a channel.
type ChanWaker struct {
	C chan struct{}
}

// NewChanWaker creates a channel waker.
func NewChanWaker() *ChanWaker {
	return &ChanWaker{C: make(chan struct{}, 1)}
}

// Wake implements Waker.
func (w *ChanWaker) Wake() {
	select {
	case w.C <- struct{}{}:
	default:
	}
}

// Clear implements Waker.
func (w *ChanWaker) Clear() {
	select {
	case <-w.C:
	default:
	}
}

type nopWaker struct{}

func (nopWaker) Wake()  {}
func (nopWaker) Clear() {}

// Option configures a mailbox.
type Option func(m *Mailbox)

// WithWaker sets the waker.
func WithWaker(w Waker) Option {
	return func(m *Mailbox) {
		m.waker = w
	}
}

// WithLimit sets the byte limit. Zero means unlimited.
func WithLimit(bytes int) Option {
	return func(m *Mailbox) {
		m.limit = bytes
	}
}

// WithMetrics attaches metrics, labelled with the mailbox description.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Mailbox) {
		m.metrics = metrics
	}
}

// Mailbox is a FIFO command queue with byte accounting. It is safe for
// concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	q       ring[Entry]
	bytes   int
	limit   int
	closed  bool
	waker   Waker
	desc    string
	metrics *Metrics
}

// New creates a mailbox. desc labels the metrics.
func New(desc string, opts ...Option) *Mailbox {
	m := &Mailbox{desc: desc, waker: nopWaker{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Post enqueues an entry. The waker is signalled if the queue was empty. If
// the byte limit would be exceeded ErrFull is returned; an empty mailbox
// always accepts one entry.
func (m *Mailbox) Post(id, cmd int, payload any, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.limit > 0 && m.q.len() > 0 && m.bytes+size > m.limit {
		m.metrics.full(m.desc)
		return ErrFull
	}
	m.q.push(Entry{ID: id, Cmd: cmd, Payload: payload, Size: size})
	m.bytes += size
	m.metrics.posted(m.desc, size)
	if m.q.len() == 1 {
		m.waker.Wake()
	}
	return nil
}

// Read dequeues the oldest entry. The waker is cleared when the queue
// becomes empty.
func (m *Mailbox) Read() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.q.pop()
	if !ok {
		m.waker.Clear()
		return Entry{}, false
	}
	m.bytes -= e.Size
	m.metrics.read(m.desc, e.Size)
	if m.q.len() == 0 {
		m.waker.Clear()
	}
	return e, true
}

// Clear removes and returns all entries with the given id, in order.
func (m *Mailbox) Clear(id int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.q.removeIf(func(e Entry) bool { return e.ID == id })
	for _, e := range removed {
		m.bytes -= e.Size
		m.metrics.read(m.desc, e.Size)
	}
	if m.q.len() == 0 {
		m.waker.Clear()
	}
	return removed
}

// Close rejects further posts and returns the entries still queued.
func (m *Mailbox) Close() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var rest []Entry
	for {
		e, ok := m.q.pop()
		if !ok {
			break
		}
		m.bytes -= e.Size
		m.metrics.read(m.desc, e.Size)
		rest = append(rest, e)
	}
	m.waker.Clear()
	return rest
}

// Len returns the number of queued entries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.len()
}

// Bytes returns the number of queued bytes.
func (m *Mailbox) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}
