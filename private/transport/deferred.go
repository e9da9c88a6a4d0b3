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
	"container/heap"
	"time"
)

type deferredKind int

const (
	// deferConnect starts a (re)connect attempt.
	deferConnect deferredKind = iota
	// deferConnectTimeout aborts a connect attempt that is still pending.
	deferConnectTimeout
	// deferReadRetry restores read interest of a suspended connection.
	deferReadRetry
	// deferAccept resumes a listener paused after an accept failure.
	deferAccept
)

func (k deferredKind) String() string {
	switch k {
	case deferConnect:
		return "connect"
	case deferConnectTimeout:
		return "connect_timeout"
	case deferReadRetry:
		return "read_retry"
	case deferAccept:
		return "accept"
	}
	return "unknown"
}

// deferred is a time delayed per connection event. gen is the connection
// generation at scheduling time; events of older generations are stale and
// ignored.
type deferred struct {
	at   time.Time
	kind deferredKind
	tfd  int
	gen  uint64
}

// deferredQueue is a min-heap of deferred events ordered by due time. It is
// owned by one worker.
type deferredQueue []deferred

func (q deferredQueue) Len() int           { return len(q) }
func (q deferredQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q deferredQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *deferredQueue) Push(x any) {
	*q = append(*q, x.(deferred))
}

func (q *deferredQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	*q = old[:n-1]
	return d
}

func (q *deferredQueue) schedule(d deferred) {
	heap.Push(q, d)
}

// next returns the due time of the earliest event.
func (q deferredQueue) next() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].at, true
}

// popDue removes and returns the earliest event if it is due at now.
func (q *deferredQueue) popDue(now time.Time) (deferred, bool) {
	if len(*q) == 0 || (*q)[0].at.After(now) {
		return deferred{}, false
	}
	return heap.Pop(q).(deferred), true
}

// cancel removes all events of tfd.
func (q *deferredQueue) cancel(tfd int) {
	kept := (*q)[:0]
	for _, d := range *q {
		if d.tfd != tfd {
			kept = append(kept, d)
		}
	}
	*q = kept
	heap.Init(q)
}
