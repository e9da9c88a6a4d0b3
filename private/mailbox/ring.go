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

package mailbox

// ring is a growable ring buffer on top of a slice. It is not thread-safe.
type ring[T any] struct {
	entries []T
	head    int
	n       int
}

func (r *ring[T]) len() int {
	return r.n
}

func (r *ring[T]) push(v T) {
	if r.n == len(r.entries) {
		r.grow()
	}
	r.entries[(r.head+r.n)%len(r.entries)] = v
	r.n++
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.entries[r.head]
	// Remove the reference that was just read.
	r.entries[r.head] = zero
	r.head = (r.head + 1) % len(r.entries)
	r.n--
	return v, true
}

// removeIf removes the entries matching pred, keeping the order of the rest.
func (r *ring[T]) removeIf(pred func(T) bool) []T {
	var removed []T
	kept := 0
	var zero T
	for i := 0; i < r.n; i++ {
		idx := (r.head + i) % len(r.entries)
		v := r.entries[idx]
		if pred(v) {
			removed = append(removed, v)
			continue
		}
		r.entries[(r.head+kept)%len(r.entries)] = v
		kept++
	}
	for i := kept; i < r.n; i++ {
		r.entries[(r.head+i)%len(r.entries)] = zero
	}
	r.n = kept
	return removed
}

func (r *ring[T]) grow() {
	size := 2 * len(r.entries)
	if size == 0 {
		size = 16
	}
	entries := make([]T, size)
	n := copy(entries, r.entries[r.head:])
	copy(entries[n:], r.entries[:r.head])
	r.entries = entries
	r.head = 0
}
