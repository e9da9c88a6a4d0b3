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

// Package index provides the ordered key/value index used for the routing
// tables. It is a thin typed wrapper around a B-tree and is not safe for
// concurrent use; callers serialize access.
package index

import (
	"errors"

	"github.com/google/btree"
)

// ErrExists is returned by InsertUnique when the key is already present.
var ErrExists = errors.New("key exists")

const degree = 16

// Key is the constraint for index keys.
type Key[K any] interface {
	Compare(K) int
}

type entry[K Key[K], V any] struct {
	key   K
	value V
}

// Index is an ordered map from K to V.
type Index[K Key[K], V any] struct {
	tree *btree.BTreeG[entry[K, V]]
}

// New creates an empty index.
func New[K Key[K], V any]() *Index[K, V] {
	return &Index[K, V]{
		tree: btree.NewG(degree, func(a, b entry[K, V]) bool {
			return a.key.Compare(b.key) < 0
		}),
	}
}

// Insert adds or replaces the value of k. It reports whether an existing
// value was replaced.
func (x *Index[K, V]) Insert(k K, v V) bool {
	_, replaced := x.tree.ReplaceOrInsert(entry[K, V]{key: k, value: v})
	return replaced
}

// InsertUnique adds k only if it is not present yet.
func (x *Index[K, V]) InsertUnique(k K, v V) error {
	if x.tree.Has(entry[K, V]{key: k}) {
		return ErrExists
	}
	x.tree.ReplaceOrInsert(entry[K, V]{key: k, value: v})
	return nil
}

// Find returns the value of k.
func (x *Index[K, V]) Find(k K) (V, bool) {
	e, ok := x.tree.Get(entry[K, V]{key: k})
	return e.value, ok
}

// Delete removes k and returns its value.
func (x *Index[K, V]) Delete(k K) (V, bool) {
	e, ok := x.tree.Delete(entry[K, V]{key: k})
	return e.value, ok
}

// Len returns the number of entries.
func (x *Index[K, V]) Len() int {
	return x.tree.Len()
}

// Ascend calls fn for every entry in key order until fn returns false. The
// index must not be modified during iteration.
func (x *Index[K, V]) Ascend(fn func(k K, v V) bool) {
	x.tree.Ascend(func(e entry[K, V]) bool {
		return fn(e.key, e.value)
	})
}

// AscendFrom calls fn for every entry with a key >= from, in key order.
func (x *Index[K, V]) AscendFrom(from K, fn func(k K, v V) bool) {
	x.tree.AscendGreaterOrEqual(entry[K, V]{key: from}, func(e entry[K, V]) bool {
		return fn(e.key, e.value)
	})
}

// Keys returns all keys in order.
func (x *Index[K, V]) Keys() []K {
	keys := make([]K, 0, x.tree.Len())
	x.Ascend(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns all values in key order.
func (x *Index[K, V]) Values() []V {
	values := make([]V, 0, x.tree.Len())
	x.Ascend(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// Clear removes all entries.
func (x *Index[K, V]) Clear() {
	x.tree.Clear(false)
}
