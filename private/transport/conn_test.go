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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbuf(t *testing.T) {
	var b inbuf
	b.reserve(10)
	require.Len(t, b.buf, initialRecvBuf)

	b.w += copy(b.space(), "abcdef")
	b.consume(2)
	assert.Equal(t, "cdef", string(b.buffered()))

	// Compaction makes room before growing.
	b.w = len(b.buf)
	b.r = len(b.buf) - 4
	copy(b.buf[b.r:], "wxyz")
	b.reserve(100)
	assert.Equal(t, 0, b.r)
	assert.Equal(t, "wxyz", string(b.buffered()))
	assert.Len(t, b.buf, initialRecvBuf)

	// Growing keeps the buffered bytes.
	b.reserve(3 * initialRecvBuf)
	assert.GreaterOrEqual(t, len(b.space()), 3*initialRecvBuf)
	assert.Equal(t, "wxyz", string(b.buffered()))

	b.consume(4)
	assert.Equal(t, 0, b.r)
	assert.Equal(t, 0, b.w)
}

func TestDeferredQueue(t *testing.T) {
	now := time.Now()
	var q deferredQueue
	_, ok := q.next()
	assert.False(t, ok)

	q.schedule(deferred{at: now.Add(3 * time.Second), kind: deferConnect, tfd: 1})
	q.schedule(deferred{at: now.Add(time.Second), kind: deferReadRetry, tfd: 2})
	q.schedule(deferred{at: now.Add(2 * time.Second), kind: deferConnectTimeout, tfd: 1})

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), next)

	_, ok = q.popDue(now)
	assert.False(t, ok, "nothing due yet")
	d, ok := q.popDue(now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 2, d.tfd)
	assert.Equal(t, deferReadRetry, d.kind)

	q.cancel(1)
	assert.Zero(t, q.Len())
}
