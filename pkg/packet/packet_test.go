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

package packet_test

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchmesh/tpp/pkg/packet"
)

func TestRecordedLenMatchesChunks(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 100; i++ {
		var p *packet.Packet
		var err error
		sum := 0
		for j := 0; j < 1+rng.IntN(8); j++ {
			c := make([]byte, rng.IntN(300))
			sum += len(c)
			p, err = packet.Build(p, c, j%2 == 0)
			require.NoError(t, err)
		}
		chunkSum := 0
		for _, c := range p.Chunks() {
			chunkSum += len(c)
		}
		assert.Equal(t, sum, chunkSum)
		assert.Equal(t, chunkSum, p.RecordedLen())
		assert.Equal(t, chunkSum, p.Len())

		var wire []byte
		for _, b := range p.Buffers(0, nil) {
			wire = append(wire, b...)
		}
		require.Len(t, wire, p.WireLen())
		assert.Equal(t, uint32(chunkSum), binary.BigEndian.Uint32(wire[:4]))
	}
}

func TestBuildCopy(t *testing.T) {
	data := []byte{1, 2, 3}
	owned, err := packet.Build(nil, data, true)
	require.NoError(t, err)
	shared, err := packet.Build(nil, data, false)
	require.NoError(t, err)
	data[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, owned.Bytes())
	assert.Equal(t, []byte{9, 2, 3}, shared.Bytes())
	assert.Equal(t, byte(1), owned.Type())
}

func TestBuildTooLarge(t *testing.T) {
	p, err := packet.Build(nil, make([]byte, 16), false)
	require.NoError(t, err)
	huge := make([]byte, packet.MaxLen)
	p, err = packet.Build(p, huge, false)
	assert.ErrorIs(t, err, packet.ErrTooLarge)
	assert.Nil(t, p)
}

func TestBuffersResume(t *testing.T) {
	p := packet.MustNew([]byte("ab"), []byte("cde"), []byte("f"))
	var full []byte
	for _, b := range p.Buffers(0, nil) {
		full = append(full, b...)
	}
	for off := 0; off <= p.WireLen(); off++ {
		var rest []byte
		for _, b := range p.Buffers(off, nil) {
			rest = append(rest, b...)
		}
		assert.True(t, bytes.Equal(full[off:], rest), "offset %d", off)
	}
}

func TestRefcount(t *testing.T) {
	p := packet.MustNew([]byte("x"))
	assert.Equal(t, 1, p.Refs())
	p.Retain().Retain()
	assert.False(t, p.Release())
	assert.False(t, p.Release())
	assert.True(t, p.Release())
	assert.Nil(t, p.Chunks())
	assert.Panics(t, func() { p.Release() })
}
