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

// Package packet implements the fabric packet: a chain of byte chunks that
// together form one framed message, shared by reference count.
//
// On the wire every packet is preceded by a 4 byte network order length
// prefix holding the number of body bytes that follow. The body starts with
// the type byte (see tlayers). The prefix is maintained by Build and is not
// part of the chunks, so the recorded length always equals the sum of the
// chunk lengths.
//
// A packet is mutable only while it is being built. Once handed to the
// transport it must not be changed; per send progress is tracked by the
// sender through Buffers.
package packet

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

const (
	// PrefixLen is the length of the wire length prefix.
	PrefixLen = 4
	// MaxLen is the largest body a packet may carry.
	MaxLen = 1 << 26
)

// ErrTooLarge is returned by Build when the packet would exceed MaxLen.
var ErrTooLarge = errors.New("packet too large")

// Packet is a reference counted chunk chain. The zero value is not usable;
// packets are created with Build.
type Packet struct {
	prefix [PrefixLen]byte
	chunks [][]byte
	total  int
	refs   atomic.Int32
}

// Build appends data as a new chunk to p. If p is nil a new packet with one
// reference is created. With copyData set the packet owns a private copy of
// data; otherwise data must not be modified afterwards.
//
// If the packet would exceed MaxLen, p is released and nil is returned
// together with ErrTooLarge.
func Build(p *Packet, data []byte, copyData bool) (*Packet, error) {
	if p == nil {
		p = &Packet{}
		p.refs.Store(1)
	}
	if p.total+len(data) > MaxLen {
		total := p.total
		p.Release()
		return nil, serrors.JoinNoStack(ErrTooLarge, nil, "len", total+len(data))
	}
	if len(data) == 0 {
		return p, nil
	}
	if copyData {
		data = append([]byte(nil), data...)
	}
	p.chunks = append(p.chunks, data)
	p.total += len(data)
	binary.BigEndian.PutUint32(p.prefix[:], uint32(p.total))
	return p, nil
}

// New builds a packet from the given chunks without copying them.
func New(chunks ...[]byte) (*Packet, error) {
	var p *Packet
	var err error
	for _, c := range chunks {
		if p, err = Build(p, c, false); err != nil {
			return nil, err
		}
	}
	if p == nil {
		p, _ = Build(nil, nil, false)
	}
	return p, nil
}

// MustNew calls New and panics on error.
func MustNew(chunks ...[]byte) *Packet {
	p, err := New(chunks...)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the body length.
func (p *Packet) Len() int {
	return p.total
}

// WireLen returns the number of bytes the packet occupies on the wire.
func (p *Packet) WireLen() int {
	return PrefixLen + p.total
}

// RecordedLen returns the length stored in the wire prefix.
func (p *Packet) RecordedLen() int {
	return int(binary.BigEndian.Uint32(p.prefix[:]))
}

// Type returns the first body byte, or 0 for an empty packet.
func (p *Packet) Type() byte {
	for _, c := range p.chunks {
		if len(c) > 0 {
			return c[0]
		}
	}
	return 0
}

// Chunks returns the body chunks. The caller must not modify them.
func (p *Packet) Chunks() [][]byte {
	return p.chunks
}

// Bytes returns the body as one contiguous slice. For single chunk packets
// the chunk itself is returned.
func (p *Packet) Bytes() []byte {
	if len(p.chunks) == 1 {
		return p.chunks[0]
	}
	b := make([]byte, 0, p.total)
	for _, c := range p.chunks {
		b = append(b, c...)
	}
	return b
}

// Buffers appends to dst the wire bytes starting at offset off, prefix
// included. It is used by senders to resume partial writes.
func (p *Packet) Buffers(off int, dst [][]byte) [][]byte {
	if off < PrefixLen {
		dst = append(dst, p.prefix[off:])
		off = 0
	} else {
		off -= PrefixLen
	}
	for _, c := range p.chunks {
		if off >= len(c) {
			off -= len(c)
			continue
		}
		dst = append(dst, c[off:])
		off = 0
	}
	return dst
}

// Retain adds a reference and returns p.
func (p *Packet) Retain() *Packet {
	if p.refs.Add(1) <= 1 {
		panic("packet: retain of released packet")
	}
	return p
}

// Release drops a reference. The chunks are dropped when the last reference
// goes away, in which case Release returns true.
func (p *Packet) Release() bool {
	switch n := p.refs.Add(-1); {
	case n > 0:
		return false
	case n == 0:
		p.chunks = nil
		return true
	default:
		panic("packet: release of released packet")
	}
}

// Refs returns the current reference count.
func (p *Packet) Refs() int {
	return int(p.refs.Load())
}
