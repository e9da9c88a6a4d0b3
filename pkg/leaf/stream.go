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

package leaf

import (
	"bytes"
	"context"
	"math/rand/v2"
	"time"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/transport"
)

// pollInterval is the polling period of Wait and Flush.
const pollInterval = 5 * time.Millisecond

func waitTick() <-chan time.Time {
	return time.After(pollInterval)
}

type stream struct {
	sd  uint32
	dst addr.Addr
	// peerSD is the descriptor of the stream at the peer, UnknownSD until
	// the peer answered.
	peerSD    uint32
	magic     uint32
	peerMagic uint32
}

// streamKey identifies a stream opened by a remote leaf.
type streamKey struct {
	src   addr.Addr
	srcSD uint32
	magic uint32
}

// Open creates a stream to the leaf with the given name.
func (e *Endpoint) Open(ctx context.Context, host string) (int, error) {
	dst, err := e.cfg.Transport.Resolver.ResolveOne(ctx, host)
	if err != nil {
		return -1, serrors.Wrap("resolving destination", err, "host", host)
	}
	return e.OpenAddr(dst)
}

// OpenAddr creates a stream to dst.
func (e *Endpoint) OpenAddr(dst addr.Addr) (int, error) {
	if e.closing.Load() {
		return -1, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.newStreamLocked(dst)
	s.peerSD = UnknownSD
	return int(s.sd), nil
}

func (e *Endpoint) newStreamLocked(dst addr.Addr) *stream {
	for {
		e.nextSD++
		if e.nextSD == UnknownSD {
			e.nextSD = 1
		}
		if _, ok := e.streams[e.nextSD]; !ok {
			break
		}
	}
	s := &stream{sd: e.nextSD, dst: dst, magic: rand.Uint32()}
	e.streams[s.sd] = s
	return s
}

func (e *Endpoint) removeLocked(s *stream) {
	delete(e.streams, s.sd)
	delete(e.remote, streamKey{src: s.dst, srcSD: s.peerSD, magic: s.peerMagic})
}

// Peer returns the destination of a stream.
func (e *Endpoint) Peer(sd int) (addr.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[uint32(sd)]
	if !ok {
		return addr.Addr{}, serrors.JoinNoStack(ErrStreamNotFound, nil, "sd", sd)
	}
	return s.dst, nil
}

// header returns the DATA header for a message on sd.
func (e *Endpoint) header(sd int) (*tlayers.Data, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[uint32(sd)]
	if !ok {
		return nil, serrors.JoinNoStack(ErrStreamNotFound, nil, "sd", sd)
	}
	return &tlayers.Data{
		SrcSD:    s.sd,
		DstSD:    s.peerSD,
		SrcMagic: s.magic,
		Src:      e.addrs[0],
		Dst:      s.dst,
	}, nil
}

// Send queues a message on a stream. The data is copied.
func (e *Endpoint) Send(sd int, data []byte) error {
	h, err := e.header(sd)
	if err != nil {
		return err
	}
	tfd, err := e.route()
	if err != nil {
		return err
	}
	return e.sendHeader(tfd, h, bytes.Clone(data))
}

// SendMcast sends one message to several streams. Only one copy of the data
// travels on each link; the routers fan it out.
func (e *Endpoint) SendMcast(sds []int, data []byte) error {
	if len(sds) == 0 {
		return nil
	}
	members := make([]tlayers.Member, 0, len(sds))
	for _, sd := range sds {
		h, err := e.header(sd)
		if err != nil {
			return err
		}
		members = append(members, tlayers.Member{
			SrcSD:    h.SrcSD,
			SrcMagic: h.SrcMagic,
			DstSD:    h.DstSD,
			Dst:      h.Dst,
		})
	}
	tfd, err := e.route()
	if err != nil {
		return err
	}
	mc := &tlayers.Mcast{
		Hop:     1,
		Src:     e.addrs[0],
		Members: members,
	}
	if e.cfg.Compress {
		mc.CompressThreshold = e.cfg.CompressThreshold
	}
	return e.sendHeader(tfd, mc, bytes.Clone(data))
}

// Close closes a stream. The peer receives a message of kind KindClose.
func (e *Endpoint) Close(sd int) error {
	h, err := e.header(sd)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if s, ok := e.streams[uint32(sd)]; ok {
		e.removeLocked(s)
	}
	e.mu.Unlock()
	tfd, err := e.route()
	if err != nil {
		// Without a router the peer learns about the loss of the leaf.
		return nil
	}
	h.Close = true
	return e.sendHeader(tfd, h)
}

// receiveData delivers DATA and CLOSE_STREAM packets.
func (e *Endpoint) receiveData(tfd int, d *tlayers.Data) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fullLocked(tfd) {
		return transport.ErrReceiverFull
	}
	s := e.lookupLocked(d)
	if s == nil {
		if d.Close {
			return nil
		}
		if d.DstSD != UnknownSD {
			e.logger.Debug("Dropping message for unknown stream", "sd", d.DstSD, "src", d.Src)
			return nil
		}
		s = e.newStreamLocked(d.Src)
		s.peerSD = d.SrcSD
		s.peerMagic = d.SrcMagic
		e.remote[streamKey{src: d.Src, srcSD: d.SrcSD, magic: d.SrcMagic}] = s.sd
	}
	if d.Close {
		e.removeLocked(s)
		e.queue <- Message{Kind: KindClose, SD: int(s.sd), Src: d.Src}
		return nil
	}
	e.queue <- Message{
		Kind: KindData,
		SD:   int(s.sd),
		Src:  d.Src,
		Data: bytes.Clone(d.Payload),
	}
	return nil
}

// lookupLocked finds the local stream of a received packet. A reply to a
// locally opened stream teaches the peer descriptor.
func (e *Endpoint) lookupLocked(d *tlayers.Data) *stream {
	if d.DstSD == UnknownSD {
		sd, ok := e.remote[streamKey{src: d.Src, srcSD: d.SrcSD, magic: d.SrcMagic}]
		if !ok {
			return nil
		}
		return e.streams[sd]
	}
	s, ok := e.streams[d.DstSD]
	if !ok || s.dst != d.Src {
		return nil
	}
	if s.peerSD == UnknownSD {
		s.peerSD = d.SrcSD
		s.peerMagic = d.SrcMagic
		e.remote[streamKey{src: d.Src, srcSD: d.SrcSD, magic: d.SrcMagic}] = s.sd
	}
	return s
}

// noRoute reports an unreachable peer on its stream and closes the stream.
func (e *Endpoint) noRoute(tfd int, c *tlayers.Control) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fullLocked(tfd) {
		return transport.ErrReceiverFull
	}
	sd := -1
	if s, ok := e.streams[c.SrcSD]; ok {
		sd = int(s.sd)
		e.removeLocked(s)
	}
	e.logger.Debug("No route to leaf", "dst", c.Src, "sd", sd)
	e.queue <- Message{Kind: KindNoRoute, SD: sd, Src: c.Src, Data: []byte(c.Msg)}
	return nil
}
