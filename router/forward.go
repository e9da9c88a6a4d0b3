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

package router

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/tlayers"
)

// forwardData resends a DATA or CLOSE_STREAM packet unchanged towards its
// destination. Unroutable packets are answered with NOROUTE.
func (r *Router) forwardData(p *peer, d *tlayers.Data, body []byte) {
	hop := r.state.Route(d.Dst, p.fromRouter())
	if hop.TFD < 0 {
		r.noRoute(p, d.SrcSD, d.Src, d.Dst)
		return
	}
	r.relay(hop.TFD, body)
}

// forwardControl forwards a CONTROL packet. Unroutable control packets are
// dropped silently.
func (r *Router) forwardControl(p *peer, c *tlayers.Control, body []byte) {
	hop := r.state.Route(c.Dst, p.fromRouter())
	if hop.TFD < 0 {
		r.metrics.dropped(dropNoRoute)
		r.logger.Debug("Dropping unroutable control message", "subtype", c.Subtype,
			"dst", c.Dst)
		return
	}
	r.relay(hop.TFD, body)
}

func (r *Router) relay(tfd int, body []byte) {
	pkt, err := packet.Build(nil, body, true)
	if err != nil {
		r.metrics.dropped(dropBuild)
		r.logger.Error("Copying packet", "len", len(body), "err", err)
		return
	}
	r.send(tfd, pkt)
}

// noRoute tells the origin of a packet that dst is unreachable. src is the
// sender and srcSD its stream.
func (r *Router) noRoute(p *peer, srcSD uint32, src, dst addr.Addr) {
	r.metrics.noRoute()
	r.logger.Debug("No route", "tfd", p.tfd, "src", src, "dst", dst)
	r.sendHeader(p.tfd, &tlayers.Control{
		Subtype: tlayers.ControlNoRoute,
		ErrNum:  uint8(unix.EHOSTUNREACH),
		SrcSD:   srcSD,
		Src:     dst,
		Dst:     src,
		Msg:     fmt.Sprintf("no route to %s", dst),
	})
}

// multicast splits a multicast packet by next hop. Members attached to
// this router receive individual DATA packets, members behind other
// routers one rebuilt multicast packet per router. All packets share one
// copy of the payload.
func (r *Router) multicast(p *peer, m *tlayers.Mcast, payload []byte) {
	dsts := make([]addr.Addr, len(m.Members))
	for i, mem := range m.Members {
		dsts[i] = mem.Dst
	}
	hops := r.state.Routes(dsts, p.fromRouter())
	payload = bytes.Clone(payload)

	var order []int
	groups := make(map[int][]tlayers.Member)
	for i, mem := range m.Members {
		hop := hops[i]
		switch {
		case hop.TFD < 0:
			r.noRoute(p, mem.SrcSD, m.Src, mem.Dst)
		case hop.Direct:
			r.sendHeader(hop.TFD, &tlayers.Data{
				SrcSD:    mem.SrcSD,
				DstSD:    mem.DstSD,
				SrcMagic: mem.SrcMagic,
				Src:      m.Src,
				Dst:      mem.Dst,
			}, payload)
		default:
			if _, ok := groups[hop.TFD]; !ok {
				order = append(order, hop.TFD)
			}
			groups[hop.TFD] = append(groups[hop.TFD], mem)
		}
	}
	for _, tfd := range order {
		r.sendHeader(tfd, &tlayers.Mcast{
			Hop:               m.Hop + 1,
			Src:               m.Src,
			Members:           groups[tfd],
			CompressThreshold: r.compressThreshold(),
		}, payload)
	}
}
