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
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/transport"
)

func (r *Router) handleJoin(p *peer, j *tlayers.Join) error {
	if len(j.Addrs) == 0 {
		r.metrics.dropped(dropMalformed)
		return serrors.JoinNoStack(transport.ErrProtocol, nil, "reason", "join without address",
			"peer", p.host)
	}
	if j.NodeType == tlayers.NodeRouter {
		if j.Hop != 1 || p.leaf != nil {
			r.metrics.dropped(dropRejected)
			r.logger.Debug("Ignoring relayed router join", "tfd", p.tfd, "hop", j.Hop,
				"router", j.Addrs[0])
			return nil
		}
		return r.routerJoin(p, j)
	}
	return r.leafJoin(p, j)
}

// routerJoin registers the router on the other end of the link. The
// accepting side answers with its own JOIN; both sides then push their
// directly attached leaves.
func (r *Router) routerJoin(p *peer, j *tlayers.Join) error {
	node, err := r.state.RouterUp(p.node, j.Addrs[0], p.tfd)
	if err != nil {
		r.metrics.dropped(dropRejected)
		r.logger.Info("Rejecting router link", "tfd", p.tfd, "router", j.Addrs[0], "err", err)
		return err
	}
	p.node = node
	r.metrics.link(NodeConnected)
	r.metrics.joined(tlayers.NodeRouter)
	r.logger.Info("Router connected", "tfd", p.tfd, "router", node.Name, "addr", node.Addr,
		"initiator", node.Initiator)
	if !p.joined {
		if !r.sendHeader(p.tfd, r.selfJoin()) {
			return serrors.New("answering router join", "router", node.Name)
		}
		p.joined = true
	}
	r.pushLeaves(p.tfd)
	return nil
}

// pushLeaves announces every directly attached leaf on tfd.
func (r *Router) pushLeaves(tfd int) {
	leaves := r.state.LocalLeaves()
	for _, l := range leaves {
		r.sendHeader(tfd, &tlayers.Join{
			Hop:      2,
			NodeType: l.Type,
			Index:    l.Index,
			Addrs:    l.Addrs,
		})
	}
	r.logger.Debug("Pushed leaves", "tfd", tfd, "leaves", len(leaves))
}

func (r *Router) leafJoin(p *peer, j *tlayers.Join) error {
	direct := j.Hop <= 1
	via, tfd := r.state.Self(), p.tfd
	switch {
	case direct && p.fromRouter():
		r.metrics.dropped(dropRejected)
		return serrors.JoinNoStack(transport.ErrProtocol, nil,
			"reason", "direct leaf join from router", "peer", p.host)
	case !direct && !p.fromRouter():
		r.metrics.dropped(dropRejected)
		return serrors.JoinNoStack(transport.ErrProtocol, nil,
			"reason", "relayed join from leaf", "peer", p.host)
	case !direct:
		via, tfd = p.node, -1
	}

	res, err := r.state.LeafJoin(j, via, tfd)
	if err != nil {
		r.metrics.dropped(dropRejected)
		if direct {
			return err
		}
		r.logger.Info("Ignoring relayed leaf join", "router", p.node.Name,
			"leaf", j.Addrs[0], "err", err)
		return nil
	}
	if len(res.Trimmed) > 0 {
		r.logger.Info("Trimmed duplicate leaf addresses", "leaf", res.Leaf.Primary(),
			"trimmed", res.Trimmed)
	}
	if direct {
		p.leaf = res.Leaf
	}
	if res.Added {
		r.metrics.joined(j.NodeType)
		r.logger.Debug("Leaf joined", "leaf", res.Leaf.Primary(), "type", j.NodeType,
			"index", j.Index, "hop", j.Hop, "tfd", p.tfd, "created", res.Created)
	}
	r.armNotify()
	if direct && res.Added {
		r.broadcast(r.state.ConnectedRouters(-1), &tlayers.Join{
			Hop:      j.Hop + 1,
			NodeType: j.NodeType,
			Index:    j.Index,
			Addrs:    j.Addrs,
		})
	}
	return nil
}

func (r *Router) handleLeave(p *peer, lv *tlayers.Leave) error {
	if len(lv.Addrs) == 0 {
		return nil
	}
	if p.fromRouter() {
		res := r.state.LeafLeave(lv.Addrs, p.node, -1)
		r.leafGone(res, false, "leave")
		return nil
	}
	res := r.state.LeafLeave(lv.Addrs, r.state.Self(), p.tfd)
	if res.Leaf != nil && res.Leaf == p.leaf {
		p.leaf = nil
	}
	r.leafGone(res, true, "leave")
	return nil
}

// leafGone propagates the removal of a leaf route. A local route removal
// is relayed to the routers; a deleted leaf is announced to the directly
// attached listen leaves.
func (r *Router) leafGone(res LeaveResult, local bool, cause string) {
	if res.Leaf == nil {
		return
	}
	r.metrics.left(cause)
	r.logger.Debug("Leaf route removed", "leaf", res.Leaf.Primary(), "local", local,
		"deleted", res.Deleted, "cause", cause)
	if local {
		r.broadcast(r.state.ConnectedRouters(-1), &tlayers.Leave{Hop: 2, Addrs: res.Addrs})
	}
	if res.Deleted {
		r.notifyLeave(res)
	}
}

func (r *Router) notifyLeave(res LeaveResult) {
	for tfd := range r.state.ListenLeaves() {
		r.sendHeader(tfd, &tlayers.Leave{Hop: 1, Addrs: res.Addrs})
	}
}
