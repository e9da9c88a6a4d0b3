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
	"errors"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/transport"
)

// peer is the upper layer context of a connection. It is only accessed from
// the worker owning the connection.
type peer struct {
	tfd  int
	host string
	addr addr.Addr
	auth *auth.Conn
	// node is set once a router JOIN was received, or from the start for
	// links this side connects.
	node *RouterNode
	// leaf is the directly attached leaf.
	leaf     *Leaf
	outbound bool
	// joined is set once this router sent its own JOIN on the link.
	joined bool
	// failed is set after an authentication failure; the connection is
	// being closed and further input is dropped.
	failed bool
}

func (p *peer) fromRouter() bool {
	return p.node != nil
}

func (r *Router) preSend(_ int, ctx any, pkt *packet.Packet) (*packet.Packet, error) {
	p, _ := ctx.(*peer)
	if p == nil || p.auth == nil {
		return pkt, nil
	}
	return p.auth.Seal(pkt)
}

func (r *Router) packetReceived(tfd int, ctx any, body []byte) error {
	p, _ := ctx.(*peer)
	if p == nil {
		a, _ := r.conns.PeerAddr(tfd)
		ac, err := auth.NewConn(r.cfg.Auth, auth.RoleServer, a.String())
		if err != nil {
			r.metrics.authFailed()
			return serrors.Wrap("creating auth context", err, "peer", a)
		}
		p = &peer{tfd: tfd, host: a.String(), addr: a, auth: ac}
		if err := r.conns.SetContext(tfd, p); err != nil {
			return err
		}
	}
	if p.failed {
		r.metrics.dropped(dropRejected)
		return nil
	}
	return r.dispatch(p, body, false)
}

// dispatch handles one packet body. inner is set for the decrypted content
// of an ENCRYPTED_DATA packet.
func (r *Router) dispatch(p *peer, body []byte, inner bool) error {
	parser := r.parsers.Get().(*tlayers.Parser)
	defer r.parsers.Put(parser)
	t, err := parser.Decode(body)
	if err != nil {
		r.metrics.dropped(dropMalformed)
		return serrors.JoinNoStack(transport.ErrProtocol, err, "peer", p.host, "len", len(body))
	}
	r.metrics.received(t, len(body))
	if inner {
		if t == tlayers.TypeAuthCtx || t == tlayers.TypeEncryptedData {
			r.metrics.dropped(dropMalformed)
			return serrors.JoinNoStack(transport.ErrProtocol, nil,
				"reason", "nested auth packet", "type", t, "peer", p.host)
		}
	} else if err := p.auth.Permit(t); err != nil {
		r.rejectAuth(p, err)
		return nil
	}

	switch t {
	case tlayers.TypeJoin:
		return r.handleJoin(p, &parser.Join)
	case tlayers.TypeLeave:
		return r.handleLeave(p, &parser.Leave)
	case tlayers.TypeData, tlayers.TypeCloseStream:
		r.forwardData(p, &parser.Data, body)
	case tlayers.TypeControl:
		r.forwardControl(p, &parser.Control, body)
	case tlayers.TypeMcastData:
		r.multicast(p, &parser.Mcast, parser.Mcast.Payload)
	case tlayers.TypeAuthCtx:
		return r.handleAuth(p, &parser.AuthCtx)
	case tlayers.TypeEncryptedData:
		plain, err := p.auth.Open(parser.Encrypted.Payload)
		if err != nil {
			r.rejectAuth(p, err)
			return nil
		}
		return r.dispatch(p, plain, true)
	default:
		r.metrics.dropped(dropMalformed)
		return serrors.JoinNoStack(transport.ErrProtocol, nil, "type", t, "peer", p.host)
	}
	return nil
}

func (r *Router) handleAuth(p *peer, a *tlayers.AuthCtx) error {
	pkts, err := p.auth.Handle(a.Purpose, a.Method, a.Payload)
	if err != nil {
		r.rejectAuth(p, err)
		return nil
	}
	for _, pkt := range pkts {
		r.send(p.tfd, pkt)
	}
	r.logger.Debug("Auth message processed", "tfd", p.tfd, "peer", p.host,
		"purpose", a.Purpose, "method", a.Method, "ready", p.auth.Ready())
	return r.maybeJoin(p)
}

// rejectAuth answers an authentication failure with AUTHERR and closes the
// connection once the message is flushed.
func (r *Router) rejectAuth(p *peer, cause error) {
	r.metrics.authFailed()
	r.logger.Info("Rejecting connection", "tfd", p.tfd, "peer", p.host, "err", cause)
	p.failed = true
	r.sendHeader(p.tfd, &tlayers.Control{
		Subtype: tlayers.ControlAuthErr,
		ErrNum:  uint8(unix.EACCES),
		Src:     r.Addr(),
		Dst:     p.addr,
		Msg:     cause.Error(),
	})
	if err := r.conns.Close(p.tfd); err != nil {
		r.logger.Debug("Closing rejected connection", "tfd", p.tfd, "err", err)
	}
}

func (r *Router) postConnect(tfd int, ctx any) error {
	p, ok := ctx.(*peer)
	if !ok {
		return serrors.New("outgoing connection without context", "tfd", tfd)
	}
	p.tfd = tfd
	p.failed = false
	ac, err := auth.NewConn(r.cfg.Auth, auth.RoleClient, p.host)
	if err != nil {
		return err
	}
	p.auth = ac
	pkts, err := ac.Start()
	if err != nil {
		return serrors.Wrap("starting handshake", err, "peer", p.host)
	}
	for _, pkt := range pkts {
		r.send(tfd, pkt)
	}
	return r.maybeJoin(p)
}

// maybeJoin sends the own JOIN on an outgoing link once authentication is
// complete.
func (r *Router) maybeJoin(p *peer) error {
	if !p.outbound || p.joined || !p.auth.Ready() {
		return nil
	}
	if !r.sendHeader(p.tfd, r.selfJoin()) {
		return serrors.New("sending join", "peer", p.host)
	}
	p.joined = true
	r.logger.Debug("Sent join", "tfd", p.tfd, "peer", p.host)
	return nil
}

func (r *Router) closed(tfd int, ctx any, cause error) transport.CloseAction {
	p, _ := ctx.(*peer)
	if p == nil {
		return transport.CloseDone
	}
	if p.leaf != nil {
		res := r.state.DetachLeaf(p.leaf, tfd)
		p.leaf = nil
		r.leafGone(res, true, "disconnect")
	}
	if p.node != nil && p.node.TFD == tfd {
		gone, keep := r.state.RouterDown(p.node)
		r.logger.Info("Router link lost", "tfd", tfd, "router", p.node.Name,
			"leaves_lost", len(gone), "reconnect", keep, "cause", cause)
		if keep {
			r.metrics.link(NodeConnecting)
		} else {
			r.metrics.link(NodeDisconnected)
		}
		for _, res := range gone {
			r.leafGone(res, false, "router_down")
		}
		if keep && !p.outbound && r.state.Redial(p.node) {
			r.redial(p.node)
		}
	}
	failed := p.failed
	p.auth = nil
	p.joined = false
	if !p.outbound {
		p.node = nil
		return transport.CloseDone
	}
	if errors.Is(cause, transport.ErrShutdown) {
		return transport.CloseDone
	}
	if !r.state.PeerClosed(p.node, tfd, failed) {
		r.logger.Debug("Not reconnecting router link", "tfd", tfd, "router", p.node.Name,
			"auth_failed", failed)
		if failed {
			r.metrics.link(NodeDisconnected)
		}
		return transport.CloseDone
	}
	return transport.CloseReconnect
}

// redial connects a new outgoing link to the configured router node after
// its accepted link was lost.
func (r *Router) redial(node *RouterNode) {
	if r.tp == nil {
		return
	}
	p := &peer{host: node.Name, addr: node.Addr, node: node, outbound: true}
	if _, err := r.tp.ConnectAddr(node.Addr, node.Name, r.cfg.Transport.Backoff.Min, p); err != nil {
		r.logger.Info("Reconnecting router failed", "router", node.Name, "err", err)
		r.state.PeerClosed(node, -1, true)
	}
}
