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
	"fmt"
	"slices"
	"sync"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/index"
)

var (
	// ErrNoAddress is returned for a leaf JOIN whose addresses are all owned
	// by other leaves.
	ErrNoAddress = errors.New("no insertable leaf address")
	// ErrDuplicateRouter is returned for a router JOIN of a router that is
	// already connected over another link.
	ErrDuplicateRouter = errors.New("router already connected")
)

// NodeState is the link state of a router node.
type NodeState int

const (
	NodeDisconnected NodeState = iota
	NodeConnecting
	NodeConnected
)

func (s NodeState) String() string {
	switch s {
	case NodeDisconnected:
		return "disconnected"
	case NodeConnecting:
		return "connecting"
	case NodeConnected:
		return "connected"
	}
	return fmt.Sprintf("UNKNOWN (%d)", int(s))
}

// RouterNode is a router of the cluster. The node of the local router is
// part of every State.
type RouterNode struct {
	Name string
	Addr addr.Addr
	// TFD is the connection to the router, -1 while unreachable.
	TFD   int
	State NodeState
	// Initiator is set for links this side connects. Those are kept and
	// reconnected when they fail.
	Initiator bool
	// dialing is set while an outgoing connection to the router exists.
	dialing bool
	// Leaves are the leaves reachable through the router by primary address.
	Leaves *index.Index[addr.Addr, *Leaf]
}

func newRouterNode(name string, a addr.Addr) *RouterNode {
	return &RouterNode{
		Name:   name,
		Addr:   a,
		TFD:    -1,
		Leaves: index.New[addr.Addr, *Leaf](),
	}
}

// Leaf is a leaf of the cluster.
type Leaf struct {
	// ID is the first address inserted for the leaf. It is owned by the leaf
	// and identifies it across JOINs.
	ID addr.Addr
	// Addrs are the addresses owned by the leaf in the cluster leaf index.
	Addrs []addr.Addr
	// TFD is the connection of a directly attached leaf, -1 otherwise.
	TFD  int
	Type tlayers.NodeType
	// Routers are the routers the leaf is attached to, by preference index.
	Routers []*RouterNode
	// NumRouters is the number of non-nil entries of Routers.
	NumRouters int
}

// Primary returns the primary address.
func (l *Leaf) Primary() addr.Addr {
	return l.ID
}

// announced returns the addresses to announce for the leaf: the ID first,
// followed by the other owned addresses.
func (l *Leaf) announced() []addr.Addr {
	out := make([]addr.Addr, 0, len(l.Addrs)+1)
	out = append(out, l.ID)
	for _, a := range l.Addrs {
		if a != l.ID {
			out = append(out, a)
		}
	}
	return out
}

// indexOf returns the first preference index of r, or -1.
func (l *Leaf) indexOf(r *RouterNode) int {
	return slices.Index(l.Routers, r)
}

// detach removes every route through r and returns how many there were.
func (l *Leaf) detach(r *RouterNode) int {
	n := 0
	for i, e := range l.Routers {
		if e == r {
			l.Routers[i] = nil
			n++
		}
	}
	l.NumRouters -= n
	for len(l.Routers) > 0 && l.Routers[len(l.Routers)-1] == nil {
		l.Routers = l.Routers[:len(l.Routers)-1]
	}
	return n
}

// JoinResult is the outcome of a leaf JOIN.
type JoinResult struct {
	Leaf *Leaf
	// Addrs are the addresses of the leaf after the JOIN.
	Addrs []addr.Addr
	// Created is set if the leaf was not known before.
	Created bool
	// Added is set if the route was not known before.
	Added bool
	// Trimmed are the JOIN addresses owned by other leaves.
	Trimmed []addr.Addr
}

// LeaveResult is the outcome of removing a leaf route.
type LeaveResult struct {
	Leaf *Leaf
	// Addrs are the addresses of the leaf, ID first.
	Addrs []addr.Addr
	Type  tlayers.NodeType
	// Deleted is set if the leaf has no routes left and was removed.
	Deleted bool
}

// Hop is the next hop towards a destination.
type Hop struct {
	// TFD is the connection to send on, -1 if there is no route.
	TFD int
	// Direct is set if the destination is attached to this router.
	Direct bool
}

// LocalLeaf describes a directly attached leaf.
type LocalLeaf struct {
	Addrs []addr.Addr
	Type  tlayers.NodeType
	Index uint8
	TFD   int
}

// State is the cluster topology as seen by one router: the router index,
// the cluster leaf index keyed by every leaf address, the notify index of
// directly attached listen leaves and the node of this router. All methods
// are safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	self    *RouterNode
	addrs   []addr.Addr
	routers *index.Index[addr.Addr, *RouterNode]
	leaves  *index.Index[addr.Addr, *Leaf]
	// ids holds every leaf by primary address.
	ids    *index.Index[addr.Addr, *Leaf]
	notify *index.Index[addr.Addr, *Leaf]
}

// NewState creates the topology of the router with the given name and
// addresses. The first address is the primary one.
func NewState(name string, addrs []addr.Addr) *State {
	self := newRouterNode(name, addrs[0])
	self.State = NodeConnected
	return &State{
		self:    self,
		addrs:   slices.Clone(addrs),
		routers: index.New[addr.Addr, *RouterNode](),
		leaves:  index.New[addr.Addr, *Leaf](),
		ids:     index.New[addr.Addr, *Leaf](),
		notify:  index.New[addr.Addr, *Leaf](),
	}
}

// Self returns the node of this router.
func (s *State) Self() *RouterNode {
	return s.self
}

// SelfAddrs returns the addresses of this router.
func (s *State) SelfAddrs() []addr.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.addrs)
}

// setPrimary replaces the primary address, used once the listening port is
// known.
func (s *State) setPrimary(a addr.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[0] = a
	s.self.Addr = a
}

// AddPeer registers a configured router this side connects to.
func (s *State) AddPeer(name string, a addr.Addr) *RouterNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.routers.Find(a); ok {
		r.Initiator = true
		r.dialing = true
		return r
	}
	r := newRouterNode(name, a)
	r.State = NodeConnecting
	r.Initiator = true
	r.dialing = true
	s.routers.Insert(a, r)
	return r
}

// PeerClosed records that the outgoing link tfd to r closed. It reports
// whether the link is to be reconnected. It is not after an authentication
// failure, which leaves r disconnected, nor while r is connected over
// another link.
func (s *State) PeerClosed(r *RouterNode, tfd int, failed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case r.State == NodeConnected && r.TFD != tfd:
		r.dialing = false
		return false
	case failed:
		r.dialing = false
		r.State = NodeDisconnected
		return false
	}
	return true
}

// Redial reports whether a new outgoing connection to r is needed after
// its accepted link was lost. It marks r as dialing if so.
func (s *State) Redial(r *RouterNode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.Initiator || r.dialing || r.State == NodeConnected {
		return false
	}
	r.dialing = true
	r.State = NodeConnecting
	return true
}

// RouterUp records the router JOIN received on tfd. node is the node of an
// outgoing link, nil for accepted links, which are looked up by a.
//
// Only one link per router is kept. If both routers connect to each other
// before either link is up, the link connected by the router with the lower
// address wins and the accepting side rejects the other one.
func (s *State) RouterUp(node *RouterNode, a addr.Addr, tfd int) (*RouterNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node == nil {
		if r, ok := s.routers.Find(a); ok {
			if !s.acceptLink(r, a, tfd) {
				return nil, serrors.JoinNoStack(ErrDuplicateRouter, nil,
					"router", a, "tfd", r.TFD, "state", r.State, "dialing", r.dialing)
			}
			node = r
		} else {
			node = newRouterNode(a.String(), a)
			s.routers.Insert(a, node)
		}
	} else if node.State == NodeConnected && node.TFD != tfd {
		return nil, serrors.JoinNoStack(ErrDuplicateRouter, nil,
			"router", a, "tfd", node.TFD, "state", node.State)
	}
	node.TFD = tfd
	node.State = NodeConnected
	return node, nil
}

// acceptLink decides whether the accepted link tfd of the known router r at a
// is kept.
func (s *State) acceptLink(r *RouterNode, a addr.Addr, tfd int) bool {
	switch {
	case r.TFD == tfd:
		return true
	case r.State == NodeConnected:
		return false
	case !r.dialing:
		return true
	}
	return a.Less(s.self.Addr)
}

// RouterDown detaches every leaf reachable through r after its link was
// lost. Leaves left without route are removed and returned. Routers this
// side initiated are kept for reconnection, which is reported by keep.
func (s *State) RouterDown(r *RouterNode) (gone []LeaveResult, keep bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Leaves.Ascend(func(_ addr.Addr, l *Leaf) bool {
		l.detach(r)
		if l.NumRouters == 0 {
			gone = append(gone, s.deleteLeaf(l))
		}
		return true
	})
	r.Leaves.Clear()
	r.TFD = -1
	if r.Initiator {
		r.State = NodeConnecting
		return gone, true
	}
	r.State = NodeDisconnected
	if cur, ok := s.routers.Find(r.Addr); ok && cur == r {
		s.routers.Delete(r.Addr)
	}
	return gone, false
}

// LeafJoin records a leaf JOIN received through via. tfd is the connection
// of a directly attached leaf (via is the local node) and ignored
// otherwise. Addresses owned by other leaves are trimmed; a JOIN without any
// address left is rejected.
func (s *State) LeafJoin(j *tlayers.Join, via *RouterNode, tfd int) (JoinResult, error) {
	if len(j.Addrs) == 0 {
		return JoinResult{}, serrors.JoinNoStack(ErrNoAddress, nil, "reason", "empty join")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res JoinResult
	l := s.identify(j.Addrs)
	for _, a := range j.Addrs {
		owner, ok := s.leaves.Find(a)
		switch {
		case !ok:
			if l == nil {
				l = &Leaf{ID: a, TFD: -1, Type: j.NodeType}
				s.ids.Insert(l.ID, l)
				res.Created = true
			}
			l.Addrs = append(l.Addrs, a)
			s.leaves.Insert(a, l)
		case owner != l:
			res.Trimmed = append(res.Trimmed, a)
		}
	}
	if l == nil {
		return JoinResult{}, serrors.JoinNoStack(ErrNoAddress, nil,
			"first", j.Addrs[0], "addrs", len(j.Addrs))
	}

	idx := int(j.Index)
	if idx >= len(l.Routers) {
		l.Routers = append(l.Routers, make([]*RouterNode, idx+1-len(l.Routers))...)
	}
	switch prev := l.Routers[idx]; prev {
	case via:
	case nil:
		l.Routers[idx] = via
		l.NumRouters++
		res.Added = true
	default:
		l.Routers[idx] = via
		res.Added = true
		if l.indexOf(prev) < 0 {
			prev.Leaves.Delete(l.Primary())
		}
	}
	via.Leaves.Insert(l.Primary(), l)
	if via == s.self {
		l.TFD = tfd
		l.Type = j.NodeType
		if l.Type == tlayers.NodeListen {
			s.notify.Insert(l.Primary(), l)
		}
	}
	res.Leaf = l
	res.Addrs = slices.Clone(l.Addrs)
	return res, nil
}

// LeafLeave removes the routes through via of the leaf owning one of addrs.
// For the local node only the leaf attached on tfd matches. A leaf without
// remaining route is deleted.
func (s *State) LeafLeave(addrs []addr.Addr, via *RouterNode, tfd int) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(addrs) == 0 {
		return LeaveResult{}
	}
	candidates := make([]*Leaf, 0, len(addrs)+1)
	if l := s.identify(addrs); l != nil {
		candidates = append(candidates, l)
	}
	if via == s.self {
		for _, a := range addrs {
			if l, ok := s.leaves.Find(a); ok {
				candidates = append(candidates, l)
			}
		}
	}
	for _, l := range candidates {
		if l.indexOf(via) < 0 {
			continue
		}
		if via == s.self && l.TFD != tfd {
			continue
		}
		return s.removeRoute(l, via)
	}
	return LeaveResult{}
}

// identify returns the known leaf announced by addrs, nil for a new leaf.
// Leading addresses owned by other leaves are skipped. The first address
// that is free or the ID of its owner decides.
func (s *State) identify(addrs []addr.Addr) *Leaf {
	var skipped []*Leaf
	for _, a := range addrs {
		owner, ok := s.leaves.Find(a)
		switch {
		case !ok:
			return nil
		case owner.ID != a:
			skipped = append(skipped, owner)
		case slices.Contains(skipped, owner):
			return nil
		default:
			return owner
		}
	}
	return nil
}

// DetachLeaf removes the direct route of l after its connection tfd was
// lost.
func (s *State) DetachLeaf(l *Leaf, tfd int) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.TFD != tfd || l.indexOf(s.self) < 0 {
		return LeaveResult{}
	}
	return s.removeRoute(l, s.self)
}

func (s *State) removeRoute(l *Leaf, via *RouterNode) LeaveResult {
	l.detach(via)
	via.Leaves.Delete(l.Primary())
	if via == s.self {
		l.TFD = -1
		s.notify.Delete(l.Primary())
	}
	if l.NumRouters == 0 {
		return s.deleteLeaf(l)
	}
	return LeaveResult{Leaf: l, Addrs: l.announced(), Type: l.Type}
}

func (s *State) deleteLeaf(l *Leaf) LeaveResult {
	for _, a := range l.Addrs {
		if owner, ok := s.leaves.Find(a); ok && owner == l {
			s.leaves.Delete(a)
		}
	}
	if cur, ok := s.ids.Find(l.ID); ok && cur == l {
		s.ids.Delete(l.ID)
	}
	s.notify.Delete(l.Primary())
	return LeaveResult{Leaf: l, Addrs: l.announced(), Type: l.Type, Deleted: true}
}

// Route returns the next hop towards the leaf owning dst.
func (s *State) Route(dst addr.Addr, fromRouter bool) Hop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.route(dst, fromRouter)
}

// Routes returns the next hop of every destination under one lookup.
func (s *State) Routes(dsts []addr.Addr, fromRouter bool) []Hop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hops := make([]Hop, len(dsts))
	for i, dst := range dsts {
		hops[i] = s.route(dst, fromRouter)
	}
	return hops
}

func (s *State) route(dst addr.Addr, fromRouter bool) Hop {
	l, ok := s.leaves.Find(dst)
	if !ok {
		return Hop{TFD: -1}
	}
	return s.preferredRoute(l, fromRouter)
}

// preferredRoute picks the direct connection if the leaf is attached here,
// otherwise the connected router with the lowest preference index. Packets
// received from a router are only delivered to attached leaves.
func (s *State) preferredRoute(l *Leaf, fromRouter bool) Hop {
	if l.TFD >= 0 {
		return Hop{TFD: l.TFD, Direct: true}
	}
	if fromRouter {
		return Hop{TFD: -1}
	}
	for _, r := range l.Routers {
		if r == nil || r == s.self {
			continue
		}
		if r.State == NodeConnected && r.TFD >= 0 {
			return Hop{TFD: r.TFD}
		}
	}
	return Hop{TFD: -1}
}

// Lookup returns a copy of the leaf owning a.
func (s *State) Lookup(a addr.Addr) (Leaf, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leaves.Find(a)
	if !ok {
		return Leaf{}, false
	}
	c := *l
	c.Addrs = slices.Clone(l.Addrs)
	c.Routers = slices.Clone(l.Routers)
	return c, true
}

// LocalLeaves returns the directly attached leaves.
func (s *State) LocalLeaves() []LocalLeaf {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalLeaf, 0, s.self.Leaves.Len())
	s.self.Leaves.Ascend(func(_ addr.Addr, l *Leaf) bool {
		out = append(out, LocalLeaf{
			Addrs: l.announced(),
			Type:  l.Type,
			Index: uint8(l.indexOf(s.self)),
			TFD:   l.TFD,
		})
		return true
	})
	return out
}

// ConnectedRouters returns the connections of all connected routers except
// the one on tfd.
func (s *State) ConnectedRouters(except int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tfds []int
	s.routers.Ascend(func(_ addr.Addr, r *RouterNode) bool {
		if r.State == NodeConnected && r.TFD >= 0 && r.TFD != except {
			tfds = append(tfds, r.TFD)
		}
		return true
	})
	return tfds
}

// ListenLeaves returns the connections and primary addresses of the
// directly attached listen leaves.
func (s *State) ListenLeaves() map[int]addr.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]addr.Addr, s.notify.Len())
	s.notify.Ascend(func(a addr.Addr, l *Leaf) bool {
		if l.TFD >= 0 {
			out[l.TFD] = a
		}
		return true
	})
	return out
}

// Counts returns the number of known routers, leaves, directly attached
// leaves and listen leaves.
func (s *State) Counts() (routers, leaves, local, listen int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routers.Len(), s.ids.Len(), s.self.Leaves.Len(), s.notify.Len()
}
