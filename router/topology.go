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
	"github.com/batchmesh/tpp/pkg/addr"
)

// Topology is a snapshot of the routing state.
type Topology struct {
	Self    RouterInfo   `json:"self"`
	Routers []RouterInfo `json:"routers"`
	Leaves  []LeafInfo   `json:"leaves"`
}

// RouterInfo describes a router.
type RouterInfo struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	State     string `json:"state"`
	Initiator bool   `json:"initiator"`
	Leaves    int    `json:"leaves"`
}

// LeafInfo describes a leaf.
type LeafInfo struct {
	Addrs []string `json:"addrs"`
	Type  string   `json:"type"`
	// Direct is set for leaves attached to this router.
	Direct bool `json:"direct"`
	// Routers are the router addresses by preference index, empty for
	// unused indexes.
	Routers []string `json:"routers"`
}

// Topology returns a snapshot of the state. Routers and leaves are ordered
// by address.
func (s *State) Topology() Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := Topology{
		Self:    routerInfo(s.self),
		Routers: make([]RouterInfo, 0, s.routers.Len()),
		Leaves:  make([]LeafInfo, 0, s.ids.Len()),
	}
	s.routers.Ascend(func(_ addr.Addr, r *RouterNode) bool {
		t.Routers = append(t.Routers, routerInfo(r))
		return true
	})
	s.ids.Ascend(func(_ addr.Addr, l *Leaf) bool {
		info := LeafInfo{
			Type:    l.Type.String(),
			Direct:  l.TFD >= 0,
			Routers: make([]string, len(l.Routers)),
		}
		for _, a := range l.announced() {
			info.Addrs = append(info.Addrs, a.String())
		}
		for i, r := range l.Routers {
			if r != nil {
				info.Routers[i] = r.Addr.String()
			}
		}
		t.Leaves = append(t.Leaves, info)
		return true
	})
	return t
}

func routerInfo(r *RouterNode) RouterInfo {
	return RouterInfo{
		Name:      r.Name,
		Addr:      r.Addr.String(),
		State:     r.State.String(),
		Initiator: r.Initiator,
		Leaves:    r.Leaves.Len(),
	}
}
