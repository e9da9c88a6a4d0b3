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
	"context"
	"time"

	"github.com/batchmesh/tpp/pkg/tlayers"
)

// armNotify (re)starts the UPDATE debounce window.
func (r *Router) armNotify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notifyAt = time.Now().Add(r.cfg.NotifyDelay)
}

// timer is the transport timer handler. It sends the pending UPDATE once
// the debounce window expired and returns the time left otherwise.
func (r *Router) timer(now time.Time) time.Duration {
	r.notifyMu.Lock()
	at := r.notifyAt
	due := !at.IsZero() && !now.Before(at)
	if due {
		r.notifyAt = time.Time{}
	}
	r.notifyMu.Unlock()

	switch {
	case due:
		r.sendUpdate()
		return 0
	case at.IsZero():
		return 0
	}
	return at.Sub(now)
}

// sendUpdate sends one UPDATE control message to every directly attached
// listen leaf.
func (r *Router) sendUpdate() {
	self := r.Addr()
	listen := r.state.ListenLeaves()
	for tfd, a := range listen {
		r.sendHeader(tfd, &tlayers.Control{
			Subtype: tlayers.ControlUpdate,
			Src:     self,
			Dst:     a,
		})
	}
	r.metrics.updated(len(listen))
	if len(listen) > 0 {
		r.logger.Debug("Sent topology update", "listeners", len(listen))
	}
}

// gaugeTask refreshes the topology gauges.
type gaugeTask struct {
	state   *State
	metrics *Metrics
}

func (gaugeTask) Name() string {
	return "router_topology_gauges"
}

func (t gaugeTask) Run(context.Context) {
	routers, leaves, local, listen := t.state.Counts()
	t.metrics.Routers.Set(float64(routers))
	t.metrics.Leaves.Set(float64(leaves))
	t.metrics.LocalLeaves.Set(float64(local))
	t.metrics.ListenLeaves.Set(float64(listen))
}
