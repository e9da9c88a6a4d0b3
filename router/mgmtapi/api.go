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

// Package mgmtapi implements the http status API of the router.
package mgmtapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/pelletier/go-toml/v2"

	api "github.com/batchmesh/tpp/private/mgmtapi"
	"github.com/batchmesh/tpp/router"
)

// Observable is the router state exposed by the API.
type Observable interface {
	Info() router.Info
	Topology() router.Topology
}

// Server implements the http status API of the router.
type Server struct {
	Router Observable
	// Config is the daemon configuration served by GetConfig. Nil disables
	// the endpoint.
	Config any
}

// Problem is the body of an error response.
type Problem struct {
	Detail *string `json:"detail,omitempty"`
	Status int     `json:"status"`
	Title  string  `json:"title"`
	Type   *string `json:"type,omitempty"`
}

// TopologyResponse is the response of GetTopology.
type TopologyResponse struct {
	router.Topology
	// RouteCount is the number of leaves reachable through each router.
	RouteCount map[string]int `json:"route_count"`
}

// Handler mounts the API on r under baseURL and returns the handler.
func Handler(s *Server, r chi.Router, baseURL string) http.Handler {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Route(baseURL, func(r chi.Router) {
		r.Get("/info", s.GetInfo)
		r.Get("/topology", s.GetTopology)
		r.Get("/config", s.GetConfig)
	})
	return r
}

// GetInfo returns the description of the router.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Router.Info())
}

// GetTopology returns the routers and leaves known to the router.
func (s *Server) GetTopology(w http.ResponseWriter, r *http.Request) {
	topo := s.Router.Topology()
	rep := TopologyResponse{
		Topology:   topo,
		RouteCount: make(map[string]int, len(topo.Routers)+1),
	}
	rep.RouteCount[topo.Self.Addr] = topo.Self.Leaves
	for _, rt := range topo.Routers {
		rep.RouteCount[rt.Addr] = rt.Leaves
	}
	writeJSON(w, rep)
}

// GetConfig returns the configuration in TOML.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	if s.Config == nil {
		ErrorResponse(w, Problem{
			Status: http.StatusNotFound,
			Title:  "configuration not available",
			Type:   api.StringRef(api.NotFound),
		})
		return
	}
	raw, err := toml.Marshal(s.Config)
	if err != nil {
		ErrorResponse(w, Problem{
			Detail: api.StringRef(err.Error()),
			Status: http.StatusInternalServerError,
			Title:  "unable to marshal configuration",
			Type:   api.StringRef(api.InternalError),
		})
		return
	}
	w.Header().Set("Content-Type", "application/toml")
	_, _ = w.Write(raw)
}

func writeJSON(w http.ResponseWriter, v any) {
	raw, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		ErrorResponse(w, Problem{
			Detail: api.StringRef(err.Error()),
			Status: http.StatusInternalServerError,
			Title:  "unable to marshal response",
			Type:   api.StringRef(api.InternalError),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(raw, '\n'))
}

// ErrorResponse writes a detailed error response.
func ErrorResponse(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	// no point in catching error here, there is nothing we can do about it anymore.
	_ = enc.Encode(p)
}
