// Copyright 2020 Anapaya Systems
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

package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/batchmesh/tpp/pkg/log"
	"github.com/batchmesh/tpp/pkg/private/processmetrics"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/private/app/launcher"
	"github.com/batchmesh/tpp/router"
	"github.com/batchmesh/tpp/router/config"
	api "github.com/batchmesh/tpp/router/mgmtapi"
)

var globalCfg config.Config

func main() {
	application := launcher.Application{
		TOMLConfig: &globalCfg,
		ShortName:  "TPP Router",
		Main:       realMain,
	}
	application.Run()
}

func realMain(ctx context.Context) error {
	if err := processmetrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Info("Process metrics unavailable", "err", err)
	}
	routerCfg, err := globalCfg.RouterConfig(prometheus.DefaultRegisterer)
	if err != nil {
		return serrors.Wrap("building router config", err)
	}
	r, err := router.New(routerCfg, log.New("component", "router"))
	if err != nil {
		return serrors.Wrap("creating router", err)
	}
	g, errCtx := errgroup.WithContext(ctx)

	// Initialize and start service management API.
	if globalCfg.API.Addr != "" {
		server := &api.Server{
			Router: r,
			Config: &globalCfg,
		}
		mux := chi.NewRouter()
		h := api.Handler(server, mux, "/api/v1")
		mux.Mount("/debug", middleware.Profiler())
		log.Info("Exposing API", "addr", globalCfg.API.Addr)
		mgmtServer := &http.Server{
			Addr:    globalCfg.API.Addr,
			Handler: h,
		}
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return mgmtServer.Close()
		})
		g.Go(func() error {
			defer log.HandlePanic()
			err := mgmtServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving service management API", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer log.HandlePanic()
		return globalCfg.Metrics.ServePrometheus(errCtx)
	})
	g.Go(func() error {
		defer log.HandlePanic()
		if err := r.Run(errCtx); err != nil {
			return serrors.Wrap("running router", err)
		}
		return nil
	})
	return g.Wait()
}
