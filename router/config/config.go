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

// Package config describes the configuration of the router daemon.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/log"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/config"
	"github.com/batchmesh/tpp/private/env"
	api "github.com/batchmesh/tpp/private/mgmtapi"
	"github.com/batchmesh/tpp/private/transport"
	"github.com/batchmesh/tpp/router"
)

const (
	// RoleRouter is the only role served by the router daemon.
	RoleRouter = "router"

	DefaultKeepaliveIdle     = 60 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultKeepaliveCount    = 5
)

var _ config.Config = (*Config)(nil)

// Config is the router daemon configuration.
type Config struct {
	General env.General  `toml:"general,omitempty"`
	Logging log.Config   `toml:"log,omitempty"`
	Metrics env.Metrics  `toml:"metrics,omitempty"`
	API     api.Config   `toml:"api,omitempty"`
	Router  RouterConfig `toml:"router,omitempty"`
}

// InitDefaults initializes the default values for all parts of the config.
func (cfg *Config) InitDefaults() {
	config.InitAll(
		&cfg.General,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Router,
	)
}

// Validate validates all parts of the config.
func (cfg *Config) Validate() error {
	return config.ValidateAll(
		&cfg.General,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Router,
	)
}

// Sample generates a sample config file for the router.
func (cfg *Config) Sample(dst io.Writer, path config.Path, _ config.CtxMap) {
	config.WriteSample(dst, path, config.CtxMap{config.ID: idSample},
		&cfg.General,
		&cfg.Logging,
		&cfg.Metrics,
		&cfg.API,
		&cfg.Router,
	)
}

// RouterConfig returns the configuration of the router instance. Metrics
// are registered with reg if it is not nil.
func (cfg *Config) RouterConfig(reg prometheus.Registerer) (router.Config, error) {
	r := &cfg.Router
	authCfg, err := r.auth()
	if err != nil {
		return router.Config{}, err
	}
	rc := router.Config{
		Names:  addr.SplitList(r.Names),
		Listen: r.Listen,
		Peers:  r.Peers,
		Transport: transport.Config{
			Workers:     cfg.General.Workers,
			BufferLimit: r.BufferLimitKB * 1024,
			Keepalive:   r.Keepalive.transport(),
			Backoff: transport.Backoff{
				Min:  r.ReconnectMin.Duration,
				Step: r.ReconnectStep.Duration,
				Max:  r.ReconnectMax.Duration,
			},
		},
		Auth:              authCfg,
		Compress:          r.Compression,
		CompressThreshold: r.CompressThreshold,
		NotifyDelay:       r.NotifyDelay.Duration,
	}
	if reg != nil {
		rc.Metrics = router.NewMetrics(reg)
		rc.Transport.Metrics = transport.NewMetrics(reg)
	}
	return rc, nil
}

// RouterConfig is the [router] block.
type RouterConfig struct {
	// Names are the comma-separated addresses of the router. The first one
	// is the primary address.
	Names string `toml:"names,omitempty"`
	// Listen is the listening address. It defaults to the primary name.
	Listen string `toml:"listen,omitempty"`
	// Role must be "router".
	Role string `toml:"role,omitempty"`
	// Peers are the routers to link to.
	Peers []string `toml:"peers,omitempty"`
	// Compression enables compression of multicast descriptor blocks.
	Compression       bool `toml:"compression,omitempty"`
	CompressThreshold int  `toml:"compress_threshold,omitempty"`
	// AuthMethod authenticates connections.
	AuthMethod string `toml:"auth_method,omitempty"`
	// EncryptMethod encrypts connections. Empty disables encryption.
	EncryptMethod string `toml:"encrypt_method,omitempty"`
	// PSKFile holds the pre-shared key of the key agreement methods.
	PSKFile string `toml:"psk_file,omitempty"`
	// BufferLimitKB bounds the send queue of a connection. Zero is
	// unlimited.
	BufferLimitKB int             `toml:"buffer_limit_kb,omitempty"`
	NotifyDelay   config.Duration `toml:"notify_delay,omitempty"`
	ReconnectMin  config.Duration `toml:"reconnect_min,omitempty"`
	ReconnectStep config.Duration `toml:"reconnect_step,omitempty"`
	ReconnectMax  config.Duration `toml:"reconnect_max,omitempty"`
	Keepalive     Keepalive       `toml:"keepalive,omitempty"`
}

func (cfg *RouterConfig) InitDefaults() {
	if cfg.Role == "" {
		cfg.Role = RoleRouter
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = auth.MethodNone
	}
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = tlayers.DefaultCompressThreshold
	}
	initDuration(&cfg.NotifyDelay, router.DefaultNotifyDelay)
	initDuration(&cfg.ReconnectMin, transport.DefaultBackoffMin)
	initDuration(&cfg.ReconnectStep, transport.DefaultBackoffStep)
	initDuration(&cfg.ReconnectMax, transport.DefaultBackoffMax)
	cfg.Keepalive.InitDefaults()
}

func (cfg *RouterConfig) Validate() error {
	if strings.TrimSpace(cfg.Names) == "" {
		return serrors.New("router names not set")
	}
	if cfg.Role != RoleRouter {
		return serrors.New("unsupported role", "role", cfg.Role, "expected", RoleRouter)
	}
	if cfg.BufferLimitKB < 0 {
		return serrors.New("negative buffer limit", "buffer_limit_kb", cfg.BufferLimitKB)
	}
	if cfg.ReconnectMin.Duration > cfg.ReconnectMax.Duration {
		return serrors.New("reconnect_min exceeds reconnect_max",
			"min", cfg.ReconnectMin, "max", cfg.ReconnectMax)
	}
	a := auth.Config{AuthMethod: cfg.AuthMethod, EncryptMethod: cfg.EncryptMethod}
	if err := a.Validate(); err != nil {
		return err
	}
	return cfg.Keepalive.Validate()
}

func (cfg *RouterConfig) auth() (auth.Config, error) {
	a := auth.Config{AuthMethod: cfg.AuthMethod, EncryptMethod: cfg.EncryptMethod}
	if cfg.PSKFile == "" {
		return a, nil
	}
	psk, err := os.ReadFile(cfg.PSKFile)
	if err != nil {
		return auth.Config{}, serrors.Wrap("reading pre-shared key", err, "file", cfg.PSKFile)
	}
	a.PSK = []byte(strings.TrimSpace(string(psk)))
	if len(a.PSK) == 0 {
		return auth.Config{}, serrors.New("empty pre-shared key", "file", cfg.PSKFile)
	}
	return a, nil
}

func (cfg *RouterConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, routerSample)
	config.WriteSample(dst, path, ctx, &cfg.Keepalive)
}

func (cfg *RouterConfig) ConfigName() string {
	return "router"
}

// Keepalive is the [router.keepalive] block.
type Keepalive struct {
	Enabled  *bool           `toml:"enabled,omitempty"`
	Idle     config.Duration `toml:"idle,omitempty"`
	Interval config.Duration `toml:"interval,omitempty"`
	Count    int             `toml:"count,omitempty"`
}

func (cfg *Keepalive) InitDefaults() {
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	initDuration(&cfg.Idle, DefaultKeepaliveIdle)
	initDuration(&cfg.Interval, DefaultKeepaliveInterval)
	if cfg.Count == 0 {
		cfg.Count = DefaultKeepaliveCount
	}
}

func (cfg *Keepalive) Validate() error {
	if cfg.Count < 0 {
		return serrors.New("negative keepalive count", "count", cfg.Count)
	}
	return nil
}

func (cfg *Keepalive) transport() transport.Keepalive {
	return transport.Keepalive{
		Enabled:  cfg.Enabled != nil && *cfg.Enabled,
		Idle:     cfg.Idle.Duration,
		Interval: cfg.Interval.Duration,
		Count:    cfg.Count,
	}
}

func (cfg *Keepalive) Sample(dst io.Writer, _ config.Path, _ config.CtxMap) {
	config.WriteString(dst, keepaliveSample)
}

func (cfg *Keepalive) ConfigName() string {
	return "keepalive"
}

func initDuration(d *config.Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}
