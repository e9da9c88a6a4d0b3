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

// Package router implements the fabric router: it tracks the cluster
// topology announced through JOIN and LEAVE messages and forwards stream,
// control and multicast packets between leaves and other routers.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/log"
	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/mailbox"
	"github.com/batchmesh/tpp/private/periodic"
	"github.com/batchmesh/tpp/private/transport"
)

const (
	// DefaultNotifyDelay is the debounce window of UPDATE notifications.
	DefaultNotifyDelay = 3 * time.Second
	// DefaultGaugeInterval is the refresh period of the topology gauges.
	DefaultGaugeInterval = 10 * time.Second
)

// Conns is the connection layer the router sends through.
type Conns interface {
	VSend(tfd int, pkt *packet.Packet) error
	Close(tfd int) error
	SetContext(tfd int, ctx any) error
	PeerAddr(tfd int) (addr.Addr, bool)
}

// Config is the router configuration.
type Config struct {
	// Names are the node names ("host:port") of the router. The first one is
	// the primary address and, unless Listen is set, the listen address. A
	// zero port is replaced by the bound port.
	Names []string
	// Listen overrides the listen address.
	Listen string
	// Peers are the routers this router connects to.
	Peers []string
	// Transport configures the connection layer.
	Transport transport.Config
	// Auth selects the authentication and encryption methods.
	Auth auth.Config
	// Compress enables compression of multicast descriptor blocks larger
	// than CompressThreshold.
	Compress          bool
	CompressThreshold int
	// NotifyDelay is the debounce window of UPDATE notifications.
	NotifyDelay time.Duration
	// GaugeInterval is the refresh period of the topology gauges.
	GaugeInterval time.Duration
	Metrics       *Metrics
}

// InitDefaults sets the defaults of all unset fields.
func (c *Config) InitDefaults() {
	c.Transport.InitDefaults()
	if c.CompressThreshold == 0 {
		c.CompressThreshold = tlayers.DefaultCompressThreshold
	}
	if c.NotifyDelay == 0 {
		c.NotifyDelay = DefaultNotifyDelay
	}
	if c.GaugeInterval == 0 {
		c.GaugeInterval = DefaultGaugeInterval
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Names) == 0 {
		return serrors.New("router names not set")
	}
	if err := c.Auth.Validate(); err != nil {
		return serrors.Wrap("validating auth config", err)
	}
	return nil
}

// Router is a fabric router.
type Router struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	state   *State
	tp      *transport.Transport
	conns   Conns
	listen  addr.Addr
	parsers sync.Pool

	notifyMu sync.Mutex
	notifyAt time.Time

	mu     sync.Mutex
	gauges *periodic.Runner
}

// New creates a router. Names, peers and the listen address are resolved
// immediately.
func New(cfg Config, logger log.Logger) (*Router, error) {
	r, err := newRouter(cfg, logger)
	if err != nil {
		return nil, err
	}
	tcfg := r.cfg.Transport
	tcfg.ReservedPort = tcfg.ReservedPort || r.cfg.Auth.ReservedPort()
	tp, err := transport.New(tcfg, transport.Handlers{
		PreSend:        r.preSend,
		PacketReceived: r.packetReceived,
		Closed:         r.closed,
		PostConnect:    r.postConnect,
		Timer:          r.timer,
	}, r.logger)
	if err != nil {
		return nil, serrors.Wrap("creating transport", err)
	}
	r.tp = tp
	r.conns = tp
	return r, nil
}

func newRouter(cfg Config, logger log.Logger) (*Router, error) {
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ConnectTimeout)
	defer cancel()
	addrs, err := cfg.Transport.Resolver.ResolveList(ctx, cfg.Names)
	if err != nil {
		return nil, serrors.Wrap("resolving router names", err)
	}
	listen := addrs[0]
	if cfg.Listen != "" {
		if listen, err = cfg.Transport.Resolver.ResolveOne(ctx, cfg.Listen); err != nil {
			return nil, serrors.Wrap("resolving listen address", err)
		}
	}
	r := &Router{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		state:   NewState(cfg.Names[0], addrs),
		listen:  listen,
	}
	r.parsers.New = func() any { return tlayers.NewParser() }
	return r, nil
}

// Start starts the transport, listens and connects to the configured peers.
// The router shuts down when ctx is done.
func (r *Router) Start(ctx context.Context) error {
	if err := r.tp.Start(ctx); err != nil {
		return err
	}
	bound, err := r.tp.Listen(r.listen)
	if err != nil {
		r.tp.Shutdown()
		return serrors.Wrap("listening", err, "addr", r.listen)
	}
	if primary := r.Addr(); primary.Port == 0 {
		r.state.setPrimary(primary.WithPort(bound.Port))
	}
	for _, name := range r.cfg.Peers {
		if err := r.ConnectPeer(name); err != nil {
			r.tp.Shutdown()
			return err
		}
	}
	if r.metrics != nil {
		r.mu.Lock()
		r.gauges = periodic.StartWithMetrics(gaugeTask{state: r.state, metrics: r.metrics},
			r.metrics.periodic(), r.cfg.GaugeInterval, r.cfg.GaugeInterval)
		r.mu.Unlock()
	}
	r.logger.Info("Router started", "addr", r.Addr(), "listen", bound,
		"peers", r.cfg.Peers)
	return nil
}

// Run starts the router and blocks until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Shutdown()
	return nil
}

// Shutdown closes all connections and stops the router.
func (r *Router) Shutdown() {
	r.mu.Lock()
	gauges := r.gauges
	r.gauges = nil
	r.mu.Unlock()
	if gauges != nil {
		gauges.Kill()
	}
	r.tp.Shutdown()
}

// ConnectPeer connects to the router name. The link is kept and reconnected
// with backoff whenever it fails.
func (r *Router) ConnectPeer(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Transport.ConnectTimeout)
	defer cancel()
	a, err := r.cfg.Transport.Resolver.ResolveOne(ctx, name)
	if err != nil {
		return serrors.Wrap("resolving peer", err, "peer", name)
	}
	node := r.state.AddPeer(name, a)
	p := &peer{host: name, addr: a, node: node, outbound: true}
	if _, err := r.tp.ConnectAddr(a, name, 0, p); err != nil {
		return serrors.Wrap("connecting peer", err, "peer", name)
	}
	r.metrics.link(NodeConnecting)
	return nil
}

// Addr returns the primary address of the router.
func (r *Router) Addr() addr.Addr {
	return r.state.SelfAddrs()[0]
}

// State returns the topology.
func (r *Router) State() *State {
	return r.state
}

// Info describes the running router.
type Info struct {
	Name          string   `json:"name"`
	Addrs         []string `json:"addrs"`
	Peers         []string `json:"peers"`
	Workers       int      `json:"workers"`
	AuthMethod    string   `json:"auth_method"`
	EncryptMethod string   `json:"encrypt_method,omitempty"`
	Compress      bool     `json:"compress"`
	Connections   int      `json:"connections"`
}

// Info returns the description of the router.
func (r *Router) Info() Info {
	info := Info{
		Name:          r.cfg.Names[0],
		Peers:         r.cfg.Peers,
		Workers:       r.cfg.Transport.Workers,
		AuthMethod:    r.cfg.Auth.AuthMethod,
		EncryptMethod: r.cfg.Auth.EncryptMethod,
		Compress:      r.cfg.Compress,
	}
	if info.AuthMethod == "" {
		info.AuthMethod = auth.MethodNone
	}
	for _, a := range r.state.SelfAddrs() {
		info.Addrs = append(info.Addrs, a.String())
	}
	if r.tp != nil {
		info.Connections = r.tp.NumConns()
	}
	return info
}

// Topology returns a snapshot of the topology.
func (r *Router) Topology() Topology {
	return r.state.Topology()
}

func (r *Router) compressThreshold() int {
	if !r.cfg.Compress {
		return 0
	}
	return r.cfg.CompressThreshold
}

// send queues pkt on tfd. The packet is released if it cannot be queued.
func (r *Router) send(tfd int, pkt *packet.Packet) bool {
	t, n := tlayers.Type(pkt.Type()), pkt.Len()
	if err := r.conns.VSend(tfd, pkt); err != nil {
		pkt.Release()
		reason := dropConnClosed
		if errors.Is(err, mailbox.ErrFull) {
			reason = dropQueueFull
		}
		r.metrics.dropped(reason)
		r.logger.Debug("Dropping packet", "tfd", tfd, "type", t, "err", err)
		return false
	}
	r.metrics.sent(t, n)
	return true
}

func (r *Router) sendHeader(tfd int, h tlayers.Header, payload ...[]byte) bool {
	pkt, err := tlayers.Serialize(h, payload...)
	if err != nil {
		r.metrics.dropped(dropBuild)
		r.logger.Error("Building packet", "type", h.FrameType(), "err", err)
		return false
	}
	return r.send(tfd, pkt)
}

// broadcast sends one packet to every connection in tfds.
func (r *Router) broadcast(tfds []int, h tlayers.Header) {
	if len(tfds) == 0 {
		return
	}
	pkt, err := tlayers.Serialize(h)
	if err != nil {
		r.metrics.dropped(dropBuild)
		r.logger.Error("Building packet", "type", h.FrameType(), "err", err)
		return
	}
	for i, tfd := range tfds {
		if i < len(tfds)-1 {
			pkt.Retain()
		}
		r.send(tfd, pkt)
	}
}

func (r *Router) selfJoin() *tlayers.Join {
	return &tlayers.Join{
		Hop:      1,
		NodeType: tlayers.NodeRouter,
		Addrs:    r.state.SelfAddrs(),
	}
}
