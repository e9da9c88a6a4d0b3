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

// Package leaf implements the leaf side of the fabric: an endpoint that
// attaches to the routers of the cluster and exchanges stream messages with
// other leaves.
//
// An Endpoint connects to every configured router. The position of a router
// in the configuration is its preference index; messages are sent through
// the lowest-index router that is currently joined. Lost routers are
// reconnected with backoff.
//
// Streams are addressed by small integer descriptors. A stream is created
// locally by Open and implicitly when the first message of a remote stream
// arrives. The peer's descriptor is learned from its first reply.
//
// Routing feedback is delivered through Recv like data: a message to an
// unreachable leaf yields a message of kind KindNoRoute for the stream.
// Listen endpoints additionally receive KindUpdate and KindLeave
// notifications about the cluster topology.
package leaf

import (
	"context"
	"errors"
	"fmt"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
	"github.com/batchmesh/tpp/pkg/tlayers"
	"github.com/batchmesh/tpp/private/auth"
	"github.com/batchmesh/tpp/private/transport"
)

const (
	// DefaultRecvQueue is the default capacity of the receive queue.
	DefaultRecvQueue = 1024
	// UnknownSD is the stream descriptor of a peer that is not known yet.
	UnknownSD = ^uint32(0)
)

var (
	// ErrNoRouter is returned if no router is joined.
	ErrNoRouter = errors.New("no router available")
	// ErrStreamNotFound is returned for unknown stream descriptors.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("endpoint closed")
)

// Transport is the messaging interface of a leaf.
type Transport interface {
	// Open creates a stream to the leaf with the given name.
	Open(ctx context.Context, host string) (int, error)
	// Close closes a stream.
	Close(sd int) error
	// Send queues a message on a stream.
	Send(sd int, data []byte) error
	// Recv returns the next received message.
	Recv(ctx context.Context) (Message, error)
	// Flush waits until all queued messages are written.
	Flush(ctx context.Context) error
}

// Kind classifies received messages.
type Kind int

const (
	// KindData is a stream message.
	KindData Kind = iota
	// KindClose reports that the peer closed the stream.
	KindClose
	// KindNoRoute reports that the peer of the stream is unreachable. The
	// stream is closed.
	KindNoRoute
	// KindUpdate reports a change of the cluster topology. Only listen
	// endpoints receive it.
	KindUpdate
	// KindLeave reports leaves that left the cluster. Only listen endpoints
	// receive it.
	KindLeave
	// KindAuthErr reports that a router rejected the connection.
	KindAuthErr
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindClose:
		return "close"
	case KindNoRoute:
		return "noroute"
	case KindUpdate:
		return "update"
	case KindLeave:
		return "leave"
	case KindAuthErr:
		return "autherr"
	}
	return fmt.Sprintf("UNKNOWN (%d)", int(k))
}

// Message is a received message or notification.
type Message struct {
	Kind Kind
	// SD is the local stream, -1 for topology notifications.
	SD int
	// Src is the sending leaf. For KindNoRoute it is the unreachable leaf.
	Src addr.Addr
	// Data is the payload of KindData messages and the reason text of
	// KindNoRoute and KindAuthErr.
	Data []byte
	// Addrs are the addresses of the leaf that left, for KindLeave.
	Addrs []addr.Addr
}

// Config is the endpoint configuration.
type Config struct {
	// Names are the addresses ("host:port") identifying the leaf. The first
	// one is the primary address.
	Names []string
	// Routers are the routers to attach to, in preference order.
	Routers []string
	// Listen subscribes to topology notifications.
	Listen bool
	// Transport configures the connection layer.
	Transport transport.Config
	// Auth selects the authentication and encryption methods.
	Auth auth.Config
	// Compress enables compression of large multicast descriptor blocks.
	Compress          bool
	CompressThreshold int
	// RecvQueue bounds the number of received messages not yet returned by
	// Recv. Reading from the routers is suspended while it is full.
	RecvQueue int
}

// InitDefaults sets the defaults of all unset fields.
func (c *Config) InitDefaults() {
	c.Transport.InitDefaults()
	if c.RecvQueue <= 0 {
		c.RecvQueue = DefaultRecvQueue
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = tlayers.DefaultCompressThreshold
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Names) == 0 {
		return serrors.New("leaf names not set")
	}
	if len(c.Names) > tlayers.MaxAddrs {
		return serrors.New("too many leaf names", "count", len(c.Names), "max", tlayers.MaxAddrs)
	}
	if len(c.Routers) == 0 {
		return serrors.New("no routers configured")
	}
	if len(c.Routers) > 255 {
		return serrors.New("too many routers", "count", len(c.Routers))
	}
	if err := c.Auth.Validate(); err != nil {
		return serrors.Wrap("validating auth config", err)
	}
	return nil
}
