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

package addr

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// DefaultResolveTTL is how long resolved host names are cached.
const DefaultResolveTTL = 5 * time.Minute

// LookupFunc resolves a host name to IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver turns node names ("host:port") into fabric addresses. Host names
// are resolved through Lookup and cached for TTL.
type Resolver struct {
	// Lookup resolves host names. If nil, net.DefaultResolver is used.
	Lookup LookupFunc
	// TTL is the cache lifetime. Zero selects DefaultResolveTTL.
	TTL time.Duration

	cache *cache.Cache
}

// NewResolver creates a resolver with the given cache TTL.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl == 0 {
		ttl = DefaultResolveTTL
	}
	return &Resolver{
		TTL:   ttl,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Resolve resolves name to all its addresses. IP literals are returned
// without a lookup.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]Addr, error) {
	host, port, err := SplitHostPort(name)
	if err != nil {
		return nil, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []Addr{FromNetIP(ip, port)}, nil
	}
	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, len(ips))
	seen := make(map[Addr]struct{}, len(ips))
	for _, ip := range ips {
		a := FromNetIP(ip, port)
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

// ResolveOne resolves name and returns the first address.
func (r *Resolver) ResolveOne(ctx context.Context, name string) (Addr, error) {
	addrs, err := r.Resolve(ctx, name)
	if err != nil {
		return Addr{}, err
	}
	return addrs[0], nil
}

// ResolveList resolves every name and concatenates the results, keeping the
// order of names.
func (r *Resolver) ResolveList(ctx context.Context, names []string) ([]Addr, error) {
	var out []Addr
	for _, n := range names {
		addrs, err := r.Resolve(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// Flush drops all cached entries.
func (r *Resolver) Flush() {
	r.c().Flush()
}

func (r *Resolver) c() *cache.Cache {
	if r.cache == nil {
		r.cache = cache.New(r.ttl(), 2*r.ttl())
	}
	return r.cache
}

func (r *Resolver) ttl() time.Duration {
	if r.TTL == 0 {
		return DefaultResolveTTL
	}
	return r.TTL
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	c := r.c()
	if v, ok := c.Get(host); ok {
		return v.([]netip.Addr), nil
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		}
	}
	ips, err := lookup(ctx, host)
	if err != nil {
		return nil, serrors.Wrap("resolving host", err, "host", host)
	}
	if len(ips) == 0 {
		return nil, serrors.New("host has no addresses", "host", host)
	}
	c.SetDefault(host, ips)
	return ips, nil
}
