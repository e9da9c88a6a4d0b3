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

package transport

import (
	"errors"
	"math/rand/v2"

	"golang.org/x/sys/unix"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

const (
	// reservedPortLow and reservedPortHigh delimit the privileged source
	// ports used when the auth method requires one.
	reservedPortLow  = 512
	reservedPortHigh = 1023

	listenBacklog = 1024
)

// ErrNoReservedPort is returned when no privileged port is available.
var ErrNoReservedPort = errors.New("no reserved port available")

func toSockaddr(a addr.Addr) (unix.Sockaddr, int, error) {
	switch a.Family {
	case addr.FamilyIPv4:
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		copy(sa.Addr[:], a.IP[:4])
		return sa, unix.AF_INET, nil
	case addr.FamilyIPv6:
		return &unix.SockaddrInet6{Port: int(a.Port), Addr: a.IP}, unix.AF_INET6, nil
	}
	return nil, 0, serrors.New("unsupported address family", "addr", a)
}

func fromSockaddr(sa unix.Sockaddr) addr.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		a := addr.Addr{Family: addr.FamilyIPv4, Port: uint16(sa.Port)}
		copy(a.IP[:4], sa.Addr[:])
		return a
	case *unix.SockaddrInet6:
		a := addr.Addr{Family: addr.FamilyIPv6, Port: uint16(sa.Port), IP: sa.Addr}
		// Normalizes IPv4-mapped peers of dual stack listeners.
		return addr.FromAddrPort(a.AddrPort())
	}
	return addr.Addr{}
}

// newSocket creates a non-blocking, close-on-exec TCP socket.
func newSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, serrors.Wrap("creating socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, serrors.Wrap("setting non-blocking", err)
	}
	return fd, nil
}

// tune applies the per connection socket options.
func tune(fd int, ka Keepalive) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return serrors.Wrap("setting TCP_NODELAY", err)
	}
	if !ka.Enabled {
		return nil
	}
	if err := setKeepalive(fd, ka); err != nil {
		return serrors.Wrap("setting keepalive", err, "idle", ka.Idle,
			"interval", ka.Interval, "count", ka.Count)
	}
	return nil
}

// bindReserved binds fd to a free privileged port. Probing starts at a
// random port and walks downwards, wrapping around once.
func bindReserved(fd, domain int) (uint16, error) {
	span := reservedPortHigh - reservedPortLow + 1
	start := reservedPortLow + rand.IntN(span)
	for i := 0; i < span; i++ {
		port := start - i
		if port < reservedPortLow {
			port += span
		}
		var sa unix.Sockaddr
		if domain == unix.AF_INET6 {
			sa = &unix.SockaddrInet6{Port: port}
		} else {
			sa = &unix.SockaddrInet4{Port: port}
		}
		err := unix.Bind(fd, sa)
		switch {
		case err == nil:
			return uint16(port), nil
		case errors.Is(err, unix.EADDRINUSE):
			continue
		default:
			return 0, serrors.Wrap("binding reserved port", err, "port", port)
		}
	}
	return 0, ErrNoReservedPort
}

// startConnect initiates a non-blocking connect. It reports whether the
// connection was established immediately.
func startConnect(fd int, sa unix.Sockaddr) (bool, error) {
	err := unix.Connect(fd, sa)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return false, nil
	}
	return false, err
}

// socketError returns the pending error of fd.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// listenSocket creates a listening socket bound to a and returns it with the
// address actually bound.
func listenSocket(a addr.Addr) (int, addr.Addr, error) {
	sa, domain, err := toSockaddr(a)
	if err != nil {
		return -1, addr.Addr{}, err
	}
	fd, err := newSocket(domain)
	if err != nil {
		return -1, addr.Addr{}, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, addr.Addr{}, serrors.Wrap("setting SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, addr.Addr{}, serrors.Wrap("binding listener", err, "addr", a)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, addr.Addr{}, serrors.Wrap("listening", err, "addr", a)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, addr.Addr{}, serrors.Wrap("reading listener address", err)
	}
	return fd, fromSockaddr(local), nil
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR)
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
