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

// Package addr contains the fabric address type.
//
// An address identifies a fabric node (leaf or router) by IP address and
// port. Addresses are comparable, so they can be used as map keys, and
// totally ordered through Compare, so they can key the ordered routing
// index. On the wire an address is a fixed 19 byte record: the IP as four
// 32 bit words, the port and a family byte, all in network byte order.
package addr

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// WireLen is the encoded length of an address.
const WireLen = 19

// DefaultPort is used for router names that carry no port.
const DefaultPort = 17001

// Family discriminates the address families.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyUnspec:
		return "unspec"
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(f))
}

var ErrMalformed = errors.New("malformed address")

// Addr is a fabric node address. IPv4 addresses occupy the first four bytes
// of IP, the rest is zero.
//
// The zero value is the unspecified address.
type Addr struct {
	IP     [16]byte
	Port   uint16
	Family Family
}

// FromAddrPort converts a netip.AddrPort. IPv4-mapped IPv6 addresses are
// unmapped.
func FromAddrPort(ap netip.AddrPort) Addr {
	ip := ap.Addr().Unmap()
	a := Addr{Port: ap.Port()}
	switch {
	case ip.Is4():
		a.Family = FamilyIPv4
		v4 := ip.As4()
		copy(a.IP[:4], v4[:])
	case ip.Is6():
		a.Family = FamilyIPv6
		a.IP = ip.As16()
	}
	return a
}

// FromNetIP builds an address from an IP and port.
func FromNetIP(ip netip.Addr, port uint16) Addr {
	return FromAddrPort(netip.AddrPortFrom(ip, port))
}

// AddrPort returns the address as netip.AddrPort. The unspecified address
// yields the zero AddrPort.
func (a Addr) AddrPort() netip.AddrPort {
	switch a.Family {
	case FamilyIPv4:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(a.IP[:4])), a.Port)
	case FamilyIPv6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.IP), a.Port)
	}
	return netip.AddrPort{}
}

// WithPort returns a copy of a with the port replaced.
func (a Addr) WithPort(port uint16) Addr {
	a.Port = port
	return a
}

// IsZero reports whether a is the unspecified address.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// Compare returns an integer comparing two addresses by family, IP and port.
func (a Addr) Compare(b Addr) int {
	if c := cmp.Compare(a.Family, b.Family); c != 0 {
		return c
	}
	if c := bytes.Compare(a.IP[:], b.IP[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// Less reports whether a sorts before b.
func (a Addr) Less(b Addr) bool {
	return a.Compare(b) < 0
}

func (a Addr) String() string {
	if a.Family == FamilyUnspec {
		return "<unspec>:" + strconv.Itoa(int(a.Port))
	}
	return a.AddrPort().String()
}

// Encode writes the wire record of a to b. b must be at least WireLen bytes.
func (a Addr) Encode(b []byte) {
	_ = b[WireLen-1]
	copy(b[:16], a.IP[:])
	binary.BigEndian.PutUint16(b[16:18], a.Port)
	b[18] = byte(a.Family)
}

// Decode reads a wire record.
func Decode(b []byte) (Addr, error) {
	if len(b) < WireLen {
		return Addr{}, serrors.JoinNoStack(ErrMalformed, nil, "len", len(b))
	}
	a := Addr{
		Port:   binary.BigEndian.Uint16(b[16:18]),
		Family: Family(b[18]),
	}
	copy(a.IP[:], b[:16])
	switch a.Family {
	case FamilyUnspec, FamilyIPv6:
	case FamilyIPv4:
		if !bytes.Equal(a.IP[4:], make([]byte, 12)) {
			return Addr{}, serrors.JoinNoStack(ErrMalformed, nil, "reason", "ipv4 padding")
		}
	default:
		return Addr{}, serrors.JoinNoStack(ErrMalformed, nil, "family", a.Family)
	}
	return a, nil
}

// ParseLiteral parses "ip:port" where ip is an IP literal. A missing port
// selects DefaultPort.
func ParseLiteral(s string) (Addr, error) {
	host, port, err := SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return Addr{}, serrors.Wrap("parsing ip", err, "input", s)
	}
	return FromNetIP(ip, port), nil
}

// MustParseLiteral calls ParseLiteral and panics on error. It is intended
// for use with hard-coded strings.
func MustParseLiteral(s string) Addr {
	a, err := ParseLiteral(s)
	if err != nil {
		panic(err)
	}
	return a
}

// SplitHostPort splits "host:port". A missing port yields DefaultPort.
// Bracketed IPv6 literals are supported.
func SplitHostPort(s string) (string, uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, serrors.New("empty host")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port: either a plain host or an unbracketed IPv6 literal.
		if strings.Count(s, ":") == 1 {
			return "", 0, serrors.Wrap("splitting host and port", err, "input", s)
		}
		return strings.Trim(s, "[]"), DefaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, serrors.Wrap("parsing port", err, "input", s)
	}
	return host, uint16(port), nil
}

// SplitList splits a comma-separated list of node names, dropping empty
// entries.
func SplitList(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
