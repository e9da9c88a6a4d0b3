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

package tlayers

import (
	"fmt"

	"github.com/gopacket/gopacket"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// NodeType classifies the sender of a JOIN.
type NodeType uint8

const (
	NodeLeaf   NodeType = 0
	NodeListen NodeType = 1
	NodeRouter NodeType = 2
)

func (t NodeType) String() string {
	switch t {
	case NodeLeaf:
		return "leaf"
	case NodeListen:
		return "listen"
	case NodeRouter:
		return "router"
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(t))
}

// IsLeaf reports whether t is one of the leaf types.
func (t NodeType) IsLeaf() bool {
	return t == NodeLeaf || t == NodeListen
}

const (
	joinHdrLen  = 4
	leaveHdrLen = 3
	// MaxAddrs is the maximum number of addresses in a JOIN or LEAVE.
	MaxAddrs = 255
)

// Join announces a node and its addresses.
//
//	 0        1           2       3
//	+--------+-----------+-------+-------+----------------+
//	|  hop   | node_type | index | count | count x addr   |
//	+--------+-----------+-------+-------+----------------+
type Join struct {
	BaseLayer
	// Hop is 1 for a JOIN from the node itself and incremented on relay.
	Hop uint8
	// NodeType is the type of the announced node.
	NodeType NodeType
	// Index is the preference index of the router the leaf joined through.
	Index uint8
	// Addrs are the addresses of the node. The first one is the primary
	// address.
	Addrs []addr.Addr
}

func (j *Join) LayerType() gopacket.LayerType {
	return LayerTypeJoin
}

func (j *Join) CanDecode() gopacket.LayerClass {
	return LayerClassJoin
}

func (j *Join) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// FrameType implements Header.
func (j *Join) FrameType() Type {
	return TypeJoin
}

func (j *Join) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < joinHdrLen {
		df.SetTruncated()
		return serrors.New("join header truncated", "len", len(data))
	}
	j.Hop = data[0]
	j.NodeType = NodeType(data[1])
	j.Index = data[2]
	count := int(data[3])
	if j.NodeType > NodeRouter {
		return serrors.New("invalid node type", "type", data[1])
	}
	addrs, rest, err := decodeAddrs(data[joinHdrLen:], count, df)
	if err != nil {
		return err
	}
	j.Addrs = addrs
	j.BaseLayer = BaseLayer{Contents: data[:len(data)-len(rest)], Payload: rest}
	return nil
}

func (j *Join) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(j.Addrs) > MaxAddrs {
		return serrors.New("too many addresses", "count", len(j.Addrs))
	}
	buf, err := b.PrependBytes(joinHdrLen + len(j.Addrs)*addr.WireLen)
	if err != nil {
		return err
	}
	buf[0] = j.Hop
	buf[1] = byte(j.NodeType)
	buf[2] = j.Index
	buf[3] = uint8(len(j.Addrs))
	encodeAddrs(buf[joinHdrLen:], j.Addrs)
	return nil
}

func (j *Join) String() string {
	return fmt.Sprintf("Hop=%d NodeType=%s Index=%d Addrs=%v", j.Hop, j.NodeType, j.Index, j.Addrs)
}

func decodeJoin(data []byte, pb gopacket.PacketBuilder) error {
	j := &Join{}
	if err := j.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(j)
	return nil
}

// Leave announces the departure of a node.
//
//	 0      1       2
//	+------+-------+-------+----------------+
//	| hop  | ecode | count | count x addr   |
//	+------+-------+-------+----------------+
type Leave struct {
	BaseLayer
	Hop   uint8
	ECode uint8
	Addrs []addr.Addr
}

func (l *Leave) LayerType() gopacket.LayerType {
	return LayerTypeLeave
}

func (l *Leave) CanDecode() gopacket.LayerClass {
	return LayerClassLeave
}

func (l *Leave) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// FrameType implements Header.
func (l *Leave) FrameType() Type {
	return TypeLeave
}

func (l *Leave) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < leaveHdrLen {
		df.SetTruncated()
		return serrors.New("leave header truncated", "len", len(data))
	}
	l.Hop = data[0]
	l.ECode = data[1]
	addrs, rest, err := decodeAddrs(data[leaveHdrLen:], int(data[2]), df)
	if err != nil {
		return err
	}
	l.Addrs = addrs
	l.BaseLayer = BaseLayer{Contents: data[:len(data)-len(rest)], Payload: rest}
	return nil
}

func (l *Leave) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(l.Addrs) > MaxAddrs {
		return serrors.New("too many addresses", "count", len(l.Addrs))
	}
	buf, err := b.PrependBytes(leaveHdrLen + len(l.Addrs)*addr.WireLen)
	if err != nil {
		return err
	}
	buf[0] = l.Hop
	buf[1] = l.ECode
	buf[2] = uint8(len(l.Addrs))
	encodeAddrs(buf[leaveHdrLen:], l.Addrs)
	return nil
}

func (l *Leave) String() string {
	return fmt.Sprintf("Hop=%d ECode=%d Addrs=%v", l.Hop, l.ECode, l.Addrs)
}

func decodeLeave(data []byte, pb gopacket.PacketBuilder) error {
	l := &Leave{}
	if err := l.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(l)
	return nil
}

func decodeAddrs(data []byte, count int, df gopacket.DecodeFeedback) ([]addr.Addr, []byte, error) {
	if len(data) < count*addr.WireLen {
		df.SetTruncated()
		return nil, nil, serrors.New("address list truncated", "count", count, "len", len(data))
	}
	addrs := make([]addr.Addr, count)
	for i := range addrs {
		a, err := addr.Decode(data[i*addr.WireLen:])
		if err != nil {
			return nil, nil, err
		}
		addrs[i] = a
	}
	return addrs, data[count*addr.WireLen:], nil
}

func encodeAddrs(buf []byte, addrs []addr.Addr) {
	for i, a := range addrs {
		a.Encode(buf[i*addr.WireLen:])
	}
}
