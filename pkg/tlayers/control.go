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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// ControlType is the subtype of a CONTROL message.
type ControlType uint8

const (
	// ControlNoRoute reports that a destination is unreachable.
	ControlNoRoute ControlType = 1
	// ControlUpdate tells listen leaves that the topology changed.
	ControlUpdate ControlType = 2
	// ControlAuthErr reports an authentication failure.
	ControlAuthErr ControlType = 3
)

func (t ControlType) String() string {
	switch t {
	case ControlNoRoute:
		return "NOROUTE"
	case ControlUpdate:
		return "UPDATE"
	case ControlAuthErr:
		return "AUTHERR"
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(t))
}

// hasMsg reports whether the subtype carries a message string.
func (t ControlType) hasMsg() bool {
	return t == ControlNoRoute || t == ControlAuthErr
}

// ControlHdrLen is the length of the fixed CONTROL header.
const ControlHdrLen = 6 + 2*addr.WireLen

// Control is a fabric control message.
//
//	+---------+--------+--------+-----+-----+-------------+
//	| subtype | errnum | src_sd | src | dst | msg NUL     |
//	+---------+--------+--------+-----+-----+-------------+
//
// The message is present for NOROUTE and AUTHERR only.
type Control struct {
	BaseLayer
	Subtype ControlType
	ErrNum  uint8
	// SrcSD is the stream descriptor the message refers to at its
	// recipient.
	SrcSD uint32
	// Src is the address the message is about (the unreachable node for
	// NOROUTE).
	Src addr.Addr
	// Dst is the recipient.
	Dst addr.Addr
	Msg string
}

func (c *Control) LayerType() gopacket.LayerType {
	return LayerTypeControl
}

func (c *Control) CanDecode() gopacket.LayerClass {
	return LayerClassControl
}

func (c *Control) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

// FrameType implements Header.
func (c *Control) FrameType() Type {
	return TypeControl
}

func (c *Control) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ControlHdrLen {
		df.SetTruncated()
		return serrors.New("control header truncated", "len", len(data))
	}
	c.Subtype = ControlType(data[0])
	c.ErrNum = data[1]
	c.SrcSD = binary.BigEndian.Uint32(data[2:6])
	var err error
	if c.Src, err = addr.Decode(data[6:]); err != nil {
		return err
	}
	if c.Dst, err = addr.Decode(data[6+addr.WireLen:]); err != nil {
		return err
	}
	end := ControlHdrLen
	c.Msg = ""
	if c.Subtype.hasMsg() {
		nul := bytes.IndexByte(data[ControlHdrLen:], 0)
		if nul < 0 {
			df.SetTruncated()
			return serrors.New("control message not terminated", "subtype", c.Subtype)
		}
		c.Msg = string(data[ControlHdrLen : ControlHdrLen+nul])
		end += nul + 1
	}
	c.BaseLayer = BaseLayer{Contents: data[:end], Payload: data[end:]}
	return nil
}

func (c *Control) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	n := ControlHdrLen
	if c.Subtype.hasMsg() {
		n += len(c.Msg) + 1
	}
	buf, err := b.PrependBytes(n)
	if err != nil {
		return err
	}
	buf[0] = byte(c.Subtype)
	buf[1] = c.ErrNum
	binary.BigEndian.PutUint32(buf[2:6], c.SrcSD)
	c.Src.Encode(buf[6:])
	c.Dst.Encode(buf[6+addr.WireLen:])
	if c.Subtype.hasMsg() {
		copy(buf[ControlHdrLen:], c.Msg)
		buf[n-1] = 0
	}
	return nil
}

func (c *Control) String() string {
	return fmt.Sprintf("Subtype=%s ErrNum=%d SrcSD=%d Src=%s Dst=%s Msg=%q",
		c.Subtype, c.ErrNum, c.SrcSD, c.Src, c.Dst, c.Msg)
}

func decodeControl(data []byte, pb gopacket.PacketBuilder) error {
	c := &Control{}
	if err := c.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(c)
	return nil
}
