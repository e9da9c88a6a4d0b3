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
	"github.com/gopacket/gopacket"

	"github.com/batchmesh/tpp/pkg/packet"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// Header is a fabric header that can start a packet.
type Header interface {
	gopacket.SerializableLayer
	// FrameType returns the frame type announcing this header.
	FrameType() Type
}

// payloadLengther is implemented by headers that record their payload
// length.
type payloadLengther interface {
	setPayloadLen(n int)
}

// Serialize builds a packet from h followed by the payload chunks. The
// header is serialized into a fresh buffer; payload chunks are referenced,
// not copied, so the caller must not modify them afterwards.
func Serialize(h Header, payload ...[]byte) (*packet.Packet, error) {
	n := 0
	for _, p := range payload {
		n += len(p)
	}
	if l, ok := h.(payloadLengther); ok {
		l.setPayloadLen(n)
	}
	buf := gopacket.NewSerializeBuffer()
	frame := &Frame{Type: h.FrameType()}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, frame, h); err != nil {
		return nil, serrors.Wrap("serializing header", err, "type", frame.Type)
	}
	pkt, err := packet.Build(nil, buf.Bytes(), false)
	if err != nil {
		return nil, err
	}
	for _, p := range payload {
		if pkt, err = packet.Build(pkt, p, false); err != nil {
			return nil, err
		}
	}
	return pkt, nil
}

// MustSerialize calls Serialize and panics on error. It is intended for
// tests.
func MustSerialize(h Header, payload ...[]byte) *packet.Packet {
	pkt, err := Serialize(h, payload...)
	if err != nil {
		panic(err)
	}
	return pkt
}
