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

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// Frame is the one byte type tag at the start of every packet body.
type Frame struct {
	BaseLayer
	Type Type
}

func (f *Frame) LayerType() gopacket.LayerType {
	return LayerTypeFrame
}

func (f *Frame) CanDecode() gopacket.LayerClass {
	return LayerClassFrame
}

func (f *Frame) NextLayerType() gopacket.LayerType {
	return f.Type.LayerType()
}

func (f *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 1 {
		df.SetTruncated()
		return serrors.New("empty packet")
	}
	f.Type = Type(data[0])
	if f.Type.LayerType() == gopacket.LayerTypeZero {
		return serrors.New("unknown packet type", "type", data[0])
	}
	f.BaseLayer = BaseLayer{Contents: data[:1], Payload: data[1:]}
	return nil
}

func (f *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(1)
	if err != nil {
		return err
	}
	buf[0] = byte(f.Type)
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("Type=%s", f.Type)
}

func decodeFrame(data []byte, pb gopacket.PacketBuilder) error {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(f)
	return pb.NextDecoder(f.NextLayerType())
}
