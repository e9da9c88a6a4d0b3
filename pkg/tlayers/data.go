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
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// DataHdrLen is the length of the DATA header.
const DataHdrLen = 16 + 2*addr.WireLen

// Data is the header of a stream message (DATA) or a stream close
// notification (CLOSE_STREAM). Both share one layout.
//
//	+--------+--------+-----------+--------+-----+-----+---------+
//	| src_sd | dst_sd | src_magic | totlen | src | dst | payload |
//	+--------+--------+-----------+--------+-----+-----+---------+
type Data struct {
	BaseLayer
	// Close selects CLOSE_STREAM instead of DATA on serialization. It is set
	// by Parser on decode.
	Close    bool
	SrcSD    uint32
	DstSD    uint32
	SrcMagic uint32
	// TotLen is the payload length.
	TotLen uint32
	Src    addr.Addr
	Dst    addr.Addr
}

func (d *Data) LayerType() gopacket.LayerType {
	return LayerTypeData
}

func (d *Data) CanDecode() gopacket.LayerClass {
	return LayerClassData
}

func (d *Data) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// FrameType implements Header.
func (d *Data) FrameType() Type {
	if d.Close {
		return TypeCloseStream
	}
	return TypeData
}

func (d *Data) setPayloadLen(n int) {
	d.TotLen = uint32(n)
}

func (d *Data) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < DataHdrLen {
		df.SetTruncated()
		return serrors.New("data header truncated", "len", len(data))
	}
	d.SrcSD = binary.BigEndian.Uint32(data[0:4])
	d.DstSD = binary.BigEndian.Uint32(data[4:8])
	d.SrcMagic = binary.BigEndian.Uint32(data[8:12])
	d.TotLen = binary.BigEndian.Uint32(data[12:16])
	var err error
	if d.Src, err = addr.Decode(data[16:]); err != nil {
		return err
	}
	if d.Dst, err = addr.Decode(data[16+addr.WireLen:]); err != nil {
		return err
	}
	if int(d.TotLen) != len(data)-DataHdrLen {
		df.SetTruncated()
		return serrors.New("data length mismatch",
			"totlen", d.TotLen, "actual", len(data)-DataHdrLen)
	}
	d.BaseLayer = BaseLayer{Contents: data[:DataHdrLen], Payload: data[DataHdrLen:]}
	return nil
}

func (d *Data) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(DataHdrLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[0:4], d.SrcSD)
	binary.BigEndian.PutUint32(buf[4:8], d.DstSD)
	binary.BigEndian.PutUint32(buf[8:12], d.SrcMagic)
	binary.BigEndian.PutUint32(buf[12:16], d.TotLen)
	d.Src.Encode(buf[16:])
	d.Dst.Encode(buf[16+addr.WireLen:])
	return nil
}

func (d *Data) String() string {
	return fmt.Sprintf("Close=%v SrcSD=%d DstSD=%d SrcMagic=%#x TotLen=%d Src=%s Dst=%s",
		d.Close, d.SrcSD, d.DstSD, d.SrcMagic, d.TotLen, d.Src, d.Dst)
}

func decodeData(data []byte, pb gopacket.PacketBuilder) error {
	d := &Data{}
	if err := d.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(d)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}
