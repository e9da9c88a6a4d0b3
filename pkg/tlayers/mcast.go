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
	"io"

	"github.com/gopacket/gopacket"
	"github.com/klauspost/compress/zlib"

	"github.com/batchmesh/tpp/pkg/addr"
	"github.com/batchmesh/tpp/pkg/private/serrors"
)

const (
	// McastHdrLen is the length of the fixed MCAST_DATA header.
	McastHdrLen = 17 + addr.WireLen
	// MemberLen is the length of one member descriptor.
	MemberLen = 12 + addr.WireLen
	// DefaultCompressThreshold is the descriptor block size above which the
	// block is compressed.
	DefaultCompressThreshold = 1024
	// MaxMembers bounds the member count of a single multicast packet.
	MaxMembers = 1 << 16
)

// Member describes one destination stream of a multicast packet.
type Member struct {
	SrcSD    uint32
	SrcMagic uint32
	DstSD    uint32
	Dst      addr.Addr
}

// MemberBlock is the uncompressed descriptor block of a multicast packet.
type MemberBlock []byte

// EncodeMembers encodes ms into a descriptor block.
func EncodeMembers(ms []Member) MemberBlock {
	b := make(MemberBlock, len(ms)*MemberLen)
	for i, m := range ms {
		e := b[i*MemberLen:]
		binary.BigEndian.PutUint32(e[0:4], m.SrcSD)
		binary.BigEndian.PutUint32(e[4:8], m.SrcMagic)
		binary.BigEndian.PutUint32(e[8:12], m.DstSD)
		m.Dst.Encode(e[12:])
	}
	return b
}

// Members decodes the block into n member descriptors.
func (b MemberBlock) Members(n int) ([]Member, error) {
	if len(b) != n*MemberLen {
		return nil, serrors.New("member block length mismatch", "len", len(b), "members", n)
	}
	ms := make([]Member, n)
	for i := range ms {
		e := b[i*MemberLen:]
		dst, err := addr.Decode(e[12:])
		if err != nil {
			return nil, err
		}
		ms[i] = Member{
			SrcSD:    binary.BigEndian.Uint32(e[0:4]),
			SrcMagic: binary.BigEndian.Uint32(e[4:8]),
			DstSD:    binary.BigEndian.Uint32(e[8:12]),
			Dst:      dst,
		}
	}
	return ms, nil
}

// Compress returns the zlib compressed block.
func (b MemberBlock) Compress() ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, serrors.Wrap("compressing member block", err)
	}
	if err := w.Close(); err != nil {
		return nil, serrors.Wrap("compressing member block", err)
	}
	return buf.Bytes(), nil
}

// DecompressMembers inflates a compressed descriptor block that must expand
// to exactly rawLen bytes.
func DecompressMembers(compressed []byte, rawLen int) (MemberBlock, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, serrors.Wrap("decompressing member block", err)
	}
	defer r.Close()
	b := make(MemberBlock, rawLen+1)
	n, err := io.ReadFull(r, b)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
	case err != nil:
		return nil, serrors.Wrap("decompressing member block", err)
	}
	if n != rawLen {
		return nil, serrors.New("member block length mismatch", "expected", rawLen, "actual", n)
	}
	return b[:n], nil
}

// Mcast is the header of a multicast packet: one payload addressed to many
// destination streams.
//
//	+-----+-------+----------+-----------+--------+-----+-------+---------+
//	| hop | count | info_len | comp_len  | totlen | src | block | payload |
//	+-----+-------+----------+-----------+--------+-----+-------+---------+
//
// info_len is the raw descriptor block length; comp_len is the compressed
// length, or zero if the block is sent raw.
type Mcast struct {
	BaseLayer
	Hop        uint8
	NumMembers uint32
	InfoLen    uint32
	CompLen    uint32
	TotLen     uint32
	Src        addr.Addr
	// Members are the destinations. On decode they are filled from the
	// (decompressed) block.
	Members []Member
	// CompressThreshold enables compression of descriptor blocks larger than
	// the threshold on serialization. Zero disables compression.
	CompressThreshold int
}

func (m *Mcast) LayerType() gopacket.LayerType {
	return LayerTypeMcast
}

func (m *Mcast) CanDecode() gopacket.LayerClass {
	return LayerClassMcast
}

func (m *Mcast) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// FrameType implements Header.
func (m *Mcast) FrameType() Type {
	return TypeMcastData
}

func (m *Mcast) setPayloadLen(n int) {
	m.TotLen = uint32(n)
}

func (m *Mcast) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < McastHdrLen {
		df.SetTruncated()
		return serrors.New("mcast header truncated", "len", len(data))
	}
	m.Hop = data[0]
	m.NumMembers = binary.BigEndian.Uint32(data[1:5])
	m.InfoLen = binary.BigEndian.Uint32(data[5:9])
	m.CompLen = binary.BigEndian.Uint32(data[9:13])
	m.TotLen = binary.BigEndian.Uint32(data[13:17])
	var err error
	if m.Src, err = addr.Decode(data[17:]); err != nil {
		return err
	}
	if m.NumMembers > MaxMembers {
		return serrors.New("too many members", "count", m.NumMembers)
	}
	if int(m.InfoLen) != int(m.NumMembers)*MemberLen {
		return serrors.New("invalid info length", "info_len", m.InfoLen, "members", m.NumMembers)
	}
	blockLen := int(m.InfoLen)
	if m.CompLen != 0 {
		blockLen = int(m.CompLen)
	}
	rest := data[McastHdrLen:]
	if len(rest) < blockLen || len(rest)-blockLen != int(m.TotLen) {
		df.SetTruncated()
		return serrors.New("mcast length mismatch", "block", blockLen,
			"totlen", m.TotLen, "actual", len(rest))
	}
	block := MemberBlock(rest[:blockLen])
	if m.CompLen != 0 {
		if block, err = DecompressMembers(block, int(m.InfoLen)); err != nil {
			return err
		}
	}
	if m.Members, err = block.Members(int(m.NumMembers)); err != nil {
		return err
	}
	end := McastHdrLen + blockLen
	m.BaseLayer = BaseLayer{Contents: data[:end], Payload: data[end:]}
	return nil
}

func (m *Mcast) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(m.Members) > MaxMembers {
		return serrors.New("too many members", "count", len(m.Members))
	}
	block := EncodeMembers(m.Members)
	wire := []byte(block)
	m.NumMembers = uint32(len(m.Members))
	m.InfoLen = uint32(len(block))
	m.CompLen = 0
	if m.CompressThreshold > 0 && len(block) > m.CompressThreshold {
		compressed, err := block.Compress()
		if err != nil {
			return err
		}
		if len(compressed) < len(block) {
			wire = compressed
			m.CompLen = uint32(len(compressed))
		}
	}
	buf, err := b.PrependBytes(McastHdrLen + len(wire))
	if err != nil {
		return err
	}
	buf[0] = m.Hop
	binary.BigEndian.PutUint32(buf[1:5], m.NumMembers)
	binary.BigEndian.PutUint32(buf[5:9], m.InfoLen)
	binary.BigEndian.PutUint32(buf[9:13], m.CompLen)
	binary.BigEndian.PutUint32(buf[13:17], m.TotLen)
	m.Src.Encode(buf[17:])
	copy(buf[McastHdrLen:], wire)
	return nil
}

func (m *Mcast) String() string {
	return fmt.Sprintf("Hop=%d NumMembers=%d InfoLen=%d CompLen=%d TotLen=%d Src=%s",
		m.Hop, m.NumMembers, m.InfoLen, m.CompLen, m.TotLen, m.Src)
}

func decodeMcast(data []byte, pb gopacket.PacketBuilder) error {
	m := &Mcast{}
	if err := m.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(m)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}
