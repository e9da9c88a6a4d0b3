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

// Purpose tells which session an AUTH_CTX message belongs to.
type Purpose uint8

const (
	PurposeAuth    Purpose = 1
	PurposeEncrypt Purpose = 2
)

func (p Purpose) String() string {
	switch p {
	case PurposeAuth:
		return "auth"
	case PurposeEncrypt:
		return "encrypt"
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(p))
}

// AuthCtx carries handshake data of an authentication or encryption
// session. The handshake data is the payload.
//
//	+---------+----------+--------+----------------+
//	| purpose | name_len | method | handshake data |
//	+---------+----------+--------+----------------+
type AuthCtx struct {
	BaseLayer
	Purpose Purpose
	Method  string
}

func (a *AuthCtx) LayerType() gopacket.LayerType {
	return LayerTypeAuthCtx
}

func (a *AuthCtx) CanDecode() gopacket.LayerClass {
	return LayerClassAuthCtx
}

func (a *AuthCtx) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// FrameType implements Header.
func (a *AuthCtx) FrameType() Type {
	return TypeAuthCtx
}

func (a *AuthCtx) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 2 {
		df.SetTruncated()
		return serrors.New("auth header truncated", "len", len(data))
	}
	a.Purpose = Purpose(data[0])
	if a.Purpose != PurposeAuth && a.Purpose != PurposeEncrypt {
		return serrors.New("invalid auth purpose", "purpose", data[0])
	}
	n := int(data[1])
	if len(data) < 2+n {
		df.SetTruncated()
		return serrors.New("auth method truncated", "len", len(data), "name_len", n)
	}
	a.Method = string(data[2 : 2+n])
	a.BaseLayer = BaseLayer{Contents: data[:2+n], Payload: data[2+n:]}
	return nil
}

func (a *AuthCtx) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(a.Method) > 255 {
		return serrors.New("auth method name too long", "method", a.Method)
	}
	buf, err := b.PrependBytes(2 + len(a.Method))
	if err != nil {
		return err
	}
	buf[0] = byte(a.Purpose)
	buf[1] = uint8(len(a.Method))
	copy(buf[2:], a.Method)
	return nil
}

func (a *AuthCtx) String() string {
	return fmt.Sprintf("Purpose=%s Method=%s", a.Purpose, a.Method)
}

func decodeAuthCtx(data []byte, pb gopacket.PacketBuilder) error {
	a := &AuthCtx{}
	if err := a.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(a)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}

// Encrypted wraps a complete inner packet body in ciphertext. It has no
// header of its own; the ciphertext is the payload.
type Encrypted struct {
	BaseLayer
}

func (e *Encrypted) LayerType() gopacket.LayerType {
	return LayerTypeEncrypted
}

func (e *Encrypted) CanDecode() gopacket.LayerClass {
	return LayerClassEncrypted
}

func (e *Encrypted) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// FrameType implements Header.
func (e *Encrypted) FrameType() Type {
	return TypeEncryptedData
}

func (e *Encrypted) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	e.BaseLayer = BaseLayer{Contents: data[:0], Payload: data}
	return nil
}

func (e *Encrypted) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	return nil
}

func decodeEncrypted(data []byte, pb gopacket.PacketBuilder) error {
	e := &Encrypted{}
	if err := e.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(e)
	return pb.NextDecoder(gopacket.LayerTypePayload)
}
