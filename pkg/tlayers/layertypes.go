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

// Package tlayers implements the fabric wire headers as gopacket layers.
//
// A packet body (the bytes after the 4 byte length prefix, see package
// packet) starts with a Frame layer carrying the type byte. The frame is
// followed by exactly one header layer selected by the type, and possibly a
// payload. All multi-byte integers are in network byte order and addresses
// use the fixed 19 byte record of package addr.
package tlayers

import (
	"fmt"

	"github.com/gopacket/gopacket"
)

// Type is the packet type carried in the frame.
type Type uint8

const (
	TypeJoin          Type = 1
	TypeLeave         Type = 2
	TypeData          Type = 3
	TypeControl       Type = 4
	TypeCloseStream   Type = 5
	TypeMcastData     Type = 6
	TypeAuthCtx       Type = 7
	TypeEncryptedData Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeJoin:
		return "JOIN"
	case TypeLeave:
		return "LEAVE"
	case TypeData:
		return "DATA"
	case TypeControl:
		return "CONTROL"
	case TypeCloseStream:
		return "CLOSE_STREAM"
	case TypeMcastData:
		return "MCAST_DATA"
	case TypeAuthCtx:
		return "AUTH_CTX"
	case TypeEncryptedData:
		return "ENCRYPTED_DATA"
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(t))
}

// LayerType returns the header layer type that follows a frame of type t.
func (t Type) LayerType() gopacket.LayerType {
	switch t {
	case TypeJoin:
		return LayerTypeJoin
	case TypeLeave:
		return LayerTypeLeave
	case TypeData, TypeCloseStream:
		return LayerTypeData
	case TypeControl:
		return LayerTypeControl
	case TypeMcastData:
		return LayerTypeMcast
	case TypeAuthCtx:
		return LayerTypeAuthCtx
	case TypeEncryptedData:
		return LayerTypeEncrypted
	}
	return gopacket.LayerTypeZero
}

var (
	LayerTypeFrame = gopacket.RegisterLayerType(
		1500,
		gopacket.LayerTypeMetadata{
			Name:    "TPPFrame",
			Decoder: gopacket.DecodeFunc(decodeFrame),
		},
	)
	LayerClassFrame gopacket.LayerClass = LayerTypeFrame

	LayerTypeJoin = gopacket.RegisterLayerType(
		1501,
		gopacket.LayerTypeMetadata{
			Name:    "TPPJoin",
			Decoder: gopacket.DecodeFunc(decodeJoin),
		},
	)
	LayerClassJoin gopacket.LayerClass = LayerTypeJoin

	LayerTypeLeave = gopacket.RegisterLayerType(
		1502,
		gopacket.LayerTypeMetadata{
			Name:    "TPPLeave",
			Decoder: gopacket.DecodeFunc(decodeLeave),
		},
	)
	LayerClassLeave gopacket.LayerClass = LayerTypeLeave

	LayerTypeData = gopacket.RegisterLayerType(
		1503,
		gopacket.LayerTypeMetadata{
			Name:    "TPPData",
			Decoder: gopacket.DecodeFunc(decodeData),
		},
	)
	LayerClassData gopacket.LayerClass = LayerTypeData

	LayerTypeControl = gopacket.RegisterLayerType(
		1504,
		gopacket.LayerTypeMetadata{
			Name:    "TPPControl",
			Decoder: gopacket.DecodeFunc(decodeControl),
		},
	)
	LayerClassControl gopacket.LayerClass = LayerTypeControl

	LayerTypeMcast = gopacket.RegisterLayerType(
		1505,
		gopacket.LayerTypeMetadata{
			Name:    "TPPMcast",
			Decoder: gopacket.DecodeFunc(decodeMcast),
		},
	)
	LayerClassMcast gopacket.LayerClass = LayerTypeMcast

	LayerTypeAuthCtx = gopacket.RegisterLayerType(
		1506,
		gopacket.LayerTypeMetadata{
			Name:    "TPPAuthCtx",
			Decoder: gopacket.DecodeFunc(decodeAuthCtx),
		},
	)
	LayerClassAuthCtx gopacket.LayerClass = LayerTypeAuthCtx

	LayerTypeEncrypted = gopacket.RegisterLayerType(
		1507,
		gopacket.LayerTypeMetadata{
			Name:    "TPPEncrypted",
			Decoder: gopacket.DecodeFunc(decodeEncrypted),
		},
	)
	LayerClassEncrypted gopacket.LayerClass = LayerTypeEncrypted
)

// BaseLayer is a convenience struct which implements the LayerContents and
// LayerPayload functions of the gopacket.Layer interface.
type BaseLayer struct {
	// Contents is the set of bytes that make up this layer.
	Contents []byte
	// Payload is the set of bytes contained by (but not part of) this layer.
	Payload []byte
}

// LayerContents returns the bytes of the packet layer.
func (b *BaseLayer) LayerContents() []byte { return b.Contents }

// LayerPayload returns the bytes contained within the packet layer.
func (b *BaseLayer) LayerPayload() []byte { return b.Payload }
