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

	"github.com/batchmesh/tpp/pkg/private/serrors"
)

// Parser decodes packet bodies into preallocated layers. A Parser is not
// safe for concurrent use; the decoded layers reference the input and are
// valid until the next call to Decode.
type Parser struct {
	Frame     Frame
	Join      Join
	Leave     Leave
	Data      Data
	Control   Control
	Mcast     Mcast
	AuthCtx   AuthCtx
	Encrypted Encrypted
	Payload   gopacket.Payload

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser creates a parser.
func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 3)}
	p.parser = gopacket.NewDecodingLayerParser(LayerTypeFrame,
		&p.Frame, &p.Join, &p.Leave, &p.Data, &p.Control, &p.Mcast,
		&p.AuthCtx, &p.Encrypted, &p.Payload,
	)
	return p
}

// Decode decodes body and returns its type.
func (p *Parser) Decode(body []byte) (Type, error) {
	p.Payload = nil
	if err := p.parser.DecodeLayers(body, &p.decoded); err != nil {
		return 0, serrors.Wrap("decoding packet", err)
	}
	if len(p.decoded) < 2 {
		return 0, serrors.New("packet without header", "type", p.Frame.Type)
	}
	p.Data.Close = p.Frame.Type == TypeCloseStream
	return p.Frame.Type, nil
}

// Decoded returns the layer types decoded by the last call to Decode.
func (p *Parser) Decoded() []gopacket.LayerType {
	return p.decoded
}
