// Package wire encodes the messages exchanged by replicating peers and the
// frames that multiplex them over one connection.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Common errors returned by the wire package.
var (
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrMalformed    = errors.New("malformed message")
	ErrFrameTooLong = errors.New("frame exceeds maximum size")
)

// Kind identifies a message type on the wire.
type Kind uint8

// Message kinds. The values are fixed by the protocol.
const (
	KindFeed      Kind = 0
	KindHandshake Kind = 1
	KindHave      Kind = 3
	KindWant      Kind = 5
	KindRequest   Kind = 7
	KindData      Kind = 9
)

// String returns a string representation of the message kind.
func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "Feed"
	case KindHandshake:
		return "Handshake"
	case KindHave:
		return "Have"
	case KindWant:
		return "Want"
	case KindRequest:
		return "Request"
	case KindData:
		return "Data"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
	// AppendTo appends the encoded payload to b.
	AppendTo(b []byte) []byte
	unmarshal(b []byte) error
}

// Encode returns the payload encoding of m.
func Encode(m Message) []byte {
	return m.AppendTo(nil)
}

// Decode parses a payload of the given kind.
func Decode(kind Kind, payload []byte) (Message, error) {
	var m Message
	switch kind {
	case KindFeed:
		m = &Feed{}
	case KindHandshake:
		m = &Handshake{}
	case KindHave:
		m = &Have{}
	case KindWant:
		m = &Want{}
	case KindRequest:
		m = &Request{}
	case KindData:
		m = &Data{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if err := m.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return m, nil
}

// Feed announces which log a channel replicates.
type Feed struct {
	DiscoveryKey []byte
	Nonce        []byte
}

// Handshake carries connection level capabilities. It is sent once per
// channel after Feed.
type Handshake struct {
	ID         []byte
	Live       bool
	UserData   []byte
	Extensions []string
	Ack        bool
}

// Have announces availability. Without a bitfield it covers Length blocks
// from Start (one block when Length is nil). With a bitfield it carries the
// RLE encoded presence of the range starting at Start.
type Have struct {
	Start    uint64
	Length   *uint64
	Bitfield []byte
}

// Want asks the peer for availability of a range. A zero length asks for
// everything from Start.
type Want struct {
	Start  uint64
	Length uint64
}

// Request asks the peer for one block.
type Request struct {
	Index uint64
	Bytes uint64
	Hash  bool
	Nodes uint64
}

// Node is one merkle tree node carried by Data.
type Node struct {
	Index uint64
	Hash  []byte
	Size  uint64
}

// Data carries a block and the proof needed to verify it. Value is nil when
// the sender only transfers tree nodes.
type Data struct {
	Index     uint64
	Value     []byte
	Nodes     []Node
	Signature []byte
}

func (*Feed) Kind() Kind      { return KindFeed }
func (*Handshake) Kind() Kind { return KindHandshake }
func (*Have) Kind() Kind      { return KindHave }
func (*Want) Kind() Kind      { return KindWant }
func (*Request) Kind() Kind   { return KindRequest }
func (*Data) Kind() Kind      { return KindData }

func (m *Feed) AppendTo(b []byte) []byte {
	b = appendBytes(b, 1, m.DiscoveryKey)
	if m.Nonce != nil {
		b = appendBytes(b, 2, m.Nonce)
	}
	return b
}

func (m *Feed) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeBytes(b, &m.DiscoveryKey)
		case num == 2 && typ == protowire.BytesType:
			return consumeBytes(b, &m.Nonce)
		}
		return skip(num, typ, b)
	})
}

func (m *Handshake) AppendTo(b []byte) []byte {
	if m.ID != nil {
		b = appendBytes(b, 1, m.ID)
	}
	if m.Live {
		b = appendBool(b, 2, true)
	}
	if m.UserData != nil {
		b = appendBytes(b, 3, m.UserData)
	}
	for _, ext := range m.Extensions {
		b = appendBytes(b, 4, []byte(ext))
	}
	if m.Ack {
		b = appendBool(b, 5, true)
	}
	return b
}

func (m *Handshake) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeBytes(b, &m.ID)
		case num == 2 && typ == protowire.VarintType:
			return consumeBool(b, &m.Live)
		case num == 3 && typ == protowire.BytesType:
			return consumeBytes(b, &m.UserData)
		case num == 4 && typ == protowire.BytesType:
			var ext []byte
			n, err := consumeBytes(b, &ext)
			if err == nil {
				m.Extensions = append(m.Extensions, string(ext))
			}
			return n, err
		case num == 5 && typ == protowire.VarintType:
			return consumeBool(b, &m.Ack)
		}
		return skip(num, typ, b)
	})
}

func (m *Have) AppendTo(b []byte) []byte {
	b = appendVarint(b, 1, m.Start)
	if m.Length != nil {
		b = appendVarint(b, 2, *m.Length)
	}
	if m.Bitfield != nil {
		b = appendBytes(b, 3, m.Bitfield)
	}
	return b
}

func (m *Have) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Start)
		case num == 2 && typ == protowire.VarintType:
			var length uint64
			n, err := consumeVarint(b, &length)
			m.Length = &length
			return n, err
		case num == 3 && typ == protowire.BytesType:
			return consumeBytes(b, &m.Bitfield)
		}
		return skip(num, typ, b)
	})
}

// BlockCount returns the number of blocks a bitfield-less Have covers.
func (m *Have) BlockCount() uint64 {
	if m.Length == nil {
		return 1
	}
	return *m.Length
}

func (m *Want) AppendTo(b []byte) []byte {
	b = appendVarint(b, 1, m.Start)
	if m.Length != 0 {
		b = appendVarint(b, 2, m.Length)
	}
	return b
}

func (m *Want) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Start)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Length)
		}
		return skip(num, typ, b)
	})
}

func (m *Request) AppendTo(b []byte) []byte {
	b = appendVarint(b, 1, m.Index)
	if m.Bytes != 0 {
		b = appendVarint(b, 2, m.Bytes)
	}
	if m.Hash {
		b = appendBool(b, 3, true)
	}
	if m.Nodes != 0 {
		b = appendVarint(b, 4, m.Nodes)
	}
	return b
}

func (m *Request) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Index)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Bytes)
		case num == 3 && typ == protowire.VarintType:
			return consumeBool(b, &m.Hash)
		case num == 4 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Nodes)
		}
		return skip(num, typ, b)
	})
}

func (m *Data) AppendTo(b []byte) []byte {
	b = appendVarint(b, 1, m.Index)
	if m.Value != nil {
		b = appendBytes(b, 2, m.Value)
	}
	for _, n := range m.Nodes {
		var nb []byte
		nb = appendVarint(nb, 1, n.Index)
		nb = appendBytes(nb, 2, n.Hash)
		nb = appendVarint(nb, 3, n.Size)
		b = appendBytes(b, 3, nb)
	}
	if m.Signature != nil {
		b = appendBytes(b, 4, m.Signature)
	}
	return b
}

func (m *Data) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &m.Index)
		case num == 2 && typ == protowire.BytesType:
			return consumeBytes(b, &m.Value)
		case num == 3 && typ == protowire.BytesType:
			var raw []byte
			n, err := consumeBytes(b, &raw)
			if err != nil {
				return n, err
			}
			node, err := unmarshalNode(raw)
			if err != nil {
				return n, err
			}
			m.Nodes = append(m.Nodes, node)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			return consumeBytes(b, &m.Signature)
		}
		return skip(num, typ, b)
	})
}

func unmarshalNode(b []byte) (Node, error) {
	var n Node
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(b, &n.Index)
		case num == 2 && typ == protowire.BytesType:
			return consumeBytes(b, &n.Hash)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &n.Size)
		}
		return skip(num, typ, b)
	})
	return n, err
}
