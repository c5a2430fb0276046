// Package pubsub implements the flood-style publish/subscribe router of
// spec.md §4.G: per-peer RPC dedup, loop suppression, and topic-filtered
// fanout over an arbitrary set of stream-backed peers.
package pubsub

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is one published item: spec.md §3's Message, plus whatever
// topics it targets.
type Message struct {
	From      []byte
	Data      []byte
	Seqno     []byte
	TopicIDs  []string
	Signature []byte
	Key       []byte
}

// ID returns the message's MessageId: hex(from||seqno), per spec.md §3.
func (m *Message) ID() string {
	return hex.EncodeToString(append(append([]byte(nil), m.From...), m.Seqno...))
}

// MarshalBinary renders Message as a length-delimited protobuf message.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.From)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Data)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Seqno)
	for _, t := range m.TopicIDs {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendString(buf, t)
	}
	buf = protowire.AppendTag(buf, 5, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Signature)
	buf = protowire.AppendTag(buf, 6, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Key)
	return buf, nil
}

// UnmarshalBinary parses a Message produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pubsub: bad message tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("pubsub: bad message field type")
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("pubsub: bad message field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			m.From = append([]byte(nil), v...)
		case 2:
			m.Data = append([]byte(nil), v...)
		case 3:
			m.Seqno = append([]byte(nil), v...)
		case 4:
			m.TopicIDs = append(m.TopicIDs, string(v))
		case 5:
			m.Signature = append([]byte(nil), v...)
		case 6:
			m.Key = append([]byte(nil), v...)
		}
	}
	return nil
}

// SubOpts is one subscription delta: spec.md §4.G's "each SubOpts toggles
// peerTopics[peer][topic]".
type SubOpts struct {
	Subscribe bool
	TopicID   string
}

// RPC is the unit exchanged between peers: subscription deltas, publishes,
// and (for flood) an ignored control field. Per spec.md §6, framed by a
// varint-length prefix at the transport binding.
type RPC struct {
	Subscriptions []SubOpts
	Publish       []*Message
	Control       []byte // opaque; flood's processControl is a no-op
}

// MarshalBinary renders RPC as a length-delimited protobuf message.
func (r *RPC) MarshalBinary() ([]byte, error) {
	var buf []byte
	for _, s := range r.Subscriptions {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, boolVarint(s.Subscribe))
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendString(sub, s.TopicID)
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	for _, m := range r.Publish {
		mb, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, mb)
	}
	if len(r.Control) > 0 {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Control)
	}
	return buf, nil
}

// UnmarshalBinary parses an RPC produced by MarshalBinary.
func (r *RPC) UnmarshalBinary(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("pubsub: bad rpc tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("pubsub: bad rpc field type")
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("pubsub: bad rpc field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			sub, err := decodeSubOpts(v)
			if err != nil {
				return err
			}
			r.Subscriptions = append(r.Subscriptions, sub)
		case 2:
			msg := new(Message)
			if err := msg.UnmarshalBinary(v); err != nil {
				return err
			}
			r.Publish = append(r.Publish, msg)
		case 3:
			r.Control = append([]byte(nil), v...)
		}
	}
	return nil
}

func decodeSubOpts(data []byte) (SubOpts, error) {
	var s SubOpts
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, fmt.Errorf("pubsub: bad subopts tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, fmt.Errorf("pubsub: bad subopts subscribe: %w", protowire.ParseError(n))
			}
			data = data[n:]
			s.Subscribe = val != 0
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return s, fmt.Errorf("pubsub: bad subopts topic: %w", protowire.ParseError(n))
			}
			data = data[n:]
			s.TopicID = string(v)
		default:
			return s, fmt.Errorf("pubsub: unexpected subopts field")
		}
	}
	return s, nil
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
