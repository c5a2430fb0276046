package secio

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Propose is the SECIO handshake's first message: a random nonce, the
// sender's permanent public key bytes, and comma-separated preference lists
// for the key-exchange curve, hash, and cipher. Field numbers follow the
// reference go-libp2p-secio Propose protobuf.
type Propose struct {
	Rand      []byte
	Pubkey    []byte
	Exchanges string
	Hashes    string
	Ciphers   string
}

// MarshalBinary renders Propose as a length-delimited protobuf message.
func (p Propose) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Rand)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Pubkey)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Exchanges)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Hashes)
	buf = protowire.AppendTag(buf, 5, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Ciphers)
	return buf, nil
}

// UnmarshalBinary parses a Propose message produced by MarshalBinary.
func (p *Propose) UnmarshalBinary(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("secio: bad propose tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("secio: bad propose field type")
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("secio: bad propose field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			p.Rand = append([]byte(nil), v...)
		case 2:
			p.Pubkey = append([]byte(nil), v...)
		case 3:
			p.Exchanges = string(v)
		case 4:
			p.Hashes = string(v)
		case 5:
			p.Ciphers = string(v)
		}
	}
	return nil
}

// Exchange is the SECIO handshake's second message: the sender's ephemeral
// public key and a signature, over the permanent key, binding both Propose
// messages and the ephemeral key together.
type Exchange struct {
	Epubkey   []byte
	Signature []byte
}

// MarshalBinary renders Exchange as a length-delimited protobuf message.
func (e Exchange) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Epubkey)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Signature)
	return buf, nil
}

// UnmarshalBinary parses an Exchange message produced by MarshalBinary.
func (e *Exchange) UnmarshalBinary(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("secio: bad exchange tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("secio: bad exchange field type")
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("secio: bad exchange field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			e.Epubkey = append([]byte(nil), v...)
		case 2:
			e.Signature = append([]byte(nil), v...)
		}
	}
	return nil
}
