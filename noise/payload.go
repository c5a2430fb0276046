package noise

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// staticKeySignaturePrefix is prepended to the Noise static public key
// before signing, per spec.md §4.E.
const staticKeySignaturePrefix = "noise-libp2p-static-key:"

// HandshakePayload is the plaintext payload carried inside Noise messages 2
// and 3: the sender's libp2p identity public key and a signature, over the
// Noise static key, proving the identity key's holder controls it.
// LibP2PData/LibP2PDataSignature are part of the wire schema but unused by
// this core, per spec.md §4.E.
type HandshakePayload struct {
	LibP2PKey               []byte
	NoiseStaticKeySignature []byte
	LibP2PData              []byte
	LibP2PDataSignature     []byte
}

// MarshalBinary renders the payload as a length-delimited protobuf message.
func (p HandshakePayload) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.LibP2PKey)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.NoiseStaticKeySignature)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.LibP2PData)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.LibP2PDataSignature)
	return buf, nil
}

// UnmarshalBinary parses a payload produced by MarshalBinary.
func (p *HandshakePayload) UnmarshalBinary(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("noise: bad payload tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("noise: bad payload field type")
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("noise: bad payload field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			p.LibP2PKey = append([]byte(nil), v...)
		case 2:
			p.NoiseStaticKeySignature = append([]byte(nil), v...)
		case 3:
			p.LibP2PData = append([]byte(nil), v...)
		case 4:
			p.LibP2PDataSignature = append([]byte(nil), v...)
		}
	}
	return nil
}

// signedPayload builds the bytes to sign/verify for a static-key signature:
// the literal prefix concatenated with the raw Noise static public key.
func signedPayload(noiseStaticPub []byte) []byte {
	return append([]byte(staticKeySignaturePrefix), noiseStaticPub...)
}
