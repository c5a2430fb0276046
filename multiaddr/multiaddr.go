package multiaddr

import (
	"fmt"
	"strings"

	"github.com/kwilteam/p2pcore/varint"
)

// Component is one (Protocol, opaque-bytes) pair in a Multiaddr.
type Component struct {
	Protocol Protocol
	Bytes    []byte
}

func (c Component) String() string {
	s := "/" + c.Protocol.Name
	if c.Protocol.hasValue() {
		txt, err := c.Protocol.Codec.BytesToText(c.Bytes)
		if err == nil {
			s += "/" + txt
		}
	}
	return s
}

// Multiaddr is an ordered sequence of address components.
type Multiaddr struct {
	Components []Component
}

// Parse parses the text form of a multiaddr, e.g. "/ip4/127.0.0.1/tcp/1234".
func Parse(s string) (Multiaddr, error) {
	if !strings.HasPrefix(s, "/") {
		return Multiaddr{}, fmt.Errorf("%w: %q must start with /", ErrMalformedAddress, s)
	}
	s = strings.TrimSuffix(s, "/")
	parts := strings.Split(s, "/")[1:] // first element is "" due to leading /

	var ma Multiaddr
	for i := 0; i < len(parts); {
		name := parts[i]
		if name == "" {
			return Multiaddr{}, fmt.Errorf("%w: empty protocol segment", ErrMalformedAddress)
		}
		proto, ok := ProtocolByName(name)
		if !ok {
			return Multiaddr{}, fmt.Errorf("%w: unknown protocol %q", ErrMalformedAddress, name)
		}
		i++

		if !proto.hasValue() {
			ma.Components = append(ma.Components, Component{Protocol: proto})
			continue
		}

		if proto.Policy == SizePath {
			if i >= len(parts) {
				return Multiaddr{}, fmt.Errorf("%w: missing value for %q", ErrMalformedAddress, name)
			}
			value := strings.Join(parts[i:], "/")
			b, err := proto.Codec.TextToBytes(value)
			if err != nil {
				return Multiaddr{}, err
			}
			ma.Components = append(ma.Components, Component{Protocol: proto, Bytes: b})
			break // path protocol is terminal
		}

		if i >= len(parts) {
			return Multiaddr{}, fmt.Errorf("%w: missing value for %q", ErrMalformedAddress, name)
		}
		b, err := proto.Codec.TextToBytes(parts[i])
		if err != nil {
			return Multiaddr{}, err
		}
		ma.Components = append(ma.Components, Component{Protocol: proto, Bytes: b})
		i++
	}

	return ma, nil
}

// String renders the canonical text form.
func (m Multiaddr) String() string {
	var sb strings.Builder
	for _, c := range m.Components {
		sb.WriteString(c.String())
	}
	return sb.String()
}

// Bytes renders the binary wire form: for each component, a varint protocol
// code, then (if the protocol carries a value) a length-prefixed or fixed
// run of bytes per its size policy.
func (m Multiaddr) Bytes() []byte {
	var out []byte
	for _, c := range m.Components {
		out = writeVarintCode(out, c.Protocol.Code)
		if !c.Protocol.hasValue() {
			continue
		}
		if c.Protocol.Policy == SizeFixed {
			out = append(out, c.Bytes...)
		} else {
			out = varint.Encode(out, uint64(len(c.Bytes)))
			out = append(out, c.Bytes...)
		}
	}
	return out
}

// DecodeBytes parses the binary wire form produced by Bytes.
func DecodeBytes(buf []byte) (Multiaddr, error) {
	var ma Multiaddr
	for len(buf) > 0 {
		code, n, err := varint.Uvarint(buf)
		if err != nil || n == 0 {
			return Multiaddr{}, fmt.Errorf("%w: bad protocol code", ErrMalformedAddress)
		}
		buf = buf[n:]

		proto, ok := ProtocolByCode(code)
		if !ok {
			return Multiaddr{}, fmt.Errorf("%w: unknown protocol code %d", ErrMalformedAddress, code)
		}

		if !proto.hasValue() {
			ma.Components = append(ma.Components, Component{Protocol: proto})
			continue
		}

		var value []byte
		switch proto.Policy {
		case SizeFixed:
			if len(buf) < proto.FixedLen {
				return Multiaddr{}, fmt.Errorf("%w: truncated %s value", ErrMalformedAddress, proto.Name)
			}
			value, buf = buf[:proto.FixedLen], buf[proto.FixedLen:]
		default: // SizeLengthPrefixed, SizePath
			l, n, err := varint.Uvarint(buf)
			if err != nil || n == 0 {
				return Multiaddr{}, fmt.Errorf("%w: bad length for %s", ErrMalformedAddress, proto.Name)
			}
			buf = buf[n:]
			if uint64(len(buf)) < l {
				return Multiaddr{}, fmt.Errorf("%w: truncated %s value", ErrMalformedAddress, proto.Name)
			}
			value, buf = buf[:l], buf[l:]
		}
		ma.Components = append(ma.Components, Component{Protocol: proto, Bytes: append([]byte(nil), value...)})
	}
	return ma, nil
}

// Equal compares two addresses by their canonical text form, per spec.md §3.
func (m Multiaddr) Equal(other Multiaddr) bool {
	return m.String() == other.String()
}

// Filter returns the components matching any of the given protocol codes,
// preserving order.
func (m Multiaddr) Filter(codes ...uint64) []Component {
	set := make(map[uint64]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	var out []Component
	for _, c := range m.Components {
		if set[c.Protocol.Code] {
			out = append(out, c)
		}
	}
	return out
}

// GetFirst returns the first component matching any of the given protocol
// codes, if any.
func (m Multiaddr) GetFirst(codes ...uint64) (Component, bool) {
	matches := m.Filter(codes...)
	if len(matches) == 0 {
		return Component{}, false
	}
	return matches[0], true
}

// Contains reports whether addrs contains an address equal to target, per
// the canonical-text-form equality rule.
func Contains(addrs []Multiaddr, target Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(target) {
			return true
		}
	}
	return false
}
