// Package multiaddr implements the self-describing, length-prefixed binary
// address format described in spec.md §4.B: an ordered sequence of
// (Protocol, opaque-bytes) components with a bijective text form.
package multiaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kwilteam/p2pcore/varint"
)

// ErrMalformedAddress is returned for any text or binary parse failure:
// unknown protocol, missing value, or trailing garbage.
var ErrMalformedAddress = errors.New("multiaddr: malformed address")

// SizePolicy describes how a protocol's value is framed on the wire.
type SizePolicy int

const (
	// SizeFixed means the value is exactly FixedLen bytes.
	SizeFixed SizePolicy = iota
	// SizeLengthPrefixed means the value is a varint length then that many bytes.
	SizeLengthPrefixed
	// SizePath means the value is a terminal, newline-free path absorbing the
	// rest of the text address; on the wire it is length-prefixed like
	// SizeLengthPrefixed.
	SizePath
)

// Codec converts a component's opaque bytes to and from their text form.
type Codec struct {
	BytesToText func([]byte) (string, error)
	TextToBytes func(string) ([]byte, error)
}

// Protocol is a registered address component kind: a fixed code, a size
// policy, a text name, and a codec.
type Protocol struct {
	Code     uint64
	Name     string
	Policy   SizePolicy
	FixedLen int // byte length when Policy == SizeFixed; 0 means no value (flag protocol)
	Codec    Codec
}

func (p Protocol) hasValue() bool { return p.Policy != SizeFixed || p.FixedLen > 0 }

// registry is the static protocol table, keyed by code and by name.
var (
	byCode = map[uint64]Protocol{}
	byName = map[string]Protocol{}
)

func register(p Protocol) Protocol {
	byCode[p.Code] = p
	byName[p.Name] = p
	return p
}

// registerAlias adds a name-only parse alias for an existing protocol code
// (e.g. "ipfs" for "p2p") without changing which name ProtocolByCode
// returns for that code.
func registerAlias(p Protocol) Protocol {
	byName[p.Name] = p
	return p
}

// Well-known protocols, matching spec.md §6's registry.
var (
	ProtoIP4     = register(Protocol{Code: 4, Name: "ip4", Policy: SizeFixed, FixedLen: 4, Codec: ip4Codec})
	ProtoTCP     = register(Protocol{Code: 6, Name: "tcp", Policy: SizeFixed, FixedLen: 2, Codec: portCodec})
	ProtoUDP     = register(Protocol{Code: 273, Name: "udp", Policy: SizeFixed, FixedLen: 2, Codec: portCodec})
	ProtoDNS4    = register(Protocol{Code: 54, Name: "dns4", Policy: SizeLengthPrefixed, Codec: utf8Codec})
	ProtoDNS6    = register(Protocol{Code: 55, Name: "dns6", Policy: SizeLengthPrefixed, Codec: utf8Codec})
	ProtoDNSAddr = register(Protocol{Code: 56, Name: "dnsaddr", Policy: SizeLengthPrefixed, Codec: utf8Codec})
	ProtoIP6     = register(Protocol{Code: 41, Name: "ip6", Policy: SizeFixed, FixedLen: 16, Codec: ip6Codec})
	ProtoP2P     = register(Protocol{Code: 421, Name: "p2p", Policy: SizeLengthPrefixed, Codec: multihashCodec})
	// ProtoIPFS is a legacy name-only alias: "/ipfs/..." parses the same as
	// "/p2p/...", but the canonical by-code registration stays "p2p" (so
	// decoding from bytes always renders back as "/p2p/...").
	ProtoIPFS = registerAlias(Protocol{Code: 421, Name: "ipfs", Policy: SizeLengthPrefixed, Codec: multihashCodec})
	ProtoWS      = register(Protocol{Code: 477, Name: "ws", Policy: SizeFixed, FixedLen: 0})
	ProtoWSS     = register(Protocol{Code: 478, Name: "wss", Policy: SizeFixed, FixedLen: 0})
	ProtoUnix    = register(Protocol{Code: 400, Name: "unix", Policy: SizePath, Codec: pathCodec})
)

// ProtocolByName looks up a registered protocol by its text name.
func ProtocolByName(name string) (Protocol, bool) {
	p, ok := byName[name]
	return p, ok
}

// ProtocolByCode looks up a registered protocol by its varint code.
func ProtocolByCode(code uint64) (Protocol, bool) {
	p, ok := byCode[code]
	return p, ok
}

var ip4Codec = Codec{
	BytesToText: func(b []byte) (string, error) {
		if len(b) != 4 {
			return "", fmt.Errorf("%w: bad ip4 length", ErrMalformedAddress)
		}
		return net.IP(b).String(), nil
	},
	TextToBytes: func(s string) ([]byte, error) {
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: bad ip4 %q", ErrMalformedAddress, s)
		}
		return []byte(ip), nil
	},
}

// ip6Codec normalizes to the long-hand form, e.g. "::1" -> "0:0:0:0:0:0:0:1",
// matching spec.md §3's equality-tolerating normalization.
var ip6Codec = Codec{
	BytesToText: func(b []byte) (string, error) {
		if len(b) != 16 {
			return "", fmt.Errorf("%w: bad ip6 length", ErrMalformedAddress)
		}
		ip := net.IP(b)
		parts := make([]string, 8)
		for i := 0; i < 8; i++ {
			parts[i] = strconv.FormatUint(uint64(binary.BigEndian.Uint16(ip[i*2:])), 16)
		}
		return strings.Join(parts, ":"), nil
	},
	TextToBytes: func(s string) ([]byte, error) {
		ip := net.ParseIP(s).To16()
		if ip == nil {
			return nil, fmt.Errorf("%w: bad ip6 %q", ErrMalformedAddress, s)
		}
		return []byte(ip), nil
	},
}

var portCodec = Codec{
	BytesToText: func(b []byte) (string, error) {
		if len(b) != 2 {
			return "", fmt.Errorf("%w: bad port length", ErrMalformedAddress)
		}
		return strconv.Itoa(int(binary.BigEndian.Uint16(b))), nil
	},
	TextToBytes: func(s string) ([]byte, error) {
		port, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: bad port %q", ErrMalformedAddress, s)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(port))
		return buf, nil
	},
}

var utf8Codec = Codec{
	BytesToText: func(b []byte) (string, error) { return string(b), nil },
	TextToBytes: func(s string) ([]byte, error) { return []byte(s), nil },
}

var pathCodec = Codec{
	BytesToText: func(b []byte) (string, error) { return string(b), nil },
	TextToBytes: func(s string) ([]byte, error) { return []byte(s), nil },
}

// multihashCodec renders/parses the loose base58btc-ish text form used by
// /p2p and /ipfs components. We treat the value opaquely as base58btc text,
// since full multihash validation is out of this core's scope.
var multihashCodec = Codec{
	BytesToText: func(b []byte) (string, error) { return base58Encode(b), nil },
	TextToBytes: func(s string) ([]byte, error) {
		b, err := base58Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad multihash %q", ErrMalformedAddress, s)
		}
		return b, nil
	},
}

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}
	input := append([]byte(nil), b...)
	var out []byte
	for len(input) > 0 {
		var rem int
		var q []byte
		for _, c := range input {
			acc := rem*256 + int(c)
			d := acc / 58
			rem = acc % 58
			if len(q) > 0 || d > 0 {
				q = append(q, byte(d))
			}
		}
		out = append(out, b58Alphabet[rem])
		input = q
	}
	for i := 0; i < zeros; i++ {
		out = append(out, b58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	var num []byte
	for _, r := range s {
		idx := strings.IndexRune(b58Alphabet, r)
		if idx < 0 {
			return nil, errors.New("invalid base58 character")
		}
		carry := idx
		for i := 0; i < len(num); i++ {
			acc := int(num[i])*58 + carry
			num[i] = byte(acc & 0xff)
			carry = acc >> 8
		}
		for carry > 0 {
			num = append(num, byte(carry&0xff))
			carry >>= 8
		}
	}
	zeros := 0
	for zeros < len(s) && s[zeros] == byte(b58Alphabet[0]) {
		zeros++
	}
	out := make([]byte, zeros)
	for i := len(num) - 1; i >= 0; i-- {
		out = append(out, num[i])
	}
	return out, nil
}

// writeVarintCode appends the varint-encoded protocol code to dst.
func writeVarintCode(dst []byte, code uint64) []byte {
	return varint.Encode(dst, code)
}
