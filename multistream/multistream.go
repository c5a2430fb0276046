// Package multistream implements the multistream-select protocol-name
// negotiation handshake of spec.md §4.C: each side sends the multistream
// header, the initiator then offers protocol names one at a time until the
// responder echoes one back (accepted) or replies "na" (try next).
package multistream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/kwilteam/p2pcore/varint"
)

// ProtocolID is the multistream-select protocol's own announce string.
const ProtocolID = "/multistream/1.0.0"

const naMsg = "na"

// ErrNoSupportedProtocol is returned to the initiator when every candidate
// protocol has been rejected.
var ErrNoSupportedProtocol = errors.New("multistream: no supported protocol")

// writeMsg writes one length-prefixed, newline-terminated message: a varint
// of len(msg)+1 (the payload plus the trailing newline), then msg, then '\n'.
func writeMsg(w io.Writer, msg string) error {
	if err := varint.Write(w, uint64(len(msg)+1)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, msg); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

// readMsg reads one length-prefixed, newline-terminated message and returns
// it without the trailing newline.
func readMsg(r *bufio.Reader) (string, error) {
	l, err := varint.Read(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if l == 0 || buf[l-1] != '\n' {
		return "", fmt.Errorf("multistream: message missing trailing newline")
	}
	return string(buf[:l-1]), nil
}

// SelectOneOf runs the initiator side: send the multistream header, then
// offer each protocol in order until one is echoed back accepted. Returns
// the accepted protocol, or ErrNoSupportedProtocol if the list is
// exhausted.
func SelectOneOf(rw io.ReadWriter, protocols []protocol.ID) (protocol.ID, error) {
	br := bufio.NewReader(rw)

	if err := writeMsg(rw, ProtocolID); err != nil {
		return "", err
	}
	got, err := readMsg(br)
	if err != nil {
		return "", err
	}
	if got != ProtocolID {
		return "", fmt.Errorf("multistream: unexpected header %q", got)
	}

	for _, p := range protocols {
		if err := writeMsg(rw, string(p)); err != nil {
			return "", err
		}
		resp, err := readMsg(br)
		if err != nil {
			return "", err
		}
		if resp == string(p) {
			return p, nil
		}
		if resp != naMsg {
			return "", fmt.Errorf("multistream: unexpected response %q", resp)
		}
	}
	return "", ErrNoSupportedProtocol
}

// MatchFunc decides whether an offered protocol name is accepted by a
// responder-side handler: ExactMatch for strict mode, PrefixMatch for
// prefix mode.
type MatchFunc func(offered string) bool

// ExactMatch returns a MatchFunc that accepts only the exact name.
func ExactMatch(name protocol.ID) MatchFunc {
	return func(offered string) bool { return offered == string(name) }
}

// PrefixMatch returns a MatchFunc that accepts any offered name sharing the
// given prefix, per spec.md §4.C's "prefix mode".
func PrefixMatch(prefix protocol.ID) MatchFunc {
	return func(offered string) bool { return strings.HasPrefix(offered, string(prefix)) }
}

// Handler binds a match function to the protocol name Negotiate returns
// when that function accepts an offer.
type Handler struct {
	Match MatchFunc
	Name  protocol.ID
}

// Negotiate runs the responder side against a set of handlers: read the
// peer's header, reply with our own, then loop reading offered names,
// echoing back the first handler whose Match accepts it, replying "na"
// otherwise. Returns the matched handler's Name.
func Negotiate(rw io.ReadWriter, handlers []Handler) (protocol.ID, error) {
	br := bufio.NewReader(rw)

	got, err := readMsg(br)
	if err != nil {
		return "", err
	}
	if got != ProtocolID {
		return "", fmt.Errorf("multistream: unexpected header %q", got)
	}
	if err := writeMsg(rw, ProtocolID); err != nil {
		return "", err
	}

	for {
		offered, err := readMsg(br)
		if err != nil {
			return "", err
		}
		for _, h := range handlers {
			if h.Match(offered) {
				if err := writeMsg(rw, offered); err != nil {
					return "", err
				}
				return h.Name, nil
			}
		}
		if err := writeMsg(rw, naMsg); err != nil {
			return "", err
		}
	}
}
