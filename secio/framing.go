package secio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxMessageSize bounds a single framed handshake message.
const maxMessageSize = 1 << 20

// writeFramed writes msg prefixed with its 4-byte big-endian length, per
// spec.md §6's SECIO framing.
func writeFramed(w io.Writer, msg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// readFramed reads one 4-byte-length-prefixed message.
func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	if l > maxMessageSize {
		return nil, fmt.Errorf("secio: framed message too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
