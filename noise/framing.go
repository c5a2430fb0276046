package noise

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds one Noise transport frame's ciphertext: the largest
// length a 2-byte prefix can carry.
const maxFrameSize = 1<<16 - 1

// writeFramed writes msg prefixed with its 2-byte big-endian length, per
// spec.md §6's Noise framing.
func writeFramed(w io.Writer, msg []byte) error {
	if len(msg) > maxFrameSize {
		return fmt.Errorf("noise: frame too large: %d", len(msg))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// readFramed reads one 2-byte-length-prefixed frame.
func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
