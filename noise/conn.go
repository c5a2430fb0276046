package noise

import (
	"io"

	flynnnoise "github.com/flynn/noise"
)

// TransportConn wraps the raw connection with the Send/Recv AEAD cipher
// states a completed Session produces, giving an io.ReadWriter of
// plaintext, length-framed per spec.md §6 (2-byte BE).
type TransportConn struct {
	raw  io.ReadWriter
	send *flynnnoise.CipherState
	recv *flynnnoise.CipherState

	readBuf []byte
}

// NewTransportConn wraps s's underlying connection once Handshake has
// completed.
func NewTransportConn(s *Session) *TransportConn {
	return &TransportConn{raw: s.Conn, send: s.Send, recv: s.Recv}
}

// Write encrypts p and writes one length-framed ciphertext.
func (c *TransportConn) Write(p []byte) (int, error) {
	ct := c.send.Encrypt(nil, nil, p)
	if err := writeFramed(c.raw, ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next frame's decrypted plaintext.
func (c *TransportConn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		ct, err := readFramed(c.raw)
		if err != nil {
			return 0, err
		}
		pt, err := c.recv.Decrypt(nil, nil, ct)
		if err != nil {
			return 0, err
		}
		c.readBuf = pt
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}
