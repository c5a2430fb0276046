package secio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"fmt"
	"hash"
	"io"
)

// SecureConn wraps a raw duplex byte pipe with the per-direction stream
// cipher and MAC derived by a completed Handshake, turning it into an
// encrypted, authenticated io.ReadWriter. Framing matches spec.md §6: a
// 4-byte big-endian length prefix around (ciphertext || MAC).
type SecureConn struct {
	raw io.ReadWriter

	encStream cipher.Stream
	encMAC    hash.Hash
	decStream cipher.Stream
	decMAC    hash.Hash
	macSize   int

	readBuf []byte
}

// NewSecureConn builds the AES-CTR+HMAC secure channel from the local and
// remote Params a Negotiator.Handshake produced. The cipher/MAC themselves
// are invoked, not reimplemented, per spec.md §1's scope: SECIO names which
// primitives to use and with what inputs.
func NewSecureConn(raw io.ReadWriter, local, remote *Params) (*SecureConn, error) {
	encBlock, err := aes.NewCipher(local.Keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("secio: local cipher: %w", err)
	}
	decBlock, err := aes.NewCipher(remote.Keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("secio: remote cipher: %w", err)
	}

	return &SecureConn{
		raw:       raw,
		encStream: cipher.NewCTR(encBlock, local.Keys.IV),
		encMAC:    local.MAC,
		decStream: cipher.NewCTR(decBlock, remote.Keys.IV),
		decMAC:    remote.MAC,
		macSize:   local.MAC.Size(),
	}, nil
}

// Write encrypts p, appends the local-direction MAC, and writes one framed
// packet.
func (c *SecureConn) Write(p []byte) (int, error) {
	ct := make([]byte, len(p))
	c.encStream.XORKeyStream(ct, p)

	c.encMAC.Reset()
	c.encMAC.Write(ct)
	tag := c.encMAC.Sum(nil)

	if err := writeFramed(c.raw, append(ct, tag...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next packet's decrypted plaintext, verifying its MAC.
func (c *SecureConn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		packet, err := readFramed(c.raw)
		if err != nil {
			return 0, err
		}
		if len(packet) < c.macSize {
			return 0, fmt.Errorf("secio: packet shorter than MAC")
		}
		ct := packet[:len(packet)-c.macSize]
		gotTag := packet[len(packet)-c.macSize:]

		c.decMAC.Reset()
		c.decMAC.Write(ct)
		wantTag := c.decMAC.Sum(nil)
		if !hmac.Equal(gotTag, wantTag) {
			return 0, fmt.Errorf("secio: MAC verification failed")
		}

		pt := make([]byte, len(ct))
		c.decStream.XORKeyStream(pt, ct)
		c.readBuf = pt
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}
