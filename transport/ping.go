package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/kwilteam/p2pcore/multistream"
)

const pingSize = 32

// Ping opens a stream on conn, writes 32 random bytes, and verifies the
// peer echoes them back exactly, per SPEC_FULL's supplemented
// /ipfs/ping/1.0.0 semantics (spec.md §6 names the announce string but not
// the wire behavior). Returns the round-trip time, or an error if the echo
// mismatches or the stream fails — failure closes only this stream.
func Ping(ctx context.Context, conn *Connection) (time.Duration, error) {
	s, err := conn.OpenStream(ctx, []protocol.ID{PingProtocolID})
	if err != nil {
		return 0, err
	}
	defer s.Close()

	payload := make([]byte, pingSize)
	if _, err := rand.Read(payload); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := s.Write(payload); err != nil {
		s.Reset()
		return 0, fmt.Errorf("ping: write: %w", err)
	}

	echo := make([]byte, pingSize)
	if _, err := io.ReadFull(s, echo); err != nil {
		s.Reset()
		return 0, fmt.Errorf("ping: read echo: %w", err)
	}
	rtt := time.Since(start)

	for i := range payload {
		if payload[i] != echo[i] {
			s.Reset()
			return 0, fmt.Errorf("ping: echo mismatch")
		}
	}
	return rtt, nil
}

// ServePing is the responder-side handler for the /ipfs/ping/1.0.0
// protocol: read 32 bytes, write them back unchanged, repeating until the
// stream closes or errors.
func ServePing(s *Stream) {
	defer s.Close()
	buf := make([]byte, pingSize)
	for {
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		if _, err := s.Write(buf); err != nil {
			return
		}
	}
}
