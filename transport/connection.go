package transport

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/kwilteam/p2pcore/log"
	"github.com/kwilteam/p2pcore/mplex"
	"github.com/kwilteam/p2pcore/multistream"
)

// Connection is one upgraded, authenticated, multiplexed peer connection:
// spec.md §2's pipeline output.
type Connection struct {
	raw io.Closer
	mux *mplex.Muxer
	log log.Logger

	inflightBytes atomic.Int64
}

func newConnection(raw io.Closer, secure io.ReadWriter, l log.Logger) *Connection {
	c := &Connection{raw: raw, log: l}
	c.mux = mplex.NewMuxer(secure, mplex.WithLogger(l))
	go func() {
		if err := c.mux.ReadLoop(); err != nil && err != io.EOF {
			l.Warnf("transport: connection read loop ended: %v", err)
		}
	}()
	return c
}

// Close tears down the muxer (resetting all streams) and the raw pipe.
func (c *Connection) Close() error {
	c.mux.Close()
	return c.raw.Close()
}

// Stats reports spec.md §3.3's backpressure accounting counter: bytes
// written through this connection's Streams minus bytes read from them.
type Stats struct {
	InflightBytes int64
}

// Stats returns the current per-connection accounting snapshot.
func (c *Connection) Stats() Stats {
	return Stats{InflightBytes: c.inflightBytes.Load()}
}

// Stream is one negotiated application-protocol stream over a Connection.
type Stream struct {
	*mplex.Stream
	Protocol protocol.ID
	conn     *Connection
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	s.conn.inflightBytes.Add(-int64(n))
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	s.conn.inflightBytes.Add(int64(n))
	return n, err
}

// OpenStream opens a new mplex stream and negotiates one of protocols as
// the initiator, returning the accepted one bound to the Stream.
func (c *Connection) OpenStream(ctx context.Context, protocols []protocol.ID) (*Stream, error) {
	ms, err := c.mux.Open(ctx)
	if err != nil {
		return nil, err
	}
	accepted, err := multistream.SelectOneOf(ms, protocols)
	if err != nil {
		ms.Reset()
		return nil, fmt.Errorf("transport: negotiate stream protocol: %w", err)
	}
	return &Stream{Stream: ms, Protocol: accepted, conn: c}, nil
}

// AcceptStream blocks for the peer to open a stream, then negotiates its
// protocol as the responder against handlers.
func (c *Connection) AcceptStream(ctx context.Context, handlers []multistream.Handler) (*Stream, error) {
	ms, err := c.mux.Accept(ctx)
	if err != nil {
		return nil, err
	}
	name, err := multistream.Negotiate(ms, handlers)
	if err != nil {
		ms.Reset()
		return nil, fmt.Errorf("transport: negotiate stream protocol: %w", err)
	}
	return &Stream{Stream: ms, Protocol: name, conn: c}, nil
}
