package mplex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kwilteam/p2pcore/log"
)

// HalfState is the independent state of one direction (read or write) of a
// stream, per spec.md §3.
type HalfState int8

const (
	Open HalfState = iota
	LocalClosed
	RemoteClosed
	Reset
)

var (
	// ErrStreamClosed is returned by Write after our write half has closed.
	ErrStreamClosed = errors.New("mplex: stream closed for writing")
	// ErrStreamReset is returned by Read/Write after the stream is reset.
	ErrStreamReset = errors.New("mplex: stream reset")
	// ErrDuplicateStream signals a NewStream frame for an id already in the table.
	ErrDuplicateStream = errors.New("mplex: duplicate stream id")
)

// DefaultInboundQueueDepth bounds the number of undelivered inbound chunks
// buffered per stream before the muxer stops reading from the connection.
const DefaultInboundQueueDepth = 64

type streamKey struct {
	id        uint64
	initiator bool
}

// Stream is one multiplexed logical connection: spec.md §3's per-stream
// entry, with independent read and write half-states.
type Stream struct {
	id        uint64
	initiator bool
	mux       *Muxer

	mu         sync.Mutex
	readState  HalfState
	writeState HalfState

	inbound  chan []byte
	pending  bytes.Buffer // leftover bytes from a partially-read chunk
	closedCh chan struct{}
}

// ID returns the stream's numeric id.
func (s *Stream) ID() uint64 { return s.id }

// Initiator reports whether we view this stream as locally initiated.
func (s *Stream) Initiator() bool { return s.initiator }

// Write sends p as a Message frame on this stream. It fails with
// ErrStreamClosed after Close, or ErrStreamReset after a reset.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	state := s.writeState
	s.mu.Unlock()

	switch state {
	case LocalClosed:
		return 0, ErrStreamClosed
	case Reset:
		return 0, ErrStreamReset
	}

	if err := s.mux.sendFrame(s.id, EncodeMessage(s.initiator), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close half-closes our write side, emitting a Close{Initiator,Receiver}
// frame. Further writes fail with ErrStreamClosed; the peer may still send.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.writeState != Open {
		s.mu.Unlock()
		return nil
	}
	s.writeState = LocalClosed
	bothClosed := s.readState != Open
	s.mu.Unlock()

	if err := s.mux.sendFrame(s.id, EncodeClose(s.initiator), nil); err != nil {
		return err
	}
	if bothClosed {
		s.mux.remove(s)
	}
	return nil
}

// Reset emits a Reset{Initiator,Receiver} frame and moves both halves to
// Reset immediately.
func (s *Stream) Reset() error {
	s.mu.Lock()
	already := s.readState == Reset && s.writeState == Reset
	s.readState, s.writeState = Reset, Reset
	s.mu.Unlock()
	if already {
		return nil
	}
	s.closeInbound()
	s.mux.remove(s)
	return s.mux.sendFrame(s.id, EncodeReset(s.initiator), nil)
}

func (s *Stream) closeInbound() {
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
}

// Read returns buffered inbound bytes, blocking until data arrives, the
// read half closes (io.EOF), or the stream is reset (ErrStreamReset).
func (s *Stream) Read(p []byte) (int, error) {
	if s.pending.Len() > 0 {
		return s.pending.Read(p)
	}
	select {
	case chunk, ok := <-s.inbound:
		if !ok {
			s.mu.Lock()
			rs := s.readState
			s.mu.Unlock()
			if rs == Reset {
				return 0, ErrStreamReset
			}
			return 0, io.EOF
		}
		s.pending.Write(chunk)
		return s.pending.Read(p)
	case <-s.closedCh:
		return 0, ErrStreamReset
	}
}

// onFrame delivers an inbound frame body to the stream's bounded queue,
// applying backpressure by blocking the caller (the muxer's read loop) when
// the queue is full, per spec.md §4.F / §5.
func (s *Stream) onFrame(flag Flag, data []byte) error {
	switch flag {
	case MessageInitiator, MessageReceiver:
		s.mu.Lock()
		rs := s.readState
		s.mu.Unlock()
		if rs != Open {
			return s.Reset()
		}
		select {
		case s.inbound <- data:
		case <-s.closedCh:
		}
		return nil
	case CloseInitiator, CloseReceiver:
		s.mu.Lock()
		s.readState = RemoteClosed
		bothClosed := s.writeState != Open
		s.mu.Unlock()
		close(s.inbound)
		if bothClosed {
			s.mux.remove(s)
		}
		return nil
	case ResetInitiator, ResetReceiver:
		s.mu.Lock()
		s.readState, s.writeState = Reset, Reset
		s.mu.Unlock()
		s.closeInbound()
		s.mux.remove(s)
		return nil
	}
	return nil
}

// Muxer implements the mplex stream multiplexer of spec.md §4.F: it frames
// streams, dispatches per-stream bytes, and manages stream lifecycle over
// one underlying connection.
type Muxer struct {
	conn io.ReadWriter
	log  log.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[streamKey]*Stream
	nextID  uint64
	closed  bool

	accept chan *Stream
}

// Option configures a Muxer.
type Option func(*Muxer)

// WithLogger injects a Logger; defaults to log.DiscardLogger.
func WithLogger(l log.Logger) Option { return func(m *Muxer) { m.log = l } }

// NewMuxer constructs a Muxer over conn. Call ReadLoop in a goroutine to
// drive inbound dispatch.
func NewMuxer(conn io.ReadWriter, opts ...Option) *Muxer {
	m := &Muxer{
		conn:    conn,
		log:     log.DiscardLogger,
		streams: make(map[streamKey]*Stream),
		accept:  make(chan *Stream, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Muxer) newStream(id uint64, initiator bool) *Stream {
	return &Stream{
		id: id, initiator: initiator, mux: m,
		inbound:  make(chan []byte, DefaultInboundQueueDepth),
		closedCh: make(chan struct{}),
	}
}

// Open assigns the next local stream id, registers it, and emits a
// NewStream frame. The peer creates its side of the stream upon receipt.
func (m *Muxer) Open(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStreamClosed
	}
	id := m.nextID
	m.nextID++
	s := m.newStream(id, true)
	m.streams[streamKey{id, true}] = s
	m.mu.Unlock()

	if err := m.sendFrame(id, NewStream, nil); err != nil {
		m.remove(s)
		return nil, err
	}
	return s, nil
}

// Accept blocks until the peer opens a new stream or ctx is done.
func (m *Muxer) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s, ok := <-m.accept:
		if !ok {
			return nil, ErrStreamClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Muxer) sendFrame(id uint64, flag Flag, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	buf := Encode(nil, id, flag, data)
	_, err := m.conn.Write(buf)
	return err
}

func (m *Muxer) remove(s *Stream) {
	m.mu.Lock()
	delete(m.streams, streamKey{s.id, s.initiator})
	m.mu.Unlock()
}

// ReadLoop decodes frames from the underlying connection until reading a
// frame fails, dispatching each to its stream (or the accept channel for
// NewStream); it then closes the Muxer and returns the read error. Closing
// the Muxer alone does not stop it: the underlying connection must be
// closed too.
func (m *Muxer) ReadLoop() error {
	for {
		frame, err := DecodeFrame(m.conn)
		if err != nil {
			m.Close()
			return err
		}
		if err := m.dispatch(frame); err != nil {
			m.log.Warnf("mplex: dispatch error: %v", err)
		}
	}
}

func (m *Muxer) dispatch(f Frame) error {
	key := streamKey{f.StreamID, f.Initiator}

	if f.Flag == NewStream {
		m.mu.Lock()
		if _, exists := m.streams[key]; exists {
			m.mu.Unlock()
			return m.sendFrame(f.StreamID, EncodeReset(f.Initiator), nil)
		}
		s := m.newStream(f.StreamID, f.Initiator)
		m.streams[key] = s
		m.mu.Unlock()

		select {
		case m.accept <- s:
		default:
			m.log.Warnf("mplex: accept queue full, dropping stream %d", f.StreamID)
		}
		return nil
	}

	m.mu.Lock()
	s, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		// Frame for an unknown (already closed/reset) stream: dropped
		// silently per spec.md §4.F.
		return nil
	}
	return s.onFrame(f.Flag, f.Data)
}

// Close tears down the muxer, resetting all open streams.
func (m *Muxer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.readState, s.writeState = Reset, Reset
		s.mu.Unlock()
		s.closeInbound()
	}
	close(m.accept)
	return nil
}
