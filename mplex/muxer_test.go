package mplex

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrameNewStream(t *testing.T) {
	buf := []byte{0x08, 0x00}
	f, err := DecodeFrame(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.StreamID)
	require.Equal(t, NewStream, f.Flag)
	require.Empty(t, f.Data)
}

func TestDecodeFrameMessageInitiator(t *testing.T) {
	buf := []byte{0x12, 0x05, 'h', 'e', 'l', 'l', 'o'}
	f, err := DecodeFrame(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, uint64(2), f.StreamID)
	require.Equal(t, MessageInitiator, f.Flag)
	require.Equal(t, "hello", string(f.Data))
}

func TestDispatchInitiatorParity(t *testing.T) {
	require.False(t, dispatchInitiator(NewStream))
	require.False(t, dispatchInitiator(MessageInitiator))
	require.True(t, dispatchInitiator(MessageReceiver))
	require.False(t, dispatchInitiator(CloseInitiator))
	require.True(t, dispatchInitiator(CloseReceiver))
	require.False(t, dispatchInitiator(ResetInitiator))
	require.True(t, dispatchInitiator(ResetReceiver))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 1<<7 - 1, 1 << 7, 1 << 53} {
		buf := Encode(nil, id, MessageInitiator, []byte("payload"))
		f, err := DecodeFrame(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, id, f.StreamID)
		require.Equal(t, MessageInitiator, f.Flag)
		require.Equal(t, "payload", string(f.Data))
	}
}

// pipeConn is an in-memory full-duplex connection used to test the Muxer
// without a real network socket.
type pipeConn struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func newLoopback() *pipeConn {
	buf := new(bytes.Buffer)
	return &pipeConn{r: buf, w: buf}
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func TestStreamCloseThenWriteFails(t *testing.T) {
	m := NewMuxer(newLoopback())
	s := m.newStream(7, true)

	_, err := s.Write([]byte("one"))
	require.NoError(t, err)
	_, err = s.Write([]byte("two"))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, err = s.Write([]byte("three"))
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestMuxerDuplicateNewStreamResets(t *testing.T) {
	conn := newLoopback()
	m := NewMuxer(conn)

	frame := Frame{StreamID: 3, Initiator: false, Flag: NewStream}
	require.NoError(t, m.dispatch(frame))
	require.NoError(t, m.dispatch(frame))

	m.mu.Lock()
	_, stillThere := m.streams[streamKey{3, false}]
	m.mu.Unlock()
	require.True(t, stillThere, "first registration should remain; the duplicate only triggers a reset reply")
}

func TestMuxerMessageOnUnknownStreamDropped(t *testing.T) {
	conn := newLoopback()
	m := NewMuxer(conn)
	err := m.dispatch(Frame{StreamID: 99, Initiator: true, Flag: MessageInitiator, Data: []byte("x")})
	require.NoError(t, err)
}

func TestMuxerResetRemovesStream(t *testing.T) {
	conn := newLoopback()
	m := NewMuxer(conn)
	require.NoError(t, m.dispatch(Frame{StreamID: 5, Initiator: false, Flag: NewStream}))

	m.mu.Lock()
	s, ok := m.streams[streamKey{5, false}]
	m.mu.Unlock()
	require.True(t, ok)

	require.NoError(t, s.Reset())

	m.mu.Lock()
	_, stillThere := m.streams[streamKey{5, false}]
	m.mu.Unlock()
	require.False(t, stillThere)
}
