// Package mplex implements the stream multiplexer of spec.md §4.F: a
// varint/length-delimited frame codec plus the per-stream state machine
// that turns one encrypted connection into many logical streams.
package mplex

import (
	"errors"
	"fmt"
	"io"

	"github.com/kwilteam/p2pcore/varint"
)

// Flag is the least-significant 3 bits of an mplex frame header, naming
// both the frame's purpose and (combined with NewStream handling) the
// sender's role.
type Flag uint64

const (
	NewStream        Flag = 0
	MessageReceiver  Flag = 1
	MessageInitiator Flag = 2
	CloseReceiver    Flag = 3
	CloseInitiator   Flag = 4
	ResetReceiver    Flag = 5
	ResetInitiator   Flag = 6
)

func (f Flag) String() string {
	switch f {
	case NewStream:
		return "NewStream"
	case MessageReceiver:
		return "MessageReceiver"
	case MessageInitiator:
		return "MessageInitiator"
	case CloseReceiver:
		return "CloseReceiver"
	case CloseInitiator:
		return "CloseInitiator"
	case ResetReceiver:
		return "ResetReceiver"
	case ResetInitiator:
		return "ResetInitiator"
	default:
		return fmt.Sprintf("Flag(%d)", uint64(f))
	}
}

// Frame is one decoded mplex frame: spec.md §3's MplexFrame.
type Frame struct {
	StreamID  uint64
	Initiator bool // our view of who initiated the stream, see dispatchInitiator
	Flag      Flag
	Data      []byte
}

// ErrFrameTooLarge guards against a maliciously huge length prefix.
var ErrFrameTooLarge = errors.New("mplex: frame length exceeds limit")

// MaxFrameSize bounds a single frame's payload.
const MaxFrameSize = 1 << 20

// dispatchInitiator computes the frame's Initiator field per spec.md §4.F:
// if the flag is NewStream, the sender is the initiator, so our view is
// false; otherwise the tag's parity names the sender's role (even tags are
// "Initiator"-tagged), so our view inverts it. This is spec.md §9's
// preserved (not "corrected") decoding.
func dispatchInitiator(flag Flag) bool {
	if flag == NewStream {
		return false
	}
	return flag%2 == 1
}

// encodeFlag picks the wire flag for an action on a stream we view as
// initiator or not.
func encodeFlag(weAreInitiator bool, initiatorFlag, receiverFlag Flag) Flag {
	if weAreInitiator {
		return initiatorFlag
	}
	return receiverFlag
}

// EncodeMessage returns the wire flag for sending application data on a
// stream we view as initiator (weAreInitiator) or not.
func EncodeMessage(weAreInitiator bool) Flag {
	return encodeFlag(weAreInitiator, MessageInitiator, MessageReceiver)
}

// EncodeClose returns the wire flag for half-closing our write side.
func EncodeClose(weAreInitiator bool) Flag {
	return encodeFlag(weAreInitiator, CloseInitiator, CloseReceiver)
}

// EncodeReset returns the wire flag for resetting the stream.
func EncodeReset(weAreInitiator bool) Flag {
	return encodeFlag(weAreInitiator, ResetInitiator, ResetReceiver)
}

// Encode appends the wire form of f to dst: varint((streamId<<3)|flag),
// varint(len(data)), data.
func Encode(dst []byte, streamID uint64, flag Flag, data []byte) []byte {
	header := (streamID << 3) | uint64(flag)
	dst = varint.Encode(dst, header)
	dst = varint.Encode(dst, uint64(len(data)))
	return append(dst, data...)
}

// byteReader adapts an io.Reader to io.ByteReader for varint.Read, reusing
// a one-byte scratch buffer.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// DecodeFrame reads one frame from r: a header varint, a length varint,
// then that many payload bytes.
func DecodeFrame(r io.Reader) (Frame, error) {
	br := &byteReader{r: r}
	header, err := varint.Read(br)
	if err != nil {
		return Frame{}, err
	}
	streamID := header >> 3
	flag := Flag(header & 0x7)

	length, err := varint.Read(br)
	if err != nil {
		return Frame{}, err
	}
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, err
	}

	return Frame{
		StreamID:  streamID,
		Initiator: dispatchInitiator(flag),
		Flag:      flag,
		Data:      data,
	}, nil
}

// DecodeAll decodes every frame present in buf (used by tests and by
// buffered-reader based decode loops); it does not retain references into
// buf, instead copying payloads, matching spec.md §9's "copy into owned
// buffers at the boundary" guidance when a single shared buffer backs
// multiple frames.
func DecodeAll(buf []byte) ([]Frame, error) {
	var frames []Frame
	for len(buf) > 0 {
		header, n, err := varint.Uvarint(buf)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("mplex: bad frame header")
		}
		buf = buf[n:]
		streamID := header >> 3
		flag := Flag(header & 0x7)

		length, n, err := varint.Uvarint(buf)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("mplex: bad frame length")
		}
		buf = buf[n:]
		if length > MaxFrameSize || uint64(len(buf)) < length {
			return nil, ErrFrameTooLarge
		}
		data := append([]byte(nil), buf[:length]...)
		buf = buf[length:]

		frames = append(frames, Frame{
			StreamID:  streamID,
			Initiator: dispatchInitiator(flag),
			Flag:      flag,
			Data:      data,
		})
	}
	return frames, nil
}
