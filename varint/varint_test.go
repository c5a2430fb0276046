package varint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 129, 300, 1 << 20, 1<<63 - 1}
	for _, v := range values {
		enc := Encode(nil, v)
		got, n, err := Uvarint(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), Len(v))
	}
}

func TestEncodeMinimal(t *testing.T) {
	assert.Equal(t, []byte{0x00}, Encode(nil, 0))
	assert.Equal(t, []byte{0x01}, Encode(nil, 1))
	assert.Equal(t, []byte{0x80, 0x01}, Encode(nil, 128))
}

func TestUvarintNeedsMoreBytes(t *testing.T) {
	_, n, err := Uvarint([]byte{0x80})
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUvarintOverlong(t *testing.T) {
	buf := bytes.Repeat([]byte{0x80}, 10)
	_, _, err := Uvarint(buf)
	assert.ErrorIs(t, err, ErrMalformedVarint)
}

func TestReadWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, 300))
	v, err := Read(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 300, v)
}

func TestReadOverlong(t *testing.T) {
	r := bytes.NewReader(bytes.Repeat([]byte{0x80}, 10))
	_, err := Read(r)
	assert.ErrorIs(t, err, ErrMalformedVarint)
}
