package multistream

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) {
	a, b := net.Pipe()
	a.SetDeadline(time.Now().Add(5 * time.Second))
	b.SetDeadline(time.Now().Add(5 * time.Second))
	return a, b
}

func TestNegotiateAccepted(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		Negotiate(server, []Handler{{Match: ExactMatch("/echo/1.0.0"), Name: "/echo/1.0.0"}})
	}()

	got, err := SelectOneOf(client, []protocol.ID{"/echo/1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, protocol.ID("/echo/1.0.0"), got)
}

func TestNegotiateTriesNext(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan protocol.ID, 1)
	go func() {
		p, _ := Negotiate(server, []Handler{{Match: ExactMatch("/b/1.0.0"), Name: "/b/1.0.0"}})
		done <- p
	}()

	got, err := SelectOneOf(client, []protocol.ID{"/a/1.0.0", "/b/1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, protocol.ID("/b/1.0.0"), got)
	assert.Equal(t, protocol.ID("/b/1.0.0"), <-done)
}

func TestNegotiateExhausted(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		for {
			if _, err := Negotiate(server, []Handler{{Match: ExactMatch("/only/1.0.0"), Name: "/only/1.0.0"}}); err != nil {
				return
			}
		}
	}()

	_, err := SelectOneOf(client, []protocol.ID{"/a/1.0.0"})
	require.Error(t, err)
	_ = io.EOF
}
