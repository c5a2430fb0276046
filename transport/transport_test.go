package transport

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/require"

	"github.com/kwilteam/p2pcore/multistream"
)

// fakeConn adapts net.Conn to io.ReadWriteCloser for the Upgrader, which
// only needs that much plus an optional deadline.
type fakeConn struct{ net.Conn }

func genIdentity(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	return priv
}

func dialAndAccept(t *testing.T, security SecurityProtocol) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	a.SetDeadline(time.Now().Add(10 * time.Second))
	b.SetDeadline(time.Now().Add(10 * time.Second))

	dialer := NewUpgrader(genIdentity(t), WithSecurity(security))
	listener := NewUpgrader(genIdentity(t), WithSecurity(security))

	var wg sync.WaitGroup
	wg.Add(2)
	var clientConn, serverConn *Connection
	var errC, errS error
	go func() {
		defer wg.Done()
		clientConn, errC = dialer.Dial(context.Background(), fakeConn{a})
	}()
	go func() {
		defer wg.Done()
		serverConn, errS = listener.Accept(context.Background(), fakeConn{b})
	}()
	wg.Wait()
	require.NoError(t, errC)
	require.NoError(t, errS)
	return clientConn, serverConn
}

func TestUpgradePingNoise(t *testing.T) {
	client, server := dialAndAccept(t, SecurityNoise)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := server.AcceptStream(context.Background(), []multistream.Handler{
			{Match: multistream.ExactMatch(PingProtocolID), Name: PingProtocolID},
		})
		if err != nil {
			return
		}
		ServePing(s)
	}()

	rtt, err := Ping(context.Background(), client)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
	wg.Wait()
}

func TestUpgradePingSecio(t *testing.T) {
	client, server := dialAndAccept(t, SecuritySecio)
	defer client.Close()
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := server.AcceptStream(context.Background(), []multistream.Handler{
			{Match: multistream.ExactMatch(PingProtocolID), Name: PingProtocolID},
		})
		if err != nil {
			return
		}
		ServePing(s)
	}()

	rtt, err := Ping(context.Background(), client)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
	wg.Wait()
}

func TestConnectionStatsAccountsBytes(t *testing.T) {
	client, server := dialAndAccept(t, SecurityNoise)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := server.AcceptStream(context.Background(), []multistream.Handler{
			{Match: multistream.ExactMatch(PingProtocolID), Name: PingProtocolID},
		})
		require.NoError(t, err)
		ServePing(s)
	}()

	s, err := client.OpenStream(context.Background(), []protocol.ID{PingProtocolID})
	require.NoError(t, err)
	_, err = s.Write(make([]byte, 32))
	require.NoError(t, err)
	require.Positive(t, client.Stats().InflightBytes)

	buf := make([]byte, 32)
	_, err = s.Read(buf)
	require.NoError(t, err)
	s.Close()
	<-done
}
