package secio

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSecureConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	a.SetDeadline(time.Now().Add(5 * time.Second))
	b.SetDeadline(time.Now().Add(5 * time.Second))
	defer a.Close()
	defer b.Close()

	keyA, keyB := genKey(t), genKey(t)

	var wg sync.WaitGroup
	wg.Add(2)
	var connA, connB *SecureConn
	var errA, errB error
	go func() {
		defer wg.Done()
		n := NewNegotiator(a, keyA)
		_, _, errA = n.Handshake()
		if errA == nil {
			connA, errA = n.SecureConn()
		}
	}()
	go func() {
		defer wg.Done()
		n := NewNegotiator(b, keyB)
		_, _, errB = n.Handshake()
		if errB == nil {
			connB, errB = n.SecureConn()
		}
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	_, err := connA.Write([]byte("hello secio"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := connB.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello secio", string(buf[:n]))
}
