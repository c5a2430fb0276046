package noise

import (
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestHandshakeCompletesAndCiphersWork(t *testing.T) {
	a, b := net.Pipe()
	a.SetDeadline(time.Now().Add(10 * time.Second))
	b.SetDeadline(time.Now().Add(10 * time.Second))
	defer a.Close()
	defer b.Close()

	keyA, keyB := genKey(t), genKey(t)
	initiator, err := NewSession(a, true, keyA)
	require.NoError(t, err)
	responder, err := NewSession(b, false, keyB)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	var errI, errR error
	go func() { defer wg.Done(); errI = initiator.Handshake() }()
	go func() { defer wg.Done(); errR = responder.Handshake() }()
	wg.Wait()

	require.NoError(t, errI)
	require.NoError(t, errR)
	require.NotNil(t, initiator.InstancePayload())
	require.NotNil(t, responder.InstancePayload())

	ct := initiator.Send.Encrypt(nil, nil, []byte("hello"))
	pt, err := responder.Recv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}
