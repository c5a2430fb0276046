package secio

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

func TestHandshakeSymmetry(t *testing.T) {
	a, b := net.Pipe()
	a.SetDeadline(time.Now().Add(10 * time.Second))
	b.SetDeadline(time.Now().Add(10 * time.Second))
	defer a.Close()
	defer b.Close()

	keyA := genKey(t)
	keyB := genKey(t)

	var wg sync.WaitGroup
	wg.Add(2)

	var aLocal, aRemote, bLocal, bRemote *Params
	var errA, errB error

	go func() {
		defer wg.Done()
		aLocal, aRemote, errA = NewNegotiator(a, keyA).Handshake()
	}()
	go func() {
		defer wg.Done()
		bLocal, bRemote, errB = NewNegotiator(b, keyB).Handshake()
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	// A's local keys must match B's remote keys, and vice versa.
	require.Equal(t, aLocal.Keys, bRemote.Keys)
	require.Equal(t, bLocal.Keys, aRemote.Keys)
}

func TestHandshakeSelfConnecting(t *testing.T) {
	a, b := net.Pipe()
	a.SetDeadline(time.Now().Add(10 * time.Second))
	b.SetDeadline(time.Now().Add(10 * time.Second))
	defer a.Close()
	defer b.Close()

	key := genKey(t)

	// Force identical nonces by seeding a deterministic rand source is
	// impractical here; instead we directly exercise orderKeys with equal
	// inputs to assert SelfConnecting detection (the handshake-level
	// scenario requires hooking the nonce RNG, covered at the unit level).
	pub, err := crypto.MarshalPublicKey(key.GetPublic())
	require.NoError(t, err)
	nonce := make([]byte, nonceSize)

	_, err = orderKeys(pub, pub, nonce, nonce)
	require.ErrorIs(t, err, ErrSelfConnecting)
}

func TestHandshakeTamperedSignatureRejected(t *testing.T) {
	// Exercise the signature-verification failure path directly: a
	// signature produced over the wrong bytes must fail Verify.
	key := genKey(t)
	sig, err := key.Sign([]byte("selection-bytes"))
	require.NoError(t, err)
	sig[0] ^= 0xFF

	ok, err := key.GetPublic().Verify([]byte("selection-bytes"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}
