package peers

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func newTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func maddr(t *testing.T, s string) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

type fakeNetwork struct {
	mu      sync.Mutex
	self    peer.ID
	peers   []peer.ID
	connErr error
	dials   []peer.ID
}

func (n *fakeNetwork) Connect(_ context.Context, pi peer.AddrInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials = append(n.dials, pi.ID)
	return n.connErr
}

func (n *fakeNetwork) ID() peer.ID { return n.self }

func (n *fakeNetwork) Peers() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]peer.ID(nil), n.peers...)
}

func TestAddrBookRoundTrip(t *testing.T) {
	peerID := newTestPeerID(t)
	path := filepath.Join(t.TempDir(), "peers.json")

	list := []PeerInfo{{AddrInfo: AddrInfo{ID: peerID, Addrs: []multiaddr.Multiaddr{maddr(t, "/ip4/127.0.0.1/tcp/4001")}}}}
	require.NoError(t, persistPeers(list, path))

	loaded, err := loadPeers(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, peerID, loaded[0].ID)
}

func TestLoadPeersMissingFile(t *testing.T) {
	_, err := loadPeers(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewPeerManLoadsAddrBook(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	path := filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, persistPeers([]PeerInfo{
		{AddrInfo: AddrInfo{ID: other, Addrs: []multiaddr.Multiaddr{maddr(t, "/ip4/10.0.0.1/tcp/4001")}}},
	}, path))

	net := &fakeNetwork{self: self}
	ps := pstoremem.NewPeerstore()
	pm, err := NewPeerMan(false, path, nil, net, ps, nil, nil)
	require.NoError(t, err)

	_, _, disconnected := pm.KnownPeers()
	require.Len(t, disconnected, 1)
	require.Equal(t, other, disconnected[0].ID)
}

func TestConnectedAndDisconnectedTrackDisconnectTimestamp(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	path := filepath.Join(t.TempDir(), "peers.json")

	net := &fakeNetwork{self: self}
	ps := pstoremem.NewPeerstore()
	ps.AddAddr(other, maddr(t, "/ip4/10.0.0.2/tcp/4001"), time.Hour)

	pm, err := NewPeerMan(false, path, nil, net, ps, nil, nil)
	require.NoError(t, err)

	pm.Connected(ConnEvent{Peer: other, OpenedAt: time.Now()})
	pm.mtx.Lock()
	_, stillTracked := pm.disconnects[other]
	pm.mtx.Unlock()
	require.False(t, stillTracked)

	pm.Disconnected(ConnEvent{Peer: other, OpenedAt: time.Now().Add(-time.Minute)})
	pm.mtx.Lock()
	_, tracked := pm.disconnects[other]
	pm.mtx.Unlock()
	require.True(t, tracked)

	close(pm.done)
}

func TestAddPeerAddrsDedups(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	path := filepath.Join(t.TempDir(), "peers.json")
	net := &fakeNetwork{self: self}
	ps := pstoremem.NewPeerstore()
	pm, err := NewPeerMan(false, path, nil, net, ps, nil, nil)
	require.NoError(t, err)

	addr := maddr(t, "/ip4/10.0.0.3/tcp/4001")
	added := pm.addPeerAddrs(peer.AddrInfo{ID: other, Addrs: []multiaddr.Multiaddr{addr}})
	require.True(t, added)

	addedAgain := pm.addPeerAddrs(peer.AddrInfo{ID: other, Addrs: []multiaddr.Multiaddr{addr}})
	require.False(t, addedAgain)
}

func TestCheckProtocolSupport(t *testing.T) {
	self := newTestPeerID(t)
	other := newTestPeerID(t)
	ps := pstoremem.NewPeerstore()
	require.NoError(t, ps.AddProtocols(other, "/ping/1.0.0"))

	ok, err := CheckProtocolSupport(context.Background(), ps, other, "/ping/1.0.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = CheckProtocolSupport(context.Background(), ps, other, "/ping/1.0.0", "/other/1.0.0")
	require.NoError(t, err)
	require.False(t, ok)

	_ = self
}
