package pubsub

import (
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu  sync.Mutex
	got map[peer.ID][]*RPC
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(map[peer.ID][]*RPC)}
}

func (f *fakeSender) Send(p peer.ID, rpc *RPC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got[p] = append(f.got[p], rpc)
	return nil
}

func (f *fakeSender) publishCount(p peer.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rpc := range f.got[p] {
		n += len(rpc.Publish)
	}
	return n
}

func msg(from string, seqno byte, topic string) *Message {
	return &Message{From: []byte(from), Data: []byte("x"), Seqno: []byte{seqno}, TopicIDs: []string{topic}}
}

func TestRPCMarshalRoundTrip(t *testing.T) {
	rpc := &RPC{
		Subscriptions: []SubOpts{{Subscribe: true, TopicID: "chat"}},
		Publish:       []*Message{msg("alice", 1, "chat")},
	}
	b, err := rpc.MarshalBinary()
	require.NoError(t, err)

	var got RPC
	require.NoError(t, got.UnmarshalBinary(b))
	require.Len(t, got.Subscriptions, 1)
	require.Equal(t, "chat", got.Subscriptions[0].TopicID)
	require.True(t, got.Subscriptions[0].Subscribe)
	require.Len(t, got.Publish, 1)
	require.Equal(t, "alice", string(got.Publish[0].From))
	require.Equal(t, []string{"chat"}, got.Publish[0].TopicIDs)
}

func TestMessageIDIsFromPlusSeqno(t *testing.T) {
	m := msg("alice", 7, "chat")
	require.Equal(t, m.ID(), msg("alice", 7, "other-topic").ID())
	require.NotEqual(t, m.ID(), msg("bob", 7, "chat").ID())
}

// TestThreePeerFanout mirrors spec.md's "three peers A,B,C" scenario: the
// router forwards a message it received from A on to B and C but never back
// to A, and only to peers subscribed to the message's topic (not D).
func TestThreePeerFanout(t *testing.T) {
	sender := newFakeSender()
	r := NewRouter(sender)
	r.Subscribe("chat")

	a, b, c, d := peer.ID("A"), peer.ID("B"), peer.ID("C"), peer.ID("D")
	r.ActivatePeer(a)
	r.ActivatePeer(b)
	r.ActivatePeer(c)
	r.ActivatePeer(d)

	require.NoError(t, r.HandleInboundRPC(b, &RPC{Subscriptions: []SubOpts{{Subscribe: true, TopicID: "chat"}}}))
	require.NoError(t, r.HandleInboundRPC(c, &RPC{Subscriptions: []SubOpts{{Subscribe: true, TopicID: "chat"}}}))
	// d never subscribes to "chat".

	m := msg("alice", 1, "chat")
	require.NoError(t, r.HandleInboundRPC(a, &RPC{Publish: []*Message{m}}))

	require.Equal(t, 0, sender.publishCount(a), "loop suppression: never forwarded back to the sender")
	require.Equal(t, 1, sender.publishCount(b))
	require.Equal(t, 1, sender.publishCount(c))
	require.Equal(t, 0, sender.publishCount(d), "topic filter: d never subscribed")
}

func TestDedupSecondPublishIsNoop(t *testing.T) {
	sender := newFakeSender()
	r := NewRouter(sender)
	r.Subscribe("chat")

	// peerA sends the message; peerB is the subscriber it would be
	// forwarded to, so peerB's count shows whether the duplicate fans out.
	peerA, peerB := peer.ID("A"), peer.ID("B")
	r.ActivatePeer(peerA)
	r.ActivatePeer(peerB)
	require.NoError(t, r.HandleInboundRPC(peerA, &RPC{Subscriptions: []SubOpts{{Subscribe: true, TopicID: "chat"}}}))
	require.NoError(t, r.HandleInboundRPC(peerB, &RPC{Subscriptions: []SubOpts{{Subscribe: true, TopicID: "chat"}}}))

	m := msg("alice", 1, "chat")
	require.NoError(t, r.HandleInboundRPC(peerA, &RPC{Publish: []*Message{m}}))
	before := sender.publishCount(peerB)

	require.NoError(t, r.HandleInboundRPC(peerA, &RPC{Publish: []*Message{m}}))
	require.Equal(t, before, sender.publishCount(peerB), "a duplicate received message causes zero additional fanouts")
}

func TestPublishRejectsAlreadySeen(t *testing.T) {
	sender := newFakeSender()
	r := NewRouter(sender)

	m := msg("alice", 1, "chat")
	require.NoError(t, r.Publish(m))
	require.ErrorIs(t, r.Publish(m), ErrMessageAlreadySeen)
}

func TestRemovePeerFailsPendingPromises(t *testing.T) {
	sender := newFakeSender()
	r := NewRouter(sender)
	p := peer.ID("A")
	r.ActivatePeer(p)

	promise := make(chan error, 1)
	r.enqueue(p, &RPC{Publish: []*Message{msg("alice", 1, "chat")}}, promise)
	r.RemovePeer(p)

	err := <-promise
	require.ErrorIs(t, err, ErrConnectionClosed)
}
