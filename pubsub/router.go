package pubsub

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/kwilteam/p2pcore/log"
)

// ErrMessageAlreadySeen is returned by Publish for a message whose id is
// already in the seen-set.
var ErrMessageAlreadySeen = errors.New("pubsub: message already seen")

// ErrConnectionClosed is delivered to pending send promises when a peer is
// removed before its queued RPC parts flush.
var ErrConnectionClosed = errors.New("pubsub: connection closed")

// DefaultSeenCacheSize is the default capacity of the seenMessages LRU set.
const DefaultSeenCacheSize = 10000

// Sender writes one merged RPC to a peer's outbound stream. Implemented by
// the transport binding (one mplex stream per peer running the
// /floodsub/1.0.0 protocol).
type Sender interface {
	Send(p peer.ID, rpc *RPC) error
}

// Validator vets an unseen message before it is delivered locally or
// forwarded. Returning false rejects the RPC carrying it.
type Validator func(msg *Message) bool

// Handler is invoked once per freshly-seen, validated message.
type Handler func(msg *Message)

// Router is the single-event-loop-shaped flood pubsub router of spec.md
// §4.G. Despite the name it is safe for concurrent use: all shared state is
// guarded by one mutex, matching the teacher's preference for an explicit
// lock over ad hoc channel choreography in non-hot-path managers.
type Router struct {
	mu sync.Mutex

	peerTopics       map[peer.ID]map[string]struct{}
	subscribedTopics map[string]struct{}
	activePeers      map[peer.ID]struct{}
	seen             *lru.Cache[string, struct{}]
	pendingRpcParts  map[peer.ID][]*RPC
	pendingPromises  map[peer.ID][]chan error

	sender    Sender
	validator Validator
	handler   Handler
	log       log.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithValidator installs the message validator invoked on each unseen publish.
func WithValidator(v Validator) Option { return func(r *Router) { r.validator = v } }

// WithHandler installs the application delivery callback.
func WithHandler(h Handler) Option { return func(r *Router) { r.handler = h } }

// WithLogger injects a Logger; defaults to log.DiscardLogger.
func WithLogger(l log.Logger) Option { return func(r *Router) { r.log = l } }

// WithSeenCacheSize overrides DefaultSeenCacheSize.
func WithSeenCacheSize(n int) Option {
	return func(r *Router) {
		c, err := lru.New[string, struct{}](n)
		if err == nil {
			r.seen = c
		}
	}
}

// NewRouter constructs a Router that writes merged RPCs via sender.
func NewRouter(sender Sender, opts ...Option) *Router {
	seen, _ := lru.New[string, struct{}](DefaultSeenCacheSize)
	r := &Router{
		peerTopics:       make(map[peer.ID]map[string]struct{}),
		subscribedTopics: make(map[string]struct{}),
		activePeers:      make(map[peer.ID]struct{}),
		seen:             seen,
		pendingRpcParts:  make(map[peer.ID][]*RPC),
		pendingPromises:  make(map[peer.ID][]chan error),
		sender:           sender,
		validator:        func(*Message) bool { return true },
		handler:          func(*Message) {},
		log:              log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds topic to our subscribedTopics and announces it (a "hello"
// SubOpts) to every currently active peer.
func (r *Router) Subscribe(topic string) {
	r.mu.Lock()
	r.subscribedTopics[topic] = struct{}{}
	peers := make([]peer.ID, 0, len(r.activePeers))
	for p := range r.activePeers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		r.sendLocked(p, &RPC{Subscriptions: []SubOpts{{Subscribe: true, TopicID: topic}}}, nil)
	}
}

// Unsubscribe removes topic from subscribedTopics and announces the delta.
func (r *Router) Unsubscribe(topic string) {
	r.mu.Lock()
	delete(r.subscribedTopics, topic)
	peers := make([]peer.ID, 0, len(r.activePeers))
	for p := range r.activePeers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		r.sendLocked(p, &RPC{Subscriptions: []SubOpts{{Subscribe: false, TopicID: topic}}}, nil)
	}
}

// ActivatePeer registers a newly-connected peer and sends the peer
// activation "hello" RPC: a SubOpts{subscribe:true} for each locally
// subscribed topic, per spec.md §4.G.
func (r *Router) ActivatePeer(p peer.ID) {
	r.mu.Lock()
	r.activePeers[p] = struct{}{}
	if _, ok := r.peerTopics[p]; !ok {
		r.peerTopics[p] = make(map[string]struct{})
	}
	subs := make([]SubOpts, 0, len(r.subscribedTopics))
	for t := range r.subscribedTopics {
		subs = append(subs, SubOpts{Subscribe: true, TopicID: t})
	}
	r.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	r.sendLocked(p, &RPC{Subscriptions: subs}, nil)
}

// RemovePeer drops a peer's bookkeeping and fails any pending send promises
// with ErrConnectionClosed, per spec.md §5's cancellation policy.
func (r *Router) RemovePeer(p peer.ID) {
	r.mu.Lock()
	delete(r.activePeers, p)
	delete(r.peerTopics, p)
	delete(r.pendingRpcParts, p)
	promises := r.pendingPromises[p]
	delete(r.pendingPromises, p)
	r.mu.Unlock()

	for _, pr := range promises {
		pr <- ErrConnectionClosed
		close(pr)
	}
}

// HandleInboundRPC runs spec.md §4.G's ordered inbound handling: apply
// subscription deltas, skip control (flood is a no-op router), dedup,
// validate, deliver, rebroadcast, flush.
func (r *Router) HandleInboundRPC(from peer.ID, rpc *RPC) error {
	r.mu.Lock()
	tmap, ok := r.peerTopics[from]
	if !ok {
		tmap = make(map[string]struct{})
		r.peerTopics[from] = tmap
	}
	for _, s := range rpc.Subscriptions {
		if s.Subscribe {
			tmap[s.TopicID] = struct{}{}
		} else {
			delete(tmap, s.TopicID)
		}
	}
	r.mu.Unlock()

	// rpc.Control: flood's processControl is a no-op.

	var unseen []*Message
	r.mu.Lock()
	for _, m := range rpc.Publish {
		if !r.seen.Contains(m.ID()) {
			unseen = append(unseen, m)
		}
	}
	r.mu.Unlock()

	if len(unseen) == 0 {
		return r.flush(from)
	}

	for _, m := range unseen {
		if !r.validator(m) {
			r.log.Warnf("pubsub: rejected rpc from %s: validator declined message %s", from, m.ID())
			return r.flush(from)
		}
	}

	for _, m := range unseen {
		r.mu.Lock()
		r.seen.Add(m.ID(), struct{}{})
		r.mu.Unlock()
		r.handler(m)
	}

	r.broadcastInbound(unseen, from)
	return r.flush(from)
}

// Publish originates a new message: reject a duplicate id with
// ErrMessageAlreadySeen, else validate, mark seen, and flood to subscribed
// peers other than the (nonexistent) sender.
func (r *Router) Publish(msg *Message) error {
	id := msg.ID()
	r.mu.Lock()
	if r.seen.Contains(id) {
		r.mu.Unlock()
		return ErrMessageAlreadySeen
	}
	r.mu.Unlock()

	if !r.validator(msg) {
		return errors.New("pubsub: message failed local validation")
	}

	r.mu.Lock()
	r.seen.Add(id, struct{}{})
	r.mu.Unlock()

	r.broadcastOutbound(msg)
	return nil
}

// broadcastInbound forwards unseen messages to every subscribed peer other
// than fromPeer, per spec.md §8 property 8 (loop suppression).
func (r *Router) broadcastInbound(msgs []*Message, fromPeer peer.ID) {
	r.fanout(msgs, fromPeer)
}

// broadcastOutbound forwards a locally-originated message; there is no
// source peer to exclude.
func (r *Router) broadcastOutbound(msg *Message) {
	r.fanout([]*Message{msg}, "")
}

func (r *Router) fanout(msgs []*Message, exclude peer.ID) {
	targets := make(map[peer.ID][]*Message)
	r.mu.Lock()
	for p := range r.activePeers {
		if p == exclude {
			continue
		}
		topics := r.peerTopics[p]
		for _, m := range msgs {
			if intersects(topics, m.TopicIDs) {
				targets[p] = append(targets[p], m)
			}
		}
	}
	r.mu.Unlock()

	for p, ms := range targets {
		for _, m := range ms {
			r.enqueue(p, &RPC{Publish: []*Message{m}}, nil)
		}
		r.flush(p)
	}
}

func intersects(peerTopics map[string]struct{}, msgTopics []string) bool {
	for _, t := range msgTopics {
		if _, ok := peerTopics[t]; ok {
			return true
		}
	}
	return false
}

// enqueue appends rpc to p's pendingRpcParts, optionally attaching a
// completion promise.
func (r *Router) enqueue(p peer.ID, rpc *RPC, promise chan error) {
	r.mu.Lock()
	r.pendingRpcParts[p] = append(r.pendingRpcParts[p], rpc)
	if promise != nil {
		r.pendingPromises[p] = append(r.pendingPromises[p], promise)
	}
	r.mu.Unlock()
}

func (r *Router) sendLocked(p peer.ID, rpc *RPC, promise chan error) {
	r.enqueue(p, rpc, promise)
	r.flush(p)
}

// flush merges all pending RPC parts for p into one RPC, writes it via
// Sender, and resolves every attached promise (intra-peer causal order is
// preserved: parts are merged in enqueue order, per spec.md §5).
func (r *Router) flush(p peer.ID) error {
	r.mu.Lock()
	parts := r.pendingRpcParts[p]
	promises := r.pendingPromises[p]
	delete(r.pendingRpcParts, p)
	delete(r.pendingPromises, p)
	r.mu.Unlock()

	if len(parts) == 0 {
		return nil
	}

	merged := &RPC{}
	for _, part := range parts {
		merged.Subscriptions = append(merged.Subscriptions, part.Subscriptions...)
		merged.Publish = append(merged.Publish, part.Publish...)
		if len(part.Control) > 0 {
			merged.Control = part.Control
		}
	}

	err := r.sender.Send(p, merged)
	for _, promise := range promises {
		promise <- err
		close(promise)
	}
	if err != nil {
		r.log.Warnf("pubsub: send to %s failed: %v", p, err)
	}
	return err
}
