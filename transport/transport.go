// Package transport implements the upgrader of spec.md §4.H: it glues
// multistream-select, SECIO/Noise, and mplex into
// one pipeline that turns a raw duplex byte pipe into an authenticated,
// multiplexed Connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/kwilteam/p2pcore/log"
	"github.com/kwilteam/p2pcore/mplex"
	"github.com/kwilteam/p2pcore/multistream"
	"github.com/kwilteam/p2pcore/noise"
	"github.com/kwilteam/p2pcore/secio"
)

// Protocol announce strings, exact per spec.md §6.
const (
	SecioProtocolID protocol.ID = "/secio/1.0.0"
	NoiseProtocolID protocol.ID = "/noise/Noise_XX_25519_ChaChaPoly_SHA256/0.1.0"
	MplexProtocolID protocol.ID = "/mplex/6.7.0"
	PingProtocolID  protocol.ID = "/ipfs/ping/1.0.0"
)

// SecurityProtocol selects which secure-channel handshake an Upgrader runs.
type SecurityProtocol int

const (
	SecuritySecio SecurityProtocol = iota
	SecurityNoise
)

// ErrHandshakeTimeout is returned when a handshake does not complete within
// the configured budget, per spec.md §5. The budget is enforced through the
// raw pipe's SetDeadline, so it applies only to pipes that implement it.
var ErrHandshakeTimeout = errors.New("transport: handshake timeout")

// DefaultHandshakeTimeout is spec.md §5's default handshake budget.
const DefaultHandshakeTimeout = 30 * time.Second

// Upgrader turns a raw duplex byte pipe into a Connection: multistream-select
// the security protocol, run the handshake, multistream-select the muxer,
// wrap it in mplex.
type Upgrader struct {
	security         SecurityProtocol
	identity         crypto.PrivKey
	handshakeTimeout time.Duration
	log              log.Logger
}

// Option configures an Upgrader.
type Option func(*Upgrader)

// WithSecurity selects SECIO or Noise (default Noise).
func WithSecurity(s SecurityProtocol) Option { return func(u *Upgrader) { u.security = s } }

// WithIdentity sets the libp2p identity key used to authenticate both
// SECIO and Noise handshakes.
func WithIdentity(k crypto.PrivKey) Option { return func(u *Upgrader) { u.identity = k } }

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(u *Upgrader) { u.handshakeTimeout = d }
}

// WithLogger injects a Logger; defaults to log.DiscardLogger.
func WithLogger(l log.Logger) Option { return func(u *Upgrader) { u.log = l } }

// NewUpgrader constructs an Upgrader. identity is required.
func NewUpgrader(identity crypto.PrivKey, opts ...Option) *Upgrader {
	u := &Upgrader{
		security:         SecurityNoise,
		identity:         identity,
		handshakeTimeout: DefaultHandshakeTimeout,
		log:              log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Upgrader) securityProtocolID() protocol.ID {
	if u.security == SecuritySecio {
		return SecioProtocolID
	}
	return NoiseProtocolID
}

// deadliner is satisfied by net.Conn and other raw pipes with deadlines;
// rawConn may or may not implement it.
type deadliner interface {
	SetDeadline(time.Time) error
}

func (u *Upgrader) withDeadline(raw io.ReadWriter) func() {
	d, ok := raw.(deadliner)
	if !ok || u.handshakeTimeout <= 0 {
		return func() {}
	}
	d.SetDeadline(time.Now().Add(u.handshakeTimeout))
	return func() { d.SetDeadline(time.Time{}) }
}

func (u *Upgrader) secureChannel(raw io.ReadWriter, initiator bool) (_ io.ReadWriter, err error) {
	defer func() {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
	}()
	switch u.security {
	case SecuritySecio:
		n := secio.NewNegotiator(raw, u.identity)
		if _, _, err := n.Handshake(); err != nil {
			return nil, err
		}
		// Reuse the exact SecureConn the handshake already built and used
		// for the finish-nonce exchange; deriving a fresh one from the same
		// Params would restart the AES-CTR keystream from the same IV.
		return n.SecureConn()
	case SecurityNoise:
		s, err := noise.NewSession(raw, initiator, u.identity)
		if err != nil {
			return nil, err
		}
		if err := s.Handshake(); err != nil {
			return nil, err
		}
		return noise.NewTransportConn(s), nil
	default:
		return nil, fmt.Errorf("transport: unknown security protocol")
	}
}

// Dial runs the initiator side of the full upgrade pipeline over raw.
func (u *Upgrader) Dial(ctx context.Context, raw io.ReadWriteCloser) (*Connection, error) {
	cancelDeadline := u.withDeadline(raw)
	defer cancelDeadline()

	if _, err := multistream.SelectOneOf(raw, []protocol.ID{u.securityProtocolID()}); err != nil {
		return nil, fmt.Errorf("transport: negotiate security: %w", err)
	}
	secure, err := u.secureChannel(raw, true)
	if err != nil {
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	if _, err := multistream.SelectOneOf(secure, []protocol.ID{MplexProtocolID}); err != nil {
		return nil, fmt.Errorf("transport: negotiate muxer: %w", err)
	}

	return newConnection(raw, secure, u.log), nil
}

// Accept runs the responder side of the full upgrade pipeline over raw.
func (u *Upgrader) Accept(ctx context.Context, raw io.ReadWriteCloser) (*Connection, error) {
	cancelDeadline := u.withDeadline(raw)
	defer cancelDeadline()

	if _, err := multistream.Negotiate(raw, []multistream.Handler{
		{Match: multistream.ExactMatch(u.securityProtocolID()), Name: u.securityProtocolID()},
	}); err != nil {
		return nil, fmt.Errorf("transport: negotiate security: %w", err)
	}
	secure, err := u.secureChannel(raw, false)
	if err != nil {
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	if _, err := multistream.Negotiate(secure, []multistream.Handler{
		{Match: multistream.ExactMatch(MplexProtocolID), Name: MplexProtocolID},
	}); err != nil {
		return nil, fmt.Errorf("transport: negotiate muxer: %w", err)
	}

	return newConnection(raw, secure, u.log), nil
}
