// Package noise implements the Noise_XX_25519_ChaChaPoly_SHA256 handshake
// of spec.md §4.E: a three-message mutually-authenticated key exchange,
// after which two AEAD cipher states (send, receive) secure the channel.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	flynnnoise "github.com/flynn/noise"
	"github.com/libp2p/go-libp2p/core/crypto"
)

// ErrPayloadVerification is returned when a peer's signed static-key
// payload fails to verify.
var ErrPayloadVerification = errors.New("noise: payload signature verification failed")

var cipherSuite = flynnnoise.NewCipherSuite(flynnnoise.DH25519, flynnnoise.CipherChaChaPoly, flynnnoise.HashSHA256)

// Session drives one side of the XX handshake and, once split, exposes the
// resulting send/recv AEAD cipher states.
type Session struct {
	Conn      io.ReadWriter
	Initiator bool
	LocalKey  crypto.PrivKey // libp2p identity key, signs the Noise static key

	hs            *flynnnoise.HandshakeState
	localStaticPub []byte

	// instancePayload stores exactly one verified remote handshake payload,
	// per spec.md §9's open question: the source keeps single-slot
	// semantics rather than a queue, and this core preserves that without
	// wire-level testing against a reference peer to justify a change.
	instancePayload *HandshakePayload

	RemoteStaticKey crypto.PubKey
	Send            *flynnnoise.CipherState
	Recv            *flynnnoise.CipherState
}

// NewSession constructs a Session and generates its ephemeral Noise static
// keypair.
func NewSession(conn io.ReadWriter, initiator bool, localKey crypto.PrivKey) (*Session, error) {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	hs, err := flynnnoise.NewHandshakeState(flynnnoise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       flynnnoise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: kp,
	})
	if err != nil {
		return nil, err
	}
	return &Session{Conn: conn, Initiator: initiator, LocalKey: localKey, hs: hs, localStaticPub: kp.Public}, nil
}

func verifyPayload(payload HandshakePayload, remoteStaticPub []byte) (crypto.PubKey, error) {
	remoteKey, err := crypto.UnmarshalPublicKey(payload.LibP2PKey)
	if err != nil {
		return nil, fmt.Errorf("noise: bad remote identity key: %w", err)
	}
	ok, err := remoteKey.Verify(signedPayload(remoteStaticPub), payload.NoiseStaticKeySignature)
	if err != nil || !ok {
		return nil, ErrPayloadVerification
	}
	return remoteKey, nil
}

// Handshake runs the three Noise XX messages to completion, verifying each
// side's signed static-key payload, and populates Send/Recv/RemoteStaticKey
// on success.
func (s *Session) Handshake() error {
	if s.Initiator {
		return s.handshakeInitiator()
	}
	return s.handshakeResponder()
}

func (s *Session) handshakeInitiator() error {
	// message 1: e, no payload
	msg1, _, _, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := writeFramed(s.Conn, msg1); err != nil {
		return err
	}

	// message 2: e, ee, s, es — responder's signed static-key payload
	in2, err := readFramed(s.Conn)
	if err != nil {
		return err
	}
	payloadBytes2, _, _, err := s.hs.ReadMessage(nil, in2)
	if err != nil {
		return err
	}
	var respPayload HandshakePayload
	if err := respPayload.UnmarshalBinary(payloadBytes2); err != nil {
		return err
	}
	respKey, err := verifyPayload(respPayload, s.hs.PeerStatic())
	if err != nil {
		return err
	}

	// message 3: s, se — our signed static-key payload; completes handshake.
	payloadOut, err := s.localPayload()
	if err != nil {
		return err
	}
	msg3, cs1, cs2, err := s.hs.WriteMessage(nil, payloadOut)
	if err != nil {
		return err
	}
	if err := writeFramed(s.Conn, msg3); err != nil {
		return err
	}

	s.RemoteStaticKey = respKey
	s.instancePayload = &respPayload
	s.Send, s.Recv = cs1, cs2
	return nil
}

func (s *Session) handshakeResponder() error {
	// message 1
	in1, err := readFramed(s.Conn)
	if err != nil {
		return err
	}
	if _, _, _, err := s.hs.ReadMessage(nil, in1); err != nil {
		return err
	}

	// message 2: our signed static-key payload
	payloadOut, err := s.localPayload()
	if err != nil {
		return err
	}
	msg2, _, _, err := s.hs.WriteMessage(nil, payloadOut)
	if err != nil {
		return err
	}
	if err := writeFramed(s.Conn, msg2); err != nil {
		return err
	}

	// message 3: peer's signed static-key payload; completes handshake.
	in3, err := readFramed(s.Conn)
	if err != nil {
		return err
	}
	payloadBytes3, cs1, cs2, err := s.hs.ReadMessage(nil, in3)
	if err != nil {
		return err
	}
	var peerPayload HandshakePayload
	if err := peerPayload.UnmarshalBinary(payloadBytes3); err != nil {
		return err
	}
	peerKey, err := verifyPayload(peerPayload, s.hs.PeerStatic())
	if err != nil {
		return err
	}

	s.RemoteStaticKey = peerKey
	s.instancePayload = &peerPayload
	// For the responder, cs1 is the receive cipher and cs2 the send cipher.
	s.Recv, s.Send = cs1, cs2
	return nil
}

// localPayload signs our own Noise static public key (fixed at
// construction, via localStaticPub) with the libp2p identity key, per
// spec.md §4.E.
func (s *Session) localPayload() ([]byte, error) {
	pub, err := crypto.MarshalPublicKey(s.LocalKey.GetPublic())
	if err != nil {
		return nil, err
	}
	sig, err := s.LocalKey.Sign(signedPayload(s.localStaticPub))
	if err != nil {
		return nil, err
	}
	p := HandshakePayload{LibP2PKey: pub, NoiseStaticKeySignature: sig}
	return p.MarshalBinary()
}

// InstancePayload returns the single verified remote handshake payload
// retained after a successful Handshake, or nil if none.
func (s *Session) InstancePayload() *HandshakePayload { return s.instancePayload }
