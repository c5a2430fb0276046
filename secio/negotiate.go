// Package secio implements the legacy SECIO secure-channel handshake of
// spec.md §4.D: a six-state negotiator that authenticates two peers via
// their permanent public keys, agrees on a curve/cipher/hash triple, and
// derives per-direction stretched symmetric keys over an ECDH shared
// secret.
package secio

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// State is one of the six SECIO negotiator states of spec.md §4.D.
type State int32

const (
	Initial State = iota
	ProposeSent
	ExchangeSent
	KeysCreated
	SecureChannelCreated
	FinalValidated
)

var (
	ErrInvalidRemotePubKey    = errors.New("secio: invalid remote public key")
	ErrInvalidSignature       = errors.New("secio: invalid signature")
	ErrInvalidInitialPacket   = errors.New("secio: invalid initial packet")
	ErrInvalidNegotiationState = errors.New("secio: message received in wrong state")
)

const nonceSize = 16

// Negotiator drives one side of a SECIO handshake over an insecure duplex
// byte connection.
type Negotiator struct {
	Conn      io.ReadWriter
	LocalKey  crypto.PrivKey
	Exchanges []string
	Hashes    []string
	Ciphers   []string

	state  State
	secure *SecureConn
}

// NewNegotiator constructs a Negotiator with the default preference lists.
func NewNegotiator(conn io.ReadWriter, localKey crypto.PrivKey) *Negotiator {
	return &Negotiator{
		Conn:      conn,
		LocalKey:  localKey,
		Exchanges: DefaultExchanges,
		Hashes:    DefaultHashes,
		Ciphers:   DefaultCiphers,
	}
}

func csv(items []string) string {
	out := items[0]
	for _, s := range items[1:] {
		out += "," + s
	}
	return out
}

func curveByName(name string) (ecdh.Curve, error) {
	switch name {
	case "P-256":
		return ecdh.P256(), nil
	case "P-384":
		return ecdh.P384(), nil
	case "P-521":
		return ecdh.P521(), nil
	default:
		return nil, fmt.Errorf("secio: unsupported curve %s", name)
	}
}

// Handshake runs the full six-step negotiation and returns the local and
// remote Params on success, per spec.md §4.D and §8 property 4 (SECIO
// symmetry).
func (n *Negotiator) Handshake() (local, remote *Params, err error) {
	if n.state != Initial {
		return nil, nil, ErrInvalidNegotiationState
	}

	// --- step 1: Propose ---
	nonceOut := make([]byte, nonceSize)
	if _, err := rand.Read(nonceOut); err != nil {
		return nil, nil, err
	}
	pubBytes, err := crypto.MarshalPublicKey(n.LocalKey.GetPublic())
	if err != nil {
		return nil, nil, err
	}

	proposeOut := Propose{
		Rand:      nonceOut,
		Pubkey:    pubBytes,
		Exchanges: csv(n.Exchanges),
		Hashes:    csv(n.Hashes),
		Ciphers:   csv(n.Ciphers),
	}
	proposeOutBytes, err := proposeOut.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	if err := writeFramed(n.Conn, proposeOutBytes); err != nil {
		return nil, nil, err
	}
	n.state = ProposeSent

	proposeInBytes, err := readFramed(n.Conn)
	if err != nil {
		return nil, nil, err
	}
	var proposeIn Propose
	if err := proposeIn.UnmarshalBinary(proposeInBytes); err != nil {
		return nil, nil, err
	}

	remotePermPub, err := crypto.UnmarshalPublicKey(proposeIn.Pubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRemotePubKey, err)
	}

	order, err := orderKeys(pubBytes, proposeIn.Pubkey, nonceOut, proposeIn.Rand)
	if err != nil {
		return nil, nil, err // ErrSelfConnecting
	}

	curveName, err := selectBest(order, proposeOut.Exchanges, proposeIn.Exchanges)
	if err != nil {
		return nil, nil, err
	}
	hashName, err := selectBest(order, proposeOut.Hashes, proposeIn.Hashes)
	if err != nil {
		return nil, nil, err
	}
	cipherName, err := selectBest(order, proposeOut.Ciphers, proposeIn.Ciphers)
	if err != nil {
		return nil, nil, err
	}

	curve, err := curveByName(curveName)
	if err != nil {
		return nil, nil, err
	}

	// --- step 3: Exchange ---
	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	ephPubBytes := ephPriv.PublicKey().Bytes()

	var selectionOut bytes.Buffer
	selectionOut.Write(proposeOutBytes)
	selectionOut.Write(proposeInBytes)
	selectionOut.Write(ephPubBytes)
	sig, err := n.LocalKey.Sign(selectionOut.Bytes())
	if err != nil {
		return nil, nil, err
	}

	exchangeOut := Exchange{Epubkey: ephPubBytes, Signature: sig}
	exchangeOutBytes, err := exchangeOut.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	if err := writeFramed(n.Conn, exchangeOutBytes); err != nil {
		return nil, nil, err
	}
	n.state = ExchangeSent

	exchangeInBytes, err := readFramed(n.Conn)
	if err != nil {
		return nil, nil, err
	}
	var exchangeIn Exchange
	if err := exchangeIn.UnmarshalBinary(exchangeInBytes); err != nil {
		return nil, nil, err
	}

	// --- step 4: verify ---
	var selectionIn bytes.Buffer
	selectionIn.Write(proposeInBytes)
	selectionIn.Write(proposeOutBytes)
	selectionIn.Write(exchangeIn.Epubkey)
	ok, err := remotePermPub.Verify(selectionIn.Bytes(), exchangeIn.Signature)
	if err != nil || !ok {
		return nil, nil, ErrInvalidSignature
	}

	// --- step 5: ECDH ---
	remoteEphPub, err := curve.NewPublicKey(exchangeIn.Epubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("secio: bad remote ephemeral key: %w", err)
	}
	shared, err := ephPriv.ECDH(remoteEphPub)
	if err != nil {
		return nil, nil, err
	}

	// --- step 6: stretch keys ---
	k1, k2, err := stretchKeys(cipherName, hashName, shared)
	if err != nil {
		return nil, nil, err
	}
	var localKeys, remoteKeys StretchedKey
	if order > 0 {
		localKeys, remoteKeys = k1, k2
	} else {
		localKeys, remoteKeys = k2, k1
	}

	localMAC, err := newMAC(hashName, localKeys.MacKey)
	if err != nil {
		return nil, nil, err
	}
	remoteMAC, err := newMAC(hashName, remoteKeys.MacKey)
	if err != nil {
		return nil, nil, err
	}

	local = &Params{
		Nonce: nonceOut, RemotePermanentPubKey: remotePermPub,
		RemoteEphemeralPubKey: exchangeIn.Epubkey, Keys: localKeys,
		Curve: curveName, Cipher: cipherName, Hash: hashName, MAC: localMAC,
	}
	remote = &Params{
		Nonce: proposeIn.Rand, RemotePermanentPubKey: remotePermPub,
		RemoteEphemeralPubKey: exchangeIn.Epubkey, Keys: remoteKeys,
		Curve: curveName, Cipher: cipherName, Hash: hashName, MAC: remoteMAC,
	}
	n.state = KeysCreated

	// --- step 7: install the encrypt/decrypt/MAC frame handler, then
	// finalize by sending the peer's own nonce back *through it* and
	// verifying what comes back. This is what actually authenticates the
	// handshake: a MITM that only saw the plaintext Propose/Exchange
	// messages cannot produce a validly-encrypted-and-MAC'd echo of
	// nonceOut without having derived the same shared keys.
	secure, err := NewSecureConn(n.Conn, local, remote)
	if err != nil {
		return nil, nil, err
	}
	n.secure = secure
	n.state = SecureChannelCreated

	if _, err := secure.Write(proposeIn.Rand); err != nil {
		return nil, nil, err
	}

	gotNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(secure, gotNonce); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(gotNonce, nonceOut) {
		return nil, nil, ErrInvalidInitialPacket
	}
	n.state = FinalValidated

	return local, remote, nil
}

// SecureConn returns the encrypted channel built during Handshake. Callers
// must reuse this instance for all post-handshake traffic rather than
// building a fresh SecureConn from the same Params: the AES-CTR keystream
// position has already advanced past the finish-nonce exchange, so
// re-deriving a new stream cipher from the same IV would reuse keystream
// bytes.
func (n *Negotiator) SecureConn() (*SecureConn, error) {
	if n.state != FinalValidated {
		return nil, ErrInvalidNegotiationState
	}
	return n.secure, nil
}
