package secio

import (
	"crypto/hmac"
	"hash"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Params is the per-direction symmetric state produced by a successful
// handshake: spec.md §3's SecioParams.
type Params struct {
	Nonce                 []byte
	RemotePermanentPubKey crypto.PubKey
	RemoteEphemeralPubKey []byte
	Keys                  StretchedKey
	Curve                 string
	Cipher                string
	Hash                  string
	MAC                   hash.Hash
}

// newMAC constructs the per-direction HMAC described in spec.md §4.D step 6,
// keyed by the direction's MacKey.
func newMAC(hashName string, macKey []byte) (hash.Hash, error) {
	hf, err := hashFactory(hashName)
	if err != nil {
		return nil, err
	}
	return hmac.New(hf, macKey), nil
}
