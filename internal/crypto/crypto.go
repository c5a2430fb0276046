// Package crypto provides the identity-key helpers every entry point in
// this module needs: generate a node key, load one from disk, or unmarshal
// key bytes persisted in a previous run. Adapted from the teacher's
// v2/node.NewKey and newHost key-handling, generalized beyond secp256k1
// since transport.Upgrader accepts any crypto.PrivKey.
package crypto

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// KeyType selects the identity key algorithm.
type KeyType int

const (
	KeyTypeEd25519 KeyType = iota
	KeyTypeSecp256k1
)

// GenerateKey produces a new private key of the given type, reading
// randomness from r.
func GenerateKey(kt KeyType, r io.Reader) (crypto.PrivKey, error) {
	switch kt {
	case KeyTypeSecp256k1:
		priv, _, err := crypto.GenerateSecp256k1Key(r)
		if err != nil {
			return nil, fmt.Errorf("crypto: generate secp256k1 key: %w", err)
		}
		return priv, nil
	case KeyTypeEd25519:
		priv, _, err := crypto.GenerateEd25519Key(r)
		if err != nil {
			return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("crypto: unknown key type %d", kt)
	}
}

// LoadOrGenerateKey reads a base64-encoded marshaled private key from path,
// or generates and persists a new one of kt if path does not exist yet.
func LoadOrGenerateKey(path string, kt KeyType, r io.Reader) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return UnmarshalKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: reading key file: %w", err)
	}

	priv, err := GenerateKey(kt, r)
	if err != nil {
		return nil, err
	}
	encoded, err := MarshalKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encoded, 0600); err != nil {
		return nil, fmt.Errorf("crypto: writing key file: %w", err)
	}
	return priv, nil
}

// MarshalKey serializes priv to the on-disk base64 form used by
// LoadOrGenerateKey.
func MarshalKey(priv crypto.PrivKey) ([]byte, error) {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// UnmarshalKey parses the base64 form written by MarshalKey.
func UnmarshalKey(data []byte) (crypto.PrivKey, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key file: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw[:n])
	if err != nil {
		return nil, fmt.Errorf("crypto: unmarshal private key: %w", err)
	}
	return priv, nil
}
