package crypto

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyBothTypes(t *testing.T) {
	for _, kt := range []KeyType{KeyTypeEd25519, KeyTypeSecp256k1} {
		priv, err := GenerateKey(kt, rand.Reader)
		require.NoError(t, err)
		require.NotNil(t, priv)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	priv, err := GenerateKey(KeyTypeEd25519, rand.Reader)
	require.NoError(t, err)

	encoded, err := MarshalKey(priv)
	require.NoError(t, err)

	decoded, err := UnmarshalKey(encoded)
	require.NoError(t, err)
	require.True(t, priv.Equals(decoded))
}

func TestLoadOrGenerateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := LoadOrGenerateKey(path, KeyTypeEd25519, rand.Reader)
	require.NoError(t, err)

	second, err := LoadOrGenerateKey(path, KeyTypeEd25519, rand.Reader)
	require.NoError(t, err)

	require.True(t, first.Equals(second))
}
