package multiaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	ma, err := Parse("/ip4/127.0.0.1/tcp/1234")
	require.NoError(t, err)
	require.Len(t, ma.Components, 2)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/1234", ma.String())
}

func TestParseRejectsNoLeadingSlash(t *testing.T) {
	_, err := Parse("ip4/1.2.3.4/tcp/1234")
	assert.ErrorIs(t, err, ErrMalformedAddress)
}

func TestBinaryForm(t *testing.T) {
	ma, err := Parse("/ip4/127.0.0.1/tcp/1234")
	require.NoError(t, err)
	b := ma.Bytes()
	expect := []byte{0x04, 0x7F, 0x00, 0x00, 0x01, 0x06, 0x04, 0xD2}
	assert.Equal(t, expect, b)
}

func TestBinaryRoundTrip(t *testing.T) {
	texts := []string{
		"/ip4/127.0.0.1/tcp/1234",
		"/ip6/::1/tcp/80",
		"/dnsaddr/example.com/tcp/443",
		"/ip4/127.0.0.1/tcp/1234/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N",
	}
	for _, tc := range texts {
		parsed, err := Parse(tc)
		require.NoError(t, err)
		decoded, err := DecodeBytes(parsed.Bytes())
		require.NoError(t, err)
		assert.Equal(t, parsed.Bytes(), decoded.Bytes())
	}
}

func TestP2PAndIPFSRoundTrip(t *testing.T) {
	const id = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"

	p2p, err := Parse("/p2p/" + id)
	require.NoError(t, err)
	assert.Equal(t, "/p2p/"+id, p2p.String())

	ipfs, err := Parse("/ipfs/" + id)
	require.NoError(t, err)
	// "/ipfs/..." is a legacy spelling of the same "p2p" component: it
	// parses fine but always renders back out as "/p2p/...".
	assert.Equal(t, "/p2p/"+id, ipfs.String())

	assert.Equal(t, p2p.Bytes(), ipfs.Bytes())

	decoded, err := DecodeBytes(p2p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "/p2p/"+id, decoded.String())
	assert.Equal(t, p2p.Bytes(), decoded.Bytes())

	proto, ok := ProtocolByCode(421)
	require.True(t, ok)
	assert.Equal(t, "p2p", proto.Name)
}

func TestTextStability(t *testing.T) {
	ma, err := Parse("/ip6/::1/tcp/80")
	require.NoError(t, err)
	once := ma.String()
	twice, err := Parse(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice.String())
}

func TestTrailingSlashStripped(t *testing.T) {
	ma, err := Parse("/ip4/127.0.0.1/tcp/1234/")
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/1234", ma.String())
}

func TestUnixPathTerminal(t *testing.T) {
	ma, err := Parse("/unix/var/run/sock.sock")
	require.NoError(t, err)
	require.Len(t, ma.Components, 1)
	assert.Equal(t, "/unix/var/run/sock.sock", ma.String())
}

func TestContains(t *testing.T) {
	a, _ := Parse("/ip4/127.0.0.1/tcp/1234")
	b, _ := Parse("/ip4/127.0.0.1/tcp/1234")
	c, _ := Parse("/ip4/127.0.0.1/tcp/4321")
	assert.True(t, Contains([]Multiaddr{a}, b))
	assert.False(t, Contains([]Multiaddr{a}, c))
}

func TestUnknownProtocol(t *testing.T) {
	_, err := Parse("/bogus/1")
	assert.ErrorIs(t, err, ErrMalformedAddress)
}
