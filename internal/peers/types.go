package peers

import (
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// AddrInfo mirrors peer.AddrInfo in JSON-friendly form for address-book
// persistence.
type AddrInfo struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// PeerInfo is one address-book entry: an address set plus the protocols we
// last observed that peer supporting.
type PeerInfo struct {
	AddrInfo
	Protos []protocol.ID
}

// CompressDialError trims a dial error down to its innermost message,
// since multiaddr dialers otherwise wrap one line per attempted transport.
func CompressDialError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return &compressedErr{msg[i+2:]}
	}
	return err
}

type compressedErr struct{ s string }

func (e *compressedErr) Error() string { return e.s }
