// Package peers implements the peer/address-book manager of SPEC_FULL's
// 3.2 supplement: a peerstore-backed address book, minimum-connection
// maintenance loop, peer-exchange discovery, and reconnect-with-backoff,
// adapted from the teacher's node/peers/peers.go onto the small Network
// interface below instead of a full go-libp2p host.Host.
package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/kwilteam/p2pcore/log"
)

const (
	maxRetries         = 500
	baseReconnectDelay = 2 * time.Second
	disconnectLimit    = 7 * 24 * time.Hour // 1 week
)

// Connector dials a peer by address; implemented by whatever binds
// transport.Upgrader to a concrete acceptor/dialer (out of this module's
// scope per spec.md §1).
type Connector interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
}

// Network is the minimal surface PeerMan needs from the local host: who we
// are, who we're connected to right now, and how to dial someone new. This
// replaces the teacher's direct host.Host dependency, since this module
// builds its own transport rather than embedding a full go-libp2p host.
type Network interface {
	Connector
	ID() peer.ID
	Peers() []peer.ID
}

// RemotePeersFn fetches a remote peer's known peer list, for peer exchange.
type RemotePeersFn func(ctx context.Context, peerID peer.ID) ([]peer.AddrInfo, error)

// ConnEvent describes a connect/disconnect transition; PeerMan's Notifiee
// equivalent, since this module doesn't carry go-libp2p's network.Notifiee
// interface (it has no network.Conn of its own).
type ConnEvent struct {
	Peer     peer.ID
	Addr     multiaddr.Multiaddr
	Inbound  bool
	OpenedAt time.Time
}

// PeerMan manages the peerstore-backed address book, connection
// maintenance, and peer-exchange discovery.
type PeerMan struct {
	log log.Logger
	net Network
	ps  peerstore.Peerstore

	requestPeers RemotePeersFn

	requiredProtocols []protocol.ID

	pex               bool
	addrBook          string
	targetConnections int

	done  chan struct{}
	close func()
	wg    sync.WaitGroup

	mtx         sync.Mutex
	disconnects map[peer.ID]time.Time
	noReconnect map[peer.ID]bool
}

// NewPeerMan constructs a PeerMan, loading any existing address book from
// addrBook.
func NewPeerMan(pex bool, addrBook string, logger log.Logger, net Network, ps peerstore.Peerstore,
	requestPeers RemotePeersFn, requiredProtocols []protocol.ID) (*PeerMan, error) {
	if logger == nil {
		logger = log.DiscardLogger
	}
	done := make(chan struct{})
	pm := &PeerMan{
		net:               net,
		ps:                ps,
		log:               logger,
		done:              done,
		close:             sync.OnceFunc(func() { close(done) }),
		requiredProtocols: requiredProtocols,
		pex:               pex,
		requestPeers:      requestPeers,
		addrBook:          addrBook,
		targetConnections: 20,
		disconnects:       make(map[peer.ID]time.Time),
		noReconnect:       make(map[peer.ID]bool),
	}

	peerInfo, err := loadPeers(pm.addrBook)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load address book %s", pm.addrBook)
	}
	numPeers := pm.addPeers(peerInfo, peerstore.RecentlyConnectedAddrTTL)
	logger.Infof("Loaded address book with %d peers", numPeers)

	return pm, nil
}

var _ discovery.Discoverer = (*PeerMan)(nil) // FindPeers method

// Start runs the maintenance loops until ctx is canceled.
func (pm *PeerMan) Start(ctx context.Context) error {
	if pm.pex {
		pm.wg.Add(1)
		go func() {
			defer pm.wg.Done()
			pm.startPex(ctx)
		}()
	}

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		pm.removeOldPeers()
	}()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		pm.maintainMinPeers(ctx)
	}()

	<-ctx.Done()

	pm.close()
	pm.wg.Wait()

	return nil
}

const (
	urgentConnInterval = time.Second
	normalConnInterval = 20 * urgentConnInterval
)

func (pm *PeerMan) maintainMinPeers(ctx context.Context) {
	ticker := time.NewTicker(urgentConnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		_, activeConns, unconnectedPeers := pm.KnownPeers()
		if numActive := len(activeConns); numActive < pm.targetConnections {
			if numActive == 0 && len(unconnectedPeers) == 0 {
				pm.log.Warnln("No connected peers and no known addresses to dial!")
				continue
			}

			pm.log.Infof("Active connections: %d, below target: %d. Initiating new connections.",
				numActive, pm.targetConnections)

			var added int
			for _, peerInfo := range unconnectedPeers {
				pid := peerInfo.ID
				err := pm.net.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: pm.ps.Addrs(pid)})
				if err != nil {
					pm.log.Warnf("Failed to connect to peer %s: %v", pid, CompressDialError(err))
				} else {
					pm.log.Infof("Connected to peer %s", pid)
					added++
				}
			}

			if added == 0 && numActive == 0 {
				ticker.Reset(urgentConnInterval)
			} else {
				ticker.Reset(normalConnInterval)
			}
		} else {
			pm.log.Debugf("Have %d connections and %d candidates of %d target", numActive, len(unconnectedPeers), pm.targetConnections)
		}
	}
}

func (pm *PeerMan) startPex(ctx context.Context) {
	for {
		peerChan, err := pm.FindPeers(ctx, "p2pcore")
		if err != nil {
			pm.log.Errorf("FindPeers: %v", err)
		} else {
			go func() {
				var count int
				for p := range peerChan {
					if pm.addPeerAddrs(p) {
						if err := pm.net.Connect(ctx, p); err != nil {
							pm.log.Warnf("Failed to connect to %s: %v", p.ID, CompressDialError(err))
						}
					}
					count++
				}
				if count > 0 {
					if err := pm.savePeers(); err != nil {
						pm.log.Warnf("Failed to write address book: %v", err)
					}
				}
			}()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Second):
		}

		if err := pm.savePeers(); err != nil {
			pm.log.Warnf("Failed to write address book: %v", err)
		}
	}
}

// FindPeers implements discovery.Discoverer by asking each currently
// connected peer for its own known-peers list.
func (pm *PeerMan) FindPeers(ctx context.Context, ns string, opts ...discovery.Option) (<-chan peer.AddrInfo, error) {
	peerChan := make(chan peer.AddrInfo)

	conns := pm.net.Peers()
	if len(conns) == 0 {
		close(peerChan)
		pm.log.Warn("no existing peers for peer discovery")
		return peerChan, nil
	}

	var wg sync.WaitGroup
	wg.Add(len(conns))
	for _, peerID := range conns {
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			found, err := pm.requestPeers(ctx, peerID)
			if err != nil {
				pm.log.Warnf("Failed to get peers from %v: %v", peerID, err)
				return
			}
			for _, p := range found {
				peerChan <- p
			}
		}()
	}

	go func() {
		wg.Wait()
		close(peerChan)
	}()

	return peerChan, nil
}

// ConnectedPeers returns info for all currently connected peers.
func (pm *PeerMan) ConnectedPeers() []PeerInfo {
	var result []PeerInfo
	me := pm.net.ID()
	for _, peerID := range pm.net.Peers() {
		if peerID == me {
			continue
		}
		info, err := peerInfo(pm.ps, peerID)
		if err != nil {
			pm.log.Warnf("peerInfo for %v: %v", peerID, err)
			continue
		}
		result = append(result, *info)
	}
	return result
}

// KnownPeers returns all address-book entries, split into connected and
// not-yet-connected.
func (pm *PeerMan) KnownPeers() (all, connected, disconnected []PeerInfo) {
	connectedPeers := pm.ConnectedPeers()
	seen := make(map[peer.ID]bool)
	for _, info := range connectedPeers {
		seen[info.ID] = true
		connected = append(connected, info)
	}

	me := pm.net.ID()
	for _, peerID := range pm.ps.Peers() {
		if peerID == me || seen[peerID] {
			continue
		}
		info, err := peerInfo(pm.ps, peerID)
		if err != nil {
			pm.log.Warnf("peerInfo for %v: %v", peerID, err)
			continue
		}
		disconnected = append(disconnected, *info)
	}

	all = append(connected, disconnected...)
	return all, connected, disconnected
}

// CheckProtocolSupport reports whether peerID supports every listed protocol.
func CheckProtocolSupport(_ context.Context, ps peerstore.Peerstore, peerID peer.ID, protoIDs ...protocol.ID) (bool, error) {
	supported, err := ps.SupportsProtocols(peerID, protoIDs...)
	if err != nil {
		return false, fmt.Errorf("failed to check protocols for peer %v: %w", peerID, err)
	}
	return len(protoIDs) == len(supported), nil
}

// RequirePeerProtos errors unless peer supports every listed protocol.
func RequirePeerProtos(ctx context.Context, ps peerstore.Peerstore, peerID peer.ID, protoIDs ...protocol.ID) error {
	for _, pid := range protoIDs {
		ok, err := CheckProtocolSupport(ctx, ps, peerID, pid)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("protocol not supported: %v", pid)
		}
	}
	return nil
}

func peerInfo(ps peerstore.Peerstore, peerID peer.ID) (*PeerInfo, error) {
	addrs := ps.Addrs(peerID)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for peer %v", peerID)
	}
	supportedProtos, err := ps.GetProtocols(peerID)
	if err != nil {
		return nil, fmt.Errorf("GetProtocols for %v: %w", peerID, err)
	}
	return &PeerInfo{
		AddrInfo: AddrInfo{ID: peerID, Addrs: addrs},
		Protos:   supportedProtos,
	}, nil
}

// PrintKnownPeers logs every known peer id, mostly for CLI debugging.
func (pm *PeerMan) PrintKnownPeers() {
	all, _, _ := pm.KnownPeers()
	for _, p := range all {
		pm.log.Infof("known peer %s", p.ID)
	}
}

func (pm *PeerMan) savePeers() error {
	peerList, _, _ := pm.KnownPeers()
	pm.log.Infof("saving %d peers to address book", len(peerList))
	return persistPeers(peerList, pm.addrBook)
}

func persistPeers(peerList []PeerInfo, filePath string) error {
	data, err := json.MarshalIndent(peerList, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling peers to JSON: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("writing peers to file: %w", err)
	}
	return nil
}

func loadPeers(filePath string) ([]PeerInfo, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read peerstore file: %w", err)
	}
	// Addrs are decoded as strings: multiaddr.Multiaddr is an interface,
	// which encoding/json cannot fill in directly.
	var raw []struct {
		ID     peer.ID
		Addrs  []string
		Protos []protocol.ID
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peerstore data: %w", err)
	}
	peerList := make([]PeerInfo, 0, len(raw))
	for _, r := range raw {
		addrs := make([]multiaddr.Multiaddr, 0, len(r.Addrs))
		for _, s := range r.Addrs {
			addr, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				return nil, fmt.Errorf("failed to parse address %q: %w", s, err)
			}
			addrs = append(addrs, addr)
		}
		peerList = append(peerList, PeerInfo{AddrInfo: AddrInfo{ID: r.ID, Addrs: addrs}, Protos: r.Protos})
	}
	return peerList, nil
}

func (pm *PeerMan) addPeers(peerList []PeerInfo, ttl time.Duration) int {
	var count int
	for _, pInfo := range peerList {
		addrs := pm.ps.Addrs(pInfo.ID)
		for _, addr := range pInfo.Addrs {
			if !multiaddr.Contains(addrs, addr) {
				pm.ps.AddAddr(pInfo.ID, addr, ttl)
				pm.log.Infof("added new peer address to store: %v @ %v", pInfo.ID, addr)
				count++
			}
		}
		for _, proto := range pInfo.Protos {
			if err := pm.ps.AddProtocols(pInfo.ID, proto); err != nil {
				pm.log.Warnf("error adding protocol %s for peer %s: %v", proto, pInfo.ID, err)
			}
		}
	}
	return count
}

func (pm *PeerMan) addPeerAddrs(p peer.AddrInfo) (added bool) {
	numAdded := pm.addPeers([]PeerInfo{{AddrInfo: AddrInfo(p)}}, peerstore.TempAddrTTL)
	return numAdded > 0
}

// Connected handles a new connection: verifies required protocol support
// after a short grace period and clears any pending disconnect timestamp.
func (pm *PeerMan) Connected(ev ConnEvent) {
	pm.log.Infof("connected to peer (inbound=%v) %s @ %v", ev.Inbound, ev.Peer, ev.Addr)

	go func() {
		select {
		case <-pm.done:
			return
		case <-time.After(500 * time.Millisecond):
		}
		if err := RequirePeerProtos(context.Background(), pm.ps, ev.Peer, pm.requiredProtocols...); err != nil {
			pm.log.Warnf("peer %v does not support required protocols: %v", ev.Peer, err)
			return
		}
	}()

	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	delete(pm.disconnects, ev.Peer)
}

// Disconnected records the disconnect timestamp and schedules a
// reconnect-with-backoff attempt.
func (pm *PeerMan) Disconnected(ev ConnEvent) {
	pm.log.Infof("disconnected from peer %v", ev.Peer)

	pm.mtx.Lock()
	pm.disconnects[ev.Peer] = time.Now()
	pm.mtx.Unlock()

	select {
	case <-pm.done:
		return
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-pm.done:
		}
	}()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		defer cancel()
		delay := time.Second
		if time.Since(ev.OpenedAt) < time.Second {
			delay *= 3
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		pm.reconnectWithRetry(ctx, ev.Peer)
	}()
}

func (pm *PeerMan) reconnectWithRetry(ctx context.Context, peerID peer.ID) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		addrInfo := peer.AddrInfo{ID: peerID, Addrs: pm.ps.Addrs(peerID)}

		delay := baseReconnectDelay
		for i := 0; i < attempt && delay < time.Minute; i++ {
			delay *= 2
		}
		if delay > time.Minute {
			delay = time.Minute
		}

		pm.log.Infof("attempting reconnection to peer %s (attempt %d/%d)", peerID, attempt+1, maxRetries)
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := pm.net.Connect(dctx, addrInfo)
		cancel()
		if err != nil {
			pm.log.Infof("failed to reconnect to peer %s (trying again in %v): %v", peerID, delay, CompressDialError(err))
		} else {
			pm.log.Infof("successfully reconnected to peer %s", peerID)
			return
		}

		select {
		case <-pm.done:
			return
		case <-time.After(delay):
		}
	}
	pm.log.Infof("exceeded max retries for peer %s, giving up", peerID)
}

// removeOldPeers drops peers disconnected for longer than disconnectLimit.
func (pm *PeerMan) removeOldPeers() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		func() {
			pm.mtx.Lock()
			defer pm.mtx.Unlock()
			for peerID, disconnectTime := range pm.disconnects {
				if now.Sub(disconnectTime) > disconnectLimit {
					pm.ps.RemovePeer(peerID)
					delete(pm.disconnects, peerID)
					pm.log.Infof("removed peer %s last connected %v ago", peerID, time.Since(disconnectTime))
				}
			}
		}()
	}
}
