// Command p2pcoreping exercises the full upgrade pipeline end to end: it
// either listens for one inbound connection and serves pings, or dials a
// peer and issues one, printing the measured round-trip time.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	manet "github.com/multiformats/go-multiaddr/net"

	internalcrypto "github.com/kwilteam/p2pcore/internal/crypto"
	"github.com/kwilteam/p2pcore/log"
	"github.com/kwilteam/p2pcore/multistream"
	"github.com/kwilteam/p2pcore/transport"

	"github.com/multiformats/go-multiaddr"
)

func expandKeyPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}

func main() {
	var (
		listenAddr = flag.String("listen", "", "multiaddr to listen on, e.g. /ip4/0.0.0.0/tcp/4001")
		dialAddr   = flag.String("dial", "", "multiaddr to dial, e.g. /ip4/127.0.0.1/tcp/4001")
		keyFile    = flag.String("key", "~/.p2pcore/node.key", "path to the node identity key")
		useSecio   = flag.Bool("secio", false, "use SECIO instead of Noise for the secure channel")
	)
	flag.Parse()

	logger := log.New(log.WithLevel(log.LevelInfo))

	keyPath, err := expandKeyPath(*keyFile)
	if err != nil {
		fatal(logger, "resolving key path: %v", err)
	}
	priv, err := internalcrypto.LoadOrGenerateKey(keyPath, internalcrypto.KeyTypeEd25519, rand.Reader)
	if err != nil {
		fatal(logger, "loading identity key: %v", err)
	}

	security := transport.SecurityNoise
	if *useSecio {
		security = transport.SecuritySecio
	}
	upgrader := transport.NewUpgrader(priv, transport.WithSecurity(security), transport.WithLogger(logger))

	switch {
	case *listenAddr != "":
		if err := serve(upgrader, *listenAddr, logger); err != nil {
			fatal(logger, "serve: %v", err)
		}
	case *dialAddr != "":
		if err := dial(upgrader, *dialAddr, logger); err != nil {
			fatal(logger, "dial: %v", err)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: p2pcoreping -listen <multiaddr> | -dial <multiaddr>")
		os.Exit(2)
	}
}

func fatal(l log.Logger, format string, args ...any) {
	l.Errorf(format, args...)
	os.Exit(1)
}

func serve(u *transport.Upgrader, addr string, logger log.Logger) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parsing listen multiaddr: %w", err)
	}
	ln, err := manet.Listen(maddr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	defer ln.Close()
	logger.Infof("listening on %s", ln.Multiaddr())

	raw, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accepting connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultHandshakeTimeout)
	defer cancel()
	conn, err := u.Accept(ctx, raw)
	if err != nil {
		return fmt.Errorf("upgrading connection: %w", err)
	}
	defer conn.Close()

	s, err := conn.AcceptStream(context.Background(), []multistream.Handler{
		{Match: multistream.ExactMatch(transport.PingProtocolID), Name: transport.PingProtocolID},
	})
	if err != nil {
		return fmt.Errorf("accepting ping stream: %w", err)
	}
	transport.ServePing(s)
	logger.Info("served one ping")
	return nil
}

func dial(u *transport.Upgrader, addr string, logger log.Logger) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parsing dial multiaddr: %w", err)
	}
	raw, err := manet.Dial(maddr)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultHandshakeTimeout)
	defer cancel()
	conn, err := u.Dial(ctx, raw)
	if err != nil {
		return fmt.Errorf("upgrading connection: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	rtt, err := transport.Ping(context.Background(), conn)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	logger.Infof("pong from %s in %v (wall %v)", addr, rtt, time.Since(start))
	return nil
}
