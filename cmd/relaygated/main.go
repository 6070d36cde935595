// relaygated runs a relay network node: a public NIP-01 websocket relay
// whose writes arrive as paid ILP packets, and the business logic server
// the local connector submits those packets to. On start the node
// announces itself as a kind-10032 event, watches the configured relays
// for other nodes and opens payment channels with them automatically.
//
// Usage:
//
//	relaygated -config relaygate.yaml
//
// Secrets may come from the environment instead of the file:
//
//	RELAYGATE_NOSTR_KEY  hex nostr secret key
//	RELAYGATE_EVM_KEY    hex EVM private key
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/node"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the node config, YAML or JSON")
		relayAddr  = flag.String("relay-listen", "", "override the relay listen address")
		blsAddr    = flag.String("bls-listen", "", "override the business logic server listen address")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			zap.L().Fatal("loading config failed", zap.Error(err))
		}
		cfg = loaded
	}
	if cfg.Identity.NostrSecretKey == "" {
		cfg.Identity.NostrSecretKey = os.Getenv("RELAYGATE_NOSTR_KEY")
	}
	if cfg.Identity.EVMPrivateKey == "" {
		cfg.Identity.EVMPrivateKey = os.Getenv("RELAYGATE_EVM_KEY")
	}
	if *relayAddr != "" {
		cfg.Relay.ListenAddr = *relayAddr
	}
	if *blsAddr != "" {
		cfg.BLS.ListenAddr = *blsAddr
	}
	if *debug {
		cfg.Debug = true
	}

	n, err := node.New(*cfg)
	if err != nil {
		zap.L().Fatal("building node failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		zap.L().Fatal("starting node failed", zap.Error(err))
	}

	<-ctx.Done()
	stop()
	if err := n.Stop(); err != nil {
		zap.L().Error("shutdown incomplete", zap.Error(err))
	}
}
