// Package config defines the configuration for a relay network node.
//
// One Config describes everything a node runs: its identity keys, the
// public relay listener, the connector-facing business logic server, event
// persistence, peer discovery, automatic peering and the settlement
// parameters offered during SPSP handshakes.
//
// # Basic Configuration
//
// The minimum required configuration is the pair of identity keys and an
// ILP address:
//
//	cfg := &config.Config{
//		Identity: config.Identity{
//			NostrSecretKey: "YOUR_NOSTR_SECRET_KEY",
//			EVMPrivateKey:  "YOUR_EVM_PRIVATE_KEY",
//		},
//		ILPAddress: "g.relay.alice",
//		Connector:  config.Connector{URL: "http://127.0.0.1:7769"},
//	}
//
// Keys are hex-encoded without a "0x" prefix. The nostr key signs the
// node's announcements and SPSP envelopes; the EVM key signs balance
// proofs.
//
// # Listeners
//
// The relay serves NIP-01 websockets to the world, the BLS serves the
// local connector only:
//
//	cfg.Relay = config.Relay{ListenAddr: ":7447"}
//	cfg.BLS   = config.BLS{ListenAddr: "127.0.0.1:7771"}
//
// Relay.AllowClientPublish is off by default: a websocket EVENT frame is
// answered with "blocked:" and writes must arrive as paid packets through
// the BLS.
//
// # Storage
//
// Events persist in sqlite by default; "memory" suits tests and throwaway
// nodes:
//
//	cfg.Store = config.Store{Driver: "sqlite", DSN: "file:relaygate.db"}
//
// # Discovery and Peering
//
// Discovery.Relays lists the nostr relays watched for kind-10032 peer
// announcements. Bootstrap controls how aggressively the node peers with
// what it finds:
//
//	cfg.Discovery = config.Discovery{Relays: []string{"wss://relay.damus.io"}}
//	cfg.Bootstrap = config.Bootstrap{Peers: []string{"pubkey_hex..."}, FanOut: 4}
//
// # Settlement
//
// Settlement names the chains the node can settle on, its receiving
// addresses and the TokenNetwork contracts its balance proofs bind to.
// RPCEndpoints, when set, are probed at startup to catch a node configured
// against the wrong chain:
//
//	cfg.Settlement = config.Settlement{
//		Chains:              []string{"evm:base:8453"},
//		SettlementAddresses: map[string]string{"evm:base:8453": "0x..."},
//		TokenNetworks:       map[string]string{"evm:base:8453": "0x..."},
//		RPCEndpoints:        map[string]string{"evm:base:8453": "https://mainnet.base.org"},
//		InitialDeposit:      "1000000",
//	}
//
// # Validation
//
// Always call Validate to apply defaults and check required fields:
//
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Load reads a YAML or JSON file into a Config without validating, so
// callers can layer flag and environment overrides first.
package config
