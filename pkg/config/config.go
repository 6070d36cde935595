// Package config defines the runtime configuration for a relay node: identity
// keys, connector endpoint, pricing, relay and BLS listeners, event storage,
// peer discovery, settlement parameters and operation timeouts. It also
// provides validation and defaulting helpers.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds all node settings required to run the relay, the business
// logic server and the peering machinery.
// Use Validate to fill implicit defaults and to check for required fields.
type Config struct {
	// Identity carries the node's signing keys.
	Identity Identity `json:"identity" yaml:"identity"`
	// ILPAddress is this node's ILP address (required), e.g. "g.relay.alice".
	ILPAddress string `json:"ilp_address" yaml:"ilp_address"`
	// BTPEndpoint is the websocket endpoint peers dial to reach this node's
	// connector, advertised in the kind-10032 peer info.
	BTPEndpoint string `json:"btp_endpoint" yaml:"btp_endpoint"`
	// AssetCode and AssetScale describe the unit packet amounts are
	// denominated in. Default: "USD" at scale 9.
	AssetCode  string `json:"asset_code" yaml:"asset_code"`
	AssetScale int    `json:"asset_scale" yaml:"asset_scale"`
	// Connector configures the local ILP connector admin API.
	Connector Connector `json:"connector" yaml:"connector"`
	// Pricing configures what inbound events cost.
	Pricing Pricing `json:"pricing" yaml:"pricing"`
	// Relay configures the public NIP-01 websocket listener.
	Relay Relay `json:"relay" yaml:"relay"`
	// BLS configures the connector-facing business logic server.
	BLS BLS `json:"bls" yaml:"bls"`
	// Store configures event persistence.
	Store Store `json:"store" yaml:"store"`
	// Discovery configures which external relays are watched for peer info.
	Discovery Discovery `json:"discovery" yaml:"discovery"`
	// Bootstrap configures automatic peering.
	Bootstrap Bootstrap `json:"bootstrap" yaml:"bootstrap"`
	// Settlement configures the chains and token networks this node can
	// settle on.
	Settlement Settlement `json:"settlement" yaml:"settlement"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
	// Timeouts configures per-operation deadlines. See Timeouts.WithDefaults
	// for defaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`
}

// Identity carries the node's two key pairs: the Nostr secret key signs
// events and decrypts SPSP envelopes, the EVM key signs balance proofs.
// Both are hex-encoded.
type Identity struct {
	NostrSecretKey string `json:"nostr_secret_key" yaml:"nostr_secret_key"`
	EVMPrivateKey  string `json:"evm_private_key" yaml:"evm_private_key"`
}

// Connector describes the local connector's admin API.
type Connector struct {
	// URL is the admin API base, e.g. "http://127.0.0.1:7769" (required
	// unless the in-process adapter is wired explicitly).
	URL string `json:"url" yaml:"url"`
	// AdminToken is sent as a bearer token when set.
	AdminToken string `json:"admin_token" yaml:"admin_token"`
	// MaxInFlightPerPeer caps concurrent admin calls per peer. Default: 8.
	MaxInFlightPerPeer int64 `json:"max_in_flight_per_peer" yaml:"max_in_flight_per_peer"`
}

// Pricing configures write pricing. Amounts are integer strings in base
// units of the node's asset.
type Pricing struct {
	// BasePricePerByte is charged per encoded byte. Default: "1".
	BasePricePerByte string `json:"base_price_per_byte" yaml:"base_price_per_byte"`
	// KindPrices overrides the per-byte price with a flat price for specific
	// kinds, keyed by the decimal kind number.
	KindPrices map[string]string `json:"kind_prices" yaml:"kind_prices"`
	// SpspMinPrice, when set, lets SPSP handshake events in at a flat price
	// instead of the per-byte rate.
	SpspMinPrice string `json:"spsp_min_price" yaml:"spsp_min_price"`
	// OwnerPubkey is the hex pubkey whose events are always free.
	OwnerPubkey string `json:"owner_pubkey" yaml:"owner_pubkey"`
}

// Relay configures the public websocket listener.
type Relay struct {
	// ListenAddr is the websocket bind address. Default: ":7447".
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// MaxConnections caps concurrent websocket clients. Default: 512.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	// MaxSubscriptionsPerConn caps open subscriptions per client. Default: 32.
	MaxSubscriptionsPerConn int `json:"max_subscriptions_per_conn" yaml:"max_subscriptions_per_conn"`
	// MaxFiltersPerSub caps filters in one REQ. Default: 10.
	MaxFiltersPerSub int `json:"max_filters_per_sub" yaml:"max_filters_per_sub"`
	// AllowClientPublish accepts free EVENT frames from websocket clients.
	// Off by default: writes normally arrive paid, through the BLS.
	AllowClientPublish bool `json:"allow_client_publish" yaml:"allow_client_publish"`
}

// BLS configures the connector-facing HTTP server.
type BLS struct {
	// ListenAddr is the HTTP bind address. Default: "127.0.0.1:7771".
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// MaxEventBytes rejects packets whose decoded event exceeds this size.
	// Default: 65536.
	MaxEventBytes int `json:"max_event_bytes" yaml:"max_event_bytes"`
	// RateLimitPerSecond bounds accepted packets per second; bursts up to
	// RateBurst. Defaults: 50/s, burst 100.
	RateLimitPerSecond float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateBurst          int     `json:"rate_burst" yaml:"rate_burst"`
}

// Store configures event persistence.
type Store struct {
	// Driver selects the backend: "sqlite" (default) or "memory".
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the sqlite data source name. Default: "file:relaygate.db".
	DSN string `json:"dsn" yaml:"dsn"`
	// AuditSPSP persists copies of SPSP handshake envelopes addressed to
	// this node. They are ephemeral kinds and skipped by default.
	AuditSPSP bool `json:"audit_spsp" yaml:"audit_spsp"`
}

// Discovery lists the external relays watched for kind-10032 peer info and
// used for announcements.
type Discovery struct {
	Relays []string `json:"relays" yaml:"relays"`
}

// Bootstrap configures automatic peering with discovered nodes.
type Bootstrap struct {
	// Peers pins pubkeys to peer with even before discovery sees them.
	Peers []string `json:"peers" yaml:"peers"`
	// FanOut caps peers being handshaken concurrently. Default: 4.
	FanOut int `json:"fan_out" yaml:"fan_out"`
	// RetryMax is the attempt limit for transient failures. Default: 3.
	RetryMax int `json:"retry_max" yaml:"retry_max"`
	// RetryBase is the first retry delay, doubled per attempt. Default: 1s.
	RetryBase time.Duration `json:"retry_base" yaml:"retry_base"`
}

// Settlement describes the chains this node settles on. Maps are keyed by
// the "evm:<name>:<chainId>" chain identifier.
type Settlement struct {
	// Chains lists supported chains in preference order.
	Chains []string `json:"chains" yaml:"chains"`
	// SettlementAddresses maps chain to this node's EVM address.
	SettlementAddresses map[string]string `json:"settlement_addresses" yaml:"settlement_addresses"`
	// PreferredTokens maps chain to the ERC-20 used for settlement.
	PreferredTokens map[string]string `json:"preferred_tokens" yaml:"preferred_tokens"`
	// TokenNetworks maps chain to the TokenNetwork contract balance proofs
	// are bound to.
	TokenNetworks map[string]string `json:"token_networks" yaml:"token_networks"`
	// RPCEndpoints maps chain to a JSON-RPC endpoint. When set, the node
	// verifies at startup that each endpoint serves the chain id its key
	// names.
	RPCEndpoints map[string]string `json:"rpc_endpoints" yaml:"rpc_endpoints"`
	// InitialDeposit is the channel deposit proposed on handshakes, as a
	// decimal string in the node's asset.
	InitialDeposit string `json:"initial_deposit" yaml:"initial_deposit"`
	// SettlementTimeout is the channel challenge period in seconds.
	// Default: 86400.
	SettlementTimeout int64 `json:"settlement_timeout" yaml:"settlement_timeout"`
}

// Timeouts controls node operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial          time.Duration // connector and relay dials
	Query         time.Duration // store queries
	ChannelOpen   time.Duration // waiting for a channel to open
	ChannelPoll   time.Duration // poll interval while waiting
	SpspRoundtrip time.Duration // handshake request to response
	Publish       time.Duration // publishing to an external relay
	Shutdown      time.Duration // graceful stop
}

// Validate normalizes the configuration by applying implicit defaults for
// listeners, the store, pricing and bootstrap and verifies that the identity
// keys and the ILP address are provided. The connector URL is checked by the
// node assembly, which knows whether an in-process adapter replaces it.
func (c *Config) Validate() error {

	if c.AssetCode == "" {
		c.AssetCode = "USD"
	}
	if c.AssetScale == 0 {
		c.AssetScale = 9
	}
	if c.AssetScale < 0 {
		return fmt.Errorf("negative asset scale %d", c.AssetScale)
	}

	if c.Relay.ListenAddr == "" {
		c.Relay.ListenAddr = ":7447"
	}
	if c.Relay.MaxConnections == 0 {
		c.Relay.MaxConnections = 512
	}
	if c.Relay.MaxSubscriptionsPerConn == 0 {
		c.Relay.MaxSubscriptionsPerConn = 32
	}
	if c.Relay.MaxFiltersPerSub == 0 {
		c.Relay.MaxFiltersPerSub = 10
	}

	if c.BLS.ListenAddr == "" {
		c.BLS.ListenAddr = "127.0.0.1:7771"
	}
	if c.BLS.MaxEventBytes == 0 {
		c.BLS.MaxEventBytes = 65536
	}
	if c.BLS.RateLimitPerSecond == 0 {
		c.BLS.RateLimitPerSecond = 50
	}
	if c.BLS.RateBurst == 0 {
		c.BLS.RateBurst = 100
	}

	switch c.Store.Driver {
	case "":
		c.Store.Driver = "sqlite"
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = "file:relaygate.db"
	}

	if c.Pricing.BasePricePerByte == "" {
		c.Pricing.BasePricePerByte = "1"
	}

	if c.Connector.MaxInFlightPerPeer == 0 {
		c.Connector.MaxInFlightPerPeer = 8
	}

	if c.Bootstrap.FanOut == 0 {
		c.Bootstrap.FanOut = 4
	}
	if c.Bootstrap.RetryMax == 0 {
		c.Bootstrap.RetryMax = 3
	}
	if c.Bootstrap.RetryBase == 0 {
		c.Bootstrap.RetryBase = time.Second
	}

	if c.Settlement.SettlementTimeout == 0 {
		c.Settlement.SettlementTimeout = 86400
	}

	if c.Identity.NostrSecretKey == "" {
		return errors.New("nostr secret key is required")
	}
	if c.Identity.EVMPrivateKey == "" {
		return errors.New("EVM private key is required")
	}
	if c.ILPAddress == "" {
		return errors.New("ILP address is required")
	}
	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:          5s
//	Query:         30s
//	ChannelOpen:   30s
//	ChannelPoll:   1s
//	SpspRoundtrip: 10s
//	Publish:       10s
//	Shutdown:      15s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 5 * time.Second
	}
	if tt.Query == 0 {
		tt.Query = 30 * time.Second
	}
	if tt.ChannelOpen == 0 {
		tt.ChannelOpen = 30 * time.Second
	}
	if tt.ChannelPoll == 0 {
		tt.ChannelPoll = time.Second
	}
	if tt.SpspRoundtrip == 0 {
		tt.SpspRoundtrip = 10 * time.Second
	}
	if tt.Publish == 0 {
		tt.Publish = 10 * time.Second
	}
	if tt.Shutdown == 0 {
		tt.Shutdown = 15 * time.Second
	}
	return tt
}
