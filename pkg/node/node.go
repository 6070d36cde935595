// Package node assembles a complete relay node from its parts: the event
// store, pricing, channel signing and verification, the connector adapter,
// the SPSP responder, the business logic server, the public relay, peer
// discovery and the bootstrap service.
//
// A Node owns everything it builds. New wires the components together
// without touching the network, Start brings up the listeners and the
// background loops, Stop tears them down in reverse order.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/bls"
	"github.com/nostrlink/relaygate/pkg/bootstrap"
	"github.com/nostrlink/relaygate/pkg/chain"
	"github.com/nostrlink/relaygate/pkg/channel"
	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/connector"
	"github.com/nostrlink/relaygate/pkg/discovery"
	"github.com/nostrlink/relaygate/pkg/metrics"
	"github.com/nostrlink/relaygate/pkg/model"
	"github.com/nostrlink/relaygate/pkg/pricing"
	"github.com/nostrlink/relaygate/pkg/relay"
	"github.com/nostrlink/relaygate/pkg/spsp"
	"github.com/nostrlink/relaygate/pkg/store"
)

// Version is reported in the NIP-11 info document. Overridden at build time
// via -ldflags.
var Version = "dev"

// logLevel filters the package-wide logger. Debug configs lower it.
var logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// init configures a default global zap logger. Applications may replace it
// with zap.ReplaceGlobals(...) if they need custom logging.
func init() {
	c := zap.Config{
		Level:            logLevel,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// Option adjusts Node construction.
type Option func(*options)

type options struct {
	adapter connector.Adapter
	scorer  discovery.TrustScorer
}

// WithAdapter uses a pre-built connector adapter instead of dialing the
// admin API named in the config. Single-process setups pass a LocalAdapter
// here; when set, config.Connector.URL may be empty.
func WithAdapter(a connector.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithTrustScorer rates discovered announcements before bootstrap peers
// with them.
func WithTrustScorer(s discovery.TrustScorer) Option {
	return func(o *options) { o.scorer = s }
}

// Node is a fully assembled relay node.
type Node struct {
	cfg      config.Config
	timeouts config.Timeouts
	pubkey   string
	info     model.IlpPeerInfo

	store      store.Store
	stateStore *channel.SQLiteStateStore
	pricing    *pricing.Service
	manager    *channel.Manager
	verifier   *channel.Verifier
	adapter    connector.Adapter
	metrics    *metrics.Metrics
	spsp       *spsp.Handler
	relay      *relay.Server
	bls        *bls.Server
	monitor    *discovery.Monitor
	boot       *bootstrap.Service

	cancel  context.CancelFunc
	started bool
}

// New validates cfg and wires every component. Nothing listens until Start.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	if o.adapter == nil && cfg.Connector.URL == "" {
		return nil, errors.New("node: connector URL is required when no adapter is injected")
	}
	if cfg.Debug {
		logLevel.SetLevel(zap.DebugLevel)
	}
	timeouts := cfg.Timeouts.WithDefaults()

	pubkey, err := nostr.GetPublicKey(cfg.Identity.NostrSecretKey)
	if err != nil {
		return nil, fmt.Errorf("node: bad nostr secret key: %w", err)
	}

	info := model.IlpPeerInfo{
		ILPAddress:          cfg.ILPAddress,
		BTPEndpoint:         cfg.BTPEndpoint,
		AssetCode:           cfg.AssetCode,
		AssetScale:          cfg.AssetScale,
		SupportedChains:     cfg.Settlement.Chains,
		SettlementAddresses: cfg.Settlement.SettlementAddresses,
		PreferredTokens:     cfg.Settlement.PreferredTokens,
		TokenNetworks:       cfg.Settlement.TokenNetworks,
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	var deposit *big.Int
	if cfg.Settlement.InitialDeposit != "" {
		deposit, err = pricing.ParseAssetAmount(cfg.Settlement.InitialDeposit, cfg.AssetScale)
		if err != nil {
			return nil, fmt.Errorf("node: initial deposit: %w", err)
		}
	}

	var sopts []store.Option
	if cfg.Store.AuditSPSP {
		sopts = append(sopts, store.KeepEphemeral(model.KindSpspRequest, model.KindSpspResponse))
	}
	var (
		st         store.Store
		stateStore *channel.SQLiteStateStore
	)
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore(sopts...)
	default:
		sq, err := store.NewSQLiteStore(context.Background(), cfg.Store.DSN, sopts...)
		if err != nil {
			return nil, fmt.Errorf("node: open store: %w", err)
		}
		st = sq
		stateStore, err = channel.NewSQLiteStateStore(context.Background(), cfg.Store.DSN)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("node: open channel state: %w", err)
		}
	}
	ok := false
	defer func() {
		if !ok {
			if stateStore != nil {
				stateStore.Close()
			}
			st.Close()
		}
	}()

	pr, err := pricing.New(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	var mopts []channel.ManagerOption
	if stateStore != nil {
		mopts = append(mopts, channel.WithStateStore(stateStore))
	}
	mgr, err := channel.NewManager(cfg.Identity.EVMPrivateKey, mopts...)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	verifier := channel.NewVerifier()

	adapter := o.adapter
	if adapter == nil {
		ha, err := connector.NewHTTPAdapter(cfg.Connector.URL, cfg.Connector.AdminToken,
			connector.WithMaxInFlightPerPeer(cfg.Connector.MaxInFlightPerPeer))
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		adapter = ha
	}

	sh, err := spsp.NewHandler(spsp.HandlerConfig{
		SecretKey:         cfg.Identity.NostrSecretKey,
		PeerInfo:          info,
		Adapter:           adapter,
		Verifier:          verifier,
		DefaultDeposit:    deposit,
		SettlementTimeout: cfg.Settlement.SettlementTimeout,
		Timeouts:          timeouts,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	m := metrics.New()

	rs, err := relay.NewServer(relay.ServerConfig{
		Relay:    cfg.Relay,
		Store:    st,
		Metrics:  m,
		Timeouts: timeouts,
		Info: relay.Info{
			Name:        cfg.ILPAddress,
			Description: "reads are free, writes arrive as paid ILP packets",
			Pubkey:      pubkey,
			Software:    "https://github.com/nostrlink/relaygate",
			Version:     Version,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	bs, err := bls.NewServer(bls.ServerConfig{
		BLS:      cfg.BLS,
		Store:    st,
		Pricing:  pr,
		Verifier: verifier,
		Spsp:     sh,
		Sink:     rs,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	mon, err := discovery.NewMonitor(discovery.MonitorConfig{
		Relays:     cfg.Discovery.Relays,
		SelfPubkey: pubkey,
		Scorer:     o.scorer,
		Timeouts:   timeouts,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	boot, err := bootstrap.NewService(bootstrap.ServiceConfig{
		SecretKey: cfg.Identity.NostrSecretKey,
		Info:      info,
		Bootstrap: cfg.Bootstrap,
		Adapter:   adapter,
		Manager:   mgr,
		Monitor:   mon,
		Publisher: &announcer{
			store:    st,
			sink:     rs,
			relays:   cfg.Discovery.Relays,
			timeouts: timeouts,
		},
		ProposedDeposit:   deposit,
		SettlementTimeout: cfg.Settlement.SettlementTimeout,
		Timeouts:          timeouts,
		Metrics:           m,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	ok = true
	return &Node{
		cfg:        cfg,
		timeouts:   timeouts,
		pubkey:     pubkey,
		info:       info,
		store:      st,
		stateStore: stateStore,
		pricing:    pr,
		manager:    mgr,
		verifier:   verifier,
		adapter:    adapter,
		metrics:    m,
		spsp:       sh,
		relay:      rs,
		bls:        bs,
		monitor:    mon,
		boot:       boot,
	}, nil
}

// Start brings up the BLS and relay listeners, then launches discovery and
// bootstrap. The context bounds the background loops; Stop also ends them.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return errors.New("node: already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	if err := n.bls.Start(); err != nil {
		cancel()
		return fmt.Errorf("node: %w", err)
	}
	if err := n.relay.Start(); err != nil {
		sctx, scancel := context.WithTimeout(context.Background(), n.timeouts.Shutdown)
		_ = n.bls.Stop(sctx)
		scancel()
		cancel()
		return fmt.Errorf("node: %w", err)
	}
	n.monitor.Start(ctx)
	n.boot.Start(ctx)
	for c, endpoint := range n.cfg.Settlement.RPCEndpoints {
		go n.probeChain(ctx, c, endpoint)
	}

	n.cancel = cancel
	n.started = true
	zap.L().Info("node started",
		zap.String("ilp_address", n.cfg.ILPAddress),
		zap.String("pubkey", n.pubkey),
		zap.String("relay_addr", n.relay.Addr()),
		zap.String("bls_addr", n.bls.Addr()),
	)
	return nil
}

// probeChain checks that a configured settlement RPC endpoint serves the
// chain its key names. A mismatch is logged, not fatal: balance proofs are
// signed against the configured id either way and the endpoint may recover.
func (n *Node) probeChain(ctx context.Context, c, endpoint string) {
	pctx, cancel := context.WithTimeout(ctx, n.timeouts.Dial)
	defer cancel()
	if err := chain.Probe(pctx, c, endpoint); err != nil {
		zap.L().Warn("settlement chain probe failed",
			zap.String("chain", c),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("settlement chain verified", zap.String("chain", c))
}

// Stop ends the background loops and shuts the listeners down, waiting up
// to the shutdown timeout for in-flight work to drain. Safe to call once
// after a successful Start.
func (n *Node) Stop() error {
	if !n.started {
		return nil
	}
	n.started = false

	n.boot.Stop()
	n.monitor.Stop()
	n.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeouts.Shutdown)
	defer cancel()

	var errs []error
	if err := n.relay.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if err := n.bls.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("bls: %w", err))
	}
	if n.stateStore != nil {
		if err := n.stateStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel state: %w", err))
		}
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	zap.L().Info("node stopped", zap.String("ilp_address", n.cfg.ILPAddress))
	return errors.Join(errs...)
}

// Pubkey returns the node's nostr public key, hex encoded.
func (n *Node) Pubkey() string { return n.pubkey }

// PeerInfo returns the settlement capabilities this node announces as its
// kind-10032 content.
func (n *Node) PeerInfo() model.IlpPeerInfo { return n.info }

// RelayAddr returns the public websocket listener address. Valid after
// Start.
func (n *Node) RelayAddr() string { return n.relay.Addr() }

// BLSAddr returns the business logic server's listener address. Valid
// after Start.
func (n *Node) BLSAddr() string { return n.bls.Addr() }

// PacketURL returns the endpoint a connector POSTs inbound packets to.
// Valid after Start.
func (n *Node) PacketURL() string { return "http://" + n.bls.Addr() + "/handle-packet" }

// Store exposes the event store shared by the relay and the BLS.
func (n *Node) Store() store.Store { return n.store }

// Channels exposes the channel manager signing this node's outbound claims.
func (n *Node) Channels() *channel.Manager { return n.manager }

// Bootstrap exposes the peering service, mainly for session inspection.
func (n *Node) Bootstrap() *bootstrap.Service { return n.boot }

// Discovery exposes the peer monitor.
func (n *Node) Discovery() *discovery.Monitor { return n.monitor }
