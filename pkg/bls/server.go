// Package bls is the business logic server: the HTTP endpoint the ILP
// connector calls for every incoming prepare packet. It decides whether a
// packet's event is worth its money, stores accepted events and answers
// with the fulfillment the connector needs to complete the payment.
// Handshake events are dispatched to the SPSP handler and their response
// rides back in the packet metadata.
package bls

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nostrlink/relaygate/pkg/channel"
	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/metrics"
	"github.com/nostrlink/relaygate/pkg/pricing"
	"github.com/nostrlink/relaygate/pkg/spsp"
	"github.com/nostrlink/relaygate/pkg/store"
)

// Broadcaster receives accepted events for live fan-out to relay
// subscribers.
type Broadcaster interface {
	Broadcast(ev *nostr.Event)
}

// ServerConfig carries the pipeline's dependencies. Store, Pricing and
// Verifier are required; Spsp, Sink and Metrics may be nil.
type ServerConfig struct {
	BLS      config.BLS
	Store    store.Store
	Pricing  *pricing.Service
	Verifier *channel.Verifier
	Spsp     *spsp.Handler
	Sink     Broadcaster
	Metrics  *metrics.Metrics
}

// Server serves the connector-facing HTTP API.
type Server struct {
	addr          string
	maxEventBytes int
	store         store.Store
	pricing       *pricing.Service
	verifier      *channel.Verifier
	spsp          *spsp.Handler
	sink          Broadcaster
	metrics       *metrics.Metrics
	limiter       *rate.Limiter
	clk           clock.Clock

	ln      net.Listener
	httpSrv *http.Server
}

// ServerOption adjusts Server construction.
type ServerOption func(*Server)

// WithClock substitutes the time source, mainly for tests.
func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clk = c }
}

// NewServer validates dependencies and applies the BLS section defaults.
func NewServer(cfg ServerConfig, opts ...ServerOption) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("bls: missing store")
	}
	if cfg.Pricing == nil {
		return nil, errors.New("bls: missing pricing service")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("bls: missing claim verifier")
	}
	if cfg.BLS.ListenAddr == "" {
		cfg.BLS.ListenAddr = "127.0.0.1:7771"
	}
	if cfg.BLS.MaxEventBytes == 0 {
		cfg.BLS.MaxEventBytes = 65536
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}

	var limiter *rate.Limiter
	if cfg.BLS.RateLimitPerSecond > 0 {
		burst := cfg.BLS.RateBurst
		if burst <= 0 {
			burst = int(cfg.BLS.RateLimitPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BLS.RateLimitPerSecond), burst)
	}

	s := &Server{
		addr:          cfg.BLS.ListenAddr,
		maxEventBytes: cfg.BLS.MaxEventBytes,
		store:         cfg.Store,
		pricing:       cfg.Pricing,
		verifier:      cfg.Verifier,
		spsp:          cfg.Spsp,
		sink:          cfg.Sink,
		metrics:       cfg.Metrics,
		limiter:       limiter,
		clk:           clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /handle-packet", s.handlePacket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Start binds the listener and serves in the background. The bind happens
// synchronously so a taken port fails here, not later.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bls: listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("bls server stopped", zap.Error(err))
		}
	}()
	zap.L().Info("bls listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.clk.Now().UTC().Format(time.RFC3339),
	})
}
