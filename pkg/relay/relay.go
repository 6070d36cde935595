// Package relay serves the free read side over NIP-01 websockets: REQ
// subscriptions answered from the store followed by live events, EOSE
// between the two, and optional client publishes when the operator allows
// them. Writes normally arrive through the business logic server, which
// hands accepted events to Broadcast.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/metrics"
	"github.com/nostrlink/relaygate/pkg/store"
)

// ServerConfig carries the relay's dependencies; Store is required.
type ServerConfig struct {
	Relay    config.Relay
	Store    store.Store
	Metrics  *metrics.Metrics
	Timeouts config.Timeouts

	// Info is served as the NIP-11 relay information document.
	Info Info
}

// Info is the NIP-11 relay information document.
type Info struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	Pubkey        string `json:"pubkey,omitempty"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software,omitempty"`
	Version       string `json:"version,omitempty"`
}

// Server accepts websocket clients and fans stored plus live events out to
// their subscriptions.
type Server struct {
	cfg      config.Relay
	store    store.Store
	metrics  *metrics.Metrics
	timeouts config.Timeouts
	info     Info
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}

	ln      net.Listener
	httpSrv *http.Server
}

// NewServer validates dependencies and applies the relay section defaults.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: missing store")
	}
	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = ":7447"
	}
	if cfg.Relay.MaxConnections == 0 {
		cfg.Relay.MaxConnections = 512
	}
	if cfg.Relay.MaxSubscriptionsPerConn == 0 {
		cfg.Relay.MaxSubscriptionsPerConn = 32
	}
	if cfg.Relay.MaxFiltersPerSub == 0 {
		cfg.Relay.MaxFiltersPerSub = 10
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if len(cfg.Info.SupportedNIPs) == 0 {
		cfg.Info.SupportedNIPs = []int{1, 11}
	}
	return &Server{
		cfg:      cfg.Relay,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		timeouts: cfg.Timeouts.WithDefaults(),
		info:     cfg.Info,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is world-readable; cross-origin browser
			// clients are the normal case.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("relay server stopped", zap.Error(err))
		}
	}()
	zap.L().Info("relay listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ServeHTTP upgrades websocket requests into NIP-01 sessions and answers
// plain requests with the NIP-11 information document.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
			w.Header().Set("Content-Type", "application/nostr+json")
			w.Header().Set("Access-Control-Allow-Origin", "*")
			json.NewEncoder(w).Encode(s.info)
			return
		}
		http.Error(w, "websocket endpoint; see NIP-01", http.StatusUpgradeRequired)
		return
	}

	s.mu.RLock()
	full := len(s.conns) >= s.cfg.MaxConnections
	s.mu.RUnlock()
	if full {
		http.Error(w, "relay at connection capacity", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConnection(s, ws)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.RelayConnections.Inc()
	zap.L().Debug("client connected", zap.String("remote", ws.RemoteAddr().String()))

	go c.writePump()
	go c.readPump()
}

func (s *Server) dropConnection(c *connection) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.metrics.RelayConnections.Dec()
	}
}

// Broadcast fans an accepted event out to every matching live
// subscription. Subscriptions still replaying stored events stage it for
// delivery after their EOSE.
func (s *Server) Broadcast(ev *nostr.Event) {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.match(ev)
	}
}

// ConnectionCount reports currently connected clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
