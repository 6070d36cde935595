// Package discovery watches nostr relays for kind-10032 peer announcements
// and maintains the table of known ILP peers. Each configured relay gets its
// own watch goroutine that reconnects with capped exponential backoff; all
// of them feed one deduplicated peer table keyed by announcement pubkey.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/model"
)

const (
	reconnectBase = time.Second
	reconnectCap  = time.Minute

	// updateBuffer bounds the Updates channel. Consumers slower than the
	// announcement stream lose updates but can recover from Snapshot.
	updateBuffer = 64
)

// Peer is one entry in the discovered peer table. EventID identifies the
// announcement it was built from, letting consumers skip re-processing an
// announcement they already applied.
type Peer struct {
	Pubkey    string
	Info      model.IlpPeerInfo
	UpdatedAt nostr.Timestamp
	EventID   string
	Source    string
	Trust     float64
}

// TrustScorer rates an announcement before it enters the peer table.
// Announcements scoring below the monitor's minimum are discarded.
type TrustScorer interface {
	Score(pubkey string, info model.IlpPeerInfo) float64
}

// TrustScorerFunc adapts a function to the TrustScorer interface.
type TrustScorerFunc func(pubkey string, info model.IlpPeerInfo) float64

func (f TrustScorerFunc) Score(pubkey string, info model.IlpPeerInfo) float64 {
	return f(pubkey, info)
}

// MonitorConfig configures a Monitor. Relays may be empty, in which case
// the table is fed only through Ingest.
type MonitorConfig struct {
	// Relays to watch for kind-10032 announcements.
	Relays []string

	// SelfPubkey is skipped so a node never discovers itself.
	SelfPubkey string

	// Scorer rates announcements; nil accepts everything at score 1.
	Scorer TrustScorer

	// MinTrust discards announcements scoring below it.
	MinTrust float64

	Timeouts config.Timeouts
	Clock    clock.Clock
}

// Monitor maintains the peer table and emits accepted updates.
type Monitor struct {
	cfg      MonitorConfig
	timeouts config.Timeouts
	clock    clock.Clock

	mu    sync.RWMutex
	peers map[string]Peer

	updates chan Peer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	for _, u := range cfg.Relays {
		if u == "" {
			return nil, errors.New("discovery: empty relay url")
		}
	}
	if cfg.Scorer == nil {
		cfg.Scorer = TrustScorerFunc(func(string, model.IlpPeerInfo) float64 { return 1 })
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Monitor{
		cfg:      cfg,
		timeouts: cfg.Timeouts.WithDefaults(),
		clock:    cfg.Clock,
		peers:    make(map[string]Peer),
		updates:  make(chan Peer, updateBuffer),
	}, nil
}

// Start launches one watch goroutine per configured relay.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, url := range m.cfg.Relays {
		m.wg.Add(1)
		go m.watchRelay(ctx, url)
	}
}

// Stop halts the watchers and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Updates streams accepted peer table changes. The channel is never closed;
// slow consumers lose updates and should reconcile with Snapshot.
func (m *Monitor) Updates() <-chan Peer {
	return m.updates
}

// Snapshot returns the peer table ordered by trust, freshness, pubkey.
func (m *Monitor) Snapshot() []Peer {
	m.mu.RLock()
	peers := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Trust != peers[j].Trust {
			return peers[i].Trust > peers[j].Trust
		}
		if peers[i].UpdatedAt != peers[j].UpdatedAt {
			return peers[i].UpdatedAt > peers[j].UpdatedAt
		}
		return peers[i].Pubkey < peers[j].Pubkey
	})
	return peers
}

// Peer looks up one entry by announcement pubkey.
func (m *Monitor) Peer(pubkey string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[pubkey]
	return p, ok
}

// Ingest runs an announcement event through the validation pipeline and
// reports whether it changed the peer table. Watch goroutines call this for
// every event they receive; callers with out-of-band announcements (static
// bootstrap peers, tests) may call it directly.
func (m *Monitor) Ingest(source string, ev *nostr.Event) bool {
	if ev == nil || ev.Kind != model.KindIlpPeerInfo {
		return false
	}
	if ev.PubKey == m.cfg.SelfPubkey {
		return false
	}
	if ev.GetID() != ev.ID {
		zap.L().Debug("announcement id mismatch", zap.String("source", source))
		return false
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		zap.L().Debug("announcement signature invalid", zap.String("source", source), zap.Error(err))
		return false
	}

	var info model.IlpPeerInfo
	if err := json.Unmarshal([]byte(ev.Content), &info); err != nil {
		zap.L().Debug("announcement content undecodable",
			zap.String("pubkey", ev.PubKey), zap.Error(err))
		return false
	}
	if err := info.Validate(); err != nil {
		zap.L().Debug("announcement rejected",
			zap.String("pubkey", ev.PubKey), zap.Error(err))
		return false
	}

	trust := m.cfg.Scorer.Score(ev.PubKey, info)
	if trust < m.cfg.MinTrust {
		zap.L().Debug("announcement below trust floor",
			zap.String("pubkey", ev.PubKey), zap.Float64("trust", trust))
		return false
	}

	peer := Peer{
		Pubkey:    ev.PubKey,
		Info:      info,
		UpdatedAt: ev.CreatedAt,
		EventID:   ev.ID,
		Source:    source,
		Trust:     trust,
	}

	m.mu.Lock()
	prev, known := m.peers[ev.PubKey]
	if known && prev.UpdatedAt >= ev.CreatedAt {
		m.mu.Unlock()
		return false
	}
	m.peers[ev.PubKey] = peer
	m.mu.Unlock()

	zap.L().Info("peer announcement",
		zap.String("pubkey", ev.PubKey),
		zap.String("ilp_address", info.ILPAddress),
		zap.String("source", source),
		zap.Bool("new", !known))

	select {
	case m.updates <- peer:
	default:
		zap.L().Warn("peer update dropped, consumer lagging",
			zap.String("pubkey", ev.PubKey))
	}
	return true
}

func (m *Monitor) watchRelay(ctx context.Context, url string) {
	defer m.wg.Done()
	backoff := reconnectBase
	for {
		subscribed, err := m.consume(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			zap.L().Warn("relay watch interrupted",
				zap.String("relay", url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-m.clock.TickAfter(backoff):
		}
		if subscribed {
			backoff = reconnectBase
			continue
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// consume holds one subscription open until the relay or the context drops
// it. The returned bool reports whether the subscription was established,
// which resets the reconnect backoff.
func (m *Monitor) consume(ctx context.Context, url string) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.timeouts.Dial)
	relay, err := nostr.RelayConnect(dialCtx, url)
	cancel()
	if err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}
	defer relay.Close()

	sub, err := relay.Subscribe(ctx, nostr.Filters{{Kinds: []int{model.KindIlpPeerInfo}}})
	if err != nil {
		return false, fmt.Errorf("subscribing: %w", err)
	}
	defer sub.Unsub()
	zap.L().Debug("watching relay for announcements", zap.String("relay", url))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-sub.Events:
			if !ok {
				return true, errors.New("subscription closed by relay")
			}
			m.Ingest(url, ev)
		}
	}
}
