package discovery

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrlink/relaygate/pkg/metrics"
	"github.com/nostrlink/relaygate/pkg/model"
	"github.com/nostrlink/relaygate/pkg/relay"
	"github.com/nostrlink/relaygate/pkg/store"
)

func peerInfo(ilpAddress string) model.IlpPeerInfo {
	return model.IlpPeerInfo{
		ILPAddress:      ilpAddress,
		BTPEndpoint:     "btp+wss://peer.example:7443",
		AssetCode:       "USD",
		AssetScale:      9,
		SupportedChains: []string{"evm:base:8453"},
		SettlementAddresses: map[string]string{
			"evm:base:8453": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		},
		TokenNetworks: map[string]string{
			"evm:base:8453": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		},
	}
}

func announcement(t *testing.T, sk string, info model.IlpPeerInfo, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	content, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("encoding peer info: %v", err)
	}
	ev := &nostr.Event{
		Kind:      model.KindIlpPeerInfo,
		CreatedAt: createdAt,
		Content:   string(content),
		Tags:      nostr.Tags{},
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("signing announcement: %v", err)
	}
	return ev
}

func newTestMonitor(t *testing.T, cfg MonitorConfig) *Monitor {
	t.Helper()
	m, err := NewMonitor(cfg)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

// TestIngestAcceptsAnnouncement checks that a valid kind-10032 event lands
// in the peer table and is emitted on the updates channel.
func TestIngestAcceptsAnnouncement(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{})
	sk := nostr.GeneratePrivateKey()
	ev := announcement(t, sk, peerInfo("g.crypto.alice"), nostr.Now())

	if !m.Ingest("wss://relay.example", ev) {
		t.Fatal("valid announcement rejected")
	}

	peer, ok := m.Peer(ev.PubKey)
	if !ok {
		t.Fatal("peer missing from table")
	}
	if peer.Info.ILPAddress != "g.crypto.alice" {
		t.Fatalf("peer ilp address = %q", peer.Info.ILPAddress)
	}
	if peer.Source != "wss://relay.example" {
		t.Fatalf("peer source = %q", peer.Source)
	}
	if peer.Trust != 1 {
		t.Fatalf("default trust = %v, want 1", peer.Trust)
	}

	select {
	case got := <-m.Updates():
		if got.Pubkey != ev.PubKey {
			t.Fatalf("update for %s, want %s", got.Pubkey, ev.PubKey)
		}
	default:
		t.Fatal("no update emitted")
	}
}

// TestIngestRejections runs the validation pipeline against announcements
// that must not enter the peer table.
func TestIngestRejections(t *testing.T) {
	selfSK := nostr.GeneratePrivateKey()
	selfPub, _ := nostr.GetPublicKey(selfSK)
	m := newTestMonitor(t, MonitorConfig{SelfPubkey: selfPub})
	sk := nostr.GeneratePrivateKey()
	now := nostr.Now()

	wrongKind := announcement(t, sk, peerInfo("g.crypto.alice"), now)
	wrongKind.Kind = 1

	tamperedID := announcement(t, sk, peerInfo("g.crypto.alice"), now)
	tamperedID.ID = strings.Repeat("a", 64)

	tamperedBody := announcement(t, sk, peerInfo("g.crypto.alice"), now)
	tamperedBody.Content = `{"ilpAddress":"g.crypto.mallory"}`

	garbage := announcement(t, sk, peerInfo("g.crypto.alice"), now)
	garbage.Content = "not json"
	garbage.Sign(sk)

	missingAddress := announcement(t, sk, model.IlpPeerInfo{AssetCode: "USD"}, now)

	badChain := peerInfo("g.crypto.alice")
	badChain.SupportedChains = []string{"solana:mainnet"}

	self := announcement(t, selfSK, peerInfo("g.crypto.self"), now)

	tests := []struct {
		name string
		ev   *nostr.Event
	}{
		{"wrong kind", wrongKind},
		{"tampered id", tamperedID},
		{"tampered body", tamperedBody},
		{"content not json", garbage},
		{"missing ilp address", missingAddress},
		{"unsupported chain form", announcement(t, sk, badChain, now)},
		{"own announcement", self},
		{"nil event", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m.Ingest("test", tt.ev) {
				t.Fatal("announcement accepted")
			}
		})
	}
	if got := len(m.Snapshot()); got != 0 {
		t.Fatalf("peer table holds %d entries", got)
	}
}

// TestIngestKeepsNewest checks created_at deduplication across relays.
func TestIngestKeepsNewest(t *testing.T) {
	m := newTestMonitor(t, MonitorConfig{})
	sk := nostr.GeneratePrivateKey()
	base := nostr.Now()

	newer := announcement(t, sk, peerInfo("g.crypto.alice.v2"), base+10)
	older := announcement(t, sk, peerInfo("g.crypto.alice.v1"), base)

	if !m.Ingest("relay-a", newer) {
		t.Fatal("first announcement rejected")
	}
	if m.Ingest("relay-b", older) {
		t.Fatal("stale announcement accepted over a newer one")
	}
	if m.Ingest("relay-b", newer) {
		t.Fatal("same announcement accepted twice")
	}

	peer, _ := m.Peer(newer.PubKey)
	if peer.Info.ILPAddress != "g.crypto.alice.v2" {
		t.Fatalf("table kept %q, want the newer announcement", peer.Info.ILPAddress)
	}
	if peer.Source != "relay-a" {
		t.Fatalf("peer source = %q, want relay-a", peer.Source)
	}
}

// TestTrustFloor checks that the scorer gates table entry and that
// snapshots order by trust.
func TestTrustFloor(t *testing.T) {
	trusted := nostr.GeneratePrivateKey()
	trustedPub, _ := nostr.GetPublicKey(trusted)
	shady := nostr.GeneratePrivateKey()

	m := newTestMonitor(t, MonitorConfig{
		MinTrust: 0.5,
		Scorer: TrustScorerFunc(func(pubkey string, _ model.IlpPeerInfo) float64 {
			if pubkey == trustedPub {
				return 0.9
			}
			return 0.2
		}),
	})

	if m.Ingest("test", announcement(t, shady, peerInfo("g.crypto.shady"), nostr.Now())) {
		t.Fatal("low-trust announcement accepted")
	}
	if !m.Ingest("test", announcement(t, trusted, peerInfo("g.crypto.trusted"), nostr.Now())) {
		t.Fatal("trusted announcement rejected")
	}

	peers := m.Snapshot()
	if len(peers) != 1 || peers[0].Trust != 0.9 {
		t.Fatalf("snapshot = %+v", peers)
	}
}

// TestSnapshotOrdering checks trust-descending order with freshness ties.
func TestSnapshotOrdering(t *testing.T) {
	scores := map[string]float64{}
	m := newTestMonitor(t, MonitorConfig{
		Scorer: TrustScorerFunc(func(pubkey string, _ model.IlpPeerInfo) float64 {
			return scores[pubkey]
		}),
	})

	base := nostr.Now()
	for i, trust := range []float64{0.3, 0.9, 0.6} {
		sk := nostr.GeneratePrivateKey()
		pub, _ := nostr.GetPublicKey(sk)
		scores[pub] = trust
		if !m.Ingest("test", announcement(t, sk, peerInfo("g.crypto.peer"), base+nostr.Timestamp(i))) {
			t.Fatalf("announcement %d rejected", i)
		}
	}

	peers := m.Snapshot()
	if len(peers) != 3 {
		t.Fatalf("snapshot has %d peers", len(peers))
	}
	for i := 1; i < len(peers); i++ {
		if peers[i].Trust > peers[i-1].Trust {
			t.Fatalf("snapshot not ordered by trust: %v then %v", peers[i-1].Trust, peers[i].Trust)
		}
	}
}

// TestWatchRelay connects a monitor to an in-process relay and checks that
// both stored and freshly broadcast announcements reach the peer table.
func TestWatchRelay(t *testing.T) {
	st := store.NewMemoryStore()
	rs, err := relay.NewServer(relay.ServerConfig{Store: st, Metrics: metrics.Noop()})
	if err != nil {
		t.Fatalf("relay.NewServer: %v", err)
	}
	hs := httptest.NewServer(rs)
	defer hs.Close()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")

	storedSK := nostr.GeneratePrivateKey()
	storedEv := announcement(t, storedSK, peerInfo("g.crypto.stored"), nostr.Now())
	if _, err := st.SaveEvent(t.Context(), storedEv); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	m := newTestMonitor(t, MonitorConfig{Relays: []string{wsURL}})
	m.Start(t.Context())
	defer m.Stop()

	waitForPeer(t, m, storedEv.PubKey)

	liveSK := nostr.GeneratePrivateKey()
	liveEv := announcement(t, liveSK, peerInfo("g.crypto.live"), nostr.Now())
	rs.Broadcast(liveEv)

	waitForPeer(t, m, liveEv.PubKey)
}

func waitForPeer(t *testing.T, m *Monitor, pubkey string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Peer(pubkey); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %s never discovered", pubkey)
}
