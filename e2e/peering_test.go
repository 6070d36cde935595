//go:build e2e

package e2e

import (
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrlink/relaygate/pkg/bls"
	"github.com/nostrlink/relaygate/pkg/bootstrap"
	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/connector"
	"github.com/nostrlink/relaygate/pkg/node"
	"github.com/nostrlink/relaygate/pkg/toon"
)

const anvilKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func nodeConfig(t *testing.T, ilpAddress string) config.Config {
	t.Helper()
	return config.Config{
		Identity: config.Identity{
			NostrSecretKey: nostr.GeneratePrivateKey(),
			EVMPrivateKey:  anvilKey,
		},
		ILPAddress: ilpAddress,
		Relay:      config.Relay{ListenAddr: "127.0.0.1:0"},
		BLS:        config.BLS{ListenAddr: "127.0.0.1:0"},
		Store: config.Store{
			Driver: "sqlite",
			DSN:    "file:" + filepath.Join(t.TempDir(), "relay.db"),
		},
		Bootstrap: config.Bootstrap{RetryBase: 25 * time.Millisecond},
		Settlement: config.Settlement{
			Chains: []string{"evm:base:8453"},
			SettlementAddresses: map[string]string{
				"evm:base:8453": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			},
			TokenNetworks: map[string]string{
				"evm:base:8453": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			},
			InitialDeposit: "1000000",
		},
		Timeouts: config.Timeouts{
			Dial:          3 * time.Second,
			Query:         3 * time.Second,
			ChannelOpen:   3 * time.Second,
			ChannelPoll:   25 * time.Millisecond,
			SpspRoundtrip: 3 * time.Second,
			Publish:       3 * time.Second,
			Shutdown:      3 * time.Second,
		},
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) []json.RawMessage {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		t.Fatalf("parse frame %s: %v", raw, err)
	}
	if len(parts) == 0 {
		t.Fatalf("empty frame %s", raw)
	}
	return parts
}

func frameLabel(t *testing.T, parts []json.RawMessage) string {
	t.Helper()
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		t.Fatalf("parse frame label: %v", err)
	}
	return label
}

// TestTwoNodePeeringAndPaidPublish runs the whole lifecycle in process:
// bob comes up and announces himself, alice discovers him through his
// relay, bootstraps a payment channel over an SPSP handshake, then pays
// to publish a note that a free websocket subscriber on bob's relay
// receives and bob's store keeps.
func TestTwoNodePeeringAndPaidPublish(t *testing.T) {
	adapterB := connector.NewLocalAdapter()
	nodeB, err := node.New(nodeConfig(t, "g.relay.bob"), node.WithAdapter(adapterB))
	if err != nil {
		t.Fatalf("New bob: %v", err)
	}
	if err := nodeB.Start(t.Context()); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer nodeB.Stop()

	cfgA := nodeConfig(t, "g.relay.alice")
	cfgA.Discovery.Relays = []string{"ws://" + nodeB.RelayAddr()}
	adapterA := connector.NewLocalAdapter()
	nodeA, err := node.New(cfgA, node.WithAdapter(adapterA))
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	adapterA.Connect(nodeB.Pubkey(), bls.NewPacketHandler(nodeB.PacketURL(), nil))
	if err := nodeA.Start(t.Context()); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer nodeA.Stop()

	var session bootstrap.Session
	deadline := time.Now().Add(15 * time.Second)
	for {
		s, ok := nodeA.Bootstrap().Session(nodeB.Pubkey())
		if ok && s.Phase == bootstrap.PhaseReady {
			session = s
			break
		}
		if ok && s.Phase == bootstrap.PhaseFailed {
			t.Fatalf("peering failed: %v", s.Err)
		}
		if time.Now().After(deadline) {
			t.Fatal("alice never peered with bob")
		}
		time.Sleep(25 * time.Millisecond)
	}
	if session.ChannelID == "" {
		t.Fatal("ready session without a channel")
	}

	// free reader on bob's relay
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+nodeB.RelayAddr()+"/", nil)
	if err != nil {
		t.Fatalf("dial bob's relay: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`["REQ","notes",{"kinds":[1]}]`)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := frameLabel(t, readFrame(t, ws)); got != "EOSE" {
		t.Fatalf("expected EOSE, got %s", got)
	}

	// paid write through the bootstrapped channel
	sk := cfgA.Identity.NostrSecretKey
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	ev := nostr.Event{
		PubKey:    pub,
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   "paid hello",
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	data, err := toon.Encode(&ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	price := big.NewInt(int64(len(data)))
	claim, err := nodeA.Channels().NextProof(t.Context(), session.ChannelID, price)
	if err != nil {
		t.Fatalf("sign claim: %v", err)
	}

	// no PeerID: the registration bootstrap made carries the route
	res, err := adapterA.SendPacket(t.Context(), connector.PacketRequest{
		Destination: "g.relay.bob",
		Amount:      price,
		Data:        data,
	}, claim)
	if err != nil {
		t.Fatalf("send packet: %v", err)
	}
	if !res.Fulfilled {
		t.Fatalf("rejected %s: %s", res.Code, res.Message)
	}
	if res.Fulfillment != bls.Fulfillment(ev.ID) {
		t.Fatal("fulfillment does not commit to the published event")
	}

	// the note reaches the free reader
	parts := readFrame(t, ws)
	if got := frameLabel(t, parts); got != "EVENT" {
		t.Fatalf("expected EVENT, got %s", got)
	}
	var delivered nostr.Event
	if err := json.Unmarshal(parts[2], &delivered); err != nil {
		t.Fatalf("parse delivered event: %v", err)
	}
	if delivered.ID != ev.ID {
		t.Fatalf("delivered %s, want %s", delivered.ID, ev.ID)
	}

	// and bob keeps it
	stored, err := nodeB.Store().GetEvent(t.Context(), ev.ID)
	if err != nil {
		t.Fatalf("stored event: %v", err)
	}
	if stored.Content != "paid hello" {
		t.Fatalf("stored content = %q", stored.Content)
	}
}

// TestPaidPublishRejectsUnderpayment verifies a packet whose amount does
// not cover the price is rejected with F06 and the event is not stored.
func TestPaidPublishRejectsUnderpayment(t *testing.T) {
	adapterB := connector.NewLocalAdapter()
	nodeB, err := node.New(nodeConfig(t, "g.relay.bob"), node.WithAdapter(adapterB))
	if err != nil {
		t.Fatalf("New bob: %v", err)
	}
	if err := nodeB.Start(t.Context()); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer nodeB.Stop()

	cfgA := nodeConfig(t, "g.relay.alice")
	cfgA.Discovery.Relays = []string{"ws://" + nodeB.RelayAddr()}
	adapterA := connector.NewLocalAdapter()
	nodeA, err := node.New(cfgA, node.WithAdapter(adapterA))
	if err != nil {
		t.Fatalf("New alice: %v", err)
	}
	adapterA.Connect(nodeB.Pubkey(), bls.NewPacketHandler(nodeB.PacketURL(), nil))
	if err := nodeA.Start(t.Context()); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer nodeA.Stop()

	var session bootstrap.Session
	deadline := time.Now().Add(15 * time.Second)
	for {
		s, ok := nodeA.Bootstrap().Session(nodeB.Pubkey())
		if ok && s.Phase == bootstrap.PhaseReady {
			session = s
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alice never peered with bob")
		}
		time.Sleep(25 * time.Millisecond)
	}

	sk := cfgA.Identity.NostrSecretKey
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	ev := nostr.Event{
		PubKey:    pub,
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   "cheapskate",
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	data, err := toon.Encode(&ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	short := big.NewInt(1)
	claim, err := nodeA.Channels().NextProof(t.Context(), session.ChannelID, short)
	if err != nil {
		t.Fatalf("sign claim: %v", err)
	}
	res, err := adapterA.SendPacket(t.Context(), connector.PacketRequest{
		Destination: "g.relay.bob",
		Amount:      short,
		Data:        data,
	}, claim)
	if err != nil {
		t.Fatalf("send packet: %v", err)
	}
	if res.Fulfilled {
		t.Fatal("underpaid packet was fulfilled")
	}
	if res.Code != "F06" {
		t.Fatalf("reject code = %s, want F06", res.Code)
	}

	if _, err := nodeB.Store().GetEvent(t.Context(), ev.ID); err == nil {
		t.Fatal("underpaid event was stored")
	}
}
