package bls

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrlink/relaygate/pkg/channel"
	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/connector"
	"github.com/nostrlink/relaygate/pkg/model"
	"github.com/nostrlink/relaygate/pkg/pricing"
	"github.com/nostrlink/relaygate/pkg/spsp"
	"github.com/nostrlink/relaygate/pkg/store"
)

func spspEnv(t *testing.T, adapter connector.Adapter) (*testEnv, string) {
	t.Helper()
	receiverSK := nostr.GeneratePrivateKey()
	verifier := channel.NewVerifier()

	handler, err := spsp.NewHandler(spsp.HandlerConfig{
		SecretKey: receiverSK,
		PeerInfo: model.IlpPeerInfo{
			ILPAddress:      "g.crypto.bob",
			AssetCode:       "USDC",
			AssetScale:      9,
			SupportedChains: []string{"evm:base:8453"},
			SettlementAddresses: map[string]string{
				"evm:base:8453": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			},
			TokenNetworks: map[string]string{
				"evm:base:8453": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			},
		},
		Adapter:  adapter,
		Verifier: verifier,
		Timeouts: config.Timeouts{ChannelOpen: 200 * time.Millisecond, ChannelPoll: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("spsp.NewHandler: %v", err)
	}

	st := store.NewMemoryStore()
	priced, err := pricing.New(config.Pricing{BasePricePerByte: "1"})
	if err != nil {
		t.Fatalf("pricing.New: %v", err)
	}
	sink := &recordingSink{}
	s, err := NewServer(ServerConfig{
		Store:    st,
		Pricing:  priced,
		Verifier: verifier,
		Spsp:     handler,
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	receiverPub, _ := nostr.GetPublicKey(receiverSK)
	return &testEnv{server: s, store: st, verifier: verifier, sink: sink, srv: srv}, receiverPub
}

func handshakePacket(t *testing.T, requesterSK, receiverPub string, chains ...string) HandleRequest {
	t.Helper()
	addrs := make(map[string]string, len(chains))
	for _, c := range chains {
		addrs[c] = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	}
	reqEv, err := spsp.NewRequestEvent(requesterSK, receiverPub, model.SpspRequest{
		SenderILPAddress:    "g.crypto.alice",
		SupportedChains:     chains,
		SettlementAddresses: addrs,
	})
	if err != nil {
		t.Fatalf("NewRequestEvent: %v", err)
	}
	return HandleRequest{
		Amount:      "0",
		Destination: "g.crypto.bob.spsp",
		Data:        encodeEvent(t, reqEv),
	}
}

// TestSpspDispatchCompletesHandshake delivers a zero-amount kind-23194
// packet and expects the encrypted response in the packet metadata plus a
// registered channel.
func TestSpspDispatchCompletesHandshake(t *testing.T) {
	env, receiverPub := spspEnv(t, connector.NewLocalAdapter(connector.WithOpensAfter(1)))
	requesterSK := nostr.GeneratePrivateKey()

	status, out := env.post(t, handshakePacket(t, requesterSK, receiverPub, "evm:base:8453"))
	if status != http.StatusOK || !out.Accept {
		t.Fatalf("status=%d code=%s msg=%s", status, out.Code, out.Message)
	}
	if out.Metadata == nil || out.Metadata.SpspResponse == nil {
		t.Fatal("metadata carries no handshake response")
	}

	resp, err := spsp.ParseResponseEvent(requesterSK, out.Metadata.SpspResponse)
	if err != nil {
		t.Fatalf("ParseResponseEvent: %v", err)
	}
	if !env.verifier.Registered(resp.ChannelID) {
		t.Errorf("channel %s not registered", resp.ChannelID)
	}

	// Handshake requests are ephemeral: nothing may hit the store.
	if count, err := env.store.CountEvents(t.Context()); err != nil || count != 0 {
		t.Errorf("stored = %d (err=%v), want 0", count, err)
	}
}

// TestSpspDispatchNoCommonChain turns a negotiation failure into a final
// F00 reject.
func TestSpspDispatchNoCommonChain(t *testing.T) {
	env, receiverPub := spspEnv(t, connector.NewLocalAdapter())
	requesterSK := nostr.GeneratePrivateKey()

	status, out := env.post(t, handshakePacket(t, requesterSK, receiverPub, "evm:polygon:137"))
	if status != http.StatusBadRequest || out.Code != CodeInvalidPacket {
		t.Fatalf("status=%d code=%s msg=%s, want 400 %s", status, out.Code, out.Message, CodeInvalidPacket)
	}
}

// TestSpspDispatchChannelTimeout turns a channel stuck opening into a
// temporary T00 reject.
func TestSpspDispatchChannelTimeout(t *testing.T) {
	env, receiverPub := spspEnv(t, connector.NewLocalAdapter(connector.WithOpensAfter(1<<20)))
	requesterSK := nostr.GeneratePrivateKey()

	status, out := env.post(t, handshakePacket(t, requesterSK, receiverPub, "evm:base:8453"))
	if status != http.StatusServiceUnavailable || out.Code != CodeTemporaryFailure {
		t.Fatalf("status=%d code=%s msg=%s, want 503 %s", status, out.Code, out.Message, CodeTemporaryFailure)
	}
}
