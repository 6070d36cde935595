package pricing

import (
	"math/big"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/model"
)

var ownerPubkey = strings.Repeat("ab", 32)

// TestNew_RejectsBadConfig covers malformed prices and owner keys.
func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Pricing
	}{
		{name: "non numeric base", cfg: config.Pricing{BasePricePerByte: "ten"}},
		{name: "negative base", cfg: config.Pricing{BasePricePerByte: "-1"}},
		{name: "bad kind key", cfg: config.Pricing{BasePricePerByte: "1", KindPrices: map[string]string{"note": "5"}}},
		{name: "bad kind price", cfg: config.Pricing{BasePricePerByte: "1", KindPrices: map[string]string{"1": "x"}}},
		{name: "bad spsp min", cfg: config.Pricing{BasePricePerByte: "1", SpspMinPrice: "1.5"}},
		{name: "bad owner", cfg: config.Pricing{BasePricePerByte: "1", OwnerPubkey: "not-a-key"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

// TestRequired covers the bypass and override precedence: owner first, then
// the SPSP flat price, then per-kind prices, then the per-byte rate.
func TestRequired(t *testing.T) {
	svc, err := New(config.Pricing{
		BasePricePerByte: "2",
		KindPrices:       map[string]string{"30023": "1000"},
		SpspMinPrice:     "5",
		OwnerPubkey:      ownerPubkey,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		ev   *nostr.Event
		size int
		want int64
	}{
		{name: "per byte", ev: &nostr.Event{Kind: 1}, size: 100, want: 200},
		{name: "kind override", ev: &nostr.Event{Kind: 30023}, size: 100, want: 1000},
		{name: "spsp request flat", ev: &nostr.Event{Kind: model.KindSpspRequest}, size: 4096, want: 5},
		{name: "spsp response flat", ev: &nostr.Event{Kind: model.KindSpspResponse}, size: 4096, want: 5},
		{name: "owner free", ev: &nostr.Event{Kind: 1, PubKey: ownerPubkey}, size: 100, want: 0},
		{name: "owner free beats overrides", ev: &nostr.Event{Kind: 30023, PubKey: ownerPubkey}, size: 100, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.Required(tt.ev, tt.size)
			if got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("Required = %s, want %d", got, tt.want)
			}
		})
	}
}

// TestRequired_SpspFreeByDefault verifies handshake kinds cost nothing when
// no flat SPSP price is configured; handshakes ride zero-amount packets.
func TestRequired_SpspFreeByDefault(t *testing.T) {
	svc, err := New(config.Pricing{BasePricePerByte: "3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := svc.Required(&nostr.Event{Kind: model.KindSpspRequest}, 10)
	if got.Sign() != 0 {
		t.Fatalf("Required = %s, want 0", got)
	}
}

// TestRequired_ReturnsFreshValues guards against callers mutating internal
// price state through the returned big.Int.
func TestRequired_ReturnsFreshValues(t *testing.T) {
	svc, err := New(config.Pricing{
		BasePricePerByte: "1",
		KindPrices:       map[string]string{"1": "7"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := svc.Required(&nostr.Event{Kind: 1}, 1)
	first.SetInt64(999999)
	second := svc.Required(&nostr.Event{Kind: 1}, 1)
	if second.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("internal price mutated: %s", second)
	}
}

// TestParseAssetAmount converts decimal asset amounts into base units and
// rejects sub-base-unit precision.
func TestParseAssetAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		scale   int
		want    string
		wantErr bool
	}{
		{name: "whole", in: "5", scale: 9, want: "5000000000"},
		{name: "fractional", in: "0.01", scale: 9, want: "10000000"},
		{name: "scale zero", in: "42", scale: 0, want: "42"},
		{name: "too precise", in: "0.0000000001", scale: 9, wantErr: true},
		{name: "negative", in: "-1", scale: 9, wantErr: true},
		{name: "garbage", in: "one", scale: 9, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAssetAmount(tt.in, tt.scale)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAssetAmount: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
