// Package pricing decides what an inbound event costs. Prices are integer
// base units of the node's asset; the helpers convert operator-friendly
// decimal amounts (e.g. "0.01" of the asset) into base units.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/shopspring/decimal"

	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/model"
)

// Service computes the minimum amount an ILP packet must carry for the event
// it contains. Zero prices are reserved for the owner bypass and for SPSP
// handshake kinds; every other event costs at least one base unit.
type Service struct {
	basePerByte *big.Int
	kindPrices  map[int]*big.Int
	spspMin     *big.Int
	owner       string
}

// New builds a Service from the pricing section. Malformed prices and owner
// pubkeys are configuration errors.
func New(cfg config.Pricing) (*Service, error) {
	base, err := parseBaseUnits(cfg.BasePricePerByte)
	if err != nil {
		return nil, fmt.Errorf("base price per byte: %w", err)
	}

	kindPrices := make(map[int]*big.Int, len(cfg.KindPrices))
	for key, value := range cfg.KindPrices {
		kind, err := strconv.Atoi(key)
		if err != nil || kind < 0 {
			return nil, fmt.Errorf("kind price key %q is not a kind number", key)
		}
		price, err := parseBaseUnits(value)
		if err != nil {
			return nil, fmt.Errorf("kind %d price: %w", kind, err)
		}
		kindPrices[kind] = price
	}

	var spspMin *big.Int
	if cfg.SpspMinPrice != "" {
		spspMin, err = parseBaseUnits(cfg.SpspMinPrice)
		if err != nil {
			return nil, fmt.Errorf("spsp min price: %w", err)
		}
	}

	if cfg.OwnerPubkey != "" && !nostr.IsValidPublicKey(cfg.OwnerPubkey) {
		return nil, fmt.Errorf("owner pubkey %q is not a valid hex pubkey", cfg.OwnerPubkey)
	}

	return &Service{
		basePerByte: base,
		kindPrices:  kindPrices,
		spspMin:     spspMin,
		owner:       cfg.OwnerPubkey,
	}, nil
}

// Required returns the minimum packet amount for ev at the given encoded
// size. Precedence: owner bypass, SPSP kinds (free unless a flat SPSP price
// is configured, so handshakes can ride zero-amount packets), per-kind flat
// price, per-byte rate. The result is always a fresh value.
func (s *Service) Required(ev *nostr.Event, encodedSize int) *big.Int {
	if s.owner != "" && ev.PubKey == s.owner {
		return big.NewInt(0)
	}
	if isSpspKind(ev.Kind) {
		if s.spspMin != nil {
			return new(big.Int).Set(s.spspMin)
		}
		return big.NewInt(0)
	}
	if price, ok := s.kindPrices[ev.Kind]; ok {
		return new(big.Int).Set(price)
	}
	return new(big.Int).Mul(s.basePerByte, big.NewInt(int64(encodedSize)))
}

func isSpspKind(kind int) bool {
	return kind == model.KindSpspRequest || kind == model.KindSpspResponse
}

func parseBaseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer amount: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}
	return v, nil
}

// ParseAssetAmount converts a decimal amount of the node's asset (such as a
// configured channel deposit) into base units at the given scale.
func ParseAssetAmount(s string, assetScale int) (*big.Int, error) {
	if assetScale < 0 {
		return nil, fmt.Errorf("negative asset scale %d", assetScale)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scaled := d.Shift(int32(assetScale))
	if !scaled.IsInteger() {
		return nil, errors.New("amount has more precision than the asset scale")
	}
	return scaled.BigInt(), nil
}
