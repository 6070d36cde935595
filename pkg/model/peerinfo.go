// Package model holds the wire and domain types shared by the relay, the
// business logic server and the peering machinery: kind-10032 peer info,
// SPSP handshake bodies, EIP-712 balance proofs, connector registration
// payloads and bootstrap activity events.
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// IlpPeerInfo is the JSON content of a kind-10032 event. Chain identifiers
// use the "evm:<name>:<chainId>" form; the maps are keyed by that identifier.
type IlpPeerInfo struct {
	ILPAddress          string            `json:"ilpAddress"`
	BTPEndpoint         string            `json:"btpEndpoint,omitempty"`
	AssetCode           string            `json:"assetCode"`
	AssetScale          int               `json:"assetScale"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses,omitempty"`
	PreferredTokens     map[string]string `json:"preferredTokens,omitempty"`
	TokenNetworks       map[string]string `json:"tokenNetworks,omitempty"`
}

// Validate checks the fields a consumer depends on before peering. It does
// not require settlement maps to cover every supported chain; a chain without
// a settlement address is simply never negotiated.
func (p *IlpPeerInfo) Validate() error {
	if p.ILPAddress == "" {
		return errors.New("peer info: missing ilpAddress")
	}
	if p.AssetCode == "" {
		return errors.New("peer info: missing assetCode")
	}
	if p.AssetScale < 0 {
		return fmt.Errorf("peer info: negative assetScale %d", p.AssetScale)
	}
	for _, c := range p.SupportedChains {
		if _, err := ChainID(c); err != nil {
			return fmt.Errorf("peer info: %w", err)
		}
	}
	return nil
}

// ChainID extracts the numeric chain id from an "evm:<name>:<chainId>"
// identifier.
func ChainID(chain string) (int64, error) {
	parts := strings.Split(chain, ":")
	if len(parts) != 3 || parts[0] != "evm" {
		return 0, fmt.Errorf("unsupported chain identifier %q", chain)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad chain id in %q", chain)
	}
	return id, nil
}

// CommonChain returns the first entry of prefer that also appears in offered.
// The boolean is false when the two sides share no chain.
func CommonChain(prefer, offered []string) (string, bool) {
	for _, c := range prefer {
		for _, o := range offered {
			if c == o {
				return c, true
			}
		}
	}
	return "", false
}
