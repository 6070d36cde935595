package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroLocksRoot is the locksRoot value for proofs that carry no pending locks.
const ZeroLocksRoot = "0x0000000000000000000000000000000000000000000000000000000000000000"

// BalanceProof is the EIP-712 payload signed by the paying side of a payment
// channel. Nonce increases by exactly one per proof and TransferredAmount is
// cumulative: it never decreases across the life of the channel.
type BalanceProof struct {
	ChannelID           string
	Nonce               uint64
	TransferredAmount   *big.Int
	LockedAmount        *big.Int
	LocksRoot           string
	ChainID             int64
	TokenNetworkAddress string
}

// Validate rejects proofs that could not have been produced against a real
// channel context.
func (p *BalanceProof) Validate() error {
	if !isBytes32Hex(p.ChannelID) {
		return fmt.Errorf("balance proof: bad channelId %q", p.ChannelID)
	}
	if p.Nonce == 0 {
		return errors.New("balance proof: nonce must be positive")
	}
	if p.TransferredAmount == nil || p.TransferredAmount.Sign() < 0 {
		return errors.New("balance proof: bad transferredAmount")
	}
	if p.LockedAmount != nil && p.LockedAmount.Sign() < 0 {
		return errors.New("balance proof: negative lockedAmount")
	}
	if p.LocksRoot != "" && !isBytes32Hex(p.LocksRoot) {
		return fmt.Errorf("balance proof: bad locksRoot %q", p.LocksRoot)
	}
	if p.ChainID <= 0 {
		return fmt.Errorf("balance proof: bad chainId %d", p.ChainID)
	}
	if !common.IsHexAddress(p.TokenNetworkAddress) {
		return fmt.Errorf("balance proof: bad tokenNetworkAddress %q", p.TokenNetworkAddress)
	}
	return nil
}

type balanceProofJSON struct {
	ChannelID           string `json:"channelId"`
	Nonce               uint64 `json:"nonce"`
	TransferredAmount   string `json:"transferredAmount"`
	LockedAmount        string `json:"lockedAmount"`
	LocksRoot           string `json:"locksRoot"`
	ChainID             int64  `json:"chainId"`
	TokenNetworkAddress string `json:"tokenNetworkAddress"`
}

// MarshalJSON encodes amounts as decimal strings, matching the connector API.
func (p BalanceProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(balanceProofJSON{
		ChannelID:           p.ChannelID,
		Nonce:               p.Nonce,
		TransferredAmount:   amountString(p.TransferredAmount),
		LockedAmount:        amountString(p.LockedAmount),
		LocksRoot:           p.locksRootOrZero(),
		ChainID:             p.ChainID,
		TokenNetworkAddress: p.TokenNetworkAddress,
	})
}

func (p *BalanceProof) UnmarshalJSON(data []byte) error {
	var aux balanceProofJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	transferred, err := parseAmount(aux.TransferredAmount)
	if err != nil {
		return fmt.Errorf("balance proof: transferredAmount: %w", err)
	}
	locked, err := parseAmount(aux.LockedAmount)
	if err != nil {
		return fmt.Errorf("balance proof: lockedAmount: %w", err)
	}
	p.ChannelID = aux.ChannelID
	p.Nonce = aux.Nonce
	p.TransferredAmount = transferred
	p.LockedAmount = locked
	p.LocksRoot = aux.LocksRoot
	p.ChainID = aux.ChainID
	p.TokenNetworkAddress = aux.TokenNetworkAddress
	return nil
}

func (p *BalanceProof) locksRootOrZero() string {
	if p.LocksRoot == "" {
		return ZeroLocksRoot
	}
	return p.LocksRoot
}

// SignedBalanceProof couples a proof with its 65-byte secp256k1 signature.
// Sender is informational; verification recovers the signer from the
// signature rather than trusting this field.
type SignedBalanceProof struct {
	BalanceProof
	Signature string `json:"signature"`
	Sender    string `json:"sender,omitempty"`
}

type signedBalanceProofJSON struct {
	balanceProofJSON
	Signature string `json:"signature"`
	Sender    string `json:"sender,omitempty"`
}

func (p SignedBalanceProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedBalanceProofJSON{
		balanceProofJSON: balanceProofJSON{
			ChannelID:           p.ChannelID,
			Nonce:               p.Nonce,
			TransferredAmount:   amountString(p.TransferredAmount),
			LockedAmount:        amountString(p.LockedAmount),
			LocksRoot:           p.locksRootOrZero(),
			ChainID:             p.ChainID,
			TokenNetworkAddress: p.TokenNetworkAddress,
		},
		Signature: p.Signature,
		Sender:    p.Sender,
	})
}

func (p *SignedBalanceProof) UnmarshalJSON(data []byte) error {
	var aux signedBalanceProofJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	inner, err := json.Marshal(aux.balanceProofJSON)
	if err != nil {
		return err
	}
	if err := p.BalanceProof.UnmarshalJSON(inner); err != nil {
		return err
	}
	p.Signature = aux.Signature
	p.Sender = aux.Sender
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal amount: %q", s)
	}
	return v, nil
}

func isBytes32Hex(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
