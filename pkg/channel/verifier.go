package channel

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/model"
)

var (
	// ErrUnknownChannel is returned for proofs on channels never registered.
	ErrUnknownChannel = errors.New("channel: unknown channel")

	// ErrInvalidSignature is returned when the recovered signer is not the
	// channel's counterparty.
	ErrInvalidSignature = errors.New("channel: invalid signature")

	// ErrStaleNonce is returned for replayed or out-of-date proofs.
	ErrStaleNonce = errors.New("channel: stale nonce")

	// ErrRegressiveAmount is returned when the cumulative amount moves
	// backwards.
	ErrRegressiveAmount = errors.New("channel: regressive amount")

	// ErrContextBinding is returned when a proof names a different chain or
	// token network than the channel was registered under.
	ErrContextBinding = errors.New("channel: wrong context binding")
)

// expectedChannel holds the verification context and the monotonic watermark
// for one inbound channel.
type expectedChannel struct {
	chainID      int64
	tokenNetwork string
	counterparty common.Address

	mu         sync.Mutex
	lastNonce  uint64
	lastAmount *big.Int
}

// Verifier is the receiving side of this node's channels: it validates
// inbound balance proofs and advances the per-channel watermark atomically,
// so a proof is either rejected or fully taken into account.
type Verifier struct {
	mu       sync.RWMutex
	channels map[string]*expectedChannel
}

// NewVerifier returns an empty verifier; channels are added as handshakes
// complete.
func NewVerifier() *Verifier {
	return &Verifier{channels: make(map[string]*expectedChannel)}
}

// RegisterChannel starts accepting proofs for channelID signed by
// counterparty and bound to the given chain and token network. Registering
// the same channel again with an identical context is a no-op.
func (v *Verifier) RegisterChannel(channelID string, chainID int64, tokenNetworkAddress string, counterparty common.Address) error {
	probe := model.BalanceProof{
		ChannelID:           channelID,
		Nonce:               1,
		TransferredAmount:   new(big.Int),
		ChainID:             chainID,
		TokenNetworkAddress: tokenNetworkAddress,
	}
	if err := probe.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.channels[channelID]; ok {
		if existing.chainID != chainID || existing.tokenNetwork != tokenNetworkAddress || existing.counterparty != counterparty {
			return fmt.Errorf("%w: channel %s already registered differently", ErrContextBinding, channelID)
		}
		return nil
	}

	v.channels[channelID] = &expectedChannel{
		chainID:      chainID,
		tokenNetwork: tokenNetworkAddress,
		counterparty: counterparty,
		lastAmount:   new(big.Int),
	}
	zap.L().Info("registered inbound channel",
		zap.String("channel_id", channelID),
		zap.String("counterparty", counterparty.Hex()))
	return nil
}

// Verify checks sp and, on success, advances the channel watermark and
// returns the amount newly credited by this proof (its cumulative total
// minus the previous watermark). The check and the update happen under one
// lock: two racing proofs can both verify cryptographically, but only one
// of them advances the nonce and the other is rejected as stale.
func (v *Verifier) Verify(sp *model.SignedBalanceProof) (*big.Int, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	expected, ok := v.channels[sp.ChannelID]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, sp.ChannelID)
	}

	if sp.ChainID != expected.chainID || !equalAddress(sp.TokenNetworkAddress, expected.tokenNetwork) {
		return nil, fmt.Errorf("%w: proof for chain %d / %s", ErrContextBinding, sp.ChainID, sp.TokenNetworkAddress)
	}

	signer, err := RecoverSigner(sp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != expected.counterparty {
		return nil, fmt.Errorf("%w: signed by %s, want %s", ErrInvalidSignature, signer.Hex(), expected.counterparty.Hex())
	}

	expected.mu.Lock()
	defer expected.mu.Unlock()

	if sp.Nonce <= expected.lastNonce {
		return nil, fmt.Errorf("%w: nonce %d, have %d", ErrStaleNonce, sp.Nonce, expected.lastNonce)
	}
	if sp.TransferredAmount.Cmp(expected.lastAmount) < 0 {
		return nil, fmt.Errorf("%w: amount %s below %s", ErrRegressiveAmount, sp.TransferredAmount, expected.lastAmount)
	}

	credited := new(big.Int).Sub(sp.TransferredAmount, expected.lastAmount)
	expected.lastNonce = sp.Nonce
	expected.lastAmount = new(big.Int).Set(sp.TransferredAmount)
	zap.L().Debug("accepted balance proof",
		zap.String("channel_id", sp.ChannelID),
		zap.Uint64("nonce", sp.Nonce),
		zap.String("transferred", sp.TransferredAmount.String()),
		zap.String("credited", credited.String()))
	return credited, nil
}

// Watermark returns the last accepted nonce and cumulative amount for
// channelID.
func (v *Verifier) Watermark(channelID string) (uint64, *big.Int, bool) {
	v.mu.RLock()
	expected, ok := v.channels[channelID]
	v.mu.RUnlock()
	if !ok {
		return 0, nil, false
	}
	expected.mu.Lock()
	defer expected.mu.Unlock()
	return expected.lastNonce, new(big.Int).Set(expected.lastAmount), true
}

// Registered reports whether channelID has been registered.
func (v *Verifier) Registered(channelID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.channels[channelID]
	return ok
}

func equalAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
