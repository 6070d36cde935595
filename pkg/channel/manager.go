package channel

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/model"
)

var (
	// ErrUntracked is returned when a proof is requested for a channel the
	// manager has not been told about.
	ErrUntracked = errors.New("channel: not tracked")

	// ErrContextMismatch is returned when a channel is re-tracked with a
	// different chain or token network than before.
	ErrContextMismatch = errors.New("channel: context mismatch")
)

// trackedChannel serializes proof generation for one channel. Distinct
// channels sign independently.
type trackedChannel struct {
	mu    sync.Mutex
	proof model.BalanceProof // last signed state; Nonce 0 means none yet
}

// Manager is the paying side of this node's channels. It hands out balance
// proofs whose nonce increases by exactly one per signature and whose
// cumulative amount never decreases, and optionally persists that state so
// monotonicity survives restarts.
type Manager struct {
	key    *ecdsa.PrivateKey
	sender common.Address

	mu       sync.RWMutex
	channels map[string]*trackedChannel

	states StateStore
}

// ManagerOption adjusts Manager construction.
type ManagerOption func(*Manager)

// WithStateStore persists per-channel nonce and amount through ss.
func WithStateStore(ss StateStore) ManagerOption {
	return func(m *Manager) { m.states = ss }
}

// NewManager builds a manager signing with the given hex-encoded EVM private
// key.
func NewManager(privateKeyHex string, opts ...ManagerOption) (*Manager, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing EVM private key: %w", err)
	}
	m := &Manager{
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		channels: make(map[string]*trackedChannel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Sender returns the address proofs are signed under.
func (m *Manager) Sender() common.Address { return m.sender }

// Track starts managing channelID under the given proof context. Tracking an
// already-tracked channel with the same context is a no-op; a different
// context is refused. With a state store attached, previously persisted
// nonce and amount are resumed.
func (m *Manager) Track(ctx context.Context, channelID string, chainID int64, tokenNetworkAddress string) error {
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

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.channels[channelID]; ok {
		if existing.proof.ChainID != chainID || existing.proof.TokenNetworkAddress != tokenNetworkAddress {
			return fmt.Errorf("%w: channel %s", ErrContextMismatch, channelID)
		}
		return nil
	}

	tracked := &trackedChannel{
		proof: model.BalanceProof{
			ChannelID:           channelID,
			TransferredAmount:   new(big.Int),
			ChainID:             chainID,
			TokenNetworkAddress: tokenNetworkAddress,
		},
	}

	if m.states != nil {
		saved, err := m.states.Load(ctx, channelID)
		if err != nil {
			return fmt.Errorf("loading channel state: %w", err)
		}
		if saved != nil {
			if saved.ChainID != chainID || saved.TokenNetworkAddress != tokenNetworkAddress {
				return fmt.Errorf("%w: persisted state for %s disagrees", ErrContextMismatch, channelID)
			}
			tracked.proof.Nonce = saved.Nonce
			tracked.proof.TransferredAmount = new(big.Int).Set(saved.TransferredAmount)
			zap.L().Info("resumed channel state",
				zap.String("channel_id", channelID),
				zap.Uint64("nonce", saved.Nonce),
				zap.String("transferred", saved.TransferredAmount.String()))
		}
	}

	m.channels[channelID] = tracked
	zap.L().Info("tracking channel",
		zap.String("channel_id", channelID),
		zap.Int64("chain_id", chainID),
		zap.String("token_network", tokenNetworkAddress))
	return nil
}

// Untrack stops managing channelID. Persisted state is kept so a later Track
// resumes instead of resetting.
func (m *Manager) Untrack(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
}

// Tracked reports whether channelID is currently managed.
func (m *Manager) Tracked(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID]
	return ok
}

// Current returns the last signed proof state for channelID. A Nonce of 0
// means no proof has been signed yet.
func (m *Manager) Current(channelID string) (model.BalanceProof, bool) {
	m.mu.RLock()
	tracked, ok := m.channels[channelID]
	m.mu.RUnlock()
	if !ok {
		return model.BalanceProof{}, false
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	snapshot := tracked.proof
	snapshot.TransferredAmount = new(big.Int).Set(tracked.proof.TransferredAmount)
	return snapshot, true
}

// NextProof signs the next balance proof for channelID, moving the
// cumulative amount forward by add. The state store, when attached, is
// updated before the proof is released; a persistence failure leaves the
// in-memory state unchanged so no nonce is ever burned silently.
func (m *Manager) NextProof(ctx context.Context, channelID string, add *big.Int) (*model.SignedBalanceProof, error) {
	if add == nil || add.Sign() < 0 {
		return nil, fmt.Errorf("channel: non-negative amount required, got %v", add)
	}

	m.mu.RLock()
	tracked, ok := m.channels[channelID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUntracked, channelID)
	}

	tracked.mu.Lock()
	defer tracked.mu.Unlock()

	next := tracked.proof
	next.Nonce++
	next.TransferredAmount = new(big.Int).Add(tracked.proof.TransferredAmount, add)

	signed, err := SignProof(next, m.key)
	if err != nil {
		return nil, err
	}

	if m.states != nil {
		err := m.states.Save(ctx, PersistedState{
			ChannelID:           channelID,
			Nonce:               next.Nonce,
			TransferredAmount:   new(big.Int).Set(next.TransferredAmount),
			ChainID:             next.ChainID,
			TokenNetworkAddress: next.TokenNetworkAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting channel state: %w", err)
		}
	}

	tracked.proof = next
	zap.L().Debug("signed balance proof",
		zap.String("channel_id", channelID),
		zap.Uint64("nonce", next.Nonce),
		zap.String("transferred", next.TransferredAmount.String()))
	return signed, nil
}
