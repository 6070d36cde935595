package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	_ "modernc.org/sqlite"
)

// PersistedState is the durable slice of a tracked channel: enough to resume
// signing without ever reusing a nonce.
type PersistedState struct {
	ChannelID           string
	Nonce               uint64
	TransferredAmount   *big.Int
	ChainID             int64
	TokenNetworkAddress string
}

// StateStore persists per-channel signing state across restarts.
type StateStore interface {
	// Load returns the saved state for channelID, or nil when none exists.
	Load(ctx context.Context, channelID string) (*PersistedState, error)
	// Save upserts state. Implementations must refuse to move a channel's
	// nonce backwards.
	Save(ctx context.Context, state PersistedState) error
	Close() error
}

// SQLiteStateStore keeps channel state in a sqlite database, typically the
// same file as the event store.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore opens (creating if necessary) the channel_state table
// at dsn.
func NewSQLiteStateStore(ctx context.Context, dsn string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS channel_state (
			channel_id         TEXT PRIMARY KEY,
			nonce              INTEGER NOT NULL,
			transferred_amount TEXT NOT NULL,
			chain_id           INTEGER NOT NULL,
			token_network      TEXT NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("preparing channel state store: %w", err)
		}
	}
	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Load(ctx context.Context, channelID string) (*PersistedState, error) {
	var (
		state  PersistedState
		amount string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT channel_id, nonce, transferred_amount, chain_id, token_network FROM channel_state WHERE channel_id = ?",
		channelID,
	).Scan(&state.ChannelID, &state.Nonce, &amount, &state.ChainID, &state.TokenNetworkAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", channelID, err)
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("channel %s has corrupt amount %q", channelID, amount)
	}
	state.TransferredAmount = v
	return &state, nil
}

func (s *SQLiteStateStore) Save(ctx context.Context, state PersistedState) error {
	if state.TransferredAmount == nil {
		return errors.New("channel state: nil transferred amount")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state (channel_id, nonce, transferred_amount, chain_id, token_network)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			nonce = excluded.nonce,
			transferred_amount = excluded.transferred_amount
		 WHERE excluded.nonce > channel_state.nonce`,
		state.ChannelID, state.Nonce, state.TransferredAmount.String(), state.ChainID, state.TokenNetworkAddress,
	)
	if err != nil {
		return fmt.Errorf("saving channel %s: %w", state.ChannelID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving channel %s: %w", state.ChannelID, err)
	}
	if affected == 0 {
		return fmt.Errorf("channel state: refusing to move %s back to nonce %d", state.ChannelID, state.Nonce)
	}
	return nil
}

func (s *SQLiteStateStore) Close() error { return s.db.Close() }
