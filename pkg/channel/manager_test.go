package channel

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(payerKeyHex, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// TestNextProofMonotonic verifies nonce and cumulative amount advance with
// each proof and the signatures recover to the manager's address.
func TestNextProofMonotonic(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.Track(ctx, channelID, chainID, tokenNetwork); err != nil {
		t.Fatalf("Track: %v", err)
	}

	amounts := []int64{100, 50, 250}
	var total int64
	for i, add := range amounts {
		total += add
		signed, err := m.NextProof(ctx, channelID, big.NewInt(add))
		if err != nil {
			t.Fatalf("NextProof %d: %v", i, err)
		}
		if signed.Nonce != uint64(i+1) {
			t.Fatalf("nonce = %d, want %d", signed.Nonce, i+1)
		}
		if signed.TransferredAmount.Cmp(big.NewInt(total)) != 0 {
			t.Fatalf("cumulative = %s, want %d", signed.TransferredAmount, total)
		}

		recovered, err := RecoverSigner(signed)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if recovered != m.Sender() {
			t.Fatalf("proof signed by %s", recovered.Hex())
		}
	}

	current, ok := m.Current(channelID)
	if !ok || current.Nonce != 3 || current.TransferredAmount.Cmp(big.NewInt(total)) != 0 {
		t.Fatalf("Current = %+v, %v", current, ok)
	}
}

// TestNextProofUntracked rejects proofs for channels never tracked.
func TestNextProofUntracked(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.NextProof(context.Background(), channelID, big.NewInt(1)); !errors.Is(err, ErrUntracked) {
		t.Fatalf("expected ErrUntracked, got %v", err)
	}
}

// TestTrackValidation rejects malformed channel contexts and context
// changes, while identical re-tracking is a no-op.
func TestTrackValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.Track(ctx, "0x1234", chainID, tokenNetwork); err == nil {
		t.Fatal("expected error for short channel id")
	}
	if err := m.Track(ctx, channelID, 0, tokenNetwork); err == nil {
		t.Fatal("expected error for zero chain id")
	}
	if err := m.Track(ctx, channelID, chainID, "nowhere"); err == nil {
		t.Fatal("expected error for bad token network")
	}

	if err := m.Track(ctx, channelID, chainID, tokenNetwork); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := m.Track(ctx, channelID, chainID, tokenNetwork); err != nil {
		t.Fatalf("idempotent re-track failed: %v", err)
	}
	if err := m.Track(ctx, channelID, 1, tokenNetwork); !errors.Is(err, ErrContextMismatch) {
		t.Fatalf("expected ErrContextMismatch, got %v", err)
	}
}

// TestNextProofConcurrent hammers one channel from many goroutines and
// checks every nonce is handed out exactly once.
func TestNextProofConcurrent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	if err := m.Track(ctx, channelID, chainID, tokenNetwork); err != nil {
		t.Fatalf("Track: %v", err)
	}

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	nonces := make(chan uint64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				signed, err := m.NextProof(ctx, channelID, big.NewInt(10))
				if err != nil {
					t.Errorf("NextProof: %v", err)
					return
				}
				nonces <- signed.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for n := range nonces {
		if seen[n] {
			t.Fatalf("nonce %d handed out twice", n)
		}
		seen[n] = true
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("got %d proofs, want %d", len(seen), workers*perWorker)
	}

	current, _ := m.Current(channelID)
	if current.Nonce != workers*perWorker {
		t.Fatalf("final nonce = %d", current.Nonce)
	}
	want := big.NewInt(workers * perWorker * 10)
	if current.TransferredAmount.Cmp(want) != 0 {
		t.Fatalf("final amount = %s, want %s", current.TransferredAmount, want)
	}
}

// TestManagerResumesPersistedState restarts a manager on the same state
// store and checks the nonce continues instead of resetting.
func TestManagerResumesPersistedState(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "state.db")

	stateStore, err := NewSQLiteStateStore(ctx, dsn)
	if err != nil {
		t.Fatalf("state store: %v", err)
	}

	first := newTestManager(t, WithStateStore(stateStore))
	if err := first.Track(ctx, channelID, chainID, tokenNetwork); err != nil {
		t.Fatalf("Track: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := first.NextProof(ctx, channelID, big.NewInt(100)); err != nil {
			t.Fatalf("NextProof: %v", err)
		}
	}
	if err := stateStore.Close(); err != nil {
		t.Fatalf("closing state store: %v", err)
	}

	reopened, err := NewSQLiteStateStore(ctx, dsn)
	if err != nil {
		t.Fatalf("reopening state store: %v", err)
	}
	defer reopened.Close()

	second := newTestManager(t, WithStateStore(reopened))
	if err := second.Track(ctx, channelID, chainID, tokenNetwork); err != nil {
		t.Fatalf("Track after restart: %v", err)
	}
	signed, err := second.NextProof(ctx, channelID, big.NewInt(1))
	if err != nil {
		t.Fatalf("NextProof after restart: %v", err)
	}
	if signed.Nonce != 3 {
		t.Fatalf("nonce after restart = %d, want 3", signed.Nonce)
	}
	if signed.TransferredAmount.Cmp(big.NewInt(201)) != 0 {
		t.Fatalf("amount after restart = %s, want 201", signed.TransferredAmount)
	}

	// A state store refuses to regress a channel.
	err = reopened.Save(ctx, PersistedState{
		ChannelID:           channelID,
		Nonce:               1,
		TransferredAmount:   big.NewInt(0),
		ChainID:             chainID,
		TokenNetworkAddress: tokenNetwork,
	})
	if err == nil {
		t.Fatal("expected refusal to move nonce backwards")
	}

	// Resuming under a different context is refused.
	third := newTestManager(t, WithStateStore(reopened))
	if err := third.Track(ctx, channelID, 1, tokenNetwork); !errors.Is(err, ErrContextMismatch) {
		t.Fatalf("expected ErrContextMismatch, got %v", err)
	}
}
