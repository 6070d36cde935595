package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrlink/relaygate/pkg/model"
)

var (
	pkA = strings.Repeat("aa", 32)
	pkB = strings.Repeat("bb", 32)
)

func testEvent(seq int, pubkey string, kind int, createdAt int64, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", seq),
		PubKey:    pubkey,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      tags,
		Content:   fmt.Sprintf("event %d", seq),
		Sig:       strings.Repeat("00", 64),
	}
}

// newStores builds one store per backend so every test runs against both.
func newStores(t *testing.T, opts ...Option) map[string]Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db")
	sqlite, err := NewSQLiteStore(context.Background(), dsn, opts...)
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(opts...),
		"sqlite": sqlite,
	}
}

func mustSave(t *testing.T, s Store, ev *nostr.Event) {
	t.Helper()
	stored, err := s.SaveEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("SaveEvent(%s): %v", ev.ID[:8], err)
	}
	if !stored {
		t.Fatalf("SaveEvent(%s): not stored", ev.ID[:8])
	}
}

// TestSaveAndGet covers the basic write path: first save stores, a replay is
// a no-op, unknown ids return ErrNotFound.
func TestSaveAndGet(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := testEvent(1, pkA, 1, 1000, nostr.Tags{{"e", strings.Repeat("12", 32)}})

			mustSave(t, s, ev)

			again, err := s.SaveEvent(ctx, ev)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if again {
				t.Fatal("duplicate save reported as stored")
			}

			got, err := s.GetEvent(ctx, ev.ID)
			if err != nil {
				t.Fatalf("GetEvent: %v", err)
			}
			if got.Content != ev.Content || got.Kind != ev.Kind || got.PubKey != ev.PubKey {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if len(got.Tags) != 1 || got.Tags[0][0] != "e" {
				t.Fatalf("tags lost: %v", got.Tags)
			}

			if _, err := s.GetEvent(ctx, fmt.Sprintf("%064x", 999)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

// TestEphemeralSkipped verifies ephemeral kinds are reported as not stored,
// unless explicitly exempted with KeepEphemeral.
func TestEphemeralSkipped(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := testEvent(1, pkA, model.KindSpspRequest, 1000, nil)

			stored, err := s.SaveEvent(ctx, ev)
			if err != nil {
				t.Fatalf("SaveEvent: %v", err)
			}
			if stored {
				t.Fatal("ephemeral event was stored")
			}
			if _, err := s.GetEvent(ctx, ev.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ephemeral event retrievable: %v", err)
			}
		})
	}

	for name, s := range newStores(t, KeepEphemeral(model.KindSpspRequest)) {
		t.Run(name+" with audit", func(t *testing.T) {
			ev := testEvent(2, pkA, model.KindSpspRequest, 1000, nil)
			mustSave(t, s, ev)
		})
	}
}

// TestReplaceableSupersede checks the per-(pubkey, kind) replacement rules:
// newer wins, older arrivals are dropped, ties keep the smaller id.
func TestReplaceableSupersede(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := testEvent(1, pkA, model.KindIlpPeerInfo, 1000, nil)
			newer := testEvent(2, pkA, model.KindIlpPeerInfo, 2000, nil)

			mustSave(t, s, old)
			mustSave(t, s, newer)

			if _, err := s.GetEvent(ctx, old.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("superseded event still present: %v", err)
			}
			if _, err := s.GetEvent(ctx, newer.ID); err != nil {
				t.Fatalf("replacement missing: %v", err)
			}

			// A late arrival older than the current value is dropped.
			late := testEvent(3, pkA, model.KindIlpPeerInfo, 1500, nil)
			stored, err := s.SaveEvent(ctx, late)
			if err != nil {
				t.Fatalf("late save: %v", err)
			}
			if stored {
				t.Fatal("older replaceable event was stored")
			}

			// Timestamp tie: the lexically smaller id survives.
			tie := testEvent(1, pkA, model.KindIlpPeerInfo, 2000, nil)
			stored, err = s.SaveEvent(ctx, tie)
			if err != nil {
				t.Fatalf("tie save: %v", err)
			}
			if !stored {
				t.Fatal("tie with smaller id should replace")
			}
			if _, err := s.GetEvent(ctx, newer.ID); !errors.Is(err, ErrNotFound) {
				t.Fatal("tie loser still present")
			}

			// Another author's replaceable event is independent.
			other := testEvent(4, pkB, model.KindIlpPeerInfo, 500, nil)
			mustSave(t, s, other)

			n, err := s.CountEvents(ctx)
			if err != nil {
				t.Fatalf("CountEvents: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected 2 events, have %d", n)
			}
		})
	}
}

// TestAddressablePerDTag checks that addressable kinds replace per d tag, not
// per kind.
func TestAddressablePerDTag(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := testEvent(1, pkA, 30023, 1000, nostr.Tags{{"d", "post-1"}})
			second := testEvent(2, pkA, 30023, 1000, nostr.Tags{{"d", "post-2"}})
			mustSave(t, s, first)
			mustSave(t, s, second)

			replacement := testEvent(3, pkA, 30023, 2000, nostr.Tags{{"d", "post-1"}})
			mustSave(t, s, replacement)

			if _, err := s.GetEvent(ctx, first.ID); !errors.Is(err, ErrNotFound) {
				t.Fatal("replaced d-tag event still present")
			}
			if _, err := s.GetEvent(ctx, second.ID); err != nil {
				t.Fatalf("unrelated d-tag event lost: %v", err)
			}
		})
	}
}

// TestQueryEvents exercises filter translation: kinds, author prefixes, tag
// values, time bounds, per-filter limits and cross-filter deduplication.
func TestQueryEvents(t *testing.T) {
	target := strings.Repeat("12", 32)

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			events := []*nostr.Event{
				testEvent(1, pkA, 1, 1000, nostr.Tags{{"e", target}}),
				testEvent(2, pkA, 1, 2000, nil),
				testEvent(3, pkB, 1, 3000, nostr.Tags{{"e", target}, {"p", pkA}}),
				testEvent(4, pkB, 7, 4000, nil),
			}
			for _, ev := range events {
				mustSave(t, s, ev)
			}

			query := func(f ...nostr.Filter) []*nostr.Event {
				t.Helper()
				got, err := s.QueryEvents(ctx, f)
				if err != nil {
					t.Fatalf("QueryEvents: %v", err)
				}
				return got
			}

			if got := query(nostr.Filter{Kinds: []int{7}}); len(got) != 1 || got[0].ID != events[3].ID {
				t.Fatalf("kind filter: %v", ids(got))
			}
			if got := query(nostr.Filter{Authors: []string{pkA[:8]}}); len(got) != 2 {
				t.Fatalf("author prefix filter: %v", ids(got))
			}
			if got := query(nostr.Filter{IDs: []string{events[0].ID[:12]}}); len(got) != 1 || got[0].ID != events[0].ID {
				t.Fatalf("id prefix filter: %v", ids(got))
			}
			if got := query(nostr.Filter{Tags: nostr.TagMap{"e": {target}}}); len(got) != 2 {
				t.Fatalf("tag filter: %v", ids(got))
			}

			since := nostr.Timestamp(2000)
			until := nostr.Timestamp(3000)
			if got := query(nostr.Filter{Since: &since, Until: &until}); len(got) != 2 {
				t.Fatalf("time window: %v", ids(got))
			}

			// Newest-first and per-filter limit.
			got := query(nostr.Filter{Kinds: []int{1}, Limit: 2})
			if len(got) != 2 || got[0].ID != events[2].ID || got[1].ID != events[1].ID {
				t.Fatalf("limit/order: %v", ids(got))
			}

			// Overlapping filters deduplicate.
			got = query(
				nostr.Filter{Kinds: []int{1}},
				nostr.Filter{Authors: []string{pkA}},
			)
			if len(got) != 3 {
				t.Fatalf("union should hold 3 events: %v", ids(got))
			}

			// LimitZero filters contribute nothing.
			if got := query(nostr.Filter{Kinds: []int{1}, LimitZero: true}); len(got) != 0 {
				t.Fatalf("limit-zero filter returned events: %v", ids(got))
			}
		})
	}
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID[:8]
	}
	return out
}
