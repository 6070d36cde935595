package store

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrNotFound is returned by GetEvent for unknown ids.
	ErrNotFound = errors.New("store: event not found")

	// ErrStorage wraps backend I/O failures. Callers map it to a temporary
	// rejection so payers can retry.
	ErrStorage = errors.New("store: storage failure")
)

// Store is the event persistence contract shared by the business logic
// server (writes) and the relay (reads).
type Store interface {
	// SaveEvent persists ev, applying replaceable and ephemeral kind
	// semantics. It reports whether the event was actually written: false
	// with a nil error means the event was a duplicate, was superseded by a
	// newer replaceable event, or is ephemeral.
	SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error)

	// GetEvent returns the event with the given id, or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*nostr.Event, error)

	// QueryEvents returns the union of events matching the filters,
	// deduplicated and ordered newest-first (ids ascending on ties). Each
	// filter's limit applies to that filter alone.
	QueryEvents(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error)

	// CountEvents reports the number of stored events.
	CountEvents(ctx context.Context) (int64, error)

	Close() error
}

type options struct {
	keepEphemeral map[int]bool
}

// Option adjusts store construction.
type Option func(*options)

// KeepEphemeral exempts the given kinds from the never-persist rule for
// ephemeral events.
func KeepEphemeral(kinds ...int) Option {
	return func(o *options) {
		if o.keepEphemeral == nil {
			o.keepEphemeral = make(map[int]bool, len(kinds))
		}
		for _, k := range kinds {
			o.keepEphemeral[k] = true
		}
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// keepsNewer reports whether the already stored event wins against the
// incoming one under replaceable semantics: strictly newer created_at, or the
// lexically smaller id on a timestamp tie.
func keepsNewer(existing, incoming *nostr.Event) bool {
	if existing.CreatedAt != incoming.CreatedAt {
		return existing.CreatedAt > incoming.CreatedAt
	}
	return existing.ID < incoming.ID
}
