package store

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrlink/relaygate/pkg/nip01"
)

// MemoryStore keeps events in process memory. Intended for tests and
// throwaway nodes; contents vanish on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]*nostr.Event
	replaceable map[string]string // replaceable key -> current event id
	opts        options
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]*nostr.Event),
		replaceable: make(map[string]string),
		opts:        buildOptions(opts),
	}
}

func (s *MemoryStore) SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if nip01.IsEphemeral(ev.Kind) && !s.opts.keepEphemeral[ev.Kind] {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return false, nil
	}

	if key := nip01.ReplaceableKey(ev); key != "" {
		if currentID, ok := s.replaceable[key]; ok {
			current := s.events[currentID]
			if keepsNewer(current, ev) {
				return false, nil
			}
			delete(s.events, currentID)
		}
		s.replaceable[key] = ev.ID
	}

	s.events[ev.ID] = ev
	return true, nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

func (s *MemoryStore) QueryEvents(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*nostr.Event
	for _, f := range filters {
		if f.LimitZero {
			continue
		}
		var matched []*nostr.Event
		for _, ev := range s.events {
			if nip01.MatchFilter(f, ev) {
				matched = append(matched, ev)
			}
		}
		nip01.SortEvents(matched)
		if f.Limit > 0 && len(matched) > f.Limit {
			matched = matched[:f.Limit]
		}
		for _, ev := range matched {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	nip01.SortEvents(out)
	return out, nil
}

func (s *MemoryStore) CountEvents(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

func (s *MemoryStore) Close() error { return nil }
