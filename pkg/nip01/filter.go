// Package nip01 implements the relay-side NIP-01 semantics shared by the
// event store and the websocket server: filter matching, kind classification
// and canonical result ordering.
//
// Matching here intentionally differs from nostr.Filter.Matches in one way:
// entries in ids and authors are treated as hex prefixes, so clients may
// subscribe with shortened identifiers. Everything else follows NIP-01:
// conditions inside one filter are ANDed, values inside one list are ORed and
// an empty filter matches every event.
package nip01

import (
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// MatchFilter reports whether ev satisfies every condition present in f.
func MatchFilter(f nostr.Filter, ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !matchPrefix(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !matchPrefix(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !matchKind(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !matchTag(ev.Tags, name, values) {
			return false
		}
	}
	return true
}

// MatchAny reports whether ev satisfies at least one of the filters. An empty
// filter set matches nothing.
func MatchAny(filters nostr.Filters, ev *nostr.Event) bool {
	for _, f := range filters {
		if MatchFilter(f, ev) {
			return true
		}
	}
	return false
}

// SortEvents orders newest-first with the event id as tiebreaker, the order
// query results are delivered in.
func SortEvents(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

func matchPrefix(prefixes []string, value string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func matchKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// matchTag requires at least one event tag [name, v, ...] with v listed in
// values. Tag values match exactly, not by prefix.
func matchTag(tags nostr.Tags, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
