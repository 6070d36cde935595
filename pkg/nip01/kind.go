package nip01

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// IsReplaceable reports whether only the latest event per (pubkey, kind) is
// kept: kinds 0, 3 and the [10000, 20000) range.
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsEphemeral reports whether the kind is in [20000, 30000); such events are
// forwarded to live subscribers but never persisted.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsAddressable reports whether only the latest event per (pubkey, kind,
// d-tag) is kept: the [30000, 40000) range.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// DTag returns the value of the first "d" tag, or "" when absent. Addressable
// events without a d tag share the empty key.
func DTag(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// ReplaceableKey returns the dedupe key an event is replaced under, or ""
// for regular events.
func ReplaceableKey(ev *nostr.Event) string {
	switch {
	case IsReplaceable(ev.Kind):
		return replaceableKey(ev.PubKey, ev.Kind, "")
	case IsAddressable(ev.Kind):
		return replaceableKey(ev.PubKey, ev.Kind, DTag(ev))
	default:
		return ""
	}
}

func replaceableKey(pubkey string, kind int, d string) string {
	return pubkey + ":" + strconv.Itoa(kind) + ":" + d
}
