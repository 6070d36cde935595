// Package toon implements the binary codec that carries Nostr events inside
// ILP packet data.
//
// # Layout
//
// An encoded event is a TLV stream (lightningnetwork/lnd/tlv) with one record
// per event field, in ascending type order:
//
//	1: id          32 bytes (raw, not hex)
//	2: pubkey      32 bytes
//	3: created_at  uint64, unix seconds
//	4: kind        uint64
//	5: tags        varint tag count, then per tag a varint element count
//	               followed by length-prefixed UTF-8 elements
//	6: content     raw UTF-8 bytes
//	7: sig         64 bytes
//
// Varints use the BigSize encoding the tlv package writes natively, so the
// whole payload is parseable with a single primitive set.
//
// # Determinism
//
// Encoding the same event always yields the same bytes: record order is fixed,
// all seven records are always emitted (empty tags encode as a zero count,
// empty content as a zero-length record) and BigSize varints are canonical by
// construction. Receivers therefore may compare payloads byte-wise.
//
// # Validation
//
// Decode enforces structure, not protocol: every record must be present and
// well-sized, tag data must fit exactly inside its record and the kind must
// fit a signed 32-bit integer. Event-level rules such as id correctness and
// signature validity stay with the caller, which re-derives them from the
// decoded event.
package toon
