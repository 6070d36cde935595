package toon

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/nbd-wtf/go-nostr"
)

// Record types of the event stream. All records are mandatory.
const (
	typeID        tlv.Type = 1
	typePubKey    tlv.Type = 2
	typeCreatedAt tlv.Type = 3
	typeKind      tlv.Type = 4
	typeTags      tlv.Type = 5
	typeContent   tlv.Type = 6
	typeSig       tlv.Type = 7
)

var (
	// ErrMissingField marks a decode with at least one absent record.
	ErrMissingField = errors.New("toon: missing field")

	// ErrMalformed marks input that is not a valid event stream.
	ErrMalformed = errors.New("toon: malformed payload")
)

// Encode serializes ev into its TLV representation. The event must carry
// well-formed hex id, pubkey and sig fields and a non-negative timestamp.
func Encode(ev *nostr.Event) ([]byte, error) {
	var (
		id     [32]byte
		pubkey [32]byte
		sig    [64]byte
	)
	if err := decodeHexInto(id[:], ev.ID, "id"); err != nil {
		return nil, err
	}
	if err := decodeHexInto(pubkey[:], ev.PubKey, "pubkey"); err != nil {
		return nil, err
	}
	if err := decodeHexInto(sig[:], ev.Sig, "sig"); err != nil {
		return nil, err
	}
	if ev.CreatedAt < 0 {
		return nil, fmt.Errorf("%w: negative created_at %d", ErrMalformed, ev.CreatedAt)
	}
	if ev.Kind < 0 {
		return nil, fmt.Errorf("%w: negative kind %d", ErrMalformed, ev.Kind)
	}

	createdAt := uint64(ev.CreatedAt)
	kind := uint64(ev.Kind)
	tags := ev.Tags
	content := []byte(ev.Content)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeID, &id),
		tlv.MakePrimitiveRecord(typePubKey, &pubkey),
		tlv.MakePrimitiveRecord(typeCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeKind, &kind),
		tagsRecord(&tags),
		tlv.MakePrimitiveRecord(typeContent, &content),
		tlv.MakePrimitiveRecord(typeSig, &sig),
	)
	if err != nil {
		return nil, fmt.Errorf("toon: building stream: %w", err)
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, fmt.Errorf("toon: encoding event: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a TLV payload back into an event. Unknown record types are
// skipped so the format can grow; absent mandatory records fail the decode.
func Decode(data []byte) (*nostr.Event, error) {
	var (
		id        [32]byte
		pubkey    [32]byte
		sig       [64]byte
		createdAt uint64
		kind      uint64
		tags      nostr.Tags
		content   []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeID, &id),
		tlv.MakePrimitiveRecord(typePubKey, &pubkey),
		tlv.MakePrimitiveRecord(typeCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeKind, &kind),
		tagsRecord(&tags),
		tlv.MakePrimitiveRecord(typeContent, &content),
		tlv.MakePrimitiveRecord(typeSig, &sig),
	)
	if err != nil {
		return nil, fmt.Errorf("toon: building stream: %w", err)
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, typ := range []tlv.Type{
		typeID, typePubKey, typeCreatedAt, typeKind, typeTags, typeContent, typeSig,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: record %d", ErrMissingField, typ)
		}
	}
	if kind > math.MaxInt32 {
		return nil, fmt.Errorf("%w: kind %d out of range", ErrMalformed, kind)
	}
	if createdAt > math.MaxInt64 {
		return nil, fmt.Errorf("%w: created_at %d out of range", ErrMalformed, createdAt)
	}

	return &nostr.Event{
		ID:        hex.EncodeToString(id[:]),
		PubKey:    hex.EncodeToString(pubkey[:]),
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      int(kind),
		Tags:      tags,
		Content:   string(content),
		Sig:       hex.EncodeToString(sig[:]),
	}, nil
}

func decodeHexInto(dst []byte, src, field string) error {
	if len(src) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("%w: %s has length %d, want %d", ErrMalformed, field, len(src), hex.EncodedLen(len(dst)))
	}
	if _, err := hex.Decode(dst, []byte(src)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
	}
	return nil
}

func tagsRecord(tags *nostr.Tags) tlv.Record {
	return tlv.MakeDynamicRecord(
		typeTags, tags,
		func() uint64 { return tagsSize(*tags) },
		encodeTags, decodeTags,
	)
}

func tagsSize(tags nostr.Tags) uint64 {
	size := varIntSize(uint64(len(tags)))
	for _, tag := range tags {
		size += varIntSize(uint64(len(tag)))
		for _, elem := range tag {
			size += varIntSize(uint64(len(elem))) + uint64(len(elem))
		}
	}
	return size
}

func encodeTags(w io.Writer, val interface{}, buf *[8]byte) error {
	tags, ok := val.(*nostr.Tags)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "nostr.Tags")
	}
	if err := tlv.WriteVarInt(w, uint64(len(*tags)), buf); err != nil {
		return err
	}
	for _, tag := range *tags {
		if err := tlv.WriteVarInt(w, uint64(len(tag)), buf); err != nil {
			return err
		}
		for _, elem := range tag {
			if err := tlv.WriteVarInt(w, uint64(len(elem)), buf); err != nil {
				return err
			}
			if _, err := w.Write([]byte(elem)); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeTags(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	tags, ok := val.(*nostr.Tags)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "nostr.Tags", l, l)
	}

	// The record length bounds every count and element below; a reader
	// cannot be tricked into allocating more than l bytes of tag data.
	count, err := tlv.ReadVarInt(r, buf)
	if err != nil {
		return err
	}
	if count > l {
		return fmt.Errorf("%w: tag count %d exceeds record size", ErrMalformed, count)
	}

	out := make(nostr.Tags, 0, count)
	for i := uint64(0); i < count; i++ {
		elems, err := tlv.ReadVarInt(r, buf)
		if err != nil {
			return err
		}
		if elems > l {
			return fmt.Errorf("%w: tag element count %d exceeds record size", ErrMalformed, elems)
		}
		tag := make(nostr.Tag, 0, elems)
		for j := uint64(0); j < elems; j++ {
			n, err := tlv.ReadVarInt(r, buf)
			if err != nil {
				return err
			}
			if n > l {
				return fmt.Errorf("%w: tag element of %d bytes exceeds record size", ErrMalformed, n)
			}
			elem := make([]byte, n)
			if _, err := io.ReadFull(r, elem); err != nil {
				return err
			}
			tag = append(tag, string(elem))
		}
		out = append(out, tag)
	}
	*tags = out
	return nil
}

// varIntSize mirrors the BigSize widths tlv.WriteVarInt produces.
func varIntSize(v uint64) uint64 {
	switch {
	case v < 0xfd:
		return 1
	case v <= math.MaxUint16:
		return 3
	case v <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}
