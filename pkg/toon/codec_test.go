package toon

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/nbd-wtf/go-nostr"
)

func sampleEvent() *nostr.Event {
	return &nostr.Event{
		ID:        strings.Repeat("ab", 32),
		PubKey:    strings.Repeat("cd", 32),
		CreatedAt: 1700000000,
		Kind:      1,
		Tags: nostr.Tags{
			{"e", strings.Repeat("12", 32), "wss://relay.example", "root"},
			{"p", strings.Repeat("34", 32)},
			{"d", ""},
		},
		Content: "hello ⚡ world",
		Sig:     strings.Repeat("ef", 64),
	}
}

// TestEncodeDecodeRoundTrip checks that every field survives the codec
// exactly, including empty tag elements and non-ASCII content.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := sampleEvent()

	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if back.ID != ev.ID || back.PubKey != ev.PubKey || back.Sig != ev.Sig {
		t.Fatalf("hex fields mismatch: %+v", back)
	}
	if back.CreatedAt != ev.CreatedAt || back.Kind != ev.Kind {
		t.Fatalf("scalar fields mismatch: %+v", back)
	}
	if back.Content != ev.Content {
		t.Fatalf("content mismatch: %q", back.Content)
	}
	if len(back.Tags) != len(ev.Tags) {
		t.Fatalf("tag count mismatch: %d", len(back.Tags))
	}
	for i, tag := range ev.Tags {
		got := back.Tags[i]
		if len(got) != len(tag) {
			t.Fatalf("tag %d length mismatch: %v", i, got)
		}
		for j := range tag {
			if got[j] != tag[j] {
				t.Fatalf("tag %d elem %d: got %q want %q", i, j, got[j], tag[j])
			}
		}
	}
}

// TestEncodeDeterministic pins the byte-for-byte stability receivers rely on.
func TestEncodeDeterministic(t *testing.T) {
	ev := sampleEvent()

	a, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same event produced different payloads")
	}
}

// TestEncodeRejectsBadHex covers malformed id/pubkey/sig inputs.
func TestEncodeRejectsBadHex(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*nostr.Event)
	}{
		{name: "short id", mutate: func(ev *nostr.Event) { ev.ID = "abcd" }},
		{name: "non-hex pubkey", mutate: func(ev *nostr.Event) { ev.PubKey = strings.Repeat("zz", 32) }},
		{name: "short sig", mutate: func(ev *nostr.Event) { ev.Sig = strings.Repeat("ef", 63) }},
		{name: "negative created_at", mutate: func(ev *nostr.Event) { ev.CreatedAt = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := sampleEvent()
			tt.mutate(ev)
			if _, err := Encode(ev); err == nil {
				t.Fatal("expected encode error")
			}
		})
	}
}

// TestDecodeMissingRecord builds a stream without a sig record and expects
// ErrMissingField.
func TestDecodeMissingRecord(t *testing.T) {
	var (
		id     [32]byte
		pubkey [32]byte
	)
	createdAt := uint64(1700000000)
	kind := uint64(1)
	content := []byte("partial")
	tags := nostr.Tags{}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeID, &id),
		tlv.MakePrimitiveRecord(typePubKey, &pubkey),
		tlv.MakePrimitiveRecord(typeCreatedAt, &createdAt),
		tlv.MakePrimitiveRecord(typeKind, &kind),
		tagsRecord(&tags),
		tlv.MakePrimitiveRecord(typeContent, &content),
	)
	if err != nil {
		t.Fatalf("building stream: %v", err)
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		t.Fatalf("encoding: %v", err)
	}

	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected decode error for missing sig")
	}
}

// TestDecodeGarbage rejects truncated and non-TLV input.
func TestDecodeGarbage(t *testing.T) {
	ev := sampleEvent()
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := Decode(data[:len(data)/2]); err == nil {
		t.Fatal("expected error on truncated payload")
	}
	if _, err := Decode([]byte{0xff, 0x01, 0x02}); err == nil {
		t.Fatal("expected error on garbage payload")
	}
}
