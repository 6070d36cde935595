package spsp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/nostrlink/relaygate/pkg/model"
)

// ErrBadResponse marks a kind-23195 event that fails signature, decryption
// or shape checks.
var ErrBadResponse = errors.New("spsp: bad response")

// NewRequestEvent builds and signs the kind-23194 event opening a handshake
// with the peer identified by receiverPubkey. An empty RequestID is filled
// with a fresh UUID; the caller keeps it to correlate the response.
func NewRequestEvent(secretKey, receiverPubkey string, req model.SpspRequest) (*nostr.Event, error) {
	if !nostr.IsValidPublicKey(receiverPubkey) {
		return nil, fmt.Errorf("spsp: bad receiver pubkey %q", receiverPubkey)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("spsp: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("spsp: encoding request: %w", err)
	}
	conversationKey, err := nip44.GenerateConversationKey(receiverPubkey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("spsp: deriving conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(payload), conversationKey)
	if err != nil {
		return nil, fmt.Errorf("spsp: encrypting request: %w", err)
	}

	ev := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      model.KindSpspRequest,
		Tags:      nostr.Tags{{"p", receiverPubkey}},
		Content:   ciphertext,
	}
	if err := ev.Sign(secretKey); err != nil {
		return nil, fmt.Errorf("spsp: signing request: %w", err)
	}
	return &ev, nil
}

// ParseResponseEvent checks and decrypts a kind-23195 event. Responses ride
// inside ILP fulfill payloads, so the event signature is verified here
// rather than trusted from transport.
func ParseResponseEvent(secretKey string, ev *nostr.Event) (*model.SpspResponse, error) {
	if ev.Kind != model.KindSpspResponse {
		return nil, fmt.Errorf("%w: kind %d", ErrBadResponse, ev.Kind)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrBadResponse)
	}

	conversationKey, err := nip44.GenerateConversationKey(ev.PubKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving conversation key: %v", ErrBadResponse, err)
	}
	plaintext, err := nip44.Decrypt(ev.Content, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var resp model.SpspResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.RequestID == "" || resp.DestinationAccount == "" || resp.SharedSecret == "" {
		return nil, fmt.Errorf("%w: incomplete terms", ErrBadResponse)
	}
	if resp.ChannelID == "" || resp.NegotiatedChain == "" {
		return nil, fmt.Errorf("%w: missing channel terms", ErrBadResponse)
	}
	return &resp, nil
}
