package spsp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/channel"
	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/connector"
	"github.com/nostrlink/relaygate/pkg/model"
)

var (
	// ErrDecrypt marks a request whose content could not be decrypted or
	// parsed under the sender's conversation key.
	ErrDecrypt = errors.New("spsp: cannot decrypt request")

	// ErrNoCommonChain means the two sides share no usable settlement
	// chain: common, with a requester settlement address and a local
	// token network registered for it.
	ErrNoCommonChain = errors.New("spsp: no common settlement chain")

	// ErrChannelOpenFailed marks a channel the connector refused or that
	// ended up closed or failed while we waited.
	ErrChannelOpenFailed = errors.New("spsp: channel open failed")

	// ErrChannelOpenTimeout marks a channel still not open when the
	// configured wait ran out.
	ErrChannelOpenTimeout = errors.New("spsp: channel open timed out")

	// ErrPeerRegistration marks a connector that would not register the
	// requester after its channel opened.
	ErrPeerRegistration = errors.New("spsp: registering requester failed")
)

// HandlerConfig carries everything the receiving side of the handshake
// needs.
type HandlerConfig struct {
	// SecretKey is this node's Nostr secret key, hex encoded.
	SecretKey string
	// PeerInfo describes this node's own settlement capabilities, the
	// same document it announces as kind 10032.
	PeerInfo model.IlpPeerInfo
	// Adapter opens channels and registers peers on the connector.
	Adapter connector.Adapter
	// Verifier learns each opened channel so later claims verify.
	Verifier *channel.Verifier
	// DefaultDeposit funds channels when the requester proposes none.
	DefaultDeposit *big.Int
	// SettlementTimeout in seconds, used when the requester proposes
	// none. Default: 86400.
	SettlementTimeout int64
	// Timeouts bounds the channel-open wait and its poll interval.
	Timeouts config.Timeouts
}

// Handler answers kind-23194 requests.
type Handler struct {
	secretKey string
	pubkey    string
	info      model.IlpPeerInfo
	adapter   connector.Adapter
	verifier  *channel.Verifier
	deposit   *big.Int
	timeout   int64
	timeouts  config.Timeouts
}

// NewHandler validates the configuration and returns a ready handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	pub, err := nostr.GetPublicKey(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("spsp handler: bad secret key: %w", err)
	}
	if err := cfg.PeerInfo.Validate(); err != nil {
		return nil, fmt.Errorf("spsp handler: %w", err)
	}
	if cfg.Adapter == nil {
		return nil, errors.New("spsp handler: missing connector adapter")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("spsp handler: missing claim verifier")
	}
	if cfg.DefaultDeposit == nil {
		cfg.DefaultDeposit = big.NewInt(0)
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 86400
	}
	return &Handler{
		secretKey: cfg.SecretKey,
		pubkey:    pub,
		info:      cfg.PeerInfo,
		adapter:   cfg.Adapter,
		verifier:  cfg.Verifier,
		deposit:   cfg.DefaultDeposit,
		timeout:   cfg.SettlementTimeout,
		timeouts:  cfg.Timeouts.WithDefaults(),
	}, nil
}

// HandleRequest runs the receiving half of the handshake for one kind-23194
// event: negotiate a chain, open the channel, register the requester as a
// routable peer, and return the signed kind-23195 response. The request
// event's signature is assumed already checked by the caller.
func (h *Handler) HandleRequest(ctx context.Context, ev *nostr.Event) (*nostr.Event, error) {
	if ev.Kind != model.KindSpspRequest {
		return nil, fmt.Errorf("spsp: kind %d is not a handshake request", ev.Kind)
	}

	conversationKey, err := nip44.GenerateConversationKey(ev.PubKey, h.secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := nip44.Decrypt(ev.Content, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var req model.SpspRequest
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	chain, peerAddress, err := h.negotiate(&req)
	if err != nil {
		return nil, err
	}
	chainID, err := model.ChainID(chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCommonChain, err)
	}
	tokenNetwork := h.info.TokenNetworks[chain]

	deposit := h.deposit
	if req.ProposedDeposit != "" {
		if proposed, ok := new(big.Int).SetString(req.ProposedDeposit, 10); ok && proposed.Sign() >= 0 {
			deposit = proposed
		}
	}
	settlementTimeout := h.timeout
	if req.SettlementTimeout > 0 {
		settlementTimeout = req.SettlementTimeout
	}

	status, err := h.adapter.OpenChannel(ctx, connector.OpenChannelRequest{
		PeerID:              ev.PubKey,
		Chain:               chain,
		PartnerAddress:      peerAddress,
		TokenAddress:        h.info.PreferredTokens[chain],
		TokenNetworkAddress: tokenNetwork,
		Deposit:             deposit,
		SettlementTimeout:   settlementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelOpenFailed, err)
	}
	if status.State != connector.StateOpen {
		status, err = h.awaitOpen(ctx, status.ChannelID)
		if err != nil {
			return nil, err
		}
	}

	if err := h.verifier.RegisterChannel(status.ChannelID, chainID, tokenNetwork, common.HexToAddress(peerAddress)); err != nil {
		return nil, fmt.Errorf("spsp: registering channel %s: %w", status.ChannelID, err)
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("spsp: generating shared secret: %w", err)
	}
	sharedSecret := base64.StdEncoding.EncodeToString(secret[:])

	// The requester is a peer now; the connector needs the return route so
	// packets toward its address have a first hop, and the shared secret
	// authenticates that hop.
	err = h.adapter.RegisterPeer(ctx, model.PeerRegistration{
		ID:        ev.PubKey,
		AuthToken: sharedSecret,
		Routes:    []model.Route{{Prefix: req.SenderILPAddress}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerRegistration, err)
	}

	resp := model.SpspResponse{
		RequestID:           req.RequestID,
		DestinationAccount:  h.info.ILPAddress + "." + sessionSuffix(),
		SharedSecret:        sharedSecret,
		NegotiatedChain:     chain,
		SettlementAddress:   h.info.SettlementAddresses[chain],
		TokenAddress:        h.info.PreferredTokens[chain],
		TokenNetworkAddress: tokenNetwork,
		ChannelID:           status.ChannelID,
		SettlementTimeout:   settlementTimeout,
	}

	zap.L().Info("spsp handshake completed",
		zap.String("peer", ev.PubKey),
		zap.String("chain", chain),
		zap.String("channel_id", status.ChannelID),
		zap.String("deposit", deposit.String()))

	return h.responseEvent(ev, conversationKey, &resp)
}

// negotiate walks this node's chain preference order and picks the first
// chain the requester also supports, has a settlement address for, and that
// this node has a token network registered on.
func (h *Handler) negotiate(req *model.SpspRequest) (chain, peerAddress string, err error) {
	for _, c := range h.info.SupportedChains {
		offered := false
		for _, o := range req.SupportedChains {
			if c == o {
				offered = true
				break
			}
		}
		if !offered {
			continue
		}
		addr, ok := req.SettlementAddresses[c]
		if !ok || addr == "" {
			continue
		}
		if h.info.TokenNetworks[c] == "" {
			continue
		}
		return c, addr, nil
	}
	return "", "", fmt.Errorf("%w: offered %v, usable none", ErrNoCommonChain, req.SupportedChains)
}

// awaitOpen polls the connector until the channel reports open. Closed,
// settled and failed are terminal; everything else keeps polling until the
// configured wait runs out.
func (h *Handler) awaitOpen(ctx context.Context, channelID string) (*connector.ChannelStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeouts.ChannelOpen)
	defer cancel()

	poll := ticker.New(h.timeouts.ChannelPoll)
	poll.Resume()
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: channel %s after %v", ErrChannelOpenTimeout, channelID, h.timeouts.ChannelOpen)
		case <-poll.Ticks():
			status, err := h.adapter.GetChannelState(ctx, channelID)
			if err != nil {
				zap.L().Warn("channel state poll failed",
					zap.String("channel_id", channelID), zap.Error(err))
				continue
			}
			switch status.State {
			case connector.StateOpen:
				return status, nil
			case connector.StateClosed, connector.StateSettled, connector.StateFailed:
				return nil, fmt.Errorf("%w: channel %s reported %s", ErrChannelOpenFailed, channelID, status.State)
			}
		}
	}
}

func (h *Handler) responseEvent(req *nostr.Event, conversationKey [32]byte, resp *model.SpspResponse) (*nostr.Event, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("spsp: encoding response: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(payload), conversationKey)
	if err != nil {
		return nil, fmt.Errorf("spsp: encrypting response: %w", err)
	}
	out := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      model.KindSpspResponse,
		Tags:      nostr.Tags{{"p", req.PubKey}, {"e", req.ID}},
		Content:   ciphertext,
	}
	if err := out.Sign(h.secretKey); err != nil {
		return nil, fmt.Errorf("spsp: signing response: %w", err)
	}
	return &out, nil
}

// sessionSuffix returns a short random ILP segment distinguishing
// concurrent sessions behind the same address.
func sessionSuffix() string {
	var b [6]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
