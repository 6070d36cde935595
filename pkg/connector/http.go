package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nostrlink/relaygate/pkg/model"
)

// HTTPAdapter speaks the connector admin API over JSON/HTTP. Calls that
// target one peer share a per-peer semaphore so a slow peer cannot absorb
// every outbound slot.
type HTTPAdapter struct {
	base   *url.URL
	token  string
	client *http.Client

	maxInFlight int64
	semMu       sync.Mutex
	sems        map[string]*semaphore.Weighted
}

// HTTPOption adjusts HTTPAdapter construction.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient substitutes the underlying client, mainly for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithMaxInFlightPerPeer caps concurrent calls per peer. Default: 8.
func WithMaxInFlightPerPeer(n int64) HTTPOption {
	return func(a *HTTPAdapter) {
		if n > 0 {
			a.maxInFlight = n
		}
	}
}

// NewHTTPAdapter points an adapter at the admin API base URL, e.g.
// "http://127.0.0.1:7769".
func NewHTTPAdapter(rawURL, adminToken string, opts ...HTTPOption) (*HTTPAdapter, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("connector URL %q: %w", rawURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("connector URL %q: unsupported scheme", rawURL)
	}

	a := &HTTPAdapter{
		base:        base,
		token:       adminToken,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxInFlight: 8,
		sems:        make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *HTTPAdapter) RegisterPeer(ctx context.Context, reg model.PeerRegistration) error {
	if reg.ID == "" {
		return fmt.Errorf("%w: missing peer id", ErrValidation)
	}
	release, err := a.acquire(ctx, reg.ID)
	if err != nil {
		return err
	}
	defer release()
	return a.doJSON(ctx, http.MethodPost, "/peers", reg, nil)
}

func (a *HTTPAdapter) RemovePeer(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing peer id", ErrValidation)
	}
	release, err := a.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return a.doJSON(ctx, http.MethodDelete, "/peers/"+url.PathEscape(id), nil, nil)
}

func (a *HTTPAdapter) ListPeers(ctx context.Context) ([]model.RegisteredPeer, error) {
	var peers []model.RegisteredPeer
	if err := a.doJSON(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

type openChannelBody struct {
	PeerID              string `json:"peerId"`
	Chain               string `json:"chain"`
	PartnerAddress      string `json:"partnerAddress"`
	TokenAddress        string `json:"tokenAddress,omitempty"`
	TokenNetworkAddress string `json:"tokenNetworkAddress,omitempty"`
	Deposit             string `json:"deposit"`
	SettlementTimeout   int64  `json:"settlementTimeout,omitempty"`
}

func (a *HTTPAdapter) OpenChannel(ctx context.Context, req OpenChannelRequest) (*ChannelStatus, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	release, err := a.acquire(ctx, req.PeerID)
	if err != nil {
		return nil, err
	}
	defer release()

	body := openChannelBody{
		PeerID:              req.PeerID,
		Chain:               req.Chain,
		PartnerAddress:      req.PartnerAddress,
		TokenAddress:        req.TokenAddress,
		TokenNetworkAddress: req.TokenNetworkAddress,
		Deposit:             req.Deposit.String(),
		SettlementTimeout:   req.SettlementTimeout,
	}
	var status ChannelStatus
	if err := a.doJSON(ctx, http.MethodPost, "/channels", body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (a *HTTPAdapter) GetChannelState(ctx context.Context, channelID string) (*ChannelStatus, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: missing channel id", ErrValidation)
	}
	var status ChannelStatus
	if err := a.doJSON(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type packetBody struct {
	Destination string                    `json:"destination"`
	Amount      string                    `json:"amount"`
	Data        []byte                    `json:"data,omitempty"`
	PeerID      string                    `json:"peerId,omitempty"`
	Claim       *model.SignedBalanceProof `json:"claim,omitempty"`
}

func (a *HTTPAdapter) SendPacket(ctx context.Context, req PacketRequest, claim *model.SignedBalanceProof) (*PacketResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.PeerID != "" {
		release, err := a.acquire(ctx, req.PeerID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	body := packetBody{
		Destination: req.Destination,
		Amount:      req.Amount.String(),
		Data:        req.Data,
		PeerID:      req.PeerID,
		Claim:       claim,
	}
	var result PacketResult
	if err := a.doJSON(ctx, http.MethodPost, "/packets", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *HTTPAdapter) Health(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/health", nil, &status); err != nil {
		return err
	}
	if status.Status != "healthy" && status.Status != "ok" {
		return fmt.Errorf("%w: connector reports %q", ErrConnector, status.Status)
	}
	return nil
}

// acquire takes a slot on the peer's semaphore and returns its release func.
func (a *HTTPAdapter) acquire(ctx context.Context, peerID string) (func(), error) {
	a.semMu.Lock()
	sem, ok := a.sems[peerID]
	if !ok {
		sem = semaphore.NewWeighted(a.maxInFlight)
		a.sems[peerID] = sem
	}
	a.semMu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for peer slot: %v", ErrNetwork, err)
	}
	return func() { sem.Release(1) }, nil
}

func (a *HTTPAdapter) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrValidation, err)
		}
		body = bytes.NewReader(raw)
	}

	endpoint := *a.base
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrValidation, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %s: %s",
			ErrConnector, method, path, resp.Status, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s %s response: %v", ErrConnector, method, path, err)
	}
	return nil
}
