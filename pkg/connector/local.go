package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nostrlink/relaygate/pkg/model"
)

// PacketHandler receives packets delivered to a connected peer and returns
// the fulfillment or rejection that peer produced.
type PacketHandler func(ctx context.Context, req PacketRequest, claim *model.SignedBalanceProof) (*PacketResult, error)

type localChannel struct {
	status    ChannelStatus
	pollsLeft int
}

// LocalAdapter implements Adapter entirely in process: peers are map
// entries, channels open after a configurable number of polls and packets
// are delivered to registered handlers by ILP prefix routing. It backs the
// test suites and single-binary demos.
type LocalAdapter struct {
	mu         sync.Mutex
	peers      map[string]model.PeerRegistration
	handlers   map[string]PacketHandler
	channels   map[string]*localChannel
	opensAfter int
	seq        int
}

// LocalOption adjusts LocalAdapter construction.
type LocalOption func(*LocalAdapter)

// WithOpensAfter makes channels report "opening" for the given number of
// polls before turning "open". Default: 1.
func WithOpensAfter(polls int) LocalOption {
	return func(a *LocalAdapter) { a.opensAfter = polls }
}

// NewLocalAdapter returns an empty in-process connector.
func NewLocalAdapter(opts ...LocalOption) *LocalAdapter {
	a := &LocalAdapter{
		peers:      make(map[string]model.PeerRegistration),
		handlers:   make(map[string]PacketHandler),
		channels:   make(map[string]*localChannel),
		opensAfter: 1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect attaches the delivery handler for a peer, i.e. the other side's
// packet intake. Packets routed to peerID before Connect fail with
// ErrNetwork, like a BTP link that is down.
func (a *LocalAdapter) Connect(peerID string, handler PacketHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[peerID] = handler
}

func (a *LocalAdapter) RegisterPeer(ctx context.Context, reg model.PeerRegistration) error {
	if reg.ID == "" {
		return fmt.Errorf("%w: missing peer id", ErrValidation)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[reg.ID] = reg
	return nil
}

func (a *LocalAdapter) RemovePeer(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, id)
	return nil
}

func (a *LocalAdapter) ListPeers(ctx context.Context) ([]model.RegisteredPeer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.RegisteredPeer, 0, len(a.peers))
	for _, reg := range a.peers {
		out = append(out, model.RegisteredPeer{ID: reg.ID, BTPURL: reg.BTPURL, Routes: reg.Routes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *LocalAdapter) OpenChannel(ctx context.Context, req OpenChannelRequest) (*ChannelStatus, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", req.PeerID, a.seq)))
	id := "0x" + hex.EncodeToString(sum[:])

	ch := &localChannel{
		status: ChannelStatus{
			ChannelID: id,
			State:     StateOpening,
			Chain:     req.Chain,
			Deposit:   req.Deposit.String(),
		},
		pollsLeft: a.opensAfter,
	}
	if ch.pollsLeft <= 0 {
		ch.status.State = StateOpen
	}
	a.channels[id] = ch

	status := ch.status
	return &status, nil
}

func (a *LocalAdapter) GetChannelState(ctx context.Context, channelID string) (*ChannelStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %s", ErrConnector, channelID)
	}
	if ch.status.State == StateOpening {
		ch.pollsLeft--
		if ch.pollsLeft <= 0 {
			ch.status.State = StateOpen
		}
	}
	status := ch.status
	return &status, nil
}

func (a *LocalAdapter) SendPacket(ctx context.Context, req PacketRequest, claim *model.SignedBalanceProof) (*PacketResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	peerID := req.PeerID
	if peerID == "" {
		peerID = a.routeLocked(req.Destination)
	}
	handler := a.handlers[peerID]
	a.mu.Unlock()

	if peerID == "" {
		return &PacketResult{
			Fulfilled: false,
			Code:      "F02",
			Message:   "no route to " + req.Destination,
		}, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: peer %s not connected", ErrNetwork, peerID)
	}
	return handler(ctx, req, claim)
}

func (a *LocalAdapter) Health(ctx context.Context) error { return nil }

// routeLocked picks the peer with the longest route prefix matching the
// destination. Caller holds the mutex.
func (a *LocalAdapter) routeLocked(destination string) string {
	var (
		best    string
		bestLen = -1
	)
	for id, reg := range a.peers {
		for _, route := range reg.Routes {
			if strings.HasPrefix(destination, route.Prefix) && len(route.Prefix) > bestLen {
				best = id
				bestLen = len(route.Prefix)
			}
		}
	}
	return best
}
