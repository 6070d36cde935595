// Package connector talks to the ILP connector that fronts this node: peer
// registration, payment channel management and outgoing packets. The HTTP
// adapter speaks the connector's admin API; the local adapter implements the
// same contract in-process for tests and single-binary setups.
package connector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/nostrlink/relaygate/pkg/model"
)

var (
	// ErrNetwork wraps transport-level failures reaching the connector.
	ErrNetwork = errors.New("connector: network failure")

	// ErrConnector wraps refusals returned by the connector itself.
	ErrConnector = errors.New("connector: request refused")

	// ErrValidation marks requests rejected before leaving this process.
	ErrValidation = errors.New("connector: invalid request")
)

// Adapter is everything the node needs from its connector.
type Adapter interface {
	// RegisterPeer makes the connector route to and settle with a peer.
	RegisterPeer(ctx context.Context, reg model.PeerRegistration) error

	// RemovePeer tears a registration down. Removing an unknown peer is
	// not an error.
	RemovePeer(ctx context.Context, id string) error

	// ListPeers returns the current registrations.
	ListPeers(ctx context.Context) ([]model.RegisteredPeer, error)

	// OpenChannel asks the connector to open a payment channel. The
	// returned status usually starts in StateOpening; poll
	// GetChannelState until it reaches StateOpen.
	OpenChannel(ctx context.Context, req OpenChannelRequest) (*ChannelStatus, error)

	// GetChannelState reports the current state of a channel.
	GetChannelState(ctx context.Context, channelID string) (*ChannelStatus, error)

	// SendPacket forwards an ILP prepare packet, optionally accompanied by
	// a balance proof covering its amount.
	SendPacket(ctx context.Context, req PacketRequest, claim *model.SignedBalanceProof) (*PacketResult, error)

	// Health reports whether the connector is reachable and serving.
	Health(ctx context.Context) error
}

// OpenChannelRequest carries the parameters for opening a channel toward a
// peer's settlement address.
type OpenChannelRequest struct {
	PeerID              string
	Chain               string // "evm:<name>:<chainId>"
	PartnerAddress      string
	TokenAddress        string
	TokenNetworkAddress string
	Deposit             *big.Int
	SettlementTimeout   int64
}

func (r *OpenChannelRequest) validate() error {
	if r.PeerID == "" {
		return fmt.Errorf("%w: missing peer id", ErrValidation)
	}
	if _, err := model.ChainID(r.Chain); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if r.PartnerAddress == "" {
		return fmt.Errorf("%w: missing partner address", ErrValidation)
	}
	if r.Deposit == nil || r.Deposit.Sign() < 0 {
		return fmt.Errorf("%w: bad deposit", ErrValidation)
	}
	return nil
}

// State is a channel's lifecycle position as reported by the connector.
type State int

const (
	StateUnknown State = iota
	StateOpening
	StateOpen
	StateClosed
	StateSettled
	StateFailed
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseState maps a wire name back to a State; unrecognized names become
// StateUnknown.
func ParseState(s string) State {
	switch s {
	case "opening":
		return StateOpening
	case "open":
		return StateOpen
	case "closed":
		return StateClosed
	case "settled":
		return StateSettled
	case "failed":
		return StateFailed
	default:
		return StateUnknown
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *State) UnmarshalJSON(data []byte) error {
	name, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("channel state: %w", err)
	}
	*s = ParseState(name)
	return nil
}

// ChannelStatus is the connector's view of one channel.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	State     State  `json:"state"`
	Chain     string `json:"chain,omitempty"`
	Deposit   string `json:"deposit,omitempty"`
}

// PacketRequest is an outgoing ILP prepare.
type PacketRequest struct {
	// Destination is the ILP address the packet is routed toward.
	Destination string
	// Amount in the destination asset's base units.
	Amount *big.Int
	// Data is the packet payload, for this node always a TOON-encoded
	// event.
	Data []byte
	// PeerID optionally pins the first hop instead of prefix routing.
	PeerID string
}

func (r *PacketRequest) validate() error {
	if r.Destination == "" {
		return fmt.Errorf("%w: missing destination", ErrValidation)
	}
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return fmt.Errorf("%w: bad amount", ErrValidation)
	}
	return nil
}

// PacketResult is the outcome of a prepare: either a fulfillment with
// optional response data, or a reject code and message.
type PacketResult struct {
	Fulfilled   bool   `json:"fulfilled"`
	Fulfillment string `json:"fulfillment,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Data        []byte `json:"data,omitempty"`
}
