// Package bootstrap turns discovered peer announcements into working ILP
// peerings. For each kind-10032 announcement it runs the SPSP handshake as
// an amount-zero packet, starts signing against the channel the peer
// opened, registers the peer with the local connector under the shared
// secret and settlement context outgoing claims need, and announces this
// node back to the peer so the peering can become mutual. A bounded worker
// pool processes peers concurrently; transient failures retry with doubling
// delays, and a cancelled or exhausted attempt tears its half-done
// registration back down.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nostrlink/relaygate/pkg/bls"
	"github.com/nostrlink/relaygate/pkg/channel"
	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/connector"
	"github.com/nostrlink/relaygate/pkg/discovery"
	"github.com/nostrlink/relaygate/pkg/metrics"
	"github.com/nostrlink/relaygate/pkg/model"
	"github.com/nostrlink/relaygate/pkg/spsp"
	"github.com/nostrlink/relaygate/pkg/toon"
)

// Phase is where a peer sits in the bootstrap state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHandshaking
	PhaseRegistering
	PhaseAnnouncing
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseRegistering:
		return "registering"
	case PhaseAnnouncing:
		return "announcing"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// permanentError marks failures that retrying the same attempt cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return permanentError{err: err} }

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Publisher pushes this node's own announcement events out, typically to
// the local store plus the configured discovery relays.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// ServiceConfig wires a bootstrap Service. SecretKey, Info, Adapter,
// Manager and Monitor are required; a nil Publisher skips announcing.
type ServiceConfig struct {
	// SecretKey is the node's nostr key, used for SPSP requests and
	// announcements.
	SecretKey string

	// Info is announced as this node's kind-10032 content and offered
	// during handshakes.
	Info model.IlpPeerInfo

	Bootstrap config.Bootstrap
	Adapter   connector.Adapter
	Manager   *channel.Manager
	Monitor   *discovery.Monitor
	Publisher Publisher

	// ProposedDeposit is offered when asking peers to open a channel.
	ProposedDeposit *big.Int

	// SettlementTimeout in seconds proposed during handshakes.
	// Default: 86400.
	SettlementTimeout int64

	Timeouts config.Timeouts
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Session is a read-only snapshot of one peer's bootstrap state.
type Session struct {
	Pubkey          string
	Phase           Phase
	ChannelID       string
	NegotiatedChain string
	Err             error
}

type session struct {
	pubkey     string
	phase      Phase
	eventID    string
	channelID  string
	chain      string
	secret     string
	settlement *model.SettlementDetails
	lastErr    error
	registered bool
	inflight   bool
	pending    *discovery.Peer
}

// Service consumes the discovery feed and drives every peer toward ready.
type Service struct {
	secretKey         string
	pubkey            string
	info              model.IlpPeerInfo
	cfg               config.Bootstrap
	adapter           connector.Adapter
	manager           *channel.Manager
	monitor           *discovery.Monitor
	publisher         Publisher
	deposit           *big.Int
	settlementTimeout int64
	timeouts          config.Timeouts
	clk               clock.Clock
	metrics           *metrics.Metrics
	pinned            map[string]bool

	mu        sync.RWMutex
	sessions  map[string]*session
	observers []func(model.ActivityEvent)

	group   errgroup.Group
	resched chan discovery.Peer
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("bootstrap: missing secret key")
	}
	pubkey, err := nostr.GetPublicKey(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: bad secret key: %w", err)
	}
	if err := cfg.Info.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if cfg.Adapter == nil {
		return nil, errors.New("bootstrap: missing connector adapter")
	}
	if cfg.Manager == nil {
		return nil, errors.New("bootstrap: missing channel manager")
	}
	if cfg.Monitor == nil {
		return nil, errors.New("bootstrap: missing discovery monitor")
	}
	if cfg.Bootstrap.FanOut <= 0 {
		cfg.Bootstrap.FanOut = 4
	}
	if cfg.Bootstrap.RetryMax <= 0 {
		cfg.Bootstrap.RetryMax = 3
	}
	if cfg.Bootstrap.RetryBase <= 0 {
		cfg.Bootstrap.RetryBase = time.Second
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 86400
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}

	pinned := make(map[string]bool, len(cfg.Bootstrap.Peers))
	for _, pk := range cfg.Bootstrap.Peers {
		pinned[pk] = true
	}

	s := &Service{
		secretKey:         cfg.SecretKey,
		pubkey:            pubkey,
		info:              cfg.Info,
		cfg:               cfg.Bootstrap,
		adapter:           cfg.Adapter,
		manager:           cfg.Manager,
		monitor:           cfg.Monitor,
		publisher:         cfg.Publisher,
		deposit:           cfg.ProposedDeposit,
		settlementTimeout: cfg.SettlementTimeout,
		timeouts:          cfg.Timeouts.WithDefaults(),
		clk:               cfg.Clock,
		metrics:           cfg.Metrics,
		pinned:            pinned,
		sessions:          make(map[string]*session),
		resched:           make(chan discovery.Peer, 16),
		done:              make(chan struct{}),
	}
	s.group.SetLimit(cfg.Bootstrap.FanOut)
	return s, nil
}

// Observe registers a callback for peering activity. Callbacks run on the
// worker goroutines and must return quickly.
func (s *Service) Observe(fn func(model.ActivityEvent)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Start announces this node and begins peering with the discovery feed.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	if s.publisher != nil {
		if err := s.announce(ctx); err != nil {
			zap.L().Warn("announcing node", zap.Error(err))
		}
	}
	go s.run(ctx)
}

// Stop cancels in-flight peering and waits for the workers to drain.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.group.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for _, p := range s.pinnedFirst(s.monitor.Snapshot()) {
		s.schedule(ctx, p)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.monitor.Updates():
			s.schedule(ctx, p)
		case p := <-s.resched:
			s.schedule(ctx, p)
		}
	}
}

// pinnedFirst moves configured bootstrap peers to the front of the snapshot
// so they grab worker slots before opportunistic ones.
func (s *Service) pinnedFirst(peers []discovery.Peer) []discovery.Peer {
	if len(s.pinned) == 0 {
		return peers
	}
	ordered := make([]discovery.Peer, 0, len(peers))
	for _, p := range peers {
		if s.pinned[p.Pubkey] {
			ordered = append(ordered, p)
		}
	}
	for _, p := range peers {
		if !s.pinned[p.Pubkey] {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

func (s *Service) schedule(ctx context.Context, p discovery.Peer) {
	if p.Pubkey == s.pubkey {
		return
	}
	s.mu.Lock()
	sess := s.sessions[p.Pubkey]
	if sess == nil {
		sess = &session{pubkey: p.Pubkey, phase: PhaseIdle}
		s.sessions[p.Pubkey] = sess
		s.metrics.PeerStates.WithLabelValues(PhaseIdle.String()).Inc()
	}
	if sess.eventID == p.EventID {
		s.mu.Unlock()
		return
	}
	if sess.inflight {
		pending := p
		sess.pending = &pending
		s.mu.Unlock()
		return
	}
	sess.inflight = true
	s.mu.Unlock()

	s.emit(model.ActivityEvent{
		Type:       model.ActivityDiscovered,
		PeerPubkey: p.Pubkey,
		Time:       s.clk.Now(),
	})
	s.group.Go(func() error {
		s.bootstrapPeer(ctx, p)
		return nil
	})
}

func (s *Service) bootstrapPeer(ctx context.Context, p discovery.Peer) {
	var delay time.Duration
	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx, p)
		if err == nil {
			s.finish(p, nil)
			return
		}
		if ctx.Err() != nil {
			s.compensate(p)
			s.finish(p, fmt.Errorf("peering cancelled: %w", ctx.Err()))
			return
		}
		if isPermanent(err) || attempt >= s.cfg.RetryMax {
			s.compensate(p)
			s.finish(p, err)
			return
		}
		if delay == 0 {
			delay = s.cfg.RetryBase
		} else {
			delay *= 2
		}
		zap.L().Warn("peering attempt failed",
			zap.String("peer", p.Pubkey),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			s.compensate(p)
			s.finish(p, fmt.Errorf("peering cancelled: %w", ctx.Err()))
			return
		case <-s.clk.TickAfter(delay):
		}
	}
}

// attempt runs the phases once. Re-running after a partial failure is safe:
// registration is an upsert, and a session that already holds a channel
// skips straight past the handshake.
func (s *Service) attempt(ctx context.Context, p discovery.Peer) error {
	s.mu.RLock()
	sess := s.sessions[p.Pubkey]
	secret := sess.secret
	settlement := sess.settlement
	hasChannel := sess.channelID != ""
	s.mu.RUnlock()

	if hasChannel {
		// A fresh announcement only refreshes routing; the channel and
		// shared secret from the first handshake keep serving.
		s.setPhase(p.Pubkey, PhaseRegistering)
		if err := s.register(ctx, p, secret, settlement); err != nil {
			return err
		}
		s.mu.Lock()
		sess.registered = true
		s.mu.Unlock()
		s.emit(model.ActivityEvent{
			Type:       model.ActivityRegistered,
			PeerPubkey: p.Pubkey,
			Time:       s.clk.Now(),
		})
		return nil
	}

	// The handshake packet is routed by its pinned first hop, so the peer
	// does not need to be registered yet.
	s.setPhase(p.Pubkey, PhaseHandshaking)
	resp, err := s.handshake(ctx, p)
	if err != nil {
		return fmt.Errorf("spsp handshake: %w", err)
	}

	s.setPhase(p.Pubkey, PhaseRegistering)
	chainID, err := model.ChainID(resp.NegotiatedChain)
	if err != nil {
		return permanent(fmt.Errorf("negotiated chain: %w", err))
	}
	if err := s.manager.Track(ctx, resp.ChannelID, chainID, resp.TokenNetworkAddress); err != nil {
		return permanent(fmt.Errorf("tracking channel: %w", err))
	}
	settlement = &model.SettlementDetails{
		Preference:          resp.NegotiatedChain,
		ChannelID:           resp.ChannelID,
		EVMAddress:          s.manager.Sender().Hex(),
		TokenAddress:        resp.TokenAddress,
		TokenNetworkAddress: resp.TokenNetworkAddress,
		ChainID:             chainID,
	}
	s.mu.Lock()
	sess.channelID = resp.ChannelID
	sess.chain = resp.NegotiatedChain
	sess.secret = resp.SharedSecret
	sess.settlement = settlement
	s.mu.Unlock()
	s.emit(model.ActivityEvent{
		Type:       model.ActivityChannelOpened,
		PeerPubkey: p.Pubkey,
		ChannelID:  resp.ChannelID,
		Time:       s.clk.Now(),
	})

	// The registration carries the handshake's shared secret as the auth
	// token and the channel context the connector needs to attach claims
	// to paid packets toward this peer.
	if err := s.register(ctx, p, resp.SharedSecret, settlement); err != nil {
		return err
	}
	s.mu.Lock()
	sess.registered = true
	s.mu.Unlock()
	s.emit(model.ActivityEvent{
		Type:       model.ActivityRegistered,
		PeerPubkey: p.Pubkey,
		Time:       s.clk.Now(),
	})

	s.setPhase(p.Pubkey, PhaseAnnouncing)
	if err := s.announceToPeer(ctx, p, resp.ChannelID); err != nil {
		return err
	}
	s.emit(model.ActivityEvent{
		Type:       model.ActivityAnnounced,
		PeerPubkey: p.Pubkey,
		Time:       s.clk.Now(),
	})
	return nil
}

func (s *Service) register(ctx context.Context, p discovery.Peer, authToken string, settlement *model.SettlementDetails) error {
	reg := model.PeerRegistration{
		ID:         p.Pubkey,
		BTPURL:     p.Info.BTPEndpoint,
		AuthToken:  authToken,
		Routes:     []model.Route{{Prefix: p.Info.ILPAddress}},
		Settlement: settlement,
	}
	regCtx, cancel := context.WithTimeout(ctx, s.timeouts.Dial)
	defer cancel()
	if err := s.adapter.RegisterPeer(regCtx, reg); err != nil {
		if errors.Is(err, connector.ErrValidation) {
			return permanent(fmt.Errorf("registering peer: %w", err))
		}
		return fmt.Errorf("registering peer: %w", err)
	}
	return nil
}

// handshake sends the SPSP request as an amount-zero packet and returns the
// peer's decrypted response.
func (s *Service) handshake(ctx context.Context, p discovery.Peer) (*model.SpspResponse, error) {
	req := model.SpspRequest{
		RequestID:           uuid.NewString(),
		SenderILPAddress:    s.info.ILPAddress,
		SupportedChains:     s.info.SupportedChains,
		SettlementAddresses: s.info.SettlementAddresses,
		SettlementTimeout:   s.settlementTimeout,
	}
	if s.deposit != nil {
		req.ProposedDeposit = s.deposit.String()
	}
	ev, err := spsp.NewRequestEvent(s.secretKey, p.Pubkey, req)
	if err != nil {
		return nil, permanent(err)
	}
	data, err := toon.Encode(ev)
	if err != nil {
		return nil, permanent(fmt.Errorf("encoding request event: %w", err))
	}

	res, err := s.sendTo(ctx, p, big.NewInt(0), data, nil)
	if err != nil {
		return nil, err
	}
	if !res.Fulfilled {
		return nil, rejectionError(res)
	}
	if want := bls.Fulfillment(ev.ID); res.Fulfillment != want {
		return nil, permanent(fmt.Errorf("fulfillment does not commit to event %s", ev.ID))
	}

	var meta bls.ResponseMetadata
	if err := json.Unmarshal(res.Data, &meta); err != nil || meta.SpspResponse == nil {
		return nil, permanent(errors.New("fulfillment carried no spsp response"))
	}
	resp, err := spsp.ParseResponseEvent(s.secretKey, meta.SpspResponse)
	if err != nil {
		return nil, permanent(fmt.Errorf("parsing response: %w", err))
	}
	if resp.RequestID != req.RequestID {
		return nil, permanent(fmt.Errorf("response correlates to %q, sent %q", resp.RequestID, req.RequestID))
	}
	return resp, nil
}

// sendTo delivers one packet toward the peer's ILP address, the first hop
// pinned to the peer itself.
func (s *Service) sendTo(ctx context.Context, p discovery.Peer, amount *big.Int, data []byte, claim *model.SignedBalanceProof) (*connector.PacketResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeouts.SpspRoundtrip)
	defer cancel()
	res, err := s.adapter.SendPacket(sendCtx, connector.PacketRequest{
		Destination: p.Info.ILPAddress,
		Amount:      amount,
		Data:        data,
		PeerID:      p.Pubkey,
	}, claim)
	if err != nil {
		if errors.Is(err, connector.ErrValidation) {
			return nil, permanent(err)
		}
		return nil, err
	}
	return res, nil
}

// rejectionError turns a reject result into an error, permanent unless the
// code marks a temporary failure.
func rejectionError(res *connector.PacketResult) error {
	rejection := fmt.Errorf("rejected with %s: %s", res.Code, res.Message)
	if strings.HasPrefix(res.Code, "T") {
		return rejection
	}
	return permanent(rejection)
}

// announceToPeer delivers this node's announcement events to the freshly
// peered node so the peering can become mutual. Each event first rides a
// zero-amount packet; a peer that prices announcements rejects that with
// F06 naming its price, and the event is resent paid, claimed against the
// channel the handshake just opened.
func (s *Service) announceToPeer(ctx context.Context, p discovery.Peer, channelID string) error {
	events, err := s.announcementEvents()
	if err != nil {
		return permanent(err)
	}
	for _, ev := range events {
		if err := s.deliverAnnouncement(ctx, p, channelID, ev); err != nil {
			return fmt.Errorf("announcing kind %d: %w", ev.Kind, err)
		}
	}
	return nil
}

func (s *Service) deliverAnnouncement(ctx context.Context, p discovery.Peer, channelID string, ev *nostr.Event) error {
	data, err := toon.Encode(ev)
	if err != nil {
		return permanent(err)
	}
	res, err := s.sendTo(ctx, p, big.NewInt(0), data, nil)
	if err != nil {
		return err
	}
	if !res.Fulfilled && res.Code == bls.CodeInsufficientAmount {
		var meta bls.ResponseMetadata
		if err := json.Unmarshal(res.Data, &meta); err != nil {
			return permanent(fmt.Errorf("underpayment reply unreadable: %w", err))
		}
		required, ok := new(big.Int).SetString(meta.Required, 10)
		if !ok || required.Sign() <= 0 {
			return permanent(fmt.Errorf("underpayment reply names no price: %s", res.Message))
		}
		claim, err := s.manager.NextProof(ctx, channelID, required)
		if err != nil {
			return permanent(fmt.Errorf("claiming %s for the announcement: %w", required, err))
		}
		zap.L().Debug("paying for announcement",
			zap.String("peer", p.Pubkey),
			zap.Int("kind", ev.Kind),
			zap.String("amount", required.String()))
		if res, err = s.sendTo(ctx, p, required, data, claim); err != nil {
			return err
		}
	}
	if !res.Fulfilled {
		return rejectionError(res)
	}
	if want := bls.Fulfillment(ev.ID); res.Fulfillment != want {
		return permanent(fmt.Errorf("fulfillment does not commit to event %s", ev.ID))
	}
	return nil
}

// compensate removes a registration left by a peering that never became
// ready, so a failed bootstrap leaves no dangling connector state. A
// registration from an earlier completed peering survives a failed refresh.
func (s *Service) compensate(p discovery.Peer) {
	s.mu.RLock()
	sess := s.sessions[p.Pubkey]
	undo := sess.registered && sess.eventID == ""
	s.mu.RUnlock()
	if !undo {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.Dial)
	defer cancel()
	if err := s.adapter.RemovePeer(ctx, p.Pubkey); err != nil {
		zap.L().Warn("removing partial registration",
			zap.String("peer", p.Pubkey), zap.Error(err))
		return
	}
	s.mu.Lock()
	sess.registered = false
	s.mu.Unlock()
}

func (s *Service) finish(p discovery.Peer, err error) {
	s.mu.Lock()
	sess := s.sessions[p.Pubkey]
	sess.inflight = false
	pending := sess.pending
	sess.pending = nil
	if err == nil {
		sess.eventID = p.EventID
		sess.lastErr = nil
		s.transition(sess, PhaseReady)
	} else {
		sess.lastErr = err
		s.transition(sess, PhaseFailed)
	}
	channelID := sess.channelID
	s.mu.Unlock()

	if err == nil {
		zap.L().Info("peer ready",
			zap.String("peer", p.Pubkey),
			zap.String("ilp_address", p.Info.ILPAddress),
			zap.String("channel", channelID))
		s.emit(model.ActivityEvent{
			Type:       model.ActivityReady,
			PeerPubkey: p.Pubkey,
			ChannelID:  channelID,
			Time:       s.clk.Now(),
		})
	} else {
		zap.L().Warn("peering failed",
			zap.String("peer", p.Pubkey), zap.Error(err))
		s.emit(model.ActivityEvent{
			Type:       model.ActivityFailed,
			PeerPubkey: p.Pubkey,
			Reason:     err.Error(),
			Time:       s.clk.Now(),
		})
	}

	if pending != nil {
		select {
		case s.resched <- *pending:
		default:
			zap.L().Warn("dropping superseding announcement, scheduler busy",
				zap.String("peer", pending.Pubkey))
		}
	}
}

// announce publishes this node's kind-10032 peer info and kind-10047 SPSP
// info.
func (s *Service) announce(ctx context.Context) error {
	events, err := s.announcementEvents()
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.timeouts.Publish)
	defer cancel()
	for _, ev := range events {
		if err := s.publisher.Publish(pubCtx, ev); err != nil {
			return fmt.Errorf("publishing kind %d: %w", ev.Kind, err)
		}
	}
	s.emit(model.ActivityEvent{
		Type:       model.ActivityAnnounced,
		PeerPubkey: s.pubkey,
		Time:       s.clk.Now(),
	})
	zap.L().Info("announced node", zap.String("ilp_address", s.info.ILPAddress))
	return nil
}

func (s *Service) announcementEvents() ([]*nostr.Event, error) {
	infoJSON, err := json.Marshal(s.info)
	if err != nil {
		return nil, fmt.Errorf("encoding peer info: %w", err)
	}
	peerEv := &nostr.Event{
		Kind:      model.KindIlpPeerInfo,
		CreatedAt: nostr.Now(),
		Content:   string(infoJSON),
		Tags:      nostr.Tags{},
	}
	if err := peerEv.Sign(s.secretKey); err != nil {
		return nil, fmt.Errorf("signing peer info: %w", err)
	}

	spspJSON, err := json.Marshal(model.SpspInfo{
		ILPAddress: s.info.ILPAddress,
		AssetCode:  s.info.AssetCode,
		AssetScale: s.info.AssetScale,
		Methods:    []string{"nip44-event"},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding spsp info: %w", err)
	}
	spspEv := &nostr.Event{
		Kind:      model.KindSpspInfo,
		CreatedAt: nostr.Now(),
		Content:   string(spspJSON),
		Tags:      nostr.Tags{},
	}
	if err := spspEv.Sign(s.secretKey); err != nil {
		return nil, fmt.Errorf("signing spsp info: %w", err)
	}
	return []*nostr.Event{peerEv, spspEv}, nil
}

func (s *Service) setPhase(pubkey string, phase Phase) {
	s.mu.Lock()
	sess := s.sessions[pubkey]
	s.transition(sess, phase)
	s.mu.Unlock()
	s.emit(model.ActivityEvent{
		Type:       model.ActivityPhase,
		PeerPubkey: pubkey,
		Phase:      phase.String(),
		Time:       s.clk.Now(),
	})
}

// transition moves a session between phases and keeps the phase gauge
// balanced. Callers hold s.mu.
func (s *Service) transition(sess *session, phase Phase) {
	if sess.phase == phase {
		return
	}
	s.metrics.PeerStates.WithLabelValues(sess.phase.String()).Dec()
	s.metrics.PeerStates.WithLabelValues(phase.String()).Inc()
	sess.phase = phase
}

func (s *Service) emit(ev model.ActivityEvent) {
	s.mu.RLock()
	observers := make([]func(model.ActivityEvent), len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// Sessions snapshots every peer's bootstrap state, ordered by pubkey.
func (s *Service) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Session{
			Pubkey:          sess.pubkey,
			Phase:           sess.phase,
			ChannelID:       sess.channelID,
			NegotiatedChain: sess.chain,
			Err:             sess.lastErr,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out
}

// Session returns one peer's bootstrap state.
func (s *Service) Session(pubkey string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[pubkey]
	if !ok {
		return Session{}, false
	}
	return Session{
		Pubkey:          sess.pubkey,
		Phase:           sess.phase,
		ChannelID:       sess.channelID,
		NegotiatedChain: sess.chain,
		Err:             sess.lastErr,
	}, true
}
