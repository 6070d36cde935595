package bls

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/model"
	"github.com/nostrlink/relaygate/pkg/nip01"
	"github.com/nostrlink/relaygate/pkg/spsp"
	"github.com/nostrlink/relaygate/pkg/toon"
)

// ILP reject codes emitted by the pipeline. F codes are final, the sender
// should not retry the same packet; T00 is temporary.
const (
	CodeInvalidPacket      = "F00"
	CodeInsufficientAmount = "F06"
	CodeTemporaryFailure   = "T00"
)

// HandleRequest is the connector's view of one prepare packet.
type HandleRequest struct {
	Amount        string                    `json:"amount"`
	Destination   string                    `json:"destination"`
	Data          []byte                    `json:"data"`
	SourceAccount string                    `json:"sourceAccount,omitempty"`
	Claim         *model.SignedBalanceProof `json:"claim,omitempty"`
}

// ResponseMetadata rides back to the sender alongside the fulfillment. The
// SPSP response event is present only for handshake packets. F06 rejections
// reuse the struct to report the shortfall: required is the price, received
// what the packet carried or the claim covered.
type ResponseMetadata struct {
	EventID      string       `json:"eventId,omitempty"`
	StoredAt     string       `json:"storedAt,omitempty"`
	SpspResponse *nostr.Event `json:"spspResponse,omitempty"`
	Required     string       `json:"required,omitempty"`
	Received     string       `json:"received,omitempty"`
}

// HandleResponse tells the connector to fulfill or reject the packet.
type HandleResponse struct {
	Accept      bool              `json:"accept"`
	Fulfillment string            `json:"fulfillment,omitempty"`
	Metadata    *ResponseMetadata `json:"metadata,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type rejection struct {
	code    string
	message string
	meta    *ResponseMetadata
}

func reject(code, format string, args ...any) *rejection {
	return &rejection{code: code, message: fmt.Sprintf(format, args...)}
}

// rejectShort builds an F06 whose metadata tells the payer how far the
// payment fell short, so it can retry with the right amount.
func rejectShort(required, received *big.Int, format string, args ...any) *rejection {
	rej := reject(CodeInsufficientAmount, format, args...)
	rej.meta = &ResponseMetadata{Required: required.String(), Received: received.String()}
	return rej
}

// Fulfillment derives the ILP fulfillment for an accepted event: the
// SHA-256 of its lowercase hex id, base64 encoded. The sender builds the
// matching condition from the same id before preparing the packet.
func Fulfillment(eventID string) string {
	sum := sha256.Sum256([]byte(eventID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Server) handlePacket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Data arrives base64 inflated and may carry a claim envelope; twice
	// the event cap plus slack bounds the whole request body.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxEventBytes)*2+8192)

	var req HandleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeReject(w, reject(CodeInvalidPacket, "malformed request: %v", err), start)
		return
	}

	resp, rej := s.process(r.Context(), &req)
	if rej != nil {
		s.writeReject(w, rej, start)
		return
	}

	s.metrics.PacketsTotal.WithLabelValues("fulfill", "").Inc()
	s.metrics.HandleSeconds.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, resp)
}

// process runs the pipeline: size cap, TOON decode, id and signature
// checks, pricing, claim verification, rate limit, storage, SPSP dispatch.
func (s *Server) process(ctx context.Context, req *HandleRequest) (*HandleResponse, *rejection) {
	if req.Amount == "" {
		return nil, reject(CodeInvalidPacket, "missing amount")
	}
	if req.Destination == "" {
		return nil, reject(CodeInvalidPacket, "missing destination")
	}
	if len(req.Data) == 0 {
		return nil, reject(CodeInvalidPacket, "empty packet data")
	}
	if len(req.Data) > s.maxEventBytes {
		return nil, reject(CodeInvalidPacket, "event of %d bytes exceeds cap %d", len(req.Data), s.maxEventBytes)
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, reject(CodeInvalidPacket, "bad amount %q", req.Amount)
	}

	ev, err := toon.Decode(req.Data)
	if err != nil {
		return nil, reject(CodeInvalidPacket, "undecodable event: %v", err)
	}
	// Hash and Schnorr failures share one reject message.
	if ok, err := ev.CheckSignature(); err != nil || !ok || ev.GetID() != ev.ID {
		return nil, reject(CodeInvalidPacket, "Invalid event signature")
	}

	required := s.pricing.Required(ev, len(req.Data))
	if amount.Cmp(required) < 0 {
		return nil, rejectShort(required, amount, "kind %d requires %s, got %s", ev.Kind, required, amount)
	}

	if req.Claim != nil {
		credited, err := s.verifier.Verify(req.Claim)
		if err != nil {
			return nil, reject(CodeInvalidPacket, "claim rejected: %v", err)
		}
		if credited.Cmp(amount) < 0 {
			return nil, rejectShort(amount, credited, "claim credits %s, packet amount %s", credited, amount)
		}
	}

	if s.limiter != nil && !s.limiter.Allow() {
		return nil, reject(CodeTemporaryFailure, "rate limited")
	}

	saved, err := s.store.SaveEvent(ctx, ev)
	if err != nil {
		zap.L().Warn("store rejected event", zap.String("event_id", ev.ID), zap.Error(err))
		return nil, reject(CodeTemporaryFailure, "storage unavailable")
	}
	if saved {
		s.metrics.EventsStored.Inc()
	}
	// Ephemeral kinds are never stored but still reach live subscribers;
	// everything else fans out only when newly stored, which suppresses
	// duplicates and superseded replaceables.
	if s.sink != nil && (saved || nip01.IsEphemeral(ev.Kind)) {
		s.sink.Broadcast(ev)
	}

	var spspResponse *nostr.Event
	if ev.Kind == model.KindSpspRequest && s.spsp != nil {
		spspResponse, err = s.spsp.HandleRequest(ctx, ev)
		if err != nil {
			s.metrics.Handshakes.WithLabelValues("error").Inc()
			return nil, spspRejection(err)
		}
		s.metrics.Handshakes.WithLabelValues("ok").Inc()
	}

	zap.L().Debug("packet accepted",
		zap.String("event_id", ev.ID),
		zap.Int("kind", ev.Kind),
		zap.String("amount", amount.String()))

	return &HandleResponse{
		Accept:      true,
		Fulfillment: Fulfillment(ev.ID),
		Metadata: &ResponseMetadata{
			EventID:      ev.ID,
			StoredAt:     s.clk.Now().UTC().Format(time.RFC3339),
			SpspResponse: spspResponse,
		},
	}, nil
}

// spspRejection maps handshake failures onto reject codes: requester faults
// are final, connector trouble is temporary.
func spspRejection(err error) *rejection {
	if errors.Is(err, spsp.ErrChannelOpenTimeout) ||
		errors.Is(err, spsp.ErrChannelOpenFailed) ||
		errors.Is(err, spsp.ErrPeerRegistration) {
		return reject(CodeTemporaryFailure, "handshake: %v", err)
	}
	return reject(CodeInvalidPacket, "handshake: %v", err)
}

func (s *Server) writeReject(w http.ResponseWriter, rej *rejection, start time.Time) {
	s.metrics.PacketsTotal.WithLabelValues("reject", rej.code).Inc()
	s.metrics.HandleSeconds.Observe(time.Since(start).Seconds())
	zap.L().Debug("packet rejected",
		zap.String("code", rej.code),
		zap.String("reason", rej.message))

	status := http.StatusBadRequest
	if rej.code == CodeTemporaryFailure {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HandleResponse{Code: rej.code, Message: rej.message, Metadata: rej.meta})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("writing response", zap.Error(err))
	}
}
