package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/nip01"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512 * 1024

	// sendQueueSize bounds the outbound frame queue per connection. A
	// client that cannot drain it loses the subscription that overflowed
	// it rather than stalling the broadcast path.
	sendQueueSize = 64

	// stagingLimit bounds live events buffered for a subscription that is
	// still replaying stored events.
	stagingLimit = 512
)

type connection struct {
	srv  *Server
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu   sync.RWMutex
	subs map[string]*subscription

	closeOnce sync.Once
}

// subscription buffers live events until the stored-event replay has
// finished, then delivers directly. The staging mutex orders the handoff so
// no event is lost or delivered twice around EOSE.
type subscription struct {
	id      string
	filters nostr.Filters

	stagingMu sync.Mutex
	staging   []*nostr.Event
	live      bool
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		srv:  s,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		subs: make(map[string]*subscription),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.srv.dropConnection(c)

		c.mu.Lock()
		n := len(c.subs)
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()
		if n > 0 {
			c.srv.metrics.RelaySubscriptions.Sub(float64(n))
		}
	})
}

func (c *connection) readPump() {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("client read failed", zap.Error(err))
			}
			return
		}

		var parts []json.RawMessage
		if err := json.Unmarshal(msg, &parts); err != nil || len(parts) == 0 {
			c.notice("malformed frame: expected a JSON array")
			continue
		}
		var label string
		if err := json.Unmarshal(parts[0], &label); err != nil {
			c.notice("malformed frame: first element must be a string")
			continue
		}

		switch label {
		case "REQ":
			c.handleReq(parts)
		case "CLOSE":
			c.handleClose(parts)
		case "EVENT":
			c.handleEvent(parts)
		default:
			c.notice("unrecognized frame: " + label)
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue offers a frame to the writer without blocking; false means the
// queue is full or the connection is closing.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *connection) enqueueJSON(frame []any) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		zap.L().Error("encoding relay frame", zap.Error(err))
		return true
	}
	return c.enqueue(b)
}

func (c *connection) notice(msg string) bool {
	return c.enqueueJSON([]any{"NOTICE", msg})
}

func (c *connection) okResp(id string, accepted bool, msg string) {
	c.enqueueJSON([]any{"OK", id, accepted, msg})
}

func (c *connection) sendEvent(subID string, ev *nostr.Event) bool {
	return c.enqueueJSON([]any{"EVENT", subID, ev})
}

func (c *connection) handleReq(parts []json.RawMessage) {
	if len(parts) < 3 {
		c.notice("REQ requires a subscription id and at least one filter")
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil || subID == "" || len(subID) > 64 {
		c.notice("REQ subscription id must be a non-empty string of at most 64 characters")
		return
	}
	if len(parts)-2 > c.srv.cfg.MaxFiltersPerSub {
		c.notice("REQ exceeds the filter limit for this relay")
		return
	}
	filters := make(nostr.Filters, 0, len(parts)-2)
	for _, raw := range parts[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.notice("REQ filter is not valid JSON")
			return
		}
		filters = append(filters, f)
	}

	sub := &subscription{id: subID, filters: filters}
	c.mu.Lock()
	_, replacing := c.subs[subID]
	if !replacing && len(c.subs) >= c.srv.cfg.MaxSubscriptionsPerConn {
		c.mu.Unlock()
		c.notice("subscription limit reached for this connection")
		return
	}
	c.subs[subID] = sub
	c.mu.Unlock()
	if !replacing {
		c.srv.metrics.RelaySubscriptions.Inc()
	}

	c.replay(sub)
}

// replay streams stored events for a fresh subscription, marks the end with
// EOSE, then drains anything broadcast concurrently and switches the
// subscription live.
func (c *connection) replay(sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.timeouts.Query)
	events, err := c.srv.store.QueryEvents(ctx, sub.filters)
	cancel()
	if err != nil {
		zap.L().Warn("stored event query failed", zap.String("sub", sub.id), zap.Error(err))
		c.notice("stored event query failed for " + sub.id)
	}

	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if !c.sendEvent(sub.id, ev) {
			c.dropSubscription(sub.id)
			return
		}
		seen[ev.ID] = struct{}{}
	}
	if !c.enqueueJSON([]any{"EOSE", sub.id}) {
		c.dropSubscription(sub.id)
		return
	}

	sub.stagingMu.Lock()
	for _, ev := range sub.staging {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		if !c.sendEvent(sub.id, ev) {
			sub.stagingMu.Unlock()
			c.dropSubscription(sub.id)
			return
		}
	}
	sub.staging = nil
	sub.live = true
	sub.stagingMu.Unlock()
}

func (c *connection) handleClose(parts []json.RawMessage) {
	if len(parts) < 2 {
		c.notice("CLOSE requires a subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(parts[1], &subID); err != nil || subID == "" {
		c.notice("CLOSE subscription id must be a non-empty string")
		return
	}
	c.removeSubscription(subID)
}

func (c *connection) handleEvent(parts []json.RawMessage) {
	if len(parts) < 2 {
		c.notice("EVENT requires an event object")
		return
	}
	var ev nostr.Event
	if err := json.Unmarshal(parts[1], &ev); err != nil {
		c.notice("EVENT payload is not a valid event")
		return
	}
	if !c.srv.cfg.AllowClientPublish {
		c.okResp(ev.ID, false, "blocked: writes require payment; submit events through an ILP packet")
		return
	}
	if ev.GetID() != ev.ID {
		c.okResp(ev.ID, false, "invalid: id does not match event content")
		return
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		c.okResp(ev.ID, false, "invalid: bad signature")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.timeouts.Query)
	saved, err := c.srv.store.SaveEvent(ctx, &ev)
	cancel()
	if err != nil {
		zap.L().Warn("storing client event failed", zap.String("id", ev.ID), zap.Error(err))
		c.okResp(ev.ID, false, "error: storage unavailable")
		return
	}

	msg := ""
	if !saved && !nip01.IsEphemeral(ev.Kind) {
		msg = "duplicate: already have this event"
	}
	c.okResp(ev.ID, true, msg)
	if saved || nip01.IsEphemeral(ev.Kind) {
		c.srv.Broadcast(&ev)
	}
}

// match delivers the event to every subscription on this connection whose
// filters accept it.
func (c *connection) match(ev *nostr.Event) {
	c.mu.RLock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if nip01.MatchAny(sub.filters, ev) {
			subs = append(subs, sub)
		}
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		c.deliver(sub, ev)
	}
}

func (c *connection) deliver(sub *subscription, ev *nostr.Event) {
	sub.stagingMu.Lock()
	if !sub.live {
		if len(sub.staging) >= stagingLimit {
			sub.stagingMu.Unlock()
			c.dropSubscription(sub.id)
			return
		}
		sub.staging = append(sub.staging, ev)
		sub.stagingMu.Unlock()
		return
	}
	sub.stagingMu.Unlock()

	if !c.sendEvent(sub.id, ev) {
		c.dropSubscription(sub.id)
	}
}

func (c *connection) removeSubscription(subID string) bool {
	c.mu.Lock()
	_, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		c.srv.metrics.RelaySubscriptions.Dec()
	}
	return ok
}

// dropSubscription removes a subscription the client is not keeping up
// with and tells it why. A client too slow to even take the notice is cut
// off entirely.
func (c *connection) dropSubscription(subID string) {
	if !c.removeSubscription(subID) {
		return
	}
	zap.L().Debug("dropping slow subscription", zap.String("sub", subID))
	if !c.notice("subscription " + subID + " dropped: send queue overflow") {
		c.close()
	}
}
