package node

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/nostrlink/relaygate/pkg/config"
	"github.com/nostrlink/relaygate/pkg/nip01"
	"github.com/nostrlink/relaygate/pkg/relay"
	"github.com/nostrlink/relaygate/pkg/store"
)

// announcer distributes this node's own announcement events. They are
// stored locally and broadcast through the node's relay so anyone already
// connected sees them, then pushed to each configured discovery relay so
// other nodes find this one. External publishes are best effort; a relay
// being down must not fail an announcement.
type announcer struct {
	store    store.Store
	sink     *relay.Server
	relays   []string
	timeouts config.Timeouts
}

func (a *announcer) Publish(ctx context.Context, ev *nostr.Event) error {
	saved, err := a.store.SaveEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("store announcement: %w", err)
	}
	if saved || nip01.IsEphemeral(ev.Kind) {
		a.sink.Broadcast(ev)
	}

	for _, url := range a.relays {
		if err := a.publishTo(ctx, url, ev); err != nil {
			zap.L().Warn("announcement not accepted by relay",
				zap.String("relay", url),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Debug("announcement published",
			zap.String("relay", url),
			zap.String("event_id", ev.ID),
		)
	}
	return nil
}

func (a *announcer) publishTo(ctx context.Context, url string, ev *nostr.Event) error {
	dctx, dcancel := context.WithTimeout(ctx, a.timeouts.Dial)
	r, err := nostr.RelayConnect(dctx, url)
	dcancel()
	if err != nil {
		return err
	}
	defer r.Close()

	pctx, pcancel := context.WithTimeout(ctx, a.timeouts.Publish)
	defer pcancel()
	return r.Publish(pctx, *ev)
}
