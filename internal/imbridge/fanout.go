package imbridge

import (
	"context"
	"log/slog"

	"github.com/cccc-kernel/cccc/internal/bus"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

// GroupSubscription is one bridge's subscription to a group (mirrors
// secretstore.BridgeSubscription without importing that package, to
// keep this capability package dependency-free of storage concerns).
type GroupSubscription struct {
	BridgeID   string
	ChannelRef string
}

// SubscriptionLookup resolves which bridges are subscribed to a group.
// Satisfied by secretstore.Store.SubscriptionsForGroup adapted at the
// call site (daemon wiring).
type SubscriptionLookup func(groupID string) ([]GroupSubscription, error)

// Fanout is C8's IM bridge leg (spec.md §4.8): it subscribes to the
// bus for a group and republishes every appended event to every bridge
// currently subscribed to that group, via the bridge Registry. Publish
// errors are logged, never fatal to the append path (spec.md §7:
// "subscriber disconnects are logged, not errors to the submitter").
type Fanout struct {
	bus      *bus.Manager
	registry *Registry
	lookup   SubscriptionLookup
}

// NewFanout constructs a Fanout over the shared event bus and bridge
// registry, using lookup to resolve per-group subscriptions.
func NewFanout(b *bus.Manager, registry *Registry, lookup SubscriptionLookup) *Fanout {
	return &Fanout{bus: b, registry: registry, lookup: lookup}
}

// Run subscribes to groupID's event stream and republishes to every
// subscribed bridge until ctx is cancelled. Intended to run as one
// goroutine per group, started alongside the automation loop and
// stopped with it.
func (f *Fanout) Run(ctx context.Context, groupID string) {
	sub := f.bus.Subscribe(groupID)
	defer f.bus.Unsubscribe(groupID, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Closed():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			f.publish(ctx, groupID, ev)
		}
	}
}

func (f *Fanout) publish(ctx context.Context, groupID string, ev ledger.Event) {
	subs, err := f.lookup(groupID)
	if err != nil {
		slog.Warn("imbridge: subscription lookup failed", "group_id", groupID, "error", err)
		return
	}
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if _, already := seen[s.BridgeID]; already {
			continue
		}
		seen[s.BridgeID] = struct{}{}

		br, err := f.registry.New(s.BridgeID)
		if err != nil {
			slog.Warn("imbridge: unknown bridge", "bridge_id", s.BridgeID, "error", err)
			continue
		}
		if err := br.Publish(ctx, ev); err != nil {
			slog.Warn("imbridge: publish failed", "bridge_id", s.BridgeID, "group_id", groupID, "event_id", ev.ID, "error", err)
		}
	}
}
