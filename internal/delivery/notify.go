package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

// Notify appends a system.notify event and best-effort injects it into
// every running recipient, exactly like a chat message (spec.md §4.6:
// automation notifications are "delivered via §4.5 just like chat").
// Used by the automation loop (C6) for its nudge/actor-idle/
// silence-check/self-check/help-nudge/keep-alive notifications.
func (p *Pipeline) Notify(ctx context.Context, data ledger.SystemNotifyData) (ledger.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("marshal system.notify data: %w", err)
	}

	ev, err := p.ledger.Append(ledger.Event{
		Kind: ledger.KindSystemNotify, GroupID: p.group.GroupID,
		ScopeKey: p.group.ActiveScopeKey, By: ledger.PrincipalSystem, Data: payload,
	})
	if err != nil {
		return ledger.Event{}, err
	}

	if err := p.inbox.ApplyEvent(ev, p.group); err != nil {
		return ev, fmt.Errorf("apply event to inbox: %w", err)
	}

	if !p.shouldDeliver() {
		return ev, nil
	}

	res := inbox.ResolveDelivery(data.To, ledger.PriorityNormal, "", p.group)
	for _, actorID := range res.ActorIDs {
		if !p.supervisor.IsRunning(actorID) {
			continue
		}
		p.enqueueInjection(actorID, ledger.PrincipalSystem, ev)
	}
	return ev, nil
}

// shouldDeliver reports whether injection into running actors should
// proceed. group.State=="paused" suppresses delivery entirely — events
// still append — per spec.md §4.6.
func (p *Pipeline) shouldDeliver() bool {
	p.group.RLock()
	defer p.group.RUnlock()
	return p.group.State != group.StatePaused
}
