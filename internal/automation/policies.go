package automation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/metrics"
	"github.com/cccc-kernel/cccc/internal/util/timefmt"
)

// checkNudge implements spec.md §4.6's nudge policy: if actor has any
// unread chat.message older than nudge_after_seconds, notify it,
// suppressed if the last nudge to that actor is newer than
// nudge_after_seconds.
func (l *Loop) checkNudge(ctx context.Context, actor *group.Actor) {
	after := time.Duration(l.policy.NudgeAfterSeconds) * time.Second
	if after <= 0 {
		return
	}
	cursor, hasCursor := l.inbox.Cursor(actor.ActorID)

	tail := l.ledger.Tail(nil, []string{ledger.KindChatMessage}, 0)
	now := nowFunc()
	hasStaleUnread := false
	for _, ev := range tail {
		if hasCursor && ev.Seq <= cursor.LastReadSeq {
			continue
		}
		if !addressedTo(ev, actor.ActorID, l.group) {
			continue
		}
		ts, err := time.Parse(timefmt.ISO8601, ev.TS)
		if err != nil {
			continue
		}
		if now.Sub(ts) >= after {
			hasStaleUnread = true
			break
		}
	}
	if !hasStaleUnread {
		return
	}

	l.mu.Lock()
	st, seen := l.notifies[actor.ActorID+"\x00"+kindNudge]
	recent := seen && now.Sub(st.lastAt) < after
	l.mu.Unlock()
	if recent {
		return
	}

	l.notify(ctx, actor.ActorID, kindNudge, []string{actor.ActorID}, "you have unread messages pending", false)
}

// checkActorIdle implements spec.md §4.6's actor-idle policy: a
// running actor with no terminal output for actor_idle_timeout_seconds
// and unread messages gets its foreman notified.
func (l *Loop) checkActorIdle(ctx context.Context, actor *group.Actor) {
	timeout := time.Duration(l.policy.ActorIdleTimeoutSeconds) * time.Second
	if timeout <= 0 || l.runningSet == nil {
		return
	}
	if !l.runningSet.IsRunning(actor.ActorID) {
		return
	}
	lastOutput, ok := l.runningSet.LastOutputAt(actor.ActorID)
	if !ok || nowFunc().Sub(lastOutput) < timeout {
		return
	}

	cursor, hasCursor := l.inbox.Cursor(actor.ActorID)
	tail := l.ledger.Tail(nil, []string{ledger.KindChatMessage}, 0)
	hasUnread := false
	for _, ev := range tail {
		if hasCursor && ev.Seq <= cursor.LastReadSeq {
			continue
		}
		if addressedTo(ev, actor.ActorID, l.group) {
			hasUnread = true
			break
		}
	}
	if !hasUnread {
		return
	}

	foreman := l.group.ForemanActorID()
	if foreman == "" || foreman == actor.ActorID {
		return
	}
	l.notify(ctx, actor.ActorID, kindActorIdle, []string{foreman}, "actor "+actor.ActorID+" produced no output and has unread messages", false)
}

// checkSilence implements spec.md §4.6's silence-check policy: no
// chat.message for silence_timeout_seconds while the group is active
// triggers a broadcast notice, fired once per silence period.
func (l *Loop) checkSilence(ctx context.Context, state string) {
	timeout := time.Duration(l.policy.SilenceTimeoutSeconds) * time.Second
	if timeout <= 0 || state != group.StateActive {
		return
	}

	l.mu.Lock()
	lastMsgAt := l.lastMsgAt
	alreadySilenced := l.silenced
	l.mu.Unlock()

	if lastMsgAt.IsZero() || alreadySilenced {
		return
	}
	if nowFunc().Sub(lastMsgAt) < timeout {
		return
	}

	l.mu.Lock()
	l.silenced = true
	l.mu.Unlock()

	l.notify(ctx, "", kindSilenceCheck, []string{ledger.SelectorAll}, "no activity in this group recently", false)
}

// checkSelfCheck implements spec.md §4.6's self-check policy: every
// self_check_every_handoffs non-nudge handoffs directed at an actor,
// notify it; every system_refresh_every_self_checks self-checks,
// additionally trigger a SYSTEM prompt re-injection.
func (l *Loop) checkSelfCheck(ctx context.Context, actor *group.Actor) {
	every := l.policy.SelfCheckEveryHandoffs
	if every <= 0 {
		return
	}

	l.mu.Lock()
	bk := l.bookLocked(actor.ActorID)
	if bk.handoffsSinceCheck < every {
		l.mu.Unlock()
		return
	}
	bk.handoffsSinceCheck = 0
	bk.selfChecksSinceRefresh++
	refresh := l.policy.SystemRefreshEverySelfCheck > 0 &&
		bk.selfChecksSinceRefresh >= l.policy.SystemRefreshEverySelfCheck
	if refresh {
		bk.selfChecksSinceRefresh = 0
	}
	l.mu.Unlock()

	l.notify(ctx, actor.ActorID, kindSelfCheck, []string{actor.ActorID}, "periodic self-check", true)
	if refresh {
		// Re-injection of the actor's own system prompt is the attaching
		// runtime's responsibility (this kernel doesn't template prompts
		// per actor); the marker notification lets the runtime's own
		// automation hook act on it.
		l.notify(ctx, actor.ActorID, kindSelfCheck, []string{actor.ActorID}, "system prompt refresh due", true)
	}
}

// checkHelpNudge implements spec.md §4.6's help-nudge policy: an actor
// with >= help_nudge_min_messages attention messages unacked by any
// recipient gets a help_nudge.
func (l *Loop) checkHelpNudge(ctx context.Context, actor *group.Actor) {
	min := l.policy.HelpNudgeMinMessages
	if min <= 0 {
		return
	}

	l.mu.Lock()
	bk := l.bookLocked(actor.ActorID)
	pending := len(bk.pendingAttentionEvents)
	already := bk.helpNudgeSent
	if pending >= min && !already {
		bk.helpNudgeSent = true
	}
	l.mu.Unlock()

	if pending < min || already {
		return
	}

	l.notify(ctx, actor.ActorID, kindHelpNudge, []string{ledger.SelectorForeman}, "actor "+actor.ActorID+" has unacked attention messages piling up", false)
}

// notify emits a system.notify event through the delivery pipeline,
// gated by the keep-alive cap (keepalive_max_per_actor repeats per
// actor+kind, spaced at least keepalive_delay_seconds apart) so a
// stuck condition doesn't storm an actor with repeats.
func (l *Loop) notify(ctx context.Context, actorID, kind string, to []string, text string, requiresAck bool) {
	key := actorID + "\x00" + kind

	l.mu.Lock()
	st, ok := l.notifies[key]
	if !ok {
		delay := time.Duration(l.policy.KeepaliveDelaySeconds) * time.Second
		st = &notifyState{pacer: backoff.NewConstantBackOff(delay)}
		l.notifies[key] = st
	}
	if ok && st.count >= l.policy.KeepaliveMaxPerActor && l.policy.KeepaliveMaxPerActor > 0 {
		next, err := st.pacer.NextBackOff()
		if err == nil && nowFunc().Sub(st.lastAt) < next {
			l.mu.Unlock()
			return
		}
	}
	st.count++
	st.lastAt = nowFunc()
	l.mu.Unlock()

	_, err := l.pipeline.Notify(ctx, ledger.SystemNotifyData{
		Kind: kind, To: to, Text: text, RequiresAck: requiresAck,
	})
	if err != nil {
		return
	}
	metrics.AutomationNotificationsTotal.WithLabelValues(l.groupID, kind).Inc()
}

// addressedTo reports whether ev (a chat.message) resolves actorID as
// a concrete recipient.
func addressedTo(ev ledger.Event, actorID string, reg ledger.RegistrySnapshot) bool {
	var data ledger.ChatMessageData
	if err := unmarshalEventData(ev, &data); err != nil {
		return false
	}
	senderActorID := ""
	if ev.By != ledger.PrincipalUser && ev.By != ledger.PrincipalSystem {
		senderActorID = ev.By
	}
	res := ledger.ResolveRecipients(data.To, data.Priority, senderActorID, reg)
	for _, id := range res.ActorIDs {
		if id == actorID {
			return true
		}
	}
	return false
}
