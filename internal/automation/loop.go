// Package automation implements the per-group automation loop (C6):
// a single ticker that computes nudge, actor-idle, silence-check,
// self-check, help-nudge, and keep-alive notifications from
// ledger-derived state and emits them as system.notify events through
// the delivery pipeline (spec.md §4.6).
package automation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cccc-kernel/cccc/internal/config"
	"github.com/cccc-kernel/cccc/internal/delivery"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

// tickInterval is the loop's poll frequency. spec.md §4.6 requires
// only "a single ticker (>=1 Hz)"; 2Hz gives prompt nudge/silence
// detection without meaningfully taxing the ledger scan.
const tickInterval = 500 * time.Millisecond

// nowFunc is overridden in tests for deterministic timestamps.
var nowFunc = time.Now

// Policy notify kinds (spec.md §4.6).
const (
	kindNudge        = "nudge"
	kindActorIdle    = "actor_idle"
	kindSilenceCheck = "silence_check"
	kindSelfCheck    = "self_check"
	kindHelpNudge    = "help_nudge"
)

// notifyState is the per-(actor,kind) keep-alive bookkeeping used to
// cap repeated notifications and avoid storms. The constant backoff
// paces retries at a fixed keepalive_delay_seconds interval once the
// actor has hit keepalive_max_per_actor (spec.md §4.6).
type notifyState struct {
	count  int
	lastAt time.Time
	pacer  *backoff.ConstantBackOff
}

// actorBookkeeping is the in-memory state the loop accumulates between
// ticks for one actor. It does not survive a daemon restart — restart
// simply resets the counters, which is harmless since they bound
// *rate* of notification, not correctness of any durable state.
type actorBookkeeping struct {
	handoffsSinceCheck     int
	selfChecksSinceRefresh int
	pendingAttentionEvents []string
	helpNudgeSent          bool
}

// Loop drives one group's automation ticker.
type Loop struct {
	groupID    string
	group      *group.Group
	ledger     *ledger.Store
	inbox      *inbox.Engine
	pipeline   *delivery.Pipeline
	runningSet RunningSet
	policy     config.Policy

	mu         sync.Mutex
	lastSeq    int64
	lastMsgAt  time.Time
	silenced   bool
	bookkeeping map[string]*actorBookkeeping
	notifies    map[string]*notifyState // key: actorID+"\x00"+kind

	cancel context.CancelFunc
}

// RunningSet reports actor liveness and output recency, implemented by
// internal/actorsup.Supervisor.
type RunningSet interface {
	IsRunning(actorID string) bool
	LastOutputAt(actorID string) (time.Time, bool)
}

// New constructs a Loop for one group.
func New(g *group.Group, store *ledger.Store, eng *inbox.Engine, pipeline *delivery.Pipeline, running RunningSet, policy config.Policy) *Loop {
	return &Loop{
		groupID:     g.GroupID,
		group:       g,
		ledger:      store,
		inbox:       eng,
		pipeline:    pipeline,
		runningSet:  running,
		policy:      policy,
		bookkeeping: make(map[string]*actorBookkeeping),
		notifies:    make(map[string]*notifyState),
	}
}

// Start launches the ticker goroutine. Stop cancels it.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(ctx)
}

// Stop terminates the ticker goroutine.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one pass of every policy. Exported for tests that want
// deterministic, synchronous control instead of the background ticker.
func (l *Loop) Tick(ctx context.Context) {
	l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) {
	l.group.RLock()
	state := l.group.State
	actors := append([]*group.Actor(nil), l.group.Actors...)
	l.group.RUnlock()

	l.absorbNewEvents(actors)

	// idle suppresses every automation notification outright; paused
	// still computes and appends them (only injection is suppressed,
	// inside Pipeline.Notify itself).
	if state == group.StateIdle {
		return
	}

	l.checkSilence(ctx, state)
	for _, actor := range actors {
		if !actor.Enabled {
			continue
		}
		l.checkNudge(ctx, actor)
		l.checkActorIdle(ctx, actor)
		l.checkSelfCheck(ctx, actor)
		l.checkHelpNudge(ctx, actor)
	}
}

// absorbNewEvents folds every ledger event appended since the last
// tick into the loop's bookkeeping: handoff counts (for self-check),
// pending-attention tracking (for help-nudge), and the silence timer.
func (l *Loop) absorbNewEvents(actors []*group.Actor) {
	l.mu.Lock()
	since := l.lastSeq
	l.mu.Unlock()

	var cursor *ledger.Cursor
	if since > 0 {
		cursor = &ledger.Cursor{Seq: since}
	}
	events := l.ledger.Tail(cursor, []string{ledger.KindChatMessage, ledger.KindChatAck}, 0)
	if len(events) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		if ev.Seq > l.lastSeq {
			l.lastSeq = ev.Seq
		}
		switch ev.Kind {
		case ledger.KindChatMessage:
			l.absorbChatMessageLocked(ev)
		case ledger.KindChatAck:
			l.absorbChatAckLocked(ev)
		}
	}
}

func (l *Loop) absorbChatMessageLocked(ev ledger.Event) {
	var data ledger.ChatMessageData
	if err := unmarshalEventData(ev, &data); err != nil {
		return
	}
	l.lastMsgAt = nowFunc()
	l.silenced = false

	senderActorID := ""
	if ev.By != ledger.PrincipalUser && ev.By != ledger.PrincipalSystem {
		senderActorID = ev.By
	}
	res := ledger.ResolveRecipients(data.To, data.Priority, senderActorID, l.group)
	for _, actorID := range res.ActorIDs {
		bk := l.bookLocked(actorID)
		bk.handoffsSinceCheck++
	}

	if data.Priority == ledger.PriorityAttention && senderActorID != "" {
		bk := l.bookLocked(senderActorID)
		bk.pendingAttentionEvents = append(bk.pendingAttentionEvents, ev.ID)
	}
}

func (l *Loop) absorbChatAckLocked(ev ledger.Event) {
	var data ledger.ChatAckData
	if err := unmarshalEventData(ev, &data); err != nil {
		return
	}
	// An ack clears the acked event from every sender's pending list.
	// Pending lists are per-sender and the sender is not looked up by
	// event id here, so walk every bookkeeping entry and drop the acked
	// event id; a list that becomes empty re-arms that sender's
	// help-nudge.
	for _, bk := range l.bookkeeping {
		bk.pendingAttentionEvents = removeString(bk.pendingAttentionEvents, data.EventID)
		if len(bk.pendingAttentionEvents) == 0 {
			bk.helpNudgeSent = false
		}
	}
}

func (l *Loop) bookLocked(actorID string) *actorBookkeeping {
	bk, ok := l.bookkeeping[actorID]
	if !ok {
		bk = &actorBookkeeping{}
		l.bookkeeping[actorID] = bk
	}
	return bk
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func unmarshalEventData(ev ledger.Event, v interface{}) error {
	return json.Unmarshal(ev.Data, v)
}
