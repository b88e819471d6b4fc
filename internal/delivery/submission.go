// Package delivery implements the send/reply/relay pipeline (C5):
// durable append first, then best-effort PTY injection into every
// running recipient actor, rate-limited per actor and never blocking
// the submission path.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

// Submission is a caller's request to send, reply, or relay a chat
// message into a group.
type Submission struct {
	By         string // "user" or an actor id
	To         []string
	Text       string
	Format     string // ledger.FormatPlain | ledger.FormatMarkdown
	Priority   string // ledger.PriorityNormal | ledger.PriorityAttention
	ReplyTo    string
	QuoteText  string
	ScopeKey   string // optional override; defaults to the group's active scope
	ClientID   string
	Attachments []ledger.Attachment

	// Relay provenance, set only for cross-group relay submissions
	// (spec.md I5: both or neither must be populated).
	SrcGroupID string
	SrcEventID string
}

// Pipeline is the per-group C5 instance wiring C1 (recipient grammar),
// C2 (ledger), C3 (inbox engine), and C4 (supervisor) together.
type Pipeline struct {
	group      *group.Group
	ledger     *ledger.Store
	inbox      *inbox.Engine
	supervisor *actorsup.Supervisor
	queues     *queueSet
	idempotent *idempotencyWindow

	deliveryMinIntervalSeconds int
}

// New constructs a Pipeline for one group and wires the actor-start
// preamble hook into sup.
func New(g *group.Group, store *ledger.Store, eng *inbox.Engine, sup *actorsup.Supervisor, workDir string) *Pipeline {
	queues := newQueueSet(g.GroupID, sup, workDir)
	queues.group = g
	p := &Pipeline{
		group:      g,
		ledger:     store,
		inbox:      eng,
		supervisor: sup,
		queues:     queues,
		idempotent: newIdempotencyWindow(5 * time.Minute),

		deliveryMinIntervalSeconds: 2,
	}
	if sup != nil {
		sup.SetStartHook(func(actorID string) { p.replayPreamble(actorID) })
	}
	return p
}

// SetDeliveryMinInterval overrides the per-actor injection rate limit
// (spec.md §4.5/§4.6's delivery_min_interval_seconds policy), used by
// the daemon to apply the group's effective config.Policy once it is
// known.
func (p *Pipeline) SetDeliveryMinInterval(seconds int) {
	if seconds > 0 {
		p.deliveryMinIntervalSeconds = seconds
	}
}

// SetWorkDir repoints the injector's spill directory at a new active
// scope root, used by group_use (spec.md §6) when the active scope
// changes after the pipeline was constructed.
func (p *Pipeline) SetWorkDir(workDir string) {
	p.queues.workDir = workDir
}

// Submit runs the spec.md §4.5 algorithm for a send or reply: validate,
// normalize, append, then best-effort inject into every running
// recipient. The returned event is the submission's only durable
// effect; injection failures never surface as submission errors.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (ledger.Event, error) {
	if err := p.validate(sub); err != nil {
		return ledger.Event{}, err
	}

	if sub.ClientID != "" {
		if existing, ok := p.idempotent.check(sub.By, sub.ClientID); ok {
			return existing, nil
		}
	}

	normalizedTo, err := ledger.NormalizeRecipients(sub.To, p.group)
	if err != nil {
		return ledger.Event{}, err
	}

	scopeKey := sub.ScopeKey
	if scopeKey == "" {
		scopeKey = p.group.ActiveScopeKey
	}

	if sub.Format == ledger.FormatMarkdown {
		sub.Text = p.ledger.SanitizeMarkdown(sub.Text)
	}

	data := ledger.ChatMessageData{
		Text: sub.Text, Format: sub.Format, To: normalizedTo,
		ReplyTo: sub.ReplyTo, QuoteText: sub.QuoteText, Priority: sub.Priority,
		SrcGroupID: sub.SrcGroupID, SrcEventID: sub.SrcEventID,
		Attachments: sub.Attachments, ClientID: sub.ClientID,
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("marshal chat.message data: %w", err)
	}

	ev, err := p.ledger.Append(ledger.Event{
		Kind: ledger.KindChatMessage, GroupID: p.group.GroupID,
		ScopeKey: scopeKey, By: sub.By, Data: payload,
	})
	if err != nil {
		return ledger.Event{}, err
	}

	if sub.ClientID != "" {
		p.idempotent.record(sub.By, sub.ClientID, ev)
	}

	if err := p.inbox.ApplyEvent(ev, p.group); err != nil {
		return ev, fmt.Errorf("apply event to inbox: %w", err)
	}

	senderActorID := ""
	if sub.By != ledger.PrincipalUser && sub.By != ledger.PrincipalSystem {
		senderActorID = sub.By
	}
	if p.shouldDeliver() {
		res := inbox.ResolveDelivery(normalizedTo, sub.Priority, senderActorID, p.group)
		for _, actorID := range res.ActorIDs {
			if !p.supervisor.IsRunning(actorID) {
				continue // stays durable in the actor's inbox until next start
			}
			p.enqueueInjection(actorID, sub.By, ev)
		}
	}

	return ev, nil
}

// Relay submits sub into a destination group's pipeline with relay
// provenance populated, implementing spec.md §4.5 step 5. The source
// group's own outbound-send record, if any, is the caller's
// responsibility (this function only performs the destination-side
// append-and-deliver).
func (dst *Pipeline) Relay(ctx context.Context, sub Submission, srcGroupID, srcEventID string) (ledger.Event, error) {
	sub.SrcGroupID = srcGroupID
	sub.SrcEventID = srcEventID
	return dst.Submit(ctx, sub)
}

func (p *Pipeline) validate(sub Submission) error {
	if sub.Text == "" && len(sub.Attachments) == 0 {
		return fmt.Errorf("invalid_request: text is empty and no attachments present")
	}
	if (sub.SrcGroupID == "") != (sub.SrcEventID == "") {
		return fmt.Errorf("invalid_request: relay provenance requires both src_group_id and src_event_id")
	}
	return nil
}

