package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/delivery"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/id"
	"github.com/cccc-kernel/cccc/internal/ipc"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

// Handler implements ipc.Handler: it decodes req.Args into the op's
// argument struct, runs the op against the relevant group's runtime,
// and returns the result to be marshaled back into the envelope.
func (d *Daemon) Handler(ctx context.Context, op string, args json.RawMessage) (interface{}, error) {
	switch op {
	case "ping":
		return pingResult{PID: os.Getpid(), Version: "1"}, nil
	case "groups":
		return d.opGroups()
	case "group_show":
		return d.opGroupShow(args)
	case "group_create":
		return d.opGroupCreate(args)
	case "group_update":
		return nil, d.opGroupUpdate(args)
	case "group_delete":
		return nil, d.opGroupDelete(args)
	case "group_start":
		return nil, d.opGroupSetRunning(args, true)
	case "group_stop":
		return nil, d.opGroupSetRunning(args, false)
	case "group_set_state":
		return nil, d.opGroupSetState(args)
	case "group_use":
		return nil, d.opGroupUse(args)
	case "attach":
		return d.opGroupShow(args)

	case "actor_list":
		return d.opActorList(args)
	case "actor_add":
		return nil, d.opActorAdd(args)
	case "actor_update":
		return nil, d.opActorUpdate(args)
	case "actor_remove":
		return nil, d.opActorRemove(args)
	case "actor_start":
		return nil, d.opActorLifecycle(args, func(s *actorsup.Supervisor, principal, actorID string) error {
			return s.StartActor(ctx, principal, actorID)
		})
	case "actor_stop":
		return nil, d.opActorLifecycle(args, func(s *actorsup.Supervisor, principal, actorID string) error {
			return s.StopActor(ctx, principal, actorID, actorsup.CauseUser)
		})
	case "actor_restart":
		return nil, d.opActorLifecycle(args, func(s *actorsup.Supervisor, principal, actorID string) error {
			return s.RestartActor(ctx, principal, actorID)
		})

	case "actor_env_private_get_keys":
		return d.opEnvPrivateGetKeys(args)
	case "actor_env_private_update":
		return nil, d.opEnvPrivateUpdate(args)

	case "send", "reply":
		return d.opSend(ctx, args)
	case "send_cross_group":
		return d.opSendCrossGroup(ctx, args)
	case "chat_ack":
		return nil, d.opChatAck(args)

	case "inbox_list":
		return d.opInboxList(args)
	case "inbox_mark_read":
		return nil, d.opInboxMarkRead(args)
	case "inbox_mark_all_read":
		return nil, d.opInboxMarkAllRead(args)

	case "system_notify":
		return d.opSystemNotify(ctx, args)
	case "notify_ack":
		return nil, d.opNotifyAck(args)

	case "term_resize":
		return nil, d.opTermResize(args)
	case "terminal_tail":
		return d.opTerminalTail(args)
	case "terminal_clear":
		return nil, d.opTerminalClear(args)

	case "ledger_tail":
		return d.opLedgerTail(args)
	case "ledger_window":
		return d.opLedgerWindow(args)
	case "ledger_search":
		return d.opLedgerSearch(args)
	case "ledger_snapshot":
		return d.opLedgerSnapshot(args)
	case "ledger_compact":
		return d.opLedgerCompact(args)

	case "shutdown":
		return nil, nil

	default:
		return nil, ipc.NewError(ipc.CodeUnknownOp, "unknown op: "+op)
	}
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid_request: %v", err)
	}
	return v, nil
}

func (d *Daemon) mustRuntime(groupID string) (*groupRuntime, error) {
	rt, ok := d.runtime(groupID)
	if !ok {
		return nil, fmt.Errorf("group_not_found: %s", groupID)
	}
	return rt, nil
}

// --- groups ---

func (d *Daemon) opGroups() ([]groupSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]groupSummary, 0, len(d.runtimes))
	for _, rt := range d.runtimes {
		out = append(out, groupSummary{GroupID: rt.group.GroupID, Title: rt.group.Title, State: rt.group.State, Running: rt.group.Running})
	}
	return out, nil
}

func (d *Daemon) opGroupShow(args json.RawMessage) (*group.Group, error) {
	a, err := decode[groupShowArgs](args)
	if err != nil {
		return nil, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return nil, err
	}
	return rt.group, nil
}

func (d *Daemon) opGroupCreate(args json.RawMessage) (groupCreateResult, error) {
	a, err := decode[groupCreateArgs](args)
	if err != nil {
		return groupCreateResult{}, err
	}
	if a.Title == "" {
		return groupCreateResult{}, fmt.Errorf("invalid_request: title is required")
	}
	now := time.Now().UTC()
	g := &group.Group{
		GroupID: id.GenerateShort(), Title: a.Title, Topic: a.Topic,
		State: group.StateActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := d.registry.Create(g); err != nil {
		return groupCreateResult{}, err
	}
	if _, err := d.openGroupRuntime(g); err != nil {
		return groupCreateResult{}, err
	}
	return groupCreateResult{GroupID: g.GroupID}, nil
}

func (d *Daemon) opGroupUpdate(args json.RawMessage) error {
	a, err := decode[groupUpdateArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	rt.group.Lock()
	if a.Title != nil {
		rt.group.Title = *a.Title
	}
	if a.Topic != nil {
		rt.group.Topic = *a.Topic
	}
	rt.group.UpdatedAt = time.Now().UTC()
	rt.group.Unlock()
	return d.registry.Save(rt.group)
}

func (d *Daemon) opGroupDelete(args json.RawMessage) error {
	a, err := decode[groupDeleteArgs](args)
	if err != nil {
		return err
	}
	if a.Confirm != a.GroupID {
		return fmt.Errorf("invalid_request: confirm must equal group_id to delete")
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	d.stopLoop(rt)
	for _, actorID := range rt.group.EnabledActorIDs() {
		if rt.supervisor.IsRunning(actorID) {
			_ = rt.supervisor.StopActor(context.Background(), ledger.PrincipalUser, actorID, actorsup.CauseGroupStop)
		}
	}
	_ = rt.ledger.Close()

	d.mu.Lock()
	delete(d.runtimes, a.GroupID)
	d.mu.Unlock()

	return d.registry.Delete(a.GroupID)
}

func (d *Daemon) opGroupSetRunning(args json.RawMessage, running bool) error {
	a, err := decode[groupStateArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	rt.group.Lock()
	rt.group.Running = running
	rt.group.UpdatedAt = time.Now().UTC()
	rt.group.Unlock()

	if running {
		d.startLoop(rt)
		rt.supervisor.Autostart(context.Background())
	} else {
		d.stopLoop(rt)
	}
	return d.registry.Save(rt.group)
}

func (d *Daemon) opGroupSetState(args json.RawMessage) error {
	a, err := decode[groupSetStateArgs](args)
	if err != nil {
		return err
	}
	switch a.State {
	case group.StateActive, group.StateIdle, group.StatePaused:
	default:
		return fmt.Errorf("invalid_request: unknown group state %q", a.State)
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	rt.group.Lock()
	rt.group.State = a.State
	rt.group.UpdatedAt = time.Now().UTC()
	rt.group.Unlock()
	return d.registry.Save(rt.group)
}

// opGroupUse implements group_use (spec.md §6): set the active scope
// by filesystem path, registering a new scope record if this path
// hasn't been seen before, and repointing the delivery pipeline's
// spill directory at it.
func (d *Daemon) opGroupUse(args json.RawMessage) error {
	a, err := decode[groupUseArgs](args)
	if err != nil {
		return err
	}
	if a.Path == "" {
		return fmt.Errorf("invalid_request: path is required")
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}

	rt.group.Lock()
	var scopeKey string
	for _, s := range rt.group.Scopes {
		if s.Root == a.Path {
			scopeKey = s.ScopeKey
			break
		}
	}
	if scopeKey == "" {
		scopeKey = a.ScopeKey
		if scopeKey == "" {
			scopeKey = id.GenerateShort()
		}
		rt.group.Scopes = append(rt.group.Scopes, group.Scope{
			ScopeKey: scopeKey, Root: a.Path, GitRemote: a.GitRemote, Label: a.Label,
		})
	}
	rt.group.ActiveScopeKey = scopeKey
	rt.group.UpdatedAt = time.Now().UTC()
	rt.group.Unlock()

	rt.pipeline.SetWorkDir(a.Path)
	return d.registry.Save(rt.group)
}

// --- actors ---

func (d *Daemon) opActorList(args json.RawMessage) ([]*group.Actor, error) {
	a, err := decode[actorListArgs](args)
	if err != nil {
		return nil, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return nil, err
	}
	rt.group.RLock()
	defer rt.group.RUnlock()
	out := make([]*group.Actor, len(rt.group.Actors))
	copy(out, rt.group.Actors)
	return out, nil
}

func (d *Daemon) opActorAdd(args json.RawMessage) error {
	a, err := decode[actorAddArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	actorID := a.ActorID
	if actorID == "" {
		actorID = id.GenerateShort()
	}
	actor := &group.Actor{
		ActorID: actorID, Title: a.Title, Role: a.Role, Runner: a.Runner,
		Runtime: a.Runtime, Command: a.Command, Env: a.Env,
		DefaultScopeKey: a.DefaultScopeKey, Enabled: true,
	}
	if err := rt.supervisor.AddActor(a.Principal, actor); err != nil {
		return err
	}
	return d.registry.Save(rt.group)
}

func (d *Daemon) opActorUpdate(args json.RawMessage) error {
	a, err := decode[actorUpdateArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	err = rt.supervisor.UpdateActor(a.Principal, a.ActorID, func(actor *group.Actor) {
		if a.Title != nil {
			actor.Title = *a.Title
		}
		if a.Role != nil {
			actor.Role = *a.Role
		}
		if a.Runner != nil {
			actor.Runner = *a.Runner
		}
		if a.Runtime != nil {
			actor.Runtime = *a.Runtime
		}
		if a.Command != nil {
			actor.Command = a.Command
		}
		if a.Env != nil {
			actor.Env = a.Env
		}
		if a.DefaultScopeKey != nil {
			actor.DefaultScopeKey = *a.DefaultScopeKey
		}
		if a.Enabled != nil {
			actor.Enabled = *a.Enabled
		}
	})
	if err != nil {
		return err
	}
	return d.registry.Save(rt.group)
}

func (d *Daemon) opActorRemove(args json.RawMessage) error {
	a, err := decode[actorRemoveArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	if err := rt.supervisor.RemoveActor(a.Principal, a.ActorID); err != nil {
		return err
	}
	return d.registry.Save(rt.group)
}

func (d *Daemon) opActorLifecycle(args json.RawMessage, fn func(*actorsup.Supervisor, string, string) error) error {
	a, err := decode[actorLifecycleArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	return fn(rt.supervisor, a.Principal, a.ActorID)
}

// --- env_private ---

type envPrivateGetKeysArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
}

type envPrivateUpdateArgs struct {
	GroupID string  `json:"group_id"`
	ActorID string  `json:"actor_id"`
	Key     string  `json:"key"`
	Value   *string `json:"value,omitempty"` // nil deletes the key
}

func (d *Daemon) opEnvPrivateGetKeys(args json.RawMessage) ([]string, error) {
	a, err := decode[envPrivateGetKeysArgs](args)
	if err != nil {
		return nil, err
	}
	if _, err := d.mustRuntime(a.GroupID); err != nil {
		return nil, err
	}
	return d.secrets.EnvPrivateKeys(a.GroupID, a.ActorID)
}

func (d *Daemon) opEnvPrivateUpdate(args json.RawMessage) error {
	a, err := decode[envPrivateUpdateArgs](args)
	if err != nil {
		return err
	}
	if _, err := d.mustRuntime(a.GroupID); err != nil {
		return err
	}
	if a.Value == nil {
		return d.secrets.DeleteEnvPrivate(a.GroupID, a.ActorID, a.Key)
	}
	return d.secrets.SetEnvPrivate(a.GroupID, a.ActorID, a.Key, *a.Value)
}

// --- chat ---

func (d *Daemon) opSend(ctx context.Context, args json.RawMessage) (ledger.Event, error) {
	a, err := decode[sendArgs](args)
	if err != nil {
		return ledger.Event{}, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return ledger.Event{}, err
	}
	format := a.Format
	if format == "" {
		format = ledger.FormatPlain
	}
	priority := a.Priority
	if priority == "" {
		priority = ledger.PriorityNormal
	}
	return rt.pipeline.Submit(ctx, delivery.Submission{
		By: a.By, To: a.To, Text: a.Text, Format: format, Priority: priority,
		ReplyTo: a.ReplyTo, QuoteText: a.QuoteText, ClientID: a.ClientID,
		Attachments: a.Attachments,
	})
}

func (d *Daemon) opSendCrossGroup(ctx context.Context, args json.RawMessage) (ledger.Event, error) {
	a, err := decode[sendCrossGroupArgs](args)
	if err != nil {
		return ledger.Event{}, err
	}
	srcRt, err := d.mustRuntime(a.SrcGroupID)
	if err != nil {
		return ledger.Event{}, err
	}
	dstRt, err := d.mustRuntime(a.DstGroupID)
	if err != nil {
		return ledger.Event{}, err
	}
	format := a.Format
	if format == "" {
		format = ledger.FormatPlain
	}
	priority := a.Priority
	if priority == "" {
		priority = ledger.PriorityNormal
	}
	srcEv, err := srcRt.ledger.Append(ledger.Event{
		Kind: ledger.KindChatMessage, GroupID: a.SrcGroupID, By: a.By,
		Data: mustMarshal(ledger.ChatMessageData{Text: a.Text, Format: format, To: []string{"@" + a.DstGroupID}, Priority: priority,
			DstGroupID: a.DstGroupID, DstTo: a.To}),
	})
	if err != nil {
		return ledger.Event{}, fmt.Errorf("record relay source event: %w", err)
	}
	return dstRt.pipeline.Relay(ctx, delivery.Submission{
		By: a.By, To: a.To, Text: a.Text, Format: format, Priority: priority,
	}, a.SrcGroupID, srcEv.ID)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func (d *Daemon) opChatAck(args json.RawMessage) error {
	a, err := decode[chatAckArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	target, ok := rt.ledger.GetByID(a.EventID)
	if !ok {
		return fmt.Errorf("event_not_found: %s", a.EventID)
	}
	if target.Kind != ledger.KindChatMessage {
		return fmt.Errorf("invalid_request: chat.ack target must be a chat.message")
	}
	ev, err := rt.ledger.Append(ledger.Event{
		Kind: ledger.KindChatAck, GroupID: a.GroupID, By: a.ActorID,
		Data: mustMarshal(ledger.ChatAckData{ActorID: a.ActorID, EventID: a.EventID}),
	})
	if err != nil {
		return err
	}
	return rt.inbox.ApplyEvent(ev, rt.group)
}

// --- inbox ---

func (d *Daemon) opInboxList(args json.RawMessage) (inboxListResult, error) {
	a, err := decode[inboxListArgs](args)
	if err != nil {
		return inboxListResult{}, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return inboxListResult{}, err
	}
	cursor, _ := rt.inbox.Cursor(a.ActorID)
	return inboxListResult{Cursor: cursor, Attention: rt.inbox.AttentionSet(a.ActorID)}, nil
}

func (d *Daemon) opInboxMarkRead(args json.RawMessage) error {
	a, err := decode[inboxMarkReadArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	target, ok := rt.ledger.GetByID(a.EventID)
	if !ok {
		return fmt.Errorf("event_not_found: %s", a.EventID)
	}
	if err := requireAddressedTo(target, a.ActorID, rt.group); err != nil {
		return err
	}
	ev, err := rt.ledger.Append(ledger.Event{
		Kind: ledger.KindChatRead, GroupID: a.GroupID, By: a.ActorID,
		Data: mustMarshal(ledger.ChatReadData{ActorID: a.ActorID, EventID: a.EventID}),
	})
	if err != nil {
		return err
	}
	return rt.inbox.ApplyEvent(ev, rt.group)
}

func (d *Daemon) opInboxMarkAllRead(args json.RawMessage) error {
	a, err := decode[inboxMarkAllReadArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	latest := rt.ledger.Tail(nil, nil, 0)
	if len(latest) == 0 {
		return nil
	}
	last := latest[len(latest)-1]
	ev, err := rt.ledger.Append(ledger.Event{
		Kind: ledger.KindChatRead, GroupID: a.GroupID, By: a.ActorID,
		Data: mustMarshal(ledger.ChatReadData{ActorID: a.ActorID, EventID: last.ID}),
	})
	if err != nil {
		return err
	}
	return rt.inbox.ApplyEvent(ev, rt.group)
}

// requireAddressedTo rejects inbox_mark_read against a chat.message
// that does not resolve actorID as a recipient (spec.md §7's "the
// recommended profile rejects"). Only chat.message carries a recipient
// set under C1's delivery filter; every other kind passes through
// unchecked.
func requireAddressedTo(target ledger.Event, actorID string, reg ledger.RegistrySnapshot) error {
	if target.Kind != ledger.KindChatMessage {
		return nil
	}
	var data ledger.ChatMessageData
	if err := json.Unmarshal(target.Data, &data); err != nil {
		return fmt.Errorf("invalid_request: malformed chat.message data: %w", err)
	}
	senderActorID := ""
	if target.By != ledger.PrincipalUser && target.By != ledger.PrincipalSystem {
		senderActorID = target.By
	}
	res := ledger.ResolveRecipients(data.To, data.Priority, senderActorID, reg)
	if actorID == ledger.PrincipalUser {
		if res.ToUser {
			return nil
		}
		return fmt.Errorf("invalid_request: event %s is not addressed to %s", target.ID, actorID)
	}
	for _, id := range res.ActorIDs {
		if id == actorID {
			return nil
		}
	}
	return fmt.Errorf("invalid_request: event %s is not addressed to %s", target.ID, actorID)
}

// --- system notify ---

func (d *Daemon) opSystemNotify(ctx context.Context, args json.RawMessage) (ledger.Event, error) {
	a, err := decode[systemNotifyArgs](args)
	if err != nil {
		return ledger.Event{}, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return ledger.Event{}, err
	}
	return rt.pipeline.Notify(ctx, ledger.SystemNotifyData{Kind: a.Kind, To: a.To, Text: a.Text, RequiresAck: a.RequiresAck})
}

func (d *Daemon) opNotifyAck(args json.RawMessage) error {
	a, err := decode[notifyAckArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	ev, err := rt.ledger.Append(ledger.Event{
		Kind: ledger.KindSystemNotifyAck, GroupID: a.GroupID, By: a.ActorID,
		Data: mustMarshal(ledger.ChatAckData{ActorID: a.ActorID, EventID: a.EventID}),
	})
	if err != nil {
		return err
	}
	return rt.inbox.ApplyEvent(ev, rt.group)
}

// --- terminal ---

func (d *Daemon) opTermResize(args json.RawMessage) error {
	a, err := decode[termResizeArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	return rt.supervisor.Resize(a.ActorID, a.Cols, a.Rows)
}

func (d *Daemon) opTerminalTail(args json.RawMessage) (terminalTailResult, error) {
	a, err := decode[terminalTailArgs](args)
	if err != nil {
		return terminalTailResult{}, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return terminalTailResult{}, err
	}
	return terminalTailResult{Data: string(rt.terminals.Tail(a.ActorID))}, nil
}

func (d *Daemon) opTerminalClear(args json.RawMessage) error {
	a, err := decode[terminalClearArgs](args)
	if err != nil {
		return err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return err
	}
	rt.terminals.Clear(a.ActorID)
	return nil
}

// --- ledger reads (spec.md §4.2's tail/window/search contract) ---

func (d *Daemon) opLedgerTail(args json.RawMessage) ([]ledger.Event, error) {
	a, err := decode[ledgerTailArgs](args)
	if err != nil {
		return nil, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return nil, err
	}
	var cursor *ledger.Cursor
	if a.SinceEventID != "" || a.SinceSeq != 0 {
		cursor = &ledger.Cursor{EventID: a.SinceEventID, Seq: a.SinceSeq}
	}
	return rt.ledger.Tail(cursor, a.Kinds, a.Limit), nil
}

func (d *Daemon) opLedgerWindow(args json.RawMessage) (ledger.WindowResult, error) {
	a, err := decode[ledgerWindowArgs](args)
	if err != nil {
		return ledger.WindowResult{}, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return ledger.WindowResult{}, err
	}
	return rt.ledger.Window(a.CenterID, a.Before, a.After, a.Kinds)
}

func (d *Daemon) opLedgerSearch(args json.RawMessage) ([]ledger.Event, error) {
	a, err := decode[ledgerSearchArgs](args)
	if err != nil {
		return nil, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return nil, err
	}
	return rt.ledger.Search(a.Query, a.Kinds, a.Limit), nil
}

// --- ledger maintenance ---

func (d *Daemon) opLedgerSnapshot(args json.RawMessage) (ledger.Snapshot, error) {
	a, err := decode[ledgerSnapshotArgs](args)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return rt.ledger.WriteSnapshot(d.cfg.GroupDir(a.GroupID) + "/state")
}

func (d *Daemon) opLedgerCompact(args json.RawMessage) (int, error) {
	a, err := decode[ledgerCompactArgs](args)
	if err != nil {
		return 0, err
	}
	rt, err := d.mustRuntime(a.GroupID)
	if err != nil {
		return 0, err
	}
	cursors := rt.inbox.Cursors()
	var watermark string
	found := false
	var minSeq int64
	readers := append(append([]string(nil), rt.group.EnabledActorIDs()...), ledger.PrincipalUser)
	for _, actorID := range readers {
		entry, ok := cursors[actorID]
		if !ok {
			if !a.Force {
				return 0, fmt.Errorf("invalid_request: actor %s has no read cursor yet; pass force to compact anyway", actorID)
			}
			continue
		}
		if !found || entry.LastReadSeq < minSeq {
			found, minSeq, watermark = true, entry.LastReadSeq, entry.LastReadEventID
		}
	}
	if !found {
		return 0, fmt.Errorf("invalid_request: no actor read cursor to anchor compaction on")
	}
	return rt.ledger.Compact(d.cfg.GroupDir(a.GroupID)+"/state", watermark, d.cfg.CompactionTailKeep)
}
