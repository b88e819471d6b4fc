package daemon

import "github.com/cccc-kernel/cccc/internal/ledger"

// Argument/result shapes for the IPC operation catalog (spec.md §6).
// Kept as plain structs so json.Unmarshal/Marshal do the heavy lifting
// in handler.go and streams.go.

type pingArgs struct{}
type pingResult struct {
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

type groupsArgs struct{}
type groupSummary struct {
	GroupID string `json:"group_id"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Running bool   `json:"running"`
}

type groupShowArgs struct {
	GroupID string `json:"group_id"`
}

type groupCreateArgs struct {
	Title string `json:"title"`
	Topic string `json:"topic,omitempty"`
}
type groupCreateResult struct {
	GroupID string `json:"group_id"`
}

type groupUpdateArgs struct {
	GroupID string  `json:"group_id"`
	Title   *string `json:"title,omitempty"`
	Topic   *string `json:"topic,omitempty"`
}

type groupDeleteArgs struct {
	GroupID string `json:"group_id"`
	Confirm string `json:"confirm"`
}

type groupStateArgs struct {
	GroupID string `json:"group_id"`
}

type groupUseArgs struct {
	GroupID   string `json:"group_id"`
	Path      string `json:"path"`
	ScopeKey  string `json:"scope_key,omitempty"`
	Label     string `json:"label,omitempty"`
	GitRemote string `json:"git_remote,omitempty"`
}

type attachArgs struct {
	GroupID string `json:"group_id"`
}

type groupSetStateArgs struct {
	GroupID string `json:"group_id"`
	State   string `json:"state"`
}

type actorListArgs struct {
	GroupID string `json:"group_id"`
}

type actorAddArgs struct {
	GroupID         string            `json:"group_id"`
	Principal       string            `json:"principal"`
	ActorID         string            `json:"actor_id"`
	Title           string            `json:"title"`
	Role            string            `json:"role"`
	Runner          string            `json:"runner"`
	Runtime         string            `json:"runtime"`
	Command         []string          `json:"command"`
	Env             map[string]string `json:"env,omitempty"`
	DefaultScopeKey string            `json:"default_scope_key,omitempty"`
}

type actorUpdateArgs struct {
	GroupID         string            `json:"group_id"`
	Principal       string            `json:"principal"`
	ActorID         string            `json:"actor_id"`
	Title           *string           `json:"title,omitempty"`
	Role            *string           `json:"role,omitempty"`
	Runner          *string           `json:"runner,omitempty"`
	Runtime         *string           `json:"runtime,omitempty"`
	Command         []string          `json:"command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	DefaultScopeKey *string           `json:"default_scope_key,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
}

type actorRemoveArgs struct {
	GroupID   string `json:"group_id"`
	Principal string `json:"principal"`
	ActorID   string `json:"actor_id"`
}

type actorLifecycleArgs struct {
	GroupID   string `json:"group_id"`
	Principal string `json:"principal"`
	ActorID   string `json:"actor_id"`
}

type actorResizeArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

type sendArgs struct {
	GroupID     string              `json:"group_id"`
	By          string              `json:"by"`
	To          []string            `json:"to"`
	Text        string              `json:"text"`
	Format      string              `json:"format,omitempty"`
	Priority    string              `json:"priority,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	QuoteText   string              `json:"quote_text,omitempty"`
	ClientID    string              `json:"client_id,omitempty"`
	Attachments []ledger.Attachment `json:"attachments,omitempty"`
}

type sendCrossGroupArgs struct {
	SrcGroupID string   `json:"src_group_id"`
	DstGroupID string   `json:"dst_group_id"`
	By         string   `json:"by"`
	To         []string `json:"to"`
	Text       string   `json:"text"`
	Format     string   `json:"format,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

type chatAckArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
	EventID string `json:"event_id"`
}

type inboxListArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
}
type inboxListResult struct {
	Cursor    interface{} `json:"cursor"`
	Attention []string    `json:"attention"`
}

type inboxMarkReadArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
	EventID string `json:"event_id"`
}

type inboxMarkAllReadArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
}

type systemNotifyArgs struct {
	GroupID     string   `json:"group_id"`
	Kind        string   `json:"kind"`
	To          []string `json:"to"`
	Text        string   `json:"text"`
	RequiresAck bool     `json:"requires_ack,omitempty"`
}

type notifyAckArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
	EventID string `json:"event_id"`
}

type termResizeArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
	Cols    uint16 `json:"cols"`
	Rows    uint16 `json:"rows"`
}

type terminalTailArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
}
type terminalTailResult struct {
	Data string `json:"data"`
}

type terminalClearArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
}

type ledgerTailArgs struct {
	GroupID      string   `json:"group_id"`
	SinceEventID string   `json:"since_event_id,omitempty"`
	SinceSeq     int64    `json:"since_seq,omitempty"`
	Kinds        []string `json:"kinds,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

type ledgerWindowArgs struct {
	GroupID  string   `json:"group_id"`
	CenterID string   `json:"center_id"`
	Before   int      `json:"before"`
	After    int      `json:"after"`
	Kinds    []string `json:"kinds,omitempty"`
}

type ledgerSearchArgs struct {
	GroupID string   `json:"group_id"`
	Query   string   `json:"query"`
	Kinds   []string `json:"kinds,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

type ledgerSnapshotArgs struct {
	GroupID string `json:"group_id"`
}

type ledgerCompactArgs struct {
	GroupID string `json:"group_id"`
	Force   bool   `json:"force,omitempty"`
}

type eventsStreamArgs struct {
	GroupID string `json:"group_id"`
}

type termAttachArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id"`
}
