// Package ledger implements the event envelope and recipient grammar
// (C1) and the per-group append-only ledger store (C2): the
// authoritative, append-only record of everything that happens in a
// working group.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cccc-kernel/cccc/internal/util/timefmt"
)

// EnvelopeVersion is the fixed envelope schema version (spec.md §3).
const EnvelopeVersion = 1

// Principal prefixes for by.
const (
	PrincipalUser   = "user"
	PrincipalSystem = "system"
)

// Known event kinds. Unknown kinds are passed through unvalidated
// (spec.md §9's tagged-union-plus-passthrough design note) so the
// ledger never rejects a forward-compatible kind it doesn't know yet.
const (
	KindChatMessage   = "chat.message"
	KindChatAck       = "chat.ack"
	KindChatRead      = "chat.read"
	KindSystemNotify  = "system.notify"
	KindSystemNotifyAck = "system.notify_ack"
	KindGroupCreate   = "group.create"
	KindGroupUpdate   = "group.update"
	KindActorAdd      = "actor.add"
	KindActorUpdate   = "actor.update"
	KindActorRemove   = "actor.remove"
	KindActorStart    = "actor.start"
	KindActorStop     = "actor.stop"
	KindActorRestart  = "actor.restart"
	KindActorExit     = "actor.exit"
)

// Event is one immutable ledger row.
type Event struct {
	V        int             `json:"v"`
	ID       string          `json:"id"`
	TS       string          `json:"ts"`
	Seq      int64           `json:"seq,omitempty"`
	Kind     string          `json:"kind"`
	GroupID  string          `json:"group_id"`
	ScopeKey string          `json:"scope_key,omitempty"`
	By       string          `json:"by"`
	Data     json.RawMessage `json:"data,omitempty"`

	// Checksum is a sha256 of the canonical pre-checksum row. Not part
	// of the original submission; computed by Store.Append. Nothing
	// verifies it on load: Store.loadExisting stops at the first line
	// that does not parse as JSON.
	Checksum string `json:"checksum,omitempty"`
}

// Attachment references a group-scoped blob.
type Attachment struct {
	Path     string `json:"path"`
	SHA256   string `json:"sha256"`
	Bytes    int64  `json:"bytes"`
	MimeType string `json:"mime_type"`
}

// ChatMessageData is the payload of a chat.message event.
type ChatMessageData struct {
	Text       string       `json:"text"`
	Format     string       `json:"format"` // "plain" | "markdown"
	To         []string     `json:"to,omitempty"`
	ReplyTo    string       `json:"reply_to,omitempty"`
	QuoteText  string       `json:"quote_text,omitempty"`
	Priority   string       `json:"priority,omitempty"` // "normal" | "attention"
	SrcGroupID string       `json:"src_group_id,omitempty"`
	SrcEventID string       `json:"src_event_id,omitempty"`
	DstGroupID string       `json:"dst_group_id,omitempty"`
	DstTo      []string     `json:"dst_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID   string       `json:"client_id,omitempty"`
}

// ChatAckData is the payload of a chat.ack event.
type ChatAckData struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
}

// ChatReadData is the payload of a chat.read event.
type ChatReadData struct {
	EventID string `json:"event_id"`
	ActorID string `json:"actor_id"`
}

// SystemNotifyData is the payload of a system.notify event.
type SystemNotifyData struct {
	Kind        string   `json:"kind"` // "nudge" | "actor_idle" | "silence_check" | "self_check" | "help_nudge" | "keep_alive" | "info" | "delivery_dropped"
	To          []string `json:"to,omitempty"`
	Text        string   `json:"text,omitempty"`
	RequiresAck bool     `json:"requires_ack,omitempty"`
}

const (
	FormatPlain    = "plain"
	FormatMarkdown = "markdown"

	PriorityNormal    = "normal"
	PriorityAttention = "attention"
)

// Checksum256 computes the sha256 checksum of the envelope's canonical
// JSON form (with Checksum itself cleared), as a hex string.
func (e Event) Checksum256() (string, error) {
	e.Checksum = ""
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event for checksum: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// stampNow fills TS with the current time in the canonical ISO-8601
// form used throughout the ledger.
func stampNow(e *Event) {
	e.TS = timefmt.Format(nowFunc())
}
