package inbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cccc-kernel/cccc/internal/ledger"
)

// Engine is the per-group C3 state machine: it owns the read-watermark
// cursor for every actor (and the user) plus the derived attention
// set, and exposes the delivery filter that C5 uses to turn a
// chat.message's `to[]` into a concrete recipient set.
type Engine struct {
	groupID string
	cursors *cursorStore
	attn    *attentionStore
}

// Open loads (or creates) an Engine's on-disk state from stateDir,
// which is expected to be the group's runtime state directory
// (<runtime_home>/groups/<group_id>/state).
func Open(groupID, stateDir string) (*Engine, error) {
	cursors, err := newCursorStore(filepath.Join(stateDir, "cursors.json"))
	if err != nil {
		return nil, fmt.Errorf("open cursor store: %w", err)
	}
	attn, err := newAttentionStore(filepath.Join(stateDir, "attention.json"))
	if err != nil {
		return nil, fmt.Errorf("open attention store: %w", err)
	}
	return &Engine{groupID: groupID, cursors: cursors, attn: attn}, nil
}

// ApplyEvent folds one freshly-appended ledger event into C3's state.
// It is the sole place attention items are created or cleared, and is
// meant to be called synchronously from C2's append path (directly, or
// via a bus subscription) so the derived state is never stale.
func (e *Engine) ApplyEvent(ev ledger.Event, reg ledger.RegistrySnapshot) error {
	switch ev.Kind {
	case ledger.KindChatMessage:
		var data ledger.ChatMessageData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode chat.message data: %w", err)
		}
		senderActorID := ""
		if ev.By != ledger.PrincipalUser && ev.By != ledger.PrincipalSystem {
			senderActorID = ev.By
		}
		res := ledger.ResolveRecipients(data.To, data.Priority, senderActorID, reg)
		if res.Attention {
			for _, actorID := range res.ActorIDs {
				if err := e.attn.add(actorID, ev.ID); err != nil {
					return fmt.Errorf("record attention for %s: %w", actorID, err)
				}
			}
		}
	case ledger.KindChatAck:
		var data ledger.ChatAckData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode chat.ack data: %w", err)
		}
		if err := e.attn.clear(data.ActorID, data.EventID); err != nil {
			return fmt.Errorf("clear attention for %s: %w", data.ActorID, err)
		}
	case ledger.KindChatRead:
		var data ledger.ChatReadData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode chat.read data: %w", err)
		}
		if _, err := e.cursors.advance(data.ActorID, data.EventID, ev.TS, ev.Seq, ev.TS); err != nil {
			return fmt.Errorf("advance cursor for %s: %w", data.ActorID, err)
		}
	}
	return nil
}

// MarkRead advances actorID's (or "user"'s) read cursor directly,
// bypassing the chat.read event path — used by callers that already
// appended the chat.read event themselves and just need the in-memory
// cursor updated, or by tests.
func (e *Engine) MarkRead(actorID, eventID, ts string, seq int64) (bool, error) {
	return e.cursors.advance(actorID, eventID, ts, seq, ts)
}

// Cursor returns the current read watermark for actorID, if any.
func (e *Engine) Cursor(actorID string) (CursorEntry, bool) {
	return e.cursors.get(actorID)
}

// Cursors returns every actor's current read watermark.
func (e *Engine) Cursors() map[string]CursorEntry {
	return e.cursors.all()
}

// AttentionSet returns the open attention-item event ids for actorID.
// Clearing the read watermark never clears attention (spec.md §4.3) —
// only a matching chat.ack does, via ApplyEvent.
func (e *Engine) AttentionSet(actorID string) []string {
	return e.attn.openItems(actorID)
}

// ResolveDelivery is the C5-facing delivery filter spec.md §4.3
// describes: given a chat.message's normalized `to[]`, priority, and
// sender, produce the concrete recipient actor ids, whether the user
// is addressed, and whether the message carries attention priority for
// at least one concrete recipient.
func ResolveDelivery(to []string, priority, senderActorID string, reg ledger.RegistrySnapshot) ledger.Resolution {
	return ledger.ResolveRecipients(to, priority, senderActorID, reg)
}
