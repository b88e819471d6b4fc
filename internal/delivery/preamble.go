package delivery

import (
	"encoding/json"
	"strings"

	"github.com/cccc-kernel/cccc/internal/ledger"
)

// defaultPreambleTailCount bounds how many recent unread addressed
// messages are replayed at actor start (spec.md §4.5). The bound is
// fixed: the policy's preamble_tail_count setting is not read here.
const defaultPreambleTailCount = 20

// replayPreamble is called by actorsup's start hook once an actor
// transitions to running: it replays unread chat.message events
// addressed to the actor, bounded by defaultPreambleTailCount, plus a
// listing of any open attention items.
func (p *Pipeline) replayPreamble(actorID string) {
	cursor, _ := p.inbox.Cursor(actorID)

	tail := p.ledger.Tail(nil, []string{ledger.KindChatMessage}, 0)
	unread := make([]ledger.Event, 0, defaultPreambleTailCount)
	for _, ev := range tail {
		if cursor.LastReadSeq != 0 && ev.Seq <= cursor.LastReadSeq {
			continue
		}
		if !addressedTo(ev, actorID, p.group) {
			continue
		}
		unread = append(unread, ev)
	}
	if len(unread) > defaultPreambleTailCount {
		unread = unread[len(unread)-defaultPreambleTailCount:]
	}

	for _, ev := range unread {
		p.enqueueInjection(actorID, ev.By, ev)
	}

	if open := p.inbox.AttentionSet(actorID); len(open) > 0 {
		p.notifyOpenAttention(actorID, open)
	}
}

func addressedTo(ev ledger.Event, actorID string, reg ledger.RegistrySnapshot) bool {
	var data ledger.ChatMessageData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return false
	}
	sender := ""
	if ev.By != ledger.PrincipalUser && ev.By != ledger.PrincipalSystem {
		sender = ev.By
	}
	for _, id := range ledger.ResolveRecipients(data.To, data.Priority, sender, reg).ActorIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

func (p *Pipeline) notifyOpenAttention(actorID string, openEventIDs []string) {
	data, err := json.Marshal(ledger.SystemNotifyData{
		Kind: "info", To: []string{actorID},
		Text: "open attention items pending from before restart: " + strings.Join(openEventIDs, ", "),
	})
	if err != nil {
		return
	}
	_, _ = p.ledger.Append(ledger.Event{
		Kind: ledger.KindSystemNotify, GroupID: p.group.GroupID,
		By: ledger.PrincipalSystem, Data: data,
	})
}
