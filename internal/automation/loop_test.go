package automation_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/automation"
	"github.com/cccc-kernel/cccc/internal/config"
	"github.com/cccc-kernel/cccc/internal/delivery"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

func newFixture(t *testing.T, policy config.Policy) (*group.Group, *ledger.Store, *delivery.Pipeline, *automation.Loop) {
	t.Helper()
	g := &group.Group{
		GroupID:        "g1",
		State:          group.StateActive,
		Scopes:         []group.Scope{{ScopeKey: "default", Root: t.TempDir()}},
		ActiveScopeKey: "default",
		Actors: []*group.Actor{
			{ActorID: "A1", Title: "alice", Role: group.RoleForeman, Runner: group.RunnerHeadless,
				Command: []string{"/bin/sh"}, Enabled: true},
			{ActorID: "A2", Title: "bob", Role: group.RolePeer, Runner: group.RunnerHeadless,
				Command: []string{"/bin/sh"}, Enabled: true},
		},
	}
	dir := t.TempDir()
	store, err := ledger.Open(ledger.Options{GroupID: "g1", StateDir: dir, LedgerPath: dir + "/ledger.jsonl"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng, err := inbox.Open("g1", t.TempDir())
	require.NoError(t, err)

	sup := actorsup.NewSupervisor(g, store, t.TempDir())
	p := delivery.New(g, store, eng, sup, t.TempDir())

	l := automation.New(g, store, eng, p, sup, policy)
	return g, store, p, l
}

func appendMessage(t *testing.T, store *ledger.Store, by string, to []string, priority string) ledger.Event {
	t.Helper()
	data, err := json.Marshal(ledger.ChatMessageData{Text: "hi", Format: ledger.FormatPlain, To: to, Priority: priority})
	require.NoError(t, err)
	ev, err := store.Append(ledger.Event{Kind: ledger.KindChatMessage, GroupID: "g1", By: by, Data: data})
	require.NoError(t, err)
	return ev
}

func TestNudgeFiresForStaleUnreadMessage(t *testing.T) {
	_, store, _, l := newFixture(t, config.Policy{
		NudgeAfterSeconds: 1, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)
	time.Sleep(1100 * time.Millisecond)

	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	require.Len(t, notifies, 1)
	var data ledger.SystemNotifyData
	require.NoError(t, json.Unmarshal(notifies[0].Data, &data))
	assert.Equal(t, "nudge", data.Kind)
	assert.Equal(t, []string{"A2"}, data.To)
}

func TestNudgeDoesNotFireForFreshMessage(t *testing.T) {
	_, store, _, l := newFixture(t, config.Policy{
		NudgeAfterSeconds: 120, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)

	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	assert.Empty(t, notifies)
}

func TestSilenceCheckFiresOnceWhileActive(t *testing.T) {
	_, store, _, l := newFixture(t, config.Policy{
		SilenceTimeoutSeconds: 1, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	appendMessage(t, store, "user", nil, ledger.PriorityNormal)
	time.Sleep(1100 * time.Millisecond)

	l.Tick(context.Background())
	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	require.Len(t, notifies, 1)
	var data ledger.SystemNotifyData
	require.NoError(t, json.Unmarshal(notifies[0].Data, &data))
	assert.Equal(t, "silence_check", data.Kind)
}

func TestIdleGroupSuppressesAutomation(t *testing.T) {
	g, store, _, l := newFixture(t, config.Policy{
		NudgeAfterSeconds: 1, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	g.State = group.StateIdle
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)
	time.Sleep(1100 * time.Millisecond)

	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	assert.Empty(t, notifies)
}

func TestPausedGroupStillAppendsNotifyButSuppressesInjection(t *testing.T) {
	g, store, p, l := newFixture(t, config.Policy{
		NudgeAfterSeconds: 1, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)
	time.Sleep(1100 * time.Millisecond)
	g.State = group.StatePaused

	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	require.Len(t, notifies, 1)
	_ = p
}

func TestSelfCheckFiresAfterHandoffThreshold(t *testing.T) {
	_, store, _, l := newFixture(t, config.Policy{
		SelfCheckEveryHandoffs: 2, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)

	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	require.Len(t, notifies, 1)
	var data ledger.SystemNotifyData
	require.NoError(t, json.Unmarshal(notifies[0].Data, &data))
	assert.Equal(t, "self_check", data.Kind)
}

func TestHelpNudgeFiresWhenAttentionMessagesUnacked(t *testing.T) {
	_, store, _, l := newFixture(t, config.Policy{
		HelpNudgeMinMessages: 2, KeepaliveMaxPerActor: 3, KeepaliveDelaySeconds: 60,
	})
	appendMessage(t, store, "A1", []string{"A2"}, ledger.PriorityAttention)
	appendMessage(t, store, "A1", []string{"A2"}, ledger.PriorityAttention)

	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	require.Len(t, notifies, 1)
	var data ledger.SystemNotifyData
	require.NoError(t, json.Unmarshal(notifies[0].Data, &data))
	assert.Equal(t, "help_nudge", data.Kind)
}

func TestKeepaliveCapsRepeatedNotifications(t *testing.T) {
	_, store, _, l := newFixture(t, config.Policy{
		NudgeAfterSeconds: 1, KeepaliveMaxPerActor: 1, KeepaliveDelaySeconds: 3600,
	})
	appendMessage(t, store, "user", []string{"A2"}, ledger.PriorityNormal)
	time.Sleep(1100 * time.Millisecond)

	l.Tick(context.Background())
	l.Tick(context.Background())
	l.Tick(context.Background())

	notifies := store.Tail(nil, []string{ledger.KindSystemNotify}, 0)
	assert.Len(t, notifies, 1, "keepalive cap must suppress repeats within the delay window")
}
