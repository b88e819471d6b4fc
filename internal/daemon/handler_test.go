package daemon_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/config"
	"github.com/cccc-kernel/cccc/internal/daemon"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/util/testutil"
)

func newTestDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	home := testutil.RuntimeHome(t)
	cfg := &config.Config{
		RuntimeHome:   home,
		Socket:        "cccc.sock",
		MaxEventBytes: 32 * 1024,
		Policy: config.Policy{
			DeliveryMinIntervalSeconds: 2,
			PreambleTailCount:          20,
		},
	}
	require.NoError(t, cfg.Validate())
	d, err := daemon.New(cfg)
	require.NoError(t, err)
	return d
}

func call[T any](t *testing.T, d *daemon.Daemon, op string, args interface{}) T {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	result, err := d.Handler(context.Background(), op, raw)
	require.NoError(t, err)

	var out T
	marshaled, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(marshaled, &out))
	return out
}

func callErr(t *testing.T, d *daemon.Daemon, op string, args interface{}) error {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	_, err = d.Handler(context.Background(), op, raw)
	return err
}

// TestAttentionAckRoundtrip exercises spec.md §8 scenario 1: a
// send(priority=attention) opens an attention item for the recipient,
// chat_ack closes it, and a repeated chat_ack is an idempotent no-op.
func TestAttentionAckRoundtrip(t *testing.T) {
	d := newTestDaemon(t)

	created := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "release team"})
	groupID := created.GroupID

	require.NoError(t, callErr(t, d, "actor_add", map[string]interface{}{
		"group_id": groupID, "principal": "user", "actor_id": "F1",
		"title": "foreman", "role": "foreman", "runner": "headless",
		"runtime": "shell", "command": []string{"/bin/true"},
	}))

	sent := call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": groupID, "by": "user", "to": []string{"@foreman"},
		"text": "Review release", "priority": ledger.PriorityAttention,
	})
	assert.Equal(t, ledger.KindChatMessage, sent.Kind)

	inbox1 := call[struct {
		Attention []string `json:"attention"`
	}](t, d, "inbox_list", map[string]string{"group_id": groupID, "actor_id": "F1"})
	assert.Equal(t, []string{sent.ID}, inbox1.Attention)

	require.NoError(t, callErr(t, d, "chat_ack", map[string]string{
		"group_id": groupID, "actor_id": "F1", "event_id": sent.ID,
	}))

	inbox2 := call[struct {
		Attention []string `json:"attention"`
	}](t, d, "inbox_list", map[string]string{"group_id": groupID, "actor_id": "F1"})
	assert.Empty(t, inbox2.Attention)

	// Repeated ack on an already-acked message is still accepted
	// (spec.md §8's idempotence law); it must not error.
	require.NoError(t, callErr(t, d, "chat_ack", map[string]string{
		"group_id": groupID, "actor_id": "F1", "event_id": sent.ID,
	}))
}

// TestChatAckRejectsNonAttentionMessage covers spec.md §4.3/§7: acking
// a normal-priority message is invalid_request, not a silent success.
func TestChatAckRejectsNonAttentionMessage(t *testing.T) {
	d := newTestDaemon(t)

	created := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "g"})
	groupID := created.GroupID

	require.NoError(t, callErr(t, d, "actor_add", map[string]interface{}{
		"group_id": groupID, "principal": "user", "actor_id": "A1",
		"title": "a", "role": "peer", "runner": "headless",
		"runtime": "shell", "command": []string{"/bin/true"},
	}))

	sent := call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": groupID, "by": "user", "to": []string{"A1"}, "text": "hi",
	})

	err := callErr(t, d, "chat_ack", map[string]string{
		"group_id": groupID, "actor_id": "A1", "event_id": sent.ID,
	})
	require.Error(t, err)
}

// TestInboxMarkReadMonotonic covers spec.md §8 scenario 3: marking an
// earlier event read after a later one never regresses the cursor.
func TestInboxMarkReadMonotonic(t *testing.T) {
	d := newTestDaemon(t)

	created := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "g"})
	groupID := created.GroupID

	require.NoError(t, callErr(t, d, "actor_add", map[string]interface{}{
		"group_id": groupID, "principal": "user", "actor_id": "A1",
		"title": "a", "role": "peer", "runner": "headless",
		"runtime": "shell", "command": []string{"/bin/true"},
	}))

	m1 := call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": groupID, "by": "user", "to": []string{"A1"}, "text": "one",
	})
	m2 := call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": groupID, "by": "user", "to": []string{"A1"}, "text": "two",
	})

	require.NoError(t, callErr(t, d, "inbox_mark_read", map[string]string{
		"group_id": groupID, "actor_id": "A1", "event_id": m2.ID,
	}))
	require.NoError(t, callErr(t, d, "inbox_mark_read", map[string]string{
		"group_id": groupID, "actor_id": "A1", "event_id": m1.ID,
	}))

	cursor := call[struct {
		Cursor struct {
			LastReadEventID string `json:"last_read_event_id"`
		} `json:"cursor"`
	}](t, d, "inbox_list", map[string]string{"group_id": groupID, "actor_id": "A1"})
	assert.Equal(t, m2.ID, cursor.Cursor.LastReadEventID)
}

// TestSendCrossGroupRelayProvenance covers spec.md §8 scenario 2.
func TestSendCrossGroupRelayProvenance(t *testing.T) {
	d := newTestDaemon(t)

	srcCreated := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "gA"})
	dstCreated := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "gB"})

	ev2 := call[ledger.Event](t, d, "send_cross_group", map[string]interface{}{
		"src_group_id": srcCreated.GroupID, "dst_group_id": dstCreated.GroupID,
		"by": "user", "to": []string{"@all"}, "text": "Hi",
	})

	var data ledger.ChatMessageData
	require.NoError(t, json.Unmarshal(ev2.Data, &data))
	assert.Equal(t, srcCreated.GroupID, data.SrcGroupID)
	assert.NotEmpty(t, data.SrcEventID)
}

// TestGroupUseRegistersScope covers spec.md §6's group_use op.
func TestGroupUseRegistersScope(t *testing.T) {
	d := newTestDaemon(t)

	created := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "g"})

	path := t.TempDir()
	require.NoError(t, callErr(t, d, "group_use", map[string]string{
		"group_id": created.GroupID, "path": path,
	}))

	shown := call[struct {
		ActiveScopeKey string `json:"active_scope_key"`
		Scopes         []struct {
			ScopeKey string `json:"scope_key"`
			Root     string `json:"root"`
		} `json:"scopes"`
	}](t, d, "group_show", map[string]string{"group_id": created.GroupID})

	require.Len(t, shown.Scopes, 1)
	assert.Equal(t, path, shown.Scopes[0].Root)
	assert.Equal(t, shown.Scopes[0].ScopeKey, shown.ActiveScopeKey)
}

// TestActorUpdateAppliesFields covers spec.md §6's actor_update op.
func TestActorUpdateAppliesFields(t *testing.T) {
	d := newTestDaemon(t)

	created := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "g"})

	require.NoError(t, callErr(t, d, "actor_add", map[string]interface{}{
		"group_id": created.GroupID, "principal": "user", "actor_id": "A1",
		"title": "a", "role": "peer", "runner": "headless",
		"runtime": "shell", "command": []string{"/bin/true"},
	}))

	newTitle := "renamed"
	require.NoError(t, callErr(t, d, "actor_update", map[string]interface{}{
		"group_id": created.GroupID, "principal": "user", "actor_id": "A1",
		"title": newTitle,
	}))

	actors := call[[]struct {
		ActorID string `json:"actor_id"`
		Title   string `json:"title"`
	}](t, d, "actor_list", map[string]string{"group_id": created.GroupID})
	require.Len(t, actors, 1)
	assert.Equal(t, newTitle, actors[0].Title)
}

// TestLedgerTailWindowSearch exercises the C2 read contract's IPC
// surface (spec.md §4.2).
func TestLedgerTailWindowSearch(t *testing.T) {
	d := newTestDaemon(t)

	created := call[struct {
		GroupID string `json:"group_id"`
	}](t, d, "group_create", map[string]string{"title": "g"})

	call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": created.GroupID, "by": "user", "to": []string{}, "text": "first message",
	})
	second := call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": created.GroupID, "by": "user", "to": []string{}, "text": "second message",
	})
	call[ledger.Event](t, d, "send", map[string]interface{}{
		"group_id": created.GroupID, "by": "user", "to": []string{}, "text": "third message",
	})

	tailed := call[[]ledger.Event](t, d, "ledger_tail", map[string]interface{}{"group_id": created.GroupID})
	require.Len(t, tailed, 3)

	windowed := call[ledger.WindowResult](t, d, "ledger_window", map[string]interface{}{
		"group_id": created.GroupID, "center_id": second.ID, "before": 1, "after": 1,
	})
	require.Len(t, windowed.Events, 3)

	searched := call[[]ledger.Event](t, d, "ledger_search", map[string]interface{}{
		"group_id": created.GroupID, "query": "second",
	})
	require.Len(t, searched, 1)
	assert.Equal(t, second.ID, searched[0].ID)
}

func TestMustRuntimeGroupNotFound(t *testing.T) {
	d := newTestDaemon(t)
	_, err := d.Handler(context.Background(), "group_show", mustJSON(t, map[string]string{"group_id": "nope"}))
	require.Error(t, err)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestConfigGroupDirUsesRuntimeHome(t *testing.T) {
	cfg := &config.Config{RuntimeHome: "/tmp/x"}
	assert.Equal(t, filepath.Join("/tmp/x", "groups", "g1"), cfg.GroupDir("g1"))
}
