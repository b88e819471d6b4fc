package delivery_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/delivery"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

func newFixture(t *testing.T) (*group.Group, *ledger.Store, *inbox.Engine, *actorsup.Supervisor) {
	t.Helper()
	g := &group.Group{
		GroupID:        "g1",
		Scopes:         []group.Scope{{ScopeKey: "default", Root: t.TempDir()}},
		ActiveScopeKey: "default",
		Actors: []*group.Actor{
			{ActorID: "A1", Title: "shell", Role: group.RoleForeman, Runner: group.RunnerHeadless,
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
	return g, store, eng, sup
}

func TestSubmitAppendsDurableEventEvenIfRecipientNotRunning(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	ev, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", Text: "hello", Format: ledger.FormatPlain, Priority: ledger.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindChatMessage, ev.Kind)

	events := store.Tail(nil, nil, 0)
	require.Len(t, events, 1)
}

func TestSubmitRejectsEmptySubmission(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	_, err := p.Submit(context.Background(), delivery.Submission{By: "user", Format: ledger.FormatPlain})
	assert.ErrorContains(t, err, "invalid_request")
}

func TestSubmitRejectsInconsistentRelayProvenance(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	_, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", Text: "hi", Format: ledger.FormatPlain, SrcGroupID: "other",
	})
	assert.ErrorContains(t, err, "invalid_request")
}

func TestSubmitIdempotentOnRepeatedClientID(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	first, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", Text: "hi", Format: ledger.FormatPlain, ClientID: "c1",
	})
	require.NoError(t, err)

	second, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", Text: "hi again", Format: ledger.FormatPlain, ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	events := store.Tail(nil, nil, 0)
	assert.Len(t, events, 1, "duplicate client_id must not append twice")
}

func TestSubmitIdempotencyScopedPerSender(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	fromUser, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", Text: "hi", Format: ledger.FormatPlain, ClientID: "shared",
	})
	require.NoError(t, err)

	fromActor, err := p.Submit(context.Background(), delivery.Submission{
		By: "A1", Text: "hi from A1", Format: ledger.FormatPlain, ClientID: "shared",
	})
	require.NoError(t, err)
	assert.NotEqual(t, fromUser.ID, fromActor.ID, "same client_id from different senders must not collide")

	events := store.Tail(nil, nil, 0)
	assert.Len(t, events, 2)
}

func TestSubmitInjectsIntoRunningActor(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	require.NoError(t, sup.StartActor(context.Background(), "user", "A1"))
	defer sup.StopActor(context.Background(), "user", "A1", actorsup.CauseUser)

	_, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", To: []string{"A1"}, Text: "ping", Format: ledger.FormatPlain, Priority: ledger.PriorityAttention,
	})
	require.NoError(t, err)

	assert.True(t, sup.IsRunning("A1"))
}

func TestSubmitSanitizesMarkdown(t *testing.T) {
	g, store, eng, sup := newFixture(t)
	p := delivery.New(g, store, eng, sup, t.TempDir())

	ev, err := p.Submit(context.Background(), delivery.Submission{
		By: "user", Text: `<script>alert(1)</script> hello`, Format: ledger.FormatMarkdown,
	})
	require.NoError(t, err)

	var data ledger.ChatMessageData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.False(t, strings.Contains(data.Text, "<script>"))
}
