package inbox_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

func testGroup() *group.Group {
	return &group.Group{
		GroupID: "g1",
		Actors: []*group.Actor{
			{ActorID: "A1", Title: "Reviewer", Role: group.RoleForeman, Enabled: true},
			{ActorID: "A2", Title: "Builder", Role: group.RolePeer, Enabled: true},
		},
	}
}

func chatMessageEvent(t *testing.T, id string, data ledger.ChatMessageData, by string) ledger.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return ledger.Event{V: 1, ID: id, TS: "2026-01-01T00:00:00Z", Seq: 1, Kind: ledger.KindChatMessage, GroupID: "g1", By: by, Data: raw}
}

func TestEngineAppliesAttentionOnMessage(t *testing.T) {
	eng, err := inbox.Open("g1", t.TempDir())
	require.NoError(t, err)

	g := testGroup()
	ev := chatMessageEvent(t, "e1", ledger.ChatMessageData{
		Text: "look at this", Format: ledger.FormatPlain,
		To: []string{"A2"}, Priority: ledger.PriorityAttention,
	}, "A1")

	require.NoError(t, eng.ApplyEvent(ev, g))
	assert.Equal(t, []string{"e1"}, eng.AttentionSet("A2"))
	assert.Empty(t, eng.AttentionSet("A1"))
}

func TestEngineClearsAttentionOnAck(t *testing.T) {
	eng, err := inbox.Open("g1", t.TempDir())
	require.NoError(t, err)
	g := testGroup()

	msg := chatMessageEvent(t, "e1", ledger.ChatMessageData{
		Text: "ping", Format: ledger.FormatPlain, To: []string{"A2"}, Priority: ledger.PriorityAttention,
	}, "A1")
	require.NoError(t, eng.ApplyEvent(msg, g))
	require.Len(t, eng.AttentionSet("A2"), 1)

	ackData, err := json.Marshal(ledger.ChatAckData{EventID: "e1", ActorID: "A2"})
	require.NoError(t, err)
	ack := ledger.Event{V: 1, ID: "e2", TS: "2026-01-01T00:00:01Z", Kind: ledger.KindChatAck, GroupID: "g1", By: "A2", Data: ackData}
	require.NoError(t, eng.ApplyEvent(ack, g))

	assert.Empty(t, eng.AttentionSet("A2"))
}

func TestEngineReadWatermarkNeverMovesBackward(t *testing.T) {
	eng, err := inbox.Open("g1", t.TempDir())
	require.NoError(t, err)

	advanced, err := eng.MarkRead("A2", "e5", "2026-01-01T00:00:05Z", 5)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = eng.MarkRead("A2", "e3", "2026-01-01T00:00:03Z", 3)
	require.NoError(t, err)
	assert.False(t, advanced)

	cur, ok := eng.Cursor("A2")
	require.True(t, ok)
	assert.Equal(t, "e5", cur.LastReadEventID)
	assert.Equal(t, int64(5), cur.LastReadSeq)
}

func TestEngineClearingReadWatermarkDoesNotClearAttention(t *testing.T) {
	eng, err := inbox.Open("g1", t.TempDir())
	require.NoError(t, err)
	g := testGroup()

	msg := chatMessageEvent(t, "e1", ledger.ChatMessageData{
		Text: "ping", Format: ledger.FormatPlain, To: []string{"A2"}, Priority: ledger.PriorityAttention,
	}, "A1")
	require.NoError(t, eng.ApplyEvent(msg, g))

	_, err = eng.MarkRead("A2", "e1", "2026-01-01T00:00:00Z", 1)
	require.NoError(t, err)

	assert.Len(t, eng.AttentionSet("A2"), 1, "read watermark must not clear attention")
}

func TestResolveDeliveryBroadcastExcludesSender(t *testing.T) {
	g := testGroup()
	res := inbox.ResolveDelivery(nil, ledger.PriorityNormal, "A1", g)
	assert.ElementsMatch(t, []string{"A2"}, res.ActorIDs)
	assert.True(t, res.ToUser)
	assert.False(t, res.Attention)
}

func TestEnginePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	eng, err := inbox.Open("g1", dir)
	require.NoError(t, err)
	g := testGroup()

	msg := chatMessageEvent(t, "e1", ledger.ChatMessageData{
		Text: "ping", Format: ledger.FormatPlain, To: []string{"A2"}, Priority: ledger.PriorityAttention,
	}, "A1")
	require.NoError(t, eng.ApplyEvent(msg, g))
	_, err = eng.MarkRead("user", "e1", "2026-01-01T00:00:00Z", 1)
	require.NoError(t, err)

	reopened, err := inbox.Open("g1", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, reopened.AttentionSet("A2"))
	cur, ok := reopened.Cursor("user")
	require.True(t, ok)
	assert.Equal(t, "e1", cur.LastReadEventID)
}
