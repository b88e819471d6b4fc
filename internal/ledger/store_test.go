package ledger_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/ledger"
)

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := ledger.Open(ledger.Options{
		GroupID:       "g1",
		StateDir:      filepath.Join(dir, "state"),
		LedgerPath:    filepath.Join(dir, "ledger.jsonl"),
		MaxEventBytes: 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func chatMessage(t *testing.T, text, priority string, to []string) ledger.Event {
	t.Helper()
	data, err := json.Marshal(ledger.ChatMessageData{
		Text:     text,
		Format:   ledger.FormatPlain,
		To:       to,
		Priority: priority,
	})
	require.NoError(t, err)
	return ledger.Event{Kind: ledger.KindChatMessage, GroupID: "g1", By: "user", Data: data}
}

func TestAppendAssignsIDTSSeq(t *testing.T) {
	s := newTestStore(t)

	ev, err := s.Append(chatMessage(t, "hello", ledger.PriorityNormal, nil))
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.TS)
	assert.EqualValues(t, 1, ev.Seq)
	assert.NotEmpty(t, ev.Checksum)

	ev2, err := s.Append(chatMessage(t, "again", ledger.PriorityNormal, nil))
	require.NoError(t, err)
	assert.EqualValues(t, 2, ev2.Seq)
}

func TestAppendRejectsEmptyTextNoAttachments(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(chatMessage(t, "", ledger.PriorityNormal, nil))
	assert.ErrorContains(t, err, "invalid_request")
}

func TestChatAckRequiresAttentionAndSelf(t *testing.T) {
	s := newTestStore(t)

	msg, err := s.Append(chatMessage(t, "review this", ledger.PriorityAttention, []string{"@foreman"}))
	require.NoError(t, err)

	ackData, err := json.Marshal(ledger.ChatAckData{EventID: msg.ID, ActorID: "F1"})
	require.NoError(t, err)

	// Wrong actor acking.
	_, err = s.Append(ledger.Event{Kind: ledger.KindChatAck, GroupID: "g1", By: "OTHER", Data: ackData})
	assert.ErrorContains(t, err, "permission_denied")

	// Correct self-ack succeeds.
	ack, err := s.Append(ledger.Event{Kind: ledger.KindChatAck, GroupID: "g1", By: "F1", Data: ackData})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindChatAck, ack.Kind)

	// Ack on a normal-priority message is rejected.
	normalMsg, err := s.Append(chatMessage(t, "fyi", ledger.PriorityNormal, nil))
	require.NoError(t, err)
	badAckData, err := json.Marshal(ledger.ChatAckData{EventID: normalMsg.ID, ActorID: "F1"})
	require.NoError(t, err)
	_, err = s.Append(ledger.Event{Kind: ledger.KindChatAck, GroupID: "g1", By: "F1", Data: badAckData})
	assert.ErrorContains(t, err, "invalid_request")
}

func TestChatReadRequiresExistingEvent(t *testing.T) {
	s := newTestStore(t)
	readData, err := json.Marshal(ledger.ChatReadData{EventID: "does-not-exist", ActorID: "A1"})
	require.NoError(t, err)
	_, err = s.Append(ledger.Event{Kind: ledger.KindChatRead, GroupID: "g1", By: "A1", Data: readData})
	assert.ErrorContains(t, err, "event_not_found")
}

func TestOversizedEventSpillsToBlob(t *testing.T) {
	s := newTestStore(t)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'x'
	}
	ev, err := s.Append(chatMessage(t, string(big), ledger.PriorityNormal, nil))
	require.NoError(t, err)

	var data ledger.ChatMessageData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Contains(t, data.Text, "blob:")
	assert.Contains(t, data.Text, "sha256:")
}

func TestTailFiltersAndResumes(t *testing.T) {
	s := newTestStore(t)

	m1, err := s.Append(chatMessage(t, "one", ledger.PriorityNormal, nil))
	require.NoError(t, err)
	_, err = s.Append(chatMessage(t, "two", ledger.PriorityNormal, nil))
	require.NoError(t, err)

	all := s.Tail(nil, nil, 0)
	assert.Len(t, all, 2)

	resumed := s.Tail(&ledger.Cursor{EventID: m1.ID}, nil, 0)
	assert.Len(t, resumed, 1)
	assert.Equal(t, "two", mustChatText(t, resumed[0]))
}

func TestWindowAroundCenter(t *testing.T) {
	s := newTestStore(t)

	var mid ledger.Event
	for i := 0; i < 5; i++ {
		ev, err := s.Append(chatMessage(t, "msg", ledger.PriorityNormal, nil))
		require.NoError(t, err)
		if i == 2 {
			mid = ev
		}
	}

	win, err := s.Window(mid.ID, 1, 1, nil)
	require.NoError(t, err)
	assert.Len(t, win.Events, 3)
	assert.True(t, win.HasMoreBefore)
	assert.True(t, win.HasMoreAfter)
}

func TestSearchSubstringMatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(chatMessage(t, "find the needle here", ledger.PriorityNormal, nil))
	require.NoError(t, err)
	_, err = s.Append(chatMessage(t, "nothing interesting", ledger.PriorityNormal, nil))
	require.NoError(t, err)

	results := s.Search("needle", nil, 0)
	assert.Len(t, results, 1)
}

func mustChatText(t *testing.T, ev ledger.Event) string {
	t.Helper()
	var data ledger.ChatMessageData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	return data.Text
}
