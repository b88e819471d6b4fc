package ledger_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/ledger"
)

type fakeLookup struct {
	titles map[string]string // lowercase title -> actor id
	actors map[string]bool
}

func (f *fakeLookup) ResolveTitle(title string) (string, bool, error) {
	matches := 0
	var id string
	for t, aid := range f.titles {
		if equalFold(t, title) {
			matches++
			id = aid
		}
	}
	if matches > 1 {
		return "", false, fmt.Errorf("ambiguous title %q", title)
	}
	if matches == 0 {
		return "", false, nil
	}
	return id, true, nil
}

func (f *fakeLookup) HasActor(id string) bool { return f.actors[id] }

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func TestNormalizeRecipients(t *testing.T) {
	lookup := &fakeLookup{
		titles: map[string]string{"reviewer": "A1"},
		actors: map[string]bool{"A1": true},
	}

	out, err := ledger.NormalizeRecipients([]string{"@all", "user", "Reviewer", "A1", "@ALL"}, lookup)
	require.NoError(t, err)
	assert.Equal(t, []string{"@all", "@user", "A1"}, out)
}

func TestNormalizeRecipientsRejectsUnknownSelector(t *testing.T) {
	_, err := ledger.NormalizeRecipients([]string{"@nonsense"}, &fakeLookup{})
	assert.ErrorContains(t, err, "invalid_request")
}

func TestNormalizeRecipientsRejectsUnknownToken(t *testing.T) {
	_, err := ledger.NormalizeRecipients([]string{"ghost"}, &fakeLookup{})
	assert.ErrorContains(t, err, "invalid_request")
}

type fakeRegistry struct {
	enabled []string
	peers   []string
	foreman string
	exists  map[string]bool
}

func (f *fakeRegistry) EnabledActorIDs() []string { return f.enabled }
func (f *fakeRegistry) PeerActorIDs() []string    { return f.peers }
func (f *fakeRegistry) ForemanActorID() string    { return f.foreman }
func (f *fakeRegistry) ActorExists(id string) bool { return f.exists[id] }

func TestResolveRecipientsBroadcastEmptyTo(t *testing.T) {
	reg := &fakeRegistry{enabled: []string{"A1", "A2"}, foreman: "A1"}
	res := ledger.ResolveRecipients(nil, ledger.PriorityNormal, "", reg)
	assert.ElementsMatch(t, []string{"A1", "A2"}, res.ActorIDs)
	assert.True(t, res.ToUser)
	assert.False(t, res.Attention)
}

func TestResolveRecipientsExcludesSender(t *testing.T) {
	reg := &fakeRegistry{enabled: []string{"A1", "A2"}, foreman: "A1"}
	res := ledger.ResolveRecipients(nil, ledger.PriorityNormal, "A1", reg)
	assert.ElementsMatch(t, []string{"A2"}, res.ActorIDs)
}

func TestResolveRecipientsForemanSelector(t *testing.T) {
	reg := &fakeRegistry{enabled: []string{"A1", "A2"}, foreman: "A1", exists: map[string]bool{"A1": true, "A2": true}}
	res := ledger.ResolveRecipients([]string{"@foreman"}, ledger.PriorityAttention, "", reg)
	assert.Equal(t, []string{"A1"}, res.ActorIDs)
	assert.True(t, res.Attention)
}

func TestResolveRecipientsZeroRecipientsNoAttention(t *testing.T) {
	reg := &fakeRegistry{exists: map[string]bool{}}
	res := ledger.ResolveRecipients([]string{"@foreman"}, ledger.PriorityAttention, "", reg)
	assert.Empty(t, res.ActorIDs)
	assert.False(t, res.Attention)
}
