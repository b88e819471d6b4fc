package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/bus"
	"github.com/cccc-kernel/cccc/internal/ledger"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	m := bus.New()
	sub := m.Subscribe("g1")
	defer m.Unsubscribe("g1", sub)

	m.Publish("g1", ledger.Event{ID: "e1", Kind: ledger.KindChatMessage})

	select {
	case ev := <-sub.C():
		assert.Equal(t, "e1", ev.ID)
	default:
		t.Fatal("expected event on subscriber channel")
	}
}

func TestPublishDoesNotCrossGroups(t *testing.T) {
	m := bus.New()
	sub := m.Subscribe("g1")
	defer m.Unsubscribe("g1", sub)

	m.Publish("g2", ledger.Event{ID: "e1"})

	select {
	case <-sub.C():
		t.Fatal("subscriber to g1 must not see g2's events")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := bus.New()
	sub := m.Subscribe("g1")
	m.Unsubscribe("g1", sub)

	select {
	case <-sub.Closed():
	default:
		t.Fatal("expected Closed() to be closed after Unsubscribe")
	}
	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := bus.New()
	sub := m.Subscribe("g1")
	m.Unsubscribe("g1", sub)
	require.NotPanics(t, func() { m.Unsubscribe("g1", sub) })
}

func TestPublishOverflowDisconnectsSubscriber(t *testing.T) {
	m := bus.New()
	sub := m.Subscribe("g1")

	for i := 0; i < 300; i++ {
		m.Publish("g1", ledger.Event{ID: "e"})
	}

	select {
	case <-sub.Closed():
	default:
		t.Fatal("expected subscriber to be disconnected after overflowing its queue")
	}
}

func TestPublishManyFansOutAcrossGroups(t *testing.T) {
	m := bus.New()
	s1 := m.Subscribe("g1")
	s2 := m.Subscribe("g2")
	defer m.Unsubscribe("g1", s1)
	defer m.Unsubscribe("g2", s2)

	m.PublishMany([]bus.GroupEvent{
		{GroupID: "g1", Event: ledger.Event{ID: "a"}},
		{GroupID: "g2", Event: ledger.Event{ID: "b"}},
	})

	ev1 := <-s1.C()
	ev2 := <-s2.C()
	assert.Equal(t, "a", ev1.ID)
	assert.Equal(t, "b", ev2.ID)
}
