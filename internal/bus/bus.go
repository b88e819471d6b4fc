// Package bus implements the in-process event stream fan-out (C8):
// every IPC event-stream subscriber sees every event appended to the
// groups it watches, in append order, via a bounded non-blocking
// channel.
package bus

import (
	"sync"

	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/metrics"
)

// subscriberQueueDepth bounds a subscriber's outbound channel. A
// subscriber that falls this far behind is disconnected rather than
// allowed to stall the publisher (spec.md §5's "bounded subscriber
// queue" resource model).
const subscriberQueueDepth = 256

// Subscriber is a single event-stream watcher's inbound channel.
type Subscriber struct {
	ch     chan ledger.Event
	closed chan struct{}
	once   sync.Once
}

// C returns the channel that receives events for this subscription.
// It is closed when the subscriber is disconnected (via Unsubscribe or
// a high-water-mark drop).
func (s *Subscriber) C() <-chan ledger.Event { return s.ch }

// Closed reports whether this subscriber has been disconnected.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.closed); close(s.ch) })
}

// Manager tracks active subscriptions per group and fans out appended
// events to them. It implements ledger.Notifier so a Store can publish
// directly without an import cycle.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // group_id -> subscriber set
}

// New creates an empty bus Manager.
func New() *Manager {
	return &Manager{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber for groupID. Callers must call
// Unsubscribe when done (e.g. when the IPC connection closes).
func (m *Manager) Subscribe(groupID string) *Subscriber {
	s := &Subscriber{ch: make(chan ledger.Event, subscriberQueueDepth), closed: make(chan struct{})}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[groupID] == nil {
		m.subs[groupID] = make(map[*Subscriber]struct{})
	}
	m.subs[groupID][s] = struct{}{}
	metrics.BusSubscribersActive.Inc()
	return s
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (m *Manager) Unsubscribe(groupID string, s *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss, ok := m.subs[groupID]; ok {
		if _, present := ss[s]; present {
			delete(ss, s)
			s.close()
			metrics.BusSubscribersActive.Dec()
			if len(ss) == 0 {
				delete(m.subs, groupID)
			}
		}
	}
}

// Publish implements ledger.Notifier: it fans ev out to every
// subscriber of ev.GroupID. A subscriber whose queue is already full
// is disconnected (high-water-mark drop) rather than blocked or
// silently skipped — the event-stream protocol's `since_event_id`
// resume lets the client reconnect and catch up.
func (m *Manager) Publish(groupID string, ev ledger.Event) {
	m.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(m.subs[groupID]))
	for s := range m.subs[groupID] {
		subscribers = append(subscribers, s)
	}
	m.mu.RUnlock()

	metrics.BusEventsPublishedTotal.WithLabelValues(groupID).Inc()

	var overflowed []*Subscriber
	for _, s := range subscribers {
		select {
		case s.ch <- ev:
		default:
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		metrics.BusSubscriberDroppedTotal.WithLabelValues(groupID).Inc()
		m.Unsubscribe(groupID, s)
	}
}

// GroupEvent pairs a group id with the event to publish, for batched
// fan-out across groups.
type GroupEvent struct {
	GroupID string
	Event   ledger.Event
}

// PublishMany fans out a batch of events in order, one Publish call
// (and one lock acquisition) per event (used by C9 recovery when
// replaying a burst of reconciliation events).
func (m *Manager) PublishMany(events []GroupEvent) {
	for _, ge := range events {
		m.Publish(ge.GroupID, ge.Event)
	}
}
