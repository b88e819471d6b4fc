package termstream

import "sync"

// subscriberQueueDepth bounds a term_attach subscriber's output queue,
// mirroring internal/bus's high-water-mark drop policy.
const subscriberQueueDepth = 256

// Subscriber is one term_attach connection's inbound channel.
type Subscriber struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *Subscriber) C() <-chan []byte        { return s.ch }
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.closed); close(s.ch) })
}

// Hub owns a scrollback buffer and live subscriber set per actor. The
// daemon wires Hub.Write as the actor supervisor's OutputSink.
type Hub struct {
	mu     sync.RWMutex
	actors map[string]*actorState
}

type actorState struct {
	buffer *ScreenBuffer
	subs   map[*Subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{actors: make(map[string]*actorState)}
}

func (h *Hub) stateFor(actorID string) *actorState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.actors[actorID]
	if !ok {
		st = &actorState{buffer: NewScreenBuffer(), subs: make(map[*Subscriber]struct{})}
		h.actors[actorID] = st
	}
	return st
}

// Write records output for actorID in its scrollback buffer and fans
// it out to every attached subscriber, dropping (disconnecting) any
// subscriber whose queue is already full.
func (h *Hub) Write(actorID string, data []byte) {
	st := h.stateFor(actorID)
	st.buffer.Write(data)

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var overflowed []*Subscriber
	for _, s := range subs {
		select {
		case s.ch <- data:
		default:
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		h.Unsubscribe(actorID, s)
	}
}

// Attach registers a new subscriber for actorID's live output.
func (h *Hub) Attach(actorID string) *Subscriber {
	s := &Subscriber{ch: make(chan []byte, subscriberQueueDepth), closed: make(chan struct{})}
	st := h.stateFor(actorID)
	h.mu.Lock()
	st.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe detaches a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(actorID string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.actors[actorID]
	if !ok {
		return
	}
	if _, present := st.subs[s]; present {
		delete(st.subs, s)
		s.close()
	}
}

// Tail returns actorID's current scrollback snapshot.
func (h *Hub) Tail(actorID string) []byte {
	return h.stateFor(actorID).buffer.Snapshot()
}

// Clear discards actorID's scrollback buffer.
func (h *Hub) Clear(actorID string) {
	h.stateFor(actorID).buffer.Clear()
}
