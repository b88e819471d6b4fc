package delivery

import (
	"sync"
	"time"

	"github.com/cccc-kernel/cccc/internal/ledger"
)

// idempotencyWindow deduplicates submissions by (by, client_id) within
// a fixed lookback (spec.md §5: "within a 5-minute window per (group,
// by, client_id)"; group is already implicit per-Pipeline).
type idempotencyWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]idempotencyEntry
}

type idempotencyEntry struct {
	event ledger.Event
	at    time.Time
}

func newIdempotencyWindow(window time.Duration) *idempotencyWindow {
	return &idempotencyWindow{window: window, seen: make(map[string]idempotencyEntry)}
}

func idempotencyKey(by, clientID string) string {
	return by + "\x00" + clientID
}

// check reports whether (by, clientID) was already submitted within
// the window, returning the original event if so.
func (w *idempotencyWindow) check(by, clientID string) (ledger.Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	entry, ok := w.seen[idempotencyKey(by, clientID)]
	if !ok {
		return ledger.Event{}, false
	}
	return entry.event, true
}

func (w *idempotencyWindow) record(by, clientID string, ev ledger.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[idempotencyKey(by, clientID)] = idempotencyEntry{event: ev, at: time.Now()}
}

func (w *idempotencyWindow) pruneLocked() {
	cutoff := time.Now().Add(-w.window)
	for k, entry := range w.seen {
		if entry.at.Before(cutoff) {
			delete(w.seen, k)
		}
	}
}
