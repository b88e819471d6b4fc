package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// attentionFile is the on-disk shape of state/attention.json: a
// rebuildable cache of the derived attention set (spec.md §3's
// Attention set is formally a ledger-derived view; this file exists
// purely to avoid rescanning the whole ledger on every query).
type attentionFile struct {
	// Open[actorID] lists the outstanding attention event ids.
	Open map[string][]string `json:"open"`
}

// attentionStore tracks, per actor, the open set of attention-priority
// messages addressed to them with no matching chat.ack yet.
type attentionStore struct {
	mu   sync.Mutex
	path string
	open map[string]map[string]struct{}
}

func newAttentionStore(path string) (*attentionStore, error) {
	open, err := loadAttention(path)
	if err != nil {
		return nil, err
	}
	return &attentionStore{path: path, open: open}, nil
}

func loadAttention(path string) (map[string]map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]map[string]struct{}), nil
		}
		return nil, fmt.Errorf("read attention file: %w", err)
	}
	var raw struct {
		Open map[string][]string `json:"open"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse attention file: %w", err)
		}
	}
	out := make(map[string]map[string]struct{}, len(raw.Open))
	for actorID, ids := range raw.Open {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		out[actorID] = set
	}
	return out, nil
}

func (a *attentionStore) persistLocked() error {
	raw := struct {
		Open map[string][]string `json:"open"`
	}{Open: make(map[string][]string, len(a.open))}
	for actorID, set := range a.open {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		raw.Open[actorID] = ids
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attention file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write attention file: %w", err)
	}
	return os.Rename(tmp, a.path)
}

// add marks eventID as an open attention item for actorID. A message
// with no concrete recipients creates no attention state (spec.md's
// "0 recipients + attention" edge case) — callers only invoke add for
// actors actually present in the resolved recipient set.
func (a *attentionStore) add(actorID, eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open[actorID] == nil {
		a.open[actorID] = make(map[string]struct{})
	}
	a.open[actorID][eventID] = struct{}{}
	return a.persistLocked()
}

// clear removes eventID from actorID's open attention set (called on a
// matching self-ack). Idempotent-success: clearing an item already
// absent is a no-op, not an error.
func (a *attentionStore) clear(actorID, eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.open[actorID]; ok {
		delete(set, eventID)
		if len(set) == 0 {
			delete(a.open, actorID)
		}
	}
	return a.persistLocked()
}

// openItems returns the open attention event ids for actorID, in no
// particular order.
func (a *attentionStore) openItems(actorID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.open[actorID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
