package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// refcountIndex tracks how many live event rows reference each blob
// sha256, so compaction/archival can identify zero-referenced blobs
// without guessing at an eager GC policy spec.md leaves unspecified
// (see DESIGN.md's Open Question decision #2). Persisted as a JSON
// side file, loaded lazily and rewritten via write-temp-then-rename.
// Counts are only incremented (on spill); archival does not decrement
// them and no blob is ever deleted.
type refcountIndex struct {
	mu    sync.Mutex
	path  string
	count map[string]int
}

func newRefcountIndex(path string) *refcountIndex {
	return &refcountIndex{path: path, count: make(map[string]int)}
}

func (r *refcountIndex) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read refcount index: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &r.count)
}

func (r *refcountIndex) incr(sha256Hex string) error {
	r.mu.Lock()
	r.count[sha256Hex]++
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return r.persist(snapshot)
}

func (r *refcountIndex) decr(sha256Hex string) error {
	r.mu.Lock()
	if r.count[sha256Hex] > 0 {
		r.count[sha256Hex]--
	}
	if r.count[sha256Hex] == 0 {
		delete(r.count, sha256Hex)
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return r.persist(snapshot)
}

// zeroRefs returns the sha256 digests with no remaining references.
// Nothing calls it; ledger_compact does not sweep blobs.
func (r *refcountIndex) zeroRefs(allKnown []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, sha := range allKnown {
		if r.count[sha] == 0 {
			out = append(out, sha)
		}
	}
	return out
}

func (r *refcountIndex) snapshotLocked() map[string]int {
	cp := make(map[string]int, len(r.count))
	for k, v := range r.count {
		cp[k] = v
	}
	return cp
}

func (r *refcountIndex) persist(snapshot map[string]int) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal refcount index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("create refcount dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write refcount index: %w", err)
	}
	return os.Rename(tmp, r.path)
}
