package group

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// RegistryEntry is one row of registry.json: the minimal index needed
// to enumerate groups without loading every group.yaml.
type RegistryEntry struct {
	GroupID string `json:"group_id"`
	Title   string `json:"title"`
	Running bool   `json:"running"`
}

// Registry owns the on-disk group index and the loaded Group structs.
// It is the implementation spec.md §9's startup reconciliation walks
// and the one place group.yaml files are read/written.
type Registry struct {
	runtimeHome string

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewRegistry creates an empty registry rooted at runtimeHome. Call
// Load to populate it from disk.
func NewRegistry(runtimeHome string) *Registry {
	return &Registry{runtimeHome: runtimeHome, groups: make(map[string]*Group)}
}

func (r *Registry) groupDir(groupID string) string {
	return filepath.Join(r.runtimeHome, "groups", groupID)
}

func (r *Registry) groupYAMLPath(groupID string) string {
	return filepath.Join(r.groupDir(groupID), "group.yaml")
}

// Load reads registry.json and every referenced group.yaml into memory.
func (r *Registry) Load() error {
	entries, err := r.readIndex()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		g, err := r.readGroupYAML(entry.GroupID)
		if err != nil {
			return fmt.Errorf("load group %s: %w", entry.GroupID, err)
		}
		r.groups[entry.GroupID] = g
	}
	return nil
}

func (r *Registry) readIndex() ([]RegistryEntry, error) {
	path := filepath.Join(r.runtimeHome, "registry.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry index: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse registry index: %w", err)
	}
	return entries, nil
}

func (r *Registry) readGroupYAML(groupID string) (*Group, error) {
	data, err := os.ReadFile(r.groupYAMLPath(groupID))
	if err != nil {
		return nil, fmt.Errorf("read group.yaml: %w", err)
	}
	var g Group
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse group.yaml: %w", err)
	}
	return &g, nil
}

// Create registers a brand-new group, writes its group.yaml, and
// updates registry.json.
func (r *Registry) Create(g *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[g.GroupID]; exists {
		return fmt.Errorf("invalid_request: group %s already exists", g.GroupID)
	}

	if err := os.MkdirAll(r.groupDir(g.GroupID), 0o750); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}
	if err := r.saveGroupYAMLLocked(g); err != nil {
		return err
	}

	r.groups[g.GroupID] = g
	return r.writeIndexLocked()
}

// Save persists an existing group's group.yaml and refreshes the index.
func (r *Registry) Save(g *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveGroupYAMLLocked(g); err != nil {
		return err
	}
	return r.writeIndexLocked()
}

func (r *Registry) saveGroupYAMLLocked(g *Group) error {
	data, err := yaml.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal group.yaml: %w", err)
	}
	tmp := r.groupYAMLPath(g.GroupID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write group.yaml: %w", err)
	}
	return os.Rename(tmp, r.groupYAMLPath(g.GroupID))
}

func (r *Registry) writeIndexLocked() error {
	entries := make([]RegistryEntry, 0, len(r.groups))
	for _, g := range r.groups {
		entries = append(entries, RegistryEntry{GroupID: g.GroupID, Title: g.Title, Running: g.Running})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry index: %w", err)
	}
	tmp := filepath.Join(r.runtimeHome, "registry.json.tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write registry index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(r.runtimeHome, "registry.json"))
}

// Get returns the group with the given id.
func (r *Registry) Get(groupID string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	return g, ok
}

// List returns every known group.
func (r *Registry) List() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Delete removes a group's registry entry and on-disk directory. The
// caller is responsible for requiring confirm == group_id before
// calling this (spec.md's destructive-op confirmation rule).
func (r *Registry) Delete(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[groupID]; !ok {
		return fmt.Errorf("group_not_found: %s", groupID)
	}
	delete(r.groups, groupID)
	if err := os.RemoveAll(r.groupDir(groupID)); err != nil {
		return fmt.Errorf("remove group dir: %w", err)
	}
	return r.writeIndexLocked()
}
