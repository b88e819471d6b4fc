// Package group holds the Group/Scope/Actor data model and the
// on-disk registry of known groups (spec.md §3/§6).
package group

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cccc-kernel/cccc/internal/config"
)

// Group states.
const (
	StateActive = "active"
	StateIdle   = "idle"
	StatePaused = "paused"
)

// Actor roles.
const (
	RoleForeman = "foreman"
	RolePeer    = "peer"
)

// Actor runners.
const (
	RunnerPTY      = "pty"
	RunnerHeadless = "headless"
)

// Actor lifecycle states (C4).
const (
	ActorStopped  = "stopped"
	ActorStarting = "starting"
	ActorRunning  = "running"
	ActorExiting  = "exiting"
)

// Scope is a filesystem project root associated with a group.
type Scope struct {
	ScopeKey  string `yaml:"scope_key" json:"scope_key"`
	Root      string `yaml:"root" json:"root"`
	GitRemote string `yaml:"git_remote,omitempty" json:"git_remote,omitempty"`
	Label     string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Actor is a named agent session within a group.
type Actor struct {
	ActorID         string            `yaml:"actor_id" json:"actor_id"`
	Title           string            `yaml:"title" json:"title"`
	Role            string            `yaml:"role" json:"role"`
	Runner          string            `yaml:"runner" json:"runner"`
	Runtime         string            `yaml:"runtime" json:"runtime"`
	Command         []string          `yaml:"command" json:"command"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	EnvPrivateKeys  []string          `yaml:"env_private_keys,omitempty" json:"env_private_keys,omitempty"`
	DefaultScopeKey string            `yaml:"default_scope_key,omitempty" json:"default_scope_key,omitempty"`
	Enabled         bool              `yaml:"enabled" json:"enabled"`

	// LifecycleState and RestartBackoff are supervisor-owned runtime
	// state, never persisted to group.yaml and never part of the
	// ledger; actorsup.Supervisor is the sole writer.
	LifecycleState string        `yaml:"-" json:"-"`
	RestartBackoff time.Duration `yaml:"-" json:"-"`
}

// Group is a named collaboration namespace.
type Group struct {
	GroupID        string    `yaml:"group_id" json:"group_id"`
	Title          string    `yaml:"title" json:"title"`
	Topic          string    `yaml:"topic,omitempty" json:"topic,omitempty"`
	State          string    `yaml:"state" json:"state"`
	Running        bool      `yaml:"running" json:"running"`
	Scopes         []Scope   `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	ActiveScopeKey string    `yaml:"active_scope_key,omitempty" json:"active_scope_key,omitempty"`
	Actors         []*Actor  `yaml:"actors,omitempty" json:"actors,omitempty"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time `yaml:"updated_at" json:"updated_at"`

	// Policy holds this group's overrides of the daemon-wide delivery/
	// automation defaults (spec.md §3's "per-group settings"); any
	// zero-valued field falls back to config.Config.Policy.
	Policy config.Policy `yaml:"policy,omitempty" json:"policy,omitempty"`

	mu sync.RWMutex
}

// Lock/Unlock expose the group's mutex to callers (actorsup, delivery)
// that must serialize structural mutation (actor add/remove/role
// change) alongside ledger appends, matching the per-group single-
// writer discipline spec.md §5 describes.
func (g *Group) Lock()    { g.mu.Lock() }
func (g *Group) Unlock()  { g.mu.Unlock() }
func (g *Group) RLock()   { g.mu.RLock() }
func (g *Group) RUnlock() { g.mu.RUnlock() }

// ActiveScope returns the group's currently active scope, if any.
func (g *Group) ActiveScope() (Scope, bool) {
	for _, s := range g.Scopes {
		if s.ScopeKey == g.ActiveScopeKey {
			return s, true
		}
	}
	return Scope{}, false
}

// ActorByID returns the actor with the given id, if present.
func (g *Group) ActorByID(actorID string) (*Actor, bool) {
	for _, a := range g.Actors {
		if a.ActorID == actorID {
			return a, true
		}
	}
	return nil, false
}

// ActorByTitle resolves a case-insensitive title match. err is set if
// the title is ambiguous (matches more than one actor).
func (g *Group) ActorByTitle(title string) (*Actor, bool, error) {
	var found *Actor
	matches := 0
	for _, a := range g.Actors {
		if strings.EqualFold(a.Title, title) {
			matches++
			found = a
		}
	}
	if matches > 1 {
		return nil, false, fmt.Errorf("title %q matches %d actors", title, matches)
	}
	if matches == 0 {
		return nil, false, nil
	}
	return found, true, nil
}

// --- ledger.ActorLookup / ledger.RegistrySnapshot implementations ---
//
// Group itself satisfies both small interfaces ledger.NormalizeRecipients
// and ledger.ResolveRecipients need, so delivery can pass a *Group
// directly wherever a recipient registry is required.

func (g *Group) ResolveTitle(title string) (string, bool, error) {
	a, ok, err := g.ActorByTitle(title)
	if err != nil || !ok {
		return "", ok, err
	}
	return a.ActorID, true, nil
}

func (g *Group) HasActor(actorID string) bool {
	_, ok := g.ActorByID(actorID)
	return ok
}

func (g *Group) ActorExists(actorID string) bool { return g.HasActor(actorID) }

func (g *Group) EnabledActorIDs() []string {
	var out []string
	for _, a := range g.Actors {
		if a.Enabled {
			out = append(out, a.ActorID)
		}
	}
	return out
}

func (g *Group) PeerActorIDs() []string {
	var out []string
	for _, a := range g.Actors {
		if a.Enabled && a.Role == RolePeer {
			out = append(out, a.ActorID)
		}
	}
	return out
}

func (g *Group) ForemanActorID() string {
	for _, a := range g.Actors {
		if a.Enabled && a.Role == RoleForeman {
			return a.ActorID
		}
	}
	return ""
}

// RecomputeForeman implements spec.md §4.4's foreman election: if no
// enabled actor currently holds the foreman role and at least one
// enabled actor remains, the first enabled actor (by registration
// order) is auto-promoted. Returns the actor id promoted, or "" if no
// change was needed.
func (g *Group) RecomputeForeman() string {
	for _, a := range g.Actors {
		if a.Enabled && a.Role == RoleForeman {
			return ""
		}
	}
	for _, a := range g.Actors {
		if a.Enabled {
			a.Role = RoleForeman
			return a.ActorID
		}
	}
	return ""
}
