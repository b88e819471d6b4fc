// Package recovery implements C9: the startup reconciliation pass
// (reap orphaned actor processes, then autostart running groups) and
// the periodic ledger compaction ticker, both coordinated across every
// group the daemon knows about.
package recovery

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/config"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/metrics"
)

// GroupHandle exposes the live components of one group's runtime that
// recovery needs, without importing internal/daemon (which would
// cycle back here).
type GroupHandle struct {
	Ledger     *ledger.Store
	Inbox      *inbox.Engine
	Supervisor *actorsup.Supervisor
}

// Lookup resolves a group id to its runtime handle. Returns ok=false
// for a group the daemon has not opened a runtime for (should not
// happen for anything in the registry, but guards against races
// during group_delete).
type Lookup func(groupID string) (GroupHandle, bool)

// Coordinator runs reconciliation and compaction across every group in
// reg.
type Coordinator struct {
	cfg    *config.Config
	reg    *group.Registry
	lookup Lookup

	lastCompaction map[string]time.Time // groupID -> last compaction time, touched only from the ticker goroutine
}

// New constructs a Coordinator.
func New(cfg *config.Config, reg *group.Registry, lookup Lookup) *Coordinator {
	return &Coordinator{cfg: cfg, reg: reg, lookup: lookup, lastCompaction: make(map[string]time.Time)}
}

// Reconcile runs spec.md §4.4/§4.9's startup scan for every group:
// reap any orphaned actor process found via pidfile, then autostart
// every enabled actor in groups marked running.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	for _, g := range c.reg.List() {
		h, ok := c.lookup(g.GroupID)
		if !ok {
			continue
		}
		if err := h.Supervisor.Reconcile(ctx); err != nil {
			slog.Warn("reconcile group failed", "group_id", g.GroupID, "error", err)
			continue
		}
		if g.Running {
			h.Supervisor.Autostart(ctx)
		}
	}
	return nil
}

// RunCompactionTicker runs until ctx is cancelled, checking every
// group for compaction eligibility at cfg.CompactionCheckInterval.
// Intended to run in its own goroutine.
func (c *Coordinator) RunCompactionTicker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CompactionCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.compactEligibleGroups()
		}
	}
}

func (c *Coordinator) compactEligibleGroups() {
	minInterval := c.cfg.CompactionMinInterval()
	now := time.Now()
	for _, g := range c.reg.List() {
		last, ok := c.lastCompaction[g.GroupID]
		if ok && now.Sub(last) < minInterval {
			continue
		}
		h, ok := c.lookup(g.GroupID)
		if !ok {
			continue
		}
		watermark, ok := safeWatermark(h.Inbox, g)
		if !ok {
			continue // no actor cursor to anchor on; nothing is safe to archive yet
		}
		stateDir := filepath.Join(c.cfg.GroupDir(g.GroupID), "state")
		n, err := h.Ledger.Compact(stateDir, watermark, c.cfg.CompactionTailKeep)
		if err != nil {
			slog.Warn("compact group failed", "group_id", g.GroupID, "error", err)
			continue
		}
		c.lastCompaction[g.GroupID] = now
		if n > 0 {
			metrics.LedgerCompactionsTotal.WithLabelValues(g.GroupID).Inc()
			slog.Info("compacted group ledger", "group_id", g.GroupID, "archived", n)
		}
	}
}

// safeWatermark returns the event id of the slowest reader's read
// cursor across every enabled actor in g plus the user — compacting
// past it would drop events a reader has not yet seen (spec.md §4.9's
// compaction safety rule: "minimum last_read_event_id across all
// actors and user").
func safeWatermark(eng *inbox.Engine, g *group.Group) (string, bool) {
	cursors := eng.Cursors()
	ids := append(append([]string(nil), g.EnabledActorIDs()...), ledger.PrincipalUser)

	var (
		found      bool
		minSeq     int64
		minEventID string
	)
	for _, id := range ids {
		entry, ok := cursors[id]
		if !ok {
			return "", false // a reader has never read anything; nothing is safe yet
		}
		if !found || entry.LastReadSeq < minSeq {
			found = true
			minSeq = entry.LastReadSeq
			minEventID = entry.LastReadEventID
		}
	}
	if !found {
		return "", false
	}
	return minEventID, true
}
