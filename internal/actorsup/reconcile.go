package actorsup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/metrics"
)

// Reconcile implements spec.md §4.4/§4.9's startup scan: an actor
// process may have outlived the previous daemon, so every actor's
// pidfile is checked against the real OS process table and either
// re-attached (metadata only — the daemon does not reattach stdio to
// an orphaned PTY) or reaped, before any autostart happens.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	s.group.RLock()
	actors := make([]*group.Actor, len(s.group.Actors))
	copy(actors, s.group.Actors)
	s.group.RUnlock()

	for _, actor := range actors {
		pf, ok, err := readPidfile(s.stateDir, actor.ActorID)
		if err != nil {
			slog.Warn("read pidfile during reconcile", "actor_id", actor.ActorID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		hashMatches := pf.ArgvHash == ArgvHash(actor.Command)
		if processAlive(pf.Pid) && hashMatches {
			// The orphaned process is still alive with matching argv: adopt
			// it in place rather than killing a healthy actor just because
			// the daemon restarted. We did not allocate its PTY/pipes in
			// this process lifetime, so the adopted runner tracks liveness
			// and can stop the process, but cannot write to or resize it
			// until the next actor_restart gives it a fresh, attached
			// runner.
			slog.Info("reconcile: adopting live orphan with matching argv_hash",
				"actor_id", actor.ActorID, "pid", pf.Pid)
			s.adopt(actor, pf.Pid)
			continue
		}
		if processAlive(pf.Pid) {
			killProcess(pf.Pid)
		}
		if err := removePidfile(s.stateDir, actor.ActorID); err != nil {
			slog.Warn("remove stale pidfile", "actor_id", actor.ActorID, "error", err)
		}
		if err := s.emitLifecycle(ledger.KindActorExit, actor.ActorID, CauseCrash, -1); err != nil {
			slog.Warn("emit reconcile actor.exit", "actor_id", actor.ActorID, "error", err)
		}
		actor.LifecycleState = group.ActorStopped
	}

	return nil
}

// Autostart spawns every enabled actor not already running. Called by
// C9 after Reconcile, only for groups with `running == true`.
func (s *Supervisor) Autostart(ctx context.Context) {
	s.group.RLock()
	actors := make([]*group.Actor, len(s.group.Actors))
	copy(actors, s.group.Actors)
	s.group.RUnlock()

	for _, actor := range actors {
		if !actor.Enabled || s.IsRunning(actor.ActorID) {
			continue
		}
		if err := s.start(ctx, actor.ActorID, CauseUser); err != nil {
			slog.Warn("autostart failed", "actor_id", actor.ActorID, "error", err)
		}
	}
}

// adopt registers a live orphaned process as managed without spawning
// anything new: no actor.start event is emitted (nothing started) and
// the existing pidfile is left in place (still accurate).
func (s *Supervisor) adopt(actor *group.Actor, pid int) {
	_, cancel := context.WithCancel(context.Background())
	ma := &managedActor{actor: actor, runner: &adoptedRunner{pid: pid}, cancel: cancel, backoff: newCrashBackoff()}

	s.mu.Lock()
	s.managed[actor.ActorID] = ma
	s.mu.Unlock()

	actor.LifecycleState = group.ActorRunning
	metrics.ActorsRunning.WithLabelValues(s.group.GroupID).Inc()

	go s.watchExit(actor.ActorID, ma)
}

// adoptedRunner is the Runner for a process reconciliation found alive
// with a matching argv_hash: liveness and Stop work against the bare
// pid, but Write/Resize have no attached stdio/pty to act on until the
// actor is restarted with a fresh runner.
type adoptedRunner struct {
	pid int
}

func (r *adoptedRunner) Spawn(context.Context, SpawnOptions) error {
	return fmt.Errorf("actor_not_attached: adopted orphan cannot be respawned in place")
}

func (r *adoptedRunner) Write([]byte) error {
	return fmt.Errorf("actor_not_attached: adopted orphan has no attached stdio")
}

func (r *adoptedRunner) Resize(uint16, uint16) error {
	return fmt.Errorf("actor_not_attached: adopted orphan has no attached pty")
}

func (r *adoptedRunner) Stop() {
	killProcess(r.pid)
}

// Wait polls liveness since this process lifetime never forked the
// child and cannot block on a real wait4 handle.
func (r *adoptedRunner) Wait() int {
	for processAlive(r.pid) {
		time.Sleep(500 * time.Millisecond)
	}
	return -1
}

func (r *adoptedRunner) Pid() int { return r.pid }
