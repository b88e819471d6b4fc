package actorsup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/metrics"
)

// nowFunc is overridden in tests for deterministic timestamps.
var nowFunc = time.Now

// Lifecycle event cause codes (spec.md §4.4).
const (
	CauseUser         = "user"
	CauseCrash        = "crash"
	CauseConfigChange = "config_change"
	CauseGroupStop    = "group_stop"
)

// lifecycleData is the payload shape for actor.start/stop/restart/exit events.
type lifecycleData struct {
	ActorID  string `json:"actor_id"`
	Cause    string `json:"cause"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// roleUpdateData is the payload of an actor.update role-promotion event.
type roleUpdateData struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// OutputSink receives raw process output, used by the delivery
// pipeline's actor-idle detection and terminal-attach streaming.
type OutputSink func(actorID string, data []byte)

// managedActor pairs a group.Actor record with its live Runner, if any.
type managedActor struct {
	actor   *group.Actor
	runner  Runner
	cancel  context.CancelFunc
	backoff *backoff.ExponentialBackOff
}

// Supervisor owns the process lifecycle of every actor in one group.
type Supervisor struct {
	mu        sync.Mutex
	group     *group.Group
	ledger    *ledger.Store
	stateDir  string
	output    OutputSink
	startHook func(actorID string)
	envLookup func(actorID string) (map[string]string, error)
	managed   map[string]*managedActor
	lastOutput map[string]time.Time
}

// NewSupervisor constructs a Supervisor for a single group. stateDir
// is the group's runtime state directory (for pidfiles).
func NewSupervisor(g *group.Group, store *ledger.Store, stateDir string) *Supervisor {
	return &Supervisor{
		group:      g,
		ledger:     store,
		stateDir:   stateDir,
		managed:    make(map[string]*managedActor),
		lastOutput: make(map[string]time.Time),
	}
}

// SetOutputSink registers a callback invoked for every chunk of output
// produced by any managed actor.
func (s *Supervisor) SetOutputSink(sink OutputSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = sink
}

// SetStartHook registers a callback invoked after an actor transitions
// to running, used by the delivery pipeline to replay the start-time
// preamble of unread addressed messages (spec.md §4.5).
func (s *Supervisor) SetStartHook(hook func(actorID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startHook = hook
}

// SetEnvPrivateLookup registers a callback consulted on every actor
// start to decrypt that actor's env_private values (spec.md §4.2) into
// its process environment, alongside its plain actor.Env entries. A
// nil lookup (the default) means no private environment is injected.
func (s *Supervisor) SetEnvPrivateLookup(lookup func(actorID string) (map[string]string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envLookup = lookup
}

func (s *Supervisor) isUserOrForeman(principal string) bool {
	if principal == ledger.PrincipalUser {
		return true
	}
	return principal != "" && principal == s.group.ForemanActorID()
}

func (s *Supervisor) isSelf(principal, actorID string) bool {
	return principal == actorID
}

// AddActor registers a new actor record and recomputes foreman
// election. Permission: `user` or foreman only (spec.md §4.4).
func (s *Supervisor) AddActor(principal string, actor *group.Actor) error {
	if !s.isUserOrForeman(principal) {
		return fmt.Errorf("permission_denied: actor_add requires user or foreman")
	}
	s.group.Lock()
	defer s.group.Unlock()

	actor.LifecycleState = group.ActorStopped
	s.group.Actors = append(s.group.Actors, actor)
	if promoted := s.group.RecomputeForeman(); promoted != "" {
		if err := s.emitRoleUpdate(promoted, group.RoleForeman); err != nil {
			return err
		}
	}
	return nil
}

// UpdateActor applies field-level edits to an existing actor record
// (title, command, env, default scope, enabled flag) and recomputes
// foreman election afterward, since disabling the foreman or flipping
// a peer's role both change who holds it. Permission follows actor_add:
// `user` or foreman only (spec.md §6 lists actor_update alongside
// actor_add under the same per-group governance).
func (s *Supervisor) UpdateActor(principal string, actorID string, fn func(*group.Actor)) error {
	if !s.isUserOrForeman(principal) {
		return fmt.Errorf("permission_denied: actor_update requires user or foreman")
	}
	s.group.Lock()
	defer s.group.Unlock()
	target, ok := s.group.ActorByID(actorID)
	if !ok {
		return fmt.Errorf("actor_not_found: %s", actorID)
	}
	fn(target)
	if promoted := s.group.RecomputeForeman(); promoted != "" {
		return s.emitRoleUpdate(promoted, group.RoleForeman)
	}
	return nil
}

// RemoveActor deletes an actor record. Permission: self, `user`, or
// foreman acting on a non-foreman actor.
func (s *Supervisor) RemoveActor(principal, actorID string) error {
	s.group.RLock()
	target, ok := s.group.ActorByID(actorID)
	s.group.RUnlock()
	if !ok {
		return fmt.Errorf("actor_not_found: %s", actorID)
	}

	allowed := s.isSelf(principal, actorID) || principal == ledger.PrincipalUser ||
		(s.isUserOrForeman(principal) && target.Role != group.RoleForeman)
	if !allowed {
		return fmt.Errorf("permission_denied: actor_remove not allowed for %s on %s", principal, actorID)
	}

	_ = s.StopActor(context.Background(), principal, actorID, CauseUser)

	s.group.Lock()
	defer s.group.Unlock()
	for i, a := range s.group.Actors {
		if a.ActorID == actorID {
			s.group.Actors = append(s.group.Actors[:i], s.group.Actors[i+1:]...)
			break
		}
	}
	if promoted := s.group.RecomputeForeman(); promoted != "" {
		return s.emitRoleUpdate(promoted, group.RoleForeman)
	}
	return nil
}

// StartActor spawns the actor's child process. Permission: `user`,
// foreman, or the actor acting on itself.
func (s *Supervisor) StartActor(ctx context.Context, principal, actorID string) error {
	if !s.isUserOrForeman(principal) && !s.isSelf(principal, actorID) {
		return fmt.Errorf("permission_denied: actor_start not allowed for %s", principal)
	}
	return s.start(ctx, actorID, CauseUser)
}

func (s *Supervisor) start(ctx context.Context, actorID, cause string) error {
	s.group.RLock()
	actor, ok := s.group.ActorByID(actorID)
	scope, hasScope := s.group.ActiveScope()
	s.group.RUnlock()
	if !ok {
		return fmt.Errorf("actor_not_found: %s", actorID)
	}

	workDir := ""
	if hasScope {
		workDir = scope.Root
	}
	if workDir == "" && len(actor.Command) > 0 {
		return fmt.Errorf("missing_project_root: actor %s has no active scope root", actorID)
	}

	actor.LifecycleState = group.ActorStarting

	runner := s.newRunner(actor.Runner)
	ctx, cancel := context.WithCancel(ctx)

	env := buildEnv(actor)
	s.mu.Lock()
	lookup := s.envLookup
	s.mu.Unlock()
	if lookup != nil {
		private, err := lookup(actorID)
		if err != nil {
			slog.Warn("env_private lookup failed", "actor_id", actorID, "error", err)
		}
		for k, v := range private {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if err := runner.Spawn(ctx, SpawnOptions{
		Argv:       actor.Command,
		WorkingDir: workDir,
		Env:        env,
		Cols:       80,
		Rows:       24,
		Output: func(data []byte) {
			s.mu.Lock()
			sink := s.output
			s.lastOutput[actorID] = nowFunc()
			s.mu.Unlock()
			if sink != nil {
				sink(actorID, data)
			}
		},
	}); err != nil {
		cancel()
		actor.LifecycleState = group.ActorStopped
		return fmt.Errorf("spawn actor %s: %w", actorID, err)
	}

	if err := writePidfile(s.stateDir, actorID, runner.Pid(), actor.Command); err != nil {
		slog.Warn("write pidfile failed", "actor_id", actorID, "error", err)
	}

	actor.LifecycleState = group.ActorRunning
	metrics.ActorsRunning.WithLabelValues(s.group.GroupID).Inc()

	ma := &managedActor{actor: actor, runner: runner, cancel: cancel, backoff: newCrashBackoff()}
	s.mu.Lock()
	s.managed[actorID] = ma
	s.mu.Unlock()

	if err := s.emitLifecycle(ledger.KindActorStart, actorID, cause, 0); err != nil {
		slog.Warn("emit actor.start failed", "actor_id", actorID, "error", err)
	}

	s.mu.Lock()
	hook := s.startHook
	s.mu.Unlock()
	if hook != nil {
		hook(actorID)
	}

	go s.watchExit(actorID, ma)
	return nil
}

// watchExit blocks for the process to exit and, if it wasn't a
// deliberate Stop, restarts it with exponential backoff.
func (s *Supervisor) watchExit(actorID string, ma *managedActor) {
	exitCode := ma.runner.Wait()

	s.mu.Lock()
	current, stillManaged := s.managed[actorID]
	deliberate := !stillManaged || current != ma
	s.mu.Unlock()

	metrics.ActorsRunning.WithLabelValues(s.group.GroupID).Dec()
	_ = removePidfile(s.stateDir, actorID)

	if deliberate {
		return // Stop() already removed it from s.managed and will emit its own event
	}

	ma.actor.LifecycleState = group.ActorStopped
	if err := s.emitLifecycle(ledger.KindActorExit, actorID, CauseCrash, exitCode); err != nil {
		slog.Warn("emit actor.exit failed", "actor_id", actorID, "error", err)
	}

	s.mu.Lock()
	delete(s.managed, actorID)
	s.mu.Unlock()

	next, err := ma.backoff.NextBackOff()
	if err != nil {
		slog.Warn("crash backoff exhausted, not restarting", "actor_id", actorID)
		return
	}
	ma.actor.RestartBackoff = next
	metrics.ActorRestartsTotal.WithLabelValues(s.group.GroupID, actorID, CauseCrash).Inc()

	time.AfterFunc(next, func() {
		if !ma.actor.Enabled {
			return
		}
		if err := s.start(context.Background(), actorID, CauseCrash); err != nil {
			slog.Warn("crash restart failed", "actor_id", actorID, "error", err)
		}
	})
}

// StopActor requests an orderly stop. Permission: `user`, foreman, or
// the actor acting on itself.
func (s *Supervisor) StopActor(ctx context.Context, principal, actorID string, cause string) error {
	if !s.isUserOrForeman(principal) && !s.isSelf(principal, actorID) {
		return fmt.Errorf("permission_denied: actor_stop not allowed for %s", principal)
	}

	s.mu.Lock()
	ma, ok := s.managed[actorID]
	if ok {
		delete(s.managed, actorID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("actor_not_running: %s", actorID)
	}

	ma.actor.LifecycleState = group.ActorExiting
	ma.runner.Stop()
	ma.cancel()
	exitCode := ma.runner.Wait()
	ma.actor.LifecycleState = group.ActorStopped
	_ = removePidfile(s.stateDir, actorID)
	metrics.ActorsRunning.WithLabelValues(s.group.GroupID).Dec()

	return s.emitLifecycle(ledger.KindActorStop, actorID, cause, exitCode)
}

// RestartActor stops (if running) and starts an actor.
func (s *Supervisor) RestartActor(ctx context.Context, principal, actorID string) error {
	if !s.isUserOrForeman(principal) && !s.isSelf(principal, actorID) {
		return fmt.Errorf("permission_denied: actor_restart not allowed for %s", principal)
	}
	if s.IsRunning(actorID) {
		if err := s.StopActor(ctx, principal, actorID, CauseUser); err != nil {
			return err
		}
	}
	if err := s.emitLifecycle(ledger.KindActorRestart, actorID, CauseUser, 0); err != nil {
		slog.Warn("emit actor.restart failed", "actor_id", actorID, "error", err)
	}
	return s.start(ctx, actorID, CauseUser)
}

// Write delivers bytes to a running actor's input stream.
func (s *Supervisor) Write(actorID string, data []byte) error {
	s.mu.Lock()
	ma, ok := s.managed[actorID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("actor_not_running: %s", actorID)
	}
	return ma.runner.Write(data)
}

// Resize changes a running actor's terminal dimensions.
func (s *Supervisor) Resize(actorID string, cols, rows uint16) error {
	s.mu.Lock()
	ma, ok := s.managed[actorID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("actor_not_running: %s", actorID)
	}
	return ma.runner.Resize(cols, rows)
}

// IsRunning reports whether actorID currently has a live managed process.
func (s *Supervisor) IsRunning(actorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.managed[actorID]
	return ok
}

// LastOutputAt reports the last time actorID produced any terminal
// output, used by the automation loop's actor-idle policy.
func (s *Supervisor) LastOutputAt(actorID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastOutput[actorID]
	return t, ok
}

func (s *Supervisor) newRunner(runner string) Runner {
	if runner == group.RunnerHeadless {
		return newHeadlessRunner()
	}
	return newPTYRunner()
}

func buildEnv(actor *group.Actor) []string {
	env := make([]string, 0, len(actor.Env))
	for k, v := range actor.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func newCrashBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (s *Supervisor) emitLifecycle(kind, actorID, cause string, exitCode int) error {
	if s.ledger == nil {
		return nil
	}
	data, err := json.Marshal(lifecycleData{ActorID: actorID, Cause: cause, ExitCode: exitCode})
	if err != nil {
		return fmt.Errorf("marshal lifecycle data: %w", err)
	}
	_, err = s.ledger.Append(ledger.Event{
		Kind:    kind,
		GroupID: s.group.GroupID,
		By:      ledger.PrincipalSystem,
		Data:    data,
	})
	return err
}

func (s *Supervisor) emitRoleUpdate(actorID, role string) error {
	if s.ledger == nil {
		return nil
	}
	data, err := json.Marshal(roleUpdateData{ActorID: actorID, Role: role})
	if err != nil {
		return fmt.Errorf("marshal role update data: %w", err)
	}
	_, err = s.ledger.Append(ledger.Event{
		Kind:    ledger.KindActorUpdate,
		GroupID: s.group.GroupID,
		By:      ledger.PrincipalSystem,
		Data:    data,
	})
	return err
}
