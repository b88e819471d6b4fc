package actorsup_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/util/testutil"
)

func newTestGroupWithScope(t *testing.T) *group.Group {
	return &group.Group{
		GroupID: "g1",
		Scopes:  []group.Scope{{ScopeKey: "default", Root: t.TempDir()}},
		ActiveScopeKey: "default",
		Actors: []*group.Actor{
			{ActorID: "A1", Title: "shell", Role: group.RoleForeman, Runner: group.RunnerHeadless,
				Command: []string{"/bin/sh"}, Enabled: true},
		},
	}
}

func newTestLedger(t *testing.T) *ledger.Store {
	dir := t.TempDir()
	store, err := ledger.Open(ledger.Options{
		GroupID:    "g1",
		StateDir:   dir,
		LedgerPath: dir + "/ledger.jsonl",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSupervisorStartWritesOutputAndPidfile(t *testing.T) {
	g := newTestGroupWithScope(t)
	store := newTestLedger(t)
	stateDir := t.TempDir()

	sup := actorsup.NewSupervisor(g, store, stateDir)

	var mu sync.Mutex
	var output []byte
	sup.SetOutputSink(func(actorID string, data []byte) {
		mu.Lock()
		output = append(output, data...)
		mu.Unlock()
	})

	require.NoError(t, sup.StartActor(context.Background(), "user", "A1"))
	defer sup.StopActor(context.Background(), "user", "A1", actorsup.CauseUser)

	require.NoError(t, sup.Write("A1", []byte("echo hello\n")))

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(string(output), "hello")
	})

	assert.True(t, sup.IsRunning("A1"))
	assert.Equal(t, group.ActorRunning, g.Actors[0].LifecycleState)
}

func TestSupervisorStopEmitsLifecycleEvent(t *testing.T) {
	g := newTestGroupWithScope(t)
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	require.NoError(t, sup.StartActor(context.Background(), "user", "A1"))
	require.NoError(t, sup.StopActor(context.Background(), "user", "A1", actorsup.CauseUser))

	assert.False(t, sup.IsRunning("A1"))
	assert.Equal(t, group.ActorStopped, g.Actors[0].LifecycleState)

	events := store.Tail(nil, []string{ledger.KindActorStart, ledger.KindActorStop}, 10)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, ledger.KindActorStart)
	assert.Contains(t, kinds, ledger.KindActorStop)
}

func TestSupervisorPermissionDeniedForNonForemanPeer(t *testing.T) {
	g := newTestGroupWithScope(t)
	g.Actors = append(g.Actors, &group.Actor{ActorID: "A2", Role: group.RolePeer, Runner: group.RunnerHeadless, Enabled: true})
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	err := sup.StartActor(context.Background(), "A2", "A1")
	assert.ErrorContains(t, err, "permission_denied")
}

func TestSupervisorActorCanStartItself(t *testing.T) {
	g := newTestGroupWithScope(t)
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	require.NoError(t, sup.StartActor(context.Background(), "A1", "A1"))
	defer sup.StopActor(context.Background(), "user", "A1", actorsup.CauseUser)
	assert.True(t, sup.IsRunning("A1"))
}

func TestSupervisorAddActorPromotesFirstEnabledAsForeman(t *testing.T) {
	g := &group.Group{GroupID: "g1"}
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	actor := &group.Actor{ActorID: "A1", Role: group.RolePeer, Runner: group.RunnerHeadless, Enabled: true}
	require.NoError(t, sup.AddActor("user", actor))

	assert.Equal(t, group.RoleForeman, actor.Role)
}

func TestSupervisorRemoveActorDeniedForPeerOnForeman(t *testing.T) {
	g := newTestGroupWithScope(t)
	g.Actors = append(g.Actors, &group.Actor{ActorID: "A2", Role: group.RolePeer, Runner: group.RunnerHeadless, Enabled: true})
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	err := sup.RemoveActor("A2", "A1")
	assert.ErrorContains(t, err, "permission_denied")
}

func TestSupervisorReconcileReapsStaleOrphan(t *testing.T) {
	g := newTestGroupWithScope(t)
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	// A pidfile left behind by a previous daemon for a process that has
	// since exited.
	dead := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, dead.Run())
	pidPath := filepath.Join(stateDir, "pidfiles", "A1")
	require.NoError(t, os.MkdirAll(filepath.Dir(pidPath), 0o750))
	stale := fmt.Sprintf(`{"pid": %d, "started_at": "", "argv_hash": %q}`, dead.Process.Pid, actorsup.ArgvHash(g.Actors[0].Command))
	require.NoError(t, os.WriteFile(pidPath, []byte(stale), 0o640))

	require.NoError(t, sup.Reconcile(context.Background()))
	assert.Equal(t, group.ActorStopped, g.Actors[0].LifecycleState)
	assert.NoFileExists(t, pidPath)
}

func TestSupervisorReconcileAdoptsLiveOrphanWithMatchingArgvHash(t *testing.T) {
	g := newTestGroupWithScope(t)
	store := newTestLedger(t)
	stateDir := t.TempDir()
	sup := actorsup.NewSupervisor(g, store, stateDir)

	require.NoError(t, sup.StartActor(context.Background(), "user", "A1"))
	time.Sleep(20 * time.Millisecond) // let the pidfile land

	// Simulate a daemon restart: a fresh Supervisor over the same
	// stateDir/pidfile, with an empty managed map and no memory of
	// having spawned anything.
	g2 := newTestGroupWithScope(t)
	fresh := actorsup.NewSupervisor(g2, store, stateDir)

	require.NoError(t, fresh.Reconcile(context.Background()))
	assert.True(t, fresh.IsRunning("A1"), "a live orphan with a matching argv_hash must be adopted, not killed")
	assert.Equal(t, group.ActorRunning, g2.Actors[0].LifecycleState)

	require.NoError(t, fresh.StopActor(context.Background(), "user", "A1", actorsup.CauseUser))
}
