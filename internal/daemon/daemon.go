// Package daemon is the composition root: it owns every group's
// runtime (ledger, inbox, supervisor, delivery pipeline, automation
// loop, terminal hub), the shared event bus, the IPC server, and the
// ambient metrics HTTP listener, and implements the IPC operation
// catalog by dispatching into those components (spec.md §6/§9).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cccc-kernel/cccc/internal/automation"
	"github.com/cccc-kernel/cccc/internal/actorsup"
	"github.com/cccc-kernel/cccc/internal/bus"
	"github.com/cccc-kernel/cccc/internal/config"
	"github.com/cccc-kernel/cccc/internal/delivery"
	"github.com/cccc-kernel/cccc/internal/group"
	"github.com/cccc-kernel/cccc/internal/imbridge"
	"github.com/cccc-kernel/cccc/internal/inbox"
	"github.com/cccc-kernel/cccc/internal/ipc"
	"github.com/cccc-kernel/cccc/internal/ledger"
	"github.com/cccc-kernel/cccc/internal/logging"
	"github.com/cccc-kernel/cccc/internal/recovery"
	"github.com/cccc-kernel/cccc/internal/secretstore"
	"github.com/cccc-kernel/cccc/internal/termstream"
)

// groupRuntime bundles one group's live components. Created by
// openGroupRuntime for every registry entry at startup and for every
// group_create afterward; torn down (automation stopped) on
// group_delete.
type groupRuntime struct {
	group      *group.Group
	ledger     *ledger.Store
	inbox      *inbox.Engine
	supervisor *actorsup.Supervisor
	pipeline   *delivery.Pipeline
	loop       *automation.Loop
	terminals  *termstream.Hub

	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// Daemon is the running CCCC kernel for one runtime home.
type Daemon struct {
	cfg      *config.Config
	registry *group.Registry
	bus      *bus.Manager
	secrets  *secretstore.Store

	mu       sync.RWMutex
	runtimes map[string]*groupRuntime

	bridges *imbridge.Registry
	fanout  *imbridge.Fanout

	httpServer *http.Server
}

// Bridges exposes the daemon's IM bridge factory registry so a host
// binary can register concrete adapters (none are built in-tree; see
// internal/imbridge and spec.md §1's scope note) before calling Run.
func (d *Daemon) Bridges() *imbridge.Registry { return d.bridges }

// New loads the registry at cfg.RuntimeHome and constructs a Daemon,
// without yet starting any group's automation loop or supervisor
// reconciliation (Run does that).
func New(cfg *config.Config) (*Daemon, error) {
	reg := group.NewRegistry(cfg.RuntimeHome)
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load group registry: %w", err)
	}

	secrets, err := secretstore.Open(
		filepath.Join(cfg.RuntimeHome, "daemon", "secrets.db"),
		filepath.Join(cfg.RuntimeHome, "daemon", "secret.key"),
	)
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}

	busManager := bus.New()
	bridges := imbridge.NewRegistry()

	d := &Daemon{
		cfg:      cfg,
		registry: reg,
		bus:      busManager,
		secrets:  secrets,
		runtimes: make(map[string]*groupRuntime),
		bridges:  bridges,
		fanout: imbridge.NewFanout(busManager, bridges, func(groupID string) ([]imbridge.GroupSubscription, error) {
			rows, err := secrets.SubscriptionsForGroup(groupID)
			if err != nil {
				return nil, err
			}
			out := make([]imbridge.GroupSubscription, len(rows))
			for i, r := range rows {
				out[i] = imbridge.GroupSubscription{BridgeID: r.BridgeID, ChannelRef: r.ChannelRef}
			}
			return out, nil
		}),
	}

	for _, g := range reg.List() {
		if _, err := d.openGroupRuntime(g); err != nil {
			return nil, fmt.Errorf("open group %s: %w", g.GroupID, err)
		}
	}

	return d, nil
}

// openGroupRuntime wires one group's C1-C6+terminal components
// together and registers the runtime, but does not start its
// automation ticker or reconcile actor processes (Run does both via
// internal/recovery).
func (d *Daemon) openGroupRuntime(g *group.Group) (*groupRuntime, error) {
	stateDir := filepath.Join(d.cfg.GroupDir(g.GroupID), "state")
	ledgerPath := filepath.Join(d.cfg.GroupDir(g.GroupID), "ledger.jsonl")

	store, err := ledger.Open(ledger.Options{
		GroupID: g.GroupID, StateDir: stateDir, LedgerPath: ledgerPath,
		MaxEventBytes: d.cfg.MaxEventBytes, Notifier: d.bus,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	eng, err := inbox.Open(g.GroupID, stateDir)
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}

	sup := actorsup.NewSupervisor(g, store, stateDir)
	terminals := termstream.NewHub()
	sup.SetOutputSink(terminals.Write)
	sup.SetEnvPrivateLookup(func(actorID string) (map[string]string, error) {
		return d.secrets.EnvPrivateValues(g.GroupID, actorID)
	})

	workDir := ""
	if scope, ok := g.ActiveScope(); ok {
		workDir = scope.Root
	}
	pipeline := delivery.New(g, store, eng, sup, workDir)

	policy := d.cfg.Policy.Merged(g.Policy)
	pipeline.SetDeliveryMinInterval(policy.DeliveryMinIntervalSeconds)

	loop := automation.New(g, store, eng, pipeline, sup, policy)

	rt := &groupRuntime{
		group: g, ledger: store, inbox: eng, supervisor: sup,
		pipeline: pipeline, loop: loop, terminals: terminals,
	}

	d.mu.Lock()
	d.runtimes[g.GroupID] = rt
	d.mu.Unlock()
	return rt, nil
}

func (d *Daemon) runtime(groupID string) (*groupRuntime, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rt, ok := d.runtimes[groupID]
	return rt, ok
}

// startLoop launches a group's automation ticker, idempotently.
func (d *Daemon) startLoop(rt *groupRuntime) {
	if rt.loopCancel != nil {
		return
	}
	rt.loopCtx, rt.loopCancel = context.WithCancel(context.Background())
	rt.loop.Start(rt.loopCtx)
	go d.fanout.Run(rt.loopCtx, rt.group.GroupID)
}

func (d *Daemon) stopLoop(rt *groupRuntime) {
	if rt.loopCancel != nil {
		rt.loopCancel()
		rt.loop.Stop()
		rt.loopCancel = nil
	}
}

// Run is the daemon's serving loop: it reconciles actor state and
// starts every running group's automation loop and the compaction
// ticker (C9), then serves the IPC socket and the ambient metrics
// listener until ctx is cancelled, then shuts down in order: stop
// accepting IPC connections, stop every automation loop and actor
// supervisor, flush/checkpoint ledger snapshots.
func (d *Daemon) Run(ctx context.Context) error {
	coordinator := recovery.New(d.cfg, d.registry, func(groupID string) (recovery.GroupHandle, bool) {
		rt, ok := d.runtime(groupID)
		if !ok {
			return recovery.GroupHandle{}, false
		}
		return recovery.GroupHandle{Ledger: rt.ledger, Inbox: rt.inbox, Supervisor: rt.supervisor}, true
	})
	if err := coordinator.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	d.mu.RLock()
	for _, rt := range d.runtimes {
		if rt.group.Running {
			d.startLoop(rt)
		}
	}
	d.mu.RUnlock()

	go coordinator.RunCompactionTicker(ctx)

	ipcServer := ipc.New(ipc.Config{
		SocketPath: d.cfg.SocketPath(),
		TCPAddr:    d.cfg.TCPAddr,
		Handler:    d.Handler,
		Streams:    d.streamHandlers(),
	})

	if err := ipc.WriteDescriptor(d.cfg.AddrDescriptorPath(), ipc.Descriptor{
		Socket: d.cfg.SocketPath(), TCP: d.cfg.TCPAddr,
	}); err != nil {
		return fmt.Errorf("write ipc descriptor: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- ipcServer.Serve(ctx) }()

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.httpServer = &http.Server{Addr: d.cfg.MetricsAddr, Handler: logging.HTTPMiddleware(mux), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics listener: %w", err)
				return
			}
			errCh <- nil
		}()
	} else {
		errCh <- nil
	}

	<-ctx.Done()
	slog.Info("daemon shutting down")

	d.mu.RLock()
	for _, rt := range d.runtimes {
		d.stopLoop(rt)
		for _, a := range rt.group.EnabledActorIDs() {
			if rt.supervisor.IsRunning(a) {
				_ = rt.supervisor.StopActor(context.Background(), ledger.PrincipalUser, a, actorsup.CauseGroupStop)
			}
		}
		if _, err := rt.ledger.WriteSnapshot(filepath.Join(d.cfg.GroupDir(rt.group.GroupID), "state")); err != nil {
			slog.Warn("write snapshot failed", "group_id", rt.group.GroupID, "error", err)
		}
		_ = rt.ledger.Close()
	}
	d.mu.RUnlock()

	if err := d.secrets.Close(); err != nil {
		slog.Warn("close secret store failed", "error", err)
	}

	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpServer.Shutdown(shutdownCtx)
	}

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
