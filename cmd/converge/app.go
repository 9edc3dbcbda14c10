package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/converge/pkg/appdef"
	"github.com/cuemby/converge/pkg/bulk"
	"github.com/cuemby/converge/pkg/config"
	"github.com/cuemby/converge/pkg/events"
	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/orchestrator"
	"github.com/cuemby/converge/pkg/reconciler"
	"github.com/cuemby/converge/pkg/resources"
	"github.com/cuemby/converge/pkg/runtime"
	"github.com/cuemby/converge/pkg/storage"
	"github.com/cuemby/converge/pkg/types"
)

// node bundles the components one command works with
type node struct {
	cfg    *config.Config
	reg    *types.Registry
	store  storage.Store
	engine *reconciler.Engine
	broker *events.Broker
}

// openNode opens the store and builds the reconciliation engine with the
// domain handlers registered
func openNode(cfg *config.Config) (*node, error) {
	reg := resources.NewRegistry()

	store, err := openStore(cfg, reg)
	if err != nil {
		metrics.SetComponent(metrics.ComponentStore, false, err.Error())
		return nil, err
	}
	metrics.SetComponent(metrics.ComponentStore, true, "")

	broker := events.NewBroker()
	broker.Start()

	engine := reconciler.NewEngine(store, reg, reconciler.Config{
		MaxIterations: cfg.Reconciler.MaxIterations,
	})
	engine.SetBroker(broker)
	resources.RegisterHandlers(engine)

	return &node{
		cfg:    cfg,
		reg:    reg,
		store:  store,
		engine: engine,
		broker: broker,
	}, nil
}

// Close stops the engine and closes the store
func (n *node) Close() error {
	n.engine.Stop()
	n.broker.Stop()
	return n.store.Close()
}

func openStore(cfg *config.Config, reg *types.Registry) (storage.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(reg), nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir, reg)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func newRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime.Kind {
	case config.RuntimeDocker:
		return runtime.NewDockerRuntime(runtime.DockerConfig{
			Binary:       cfg.Runtime.DockerBinary,
			BuildDir:     cfg.Runtime.BuildDir,
			ListCacheTTL: cfg.Runtime.ListCacheTTL,
		}, nil), nil
	case config.RuntimeContainerd:
		rt, err := runtime.NewContainerdRuntime(cfg.Runtime.ContainerdSocket, cfg.Runtime.ListCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to containerd: %w", err)
		}
		return rt, nil
	}
	return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime.Kind)
}

// newOrchestrator connects the runtime and builds an orchestrator keeping
// its snapshot in the store, or in a file when one is configured
func (n *node) newOrchestrator() (*orchestrator.Orchestrator, runtime.Runtime, error) {
	rt, err := newRuntime(n.cfg)
	if err != nil {
		metrics.SetComponent(metrics.ComponentRuntime, false, err.Error())
		return nil, nil, err
	}
	metrics.SetComponent(metrics.ComponentRuntime, true, "")

	var snapshots orchestrator.SnapshotStore = n.store
	if path := n.cfg.Orchestrator.SnapshotFile; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(n.cfg.DataDir, path)
		}
		snapshots = orchestrator.NewFileSnapshotStore(path)
	}

	o := n.cfg.Orchestrator
	orch, err := orchestrator.New(rt, snapshots, orchestrator.Config{
		Network:        o.Network,
		Subnet:         o.Subnet,
		Workers:        o.Workers,
		CommandTimeout: o.CommandTimeout,
		Interval:       o.Interval,
	})
	if err != nil {
		_ = rt.Close()
		return nil, nil, err
	}
	orch.SetBroker(n.broker)
	metrics.SetComponent(metrics.ComponentOrchestrator, false, "no cycle completed")
	return orch, rt, nil
}

// desired returns the applications installed on the configured machine
func (n *node) desired() ([]appdef.Instance, error) {
	return resources.DesiredApplications(n.engine.Services(), n.cfg.Machine)
}

// importDir imports a directory layout and reconciles it. It returns the
// number of resources added or updated.
func (n *node) importDir(ctx context.Context, dir string) (int, error) {
	cs, err := bulk.NewImporter(n.store, n.reg).ImportDir(dir)
	if err != nil {
		return 0, err
	}
	if !cs.HasChanges() {
		return 0, nil
	}
	count := len(cs.Adds()) + len(cs.Updates())
	if err := n.engine.Execute(ctx, cs); err != nil {
		return 0, fmt.Errorf("failed to apply import of %s: %w", dir, err)
	}
	return count, nil
}
