package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/quillforge/quill/internal/ai"
	"github.com/quillforge/quill/internal/dedup"
	"github.com/quillforge/quill/internal/events"
	"github.com/quillforge/quill/internal/locks"
	"github.com/quillforge/quill/internal/pipeline"
	"github.com/quillforge/quill/internal/queue"
	"github.com/quillforge/quill/internal/settings"
	"github.com/quillforge/quill/internal/snapshot"
	"github.com/quillforge/quill/internal/state"
	"github.com/quillforge/quill/internal/templates"
	"github.com/quillforge/quill/internal/vault"
	"github.com/quillforge/quill/internal/vectorindex"
)

// appContext wires the full core for one CLI invocation.
type appContext struct {
	settings *settings.Store
	state    *state.Store
	locks    *locks.Coordinator
	bus      *events.Bus
	queue    *queue.Queue
	vault    *vault.Repository
	snaps    *snapshot.Manager
	index    *vectorindex.Index
	dedup    *dedup.Engine
	orch     *pipeline.Orchestrator

	cancel context.CancelFunc
}

func newAppContext(ctx context.Context, configPath string) (*appContext, error) {
	store, err := settings.NewStore(configPath)
	if err != nil {
		return nil, err
	}
	cfg := store.GetSettings()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &appContext{
		settings: store,
		locks:    locks.NewCoordinator(),
		bus:      events.NewBus(),
		vault:    vault.NewRepository(cfg.VaultDir, cfg.DirectoryScheme),
	}

	a.state, err = state.Open(filepath.Join(cfg.StateDir, "quill.db"))
	if err != nil {
		return nil, err
	}
	a.snaps, err = snapshot.NewManager(filepath.Join(cfg.StateDir, "snapshots"))
	if err != nil {
		a.state.Close()
		return nil, err
	}
	a.index, err = vectorindex.New(ctx, a.state)
	if err != nil {
		a.state.Close()
		return nil, err
	}
	a.dedup, err = dedup.NewEngine(dedup.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		TopK:                cfg.DedupTopK,
		MaxPairsPerScan:     dedup.DefaultConfig().MaxPairsPerScan,
	}, a.index, a.state, a.locks, a.bus)
	if err != nil {
		a.state.Close()
		return nil, err
	}

	retry := ai.DefaultRetryConfig()
	retry.Timeout = cfg.RequestTimeout()
	client, err := ai.NewProvider(ai.Config{
		ChatModel:  cfg.ChatModel,
		EmbedModel: cfg.EmbedModel,
		Dimensions: cfg.EmbedDimensions,
		Retry:      retry,
	})
	if err != nil {
		a.state.Close()
		return nil, err
	}

	prompts, err := templates.NewRenderer()
	if err != nil {
		a.state.Close()
		return nil, err
	}

	a.queue = queue.New(queue.Config{
		Concurrency:        cfg.Concurrency,
		DefaultMaxAttempts: cfg.MaxRetryAttempts,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		LockRetryDelay:     100 * time.Millisecond,
	}, a.locks, a.bus)

	a.orch = pipeline.New(pipeline.Deps{
		Settings:  store,
		Client:    client,
		Prompts:   prompts,
		Queue:     a.queue,
		Locks:     a.locks,
		Bus:       a.bus,
		Vault:     a.vault,
		Snapshots: a.snaps,
		Index:     a.index,
		Dedup:     a.dedup,
		State:     a.state,
	})

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.queue.Start(runCtx)
	if err := a.orch.Start(runCtx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *appContext) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.state != nil {
		a.state.Close()
	}
}
