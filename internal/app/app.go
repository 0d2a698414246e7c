// Package app assembles the pipeline daemon: it builds the logger, registry,
// store, engine, executor and scheduler from a Config, loads the pipeline
// manifests, and runs the scheduling loop until shutdown.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/executor"
	"github.com/dsa110/conductor/internal/localengine"
	"github.com/dsa110/conductor/internal/manifest"
	"github.com/dsa110/conductor/internal/memstore"
	"github.com/dsa110/conductor/internal/pgstore"
	"github.com/dsa110/conductor/internal/pipeline"
	"github.com/dsa110/conductor/internal/registry"
	"github.com/dsa110/conductor/internal/scheduler"
	"github.com/dsa110/conductor/internal/store"
)

// App encapsulates the daemon's dependencies, configuration, and lifecycle.
type App struct {
	logger    *slog.Logger
	config    *Config
	registry  *registry.Registry
	store     store.Store
	engine    *localengine.Engine
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	db        *sql.DB
}

// New builds a fully wired App. When no modules are given the core job
// modules are registered.
func New(outW io.Writer, cfg *Config, modules ...registry.Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		if err := mod.Register(reg); err != nil {
			return nil, fmt.Errorf("registering job module: %w", err)
		}
	}
	logger.Debug("job modules registered", "job_types", reg.JobTypes())

	a := &App{
		logger:   logger,
		config:   cfg,
		registry: reg,
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.engine = localengine.New(reg, cfg.WorkerCount)
	a.executor = executor.New(reg, a.engine, a.store)
	a.scheduler = scheduler.New(a.executor, cfg.CheckInterval)

	if err := a.loadManifests(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openStore selects persistence: Postgres when a DSN is configured, the
// in-memory store otherwise.
func (a *App) openStore(ctx context.Context) error {
	if a.config.DatabaseDSN == "" {
		a.logger.Info("using in-memory execution store")
		a.store = memstore.New()
		return nil
	}

	db, err := sql.Open("pgx", a.config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	pg := pgstore.New(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return err
	}
	a.logger.Info("using postgres execution store")
	a.db = db
	a.store = pg
	return nil
}

// loadManifests reads the manifest tree and registers every pipeline with
// both the registry and the scheduler. Each manifest definition is built
// once against the registry so a broken manifest fails startup, not the
// first scheduled run.
func (a *App) loadManifests(ctx context.Context) error {
	pipelines, err := manifest.LoadDir(ctx, a.config.ManifestPath)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		if _, err := pipeline.BuildSteps(p, a.registry); err != nil {
			return fmt.Errorf("manifest %s: pipeline %q: %w", p.Source(), p.Name(), err)
		}
		def := p
		factory := registry.PipelineFactory(func() pipeline.Definition { return def })
		if err := a.registry.RegisterPipeline(factory); err != nil {
			return fmt.Errorf("manifest %s: %w", p.Source(), err)
		}
		if err := a.scheduler.Register(factory); err != nil {
			return fmt.Errorf("manifest %s: %w", p.Source(), err)
		}
		a.logger.Info("registered pipeline", "pipeline", p.Name(), "schedule", p.Schedule())
	}
	return nil
}

// Run starts the scheduling loop and blocks until the context is canceled
// or the scheduler is stopped.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Info("pipeline daemon starting",
		"pipelines", a.registry.PipelineNames(),
		"workers", a.config.WorkerCount,
	)
	err := a.scheduler.Start(ctx)
	a.engine.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown via signal is a clean exit.
		err = nil
	}
	return err
}

// Close releases held resources. Safe to call after a failed or finished Run.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry { return a.registry }

// Scheduler returns the application's scheduler. Primarily for testing.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Executor returns the application's executor. Primarily for testing.
func (a *App) Executor() *executor.Executor { return a.executor }
