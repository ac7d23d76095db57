package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/michaelbrown/wasmbox/internal/config"
	"github.com/michaelbrown/wasmbox/internal/logging"
	"github.com/michaelbrown/wasmbox/internal/metrics"
	"github.com/michaelbrown/wasmbox/internal/sandbox"
	"github.com/michaelbrown/wasmbox/internal/server"
	"github.com/michaelbrown/wasmbox/internal/storage"
	"github.com/michaelbrown/wasmbox/internal/storage/sqlite"
	"github.com/michaelbrown/wasmbox/internal/tracing"
)

// app holds what every execution command needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    storage.Store // nil when storage.db_path is empty
	metrics  *metrics.Metrics
	pipeline *sandbox.Pipeline
	exec     *server.Executor

	stopTracing tracing.Shutdown
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	stopTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, "wasmbox")
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics.New(),
		stopTracing: stopTracing,
	}

	if cfg.Storage.DBPath != "" {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			stopTracing(ctx)
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.store = store
	}

	policy := cfg.SandboxPolicy()
	a.pipeline = sandbox.NewPipeline(policy,
		sandbox.WithLogger(logger.Named("sandbox")),
		sandbox.WithTracer(tracing.Tracer("github.com/michaelbrown/wasmbox/internal/sandbox")),
	)

	opts := []server.ExecutorOption{
		server.WithMetrics(a.metrics),
		server.WithLogger(logger),
	}
	if a.store != nil {
		opts = append(opts, server.WithStore(a.store))
	}
	a.exec = server.NewExecutor(a.pipeline, policy, cfg.MaxConcurrent(), opts...)

	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if err := a.stopTracing(context.Background()); err != nil {
		a.logger.Warn("flushing traces", zap.Error(err))
	}
	a.logger.Sync()
}

// openStore opens the history database for the history commands, which
// need it to be configured.
func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DBPath == "" {
		return nil, fmt.Errorf("execution history is disabled: set storage.db_path")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}
