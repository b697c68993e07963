package main

import (
	"context"
	"os"

	"github.com/jingkaihe/skillrunner/pkg/audit"
	"github.com/jingkaihe/skillrunner/pkg/cache"
	"github.com/jingkaihe/skillrunner/pkg/cleanup"
	"github.com/jingkaihe/skillrunner/pkg/config"
	"github.com/jingkaihe/skillrunner/pkg/executor"
	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// app wires the executor to its audit sinks and the cleanup manager. Every
// resource it opens is released by cleanup.Shutdown.
type app struct {
	cfg      *config.Config
	executor *executor.Executor
	fileLog  *audit.FileLog
	history  *audit.SQLiteStore
	cleanup  *cleanup.Manager
}

// shutdownStep is a handler that must run before the executor is torn down.
type shutdownStep struct {
	name string
	fn   cleanup.Handler
}

// newApp builds the application. Handlers in first run before the
// executor, tracing and history handlers.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	manager := cleanup.NewManager(cfg.CacheDir, cleanup.Config{
		MaxAge:   cfg.Cleanup.MaxAge,
		MaxSize:  cfg.Cleanup.MaxSizeBytes,
		Interval: cfg.Cleanup.Interval,
	})

	fileLog, err := audit.NewFileLog(cfg.Audit.LogPath)
	if err != nil {
		return nil, err
	}
	sinks := audit.Multi{fileLog}

	var history *audit.SQLiteStore
	if cfg.Audit.SQLite {
		history, err = audit.NewSQLiteStore(ctx, cfg.Audit.DBPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, history)
	}

	exec, err := executor.New(executor.FromConfig(cfg), executor.WithSink(sinks))
	if err != nil {
		if history != nil {
			history.Close()
		}
		return nil, errors.Wrap(err, "failed to create executor")
	}

	a := &app{
		cfg:      cfg,
		executor: exec,
		fileLog:  fileLog,
		history:  history,
		cleanup:  manager,
	}

	return a, nil
}

// arm registers the shutdown handlers in order: first, then the executor,
// tracing and the history database.
func (a *app) arm(first ...shutdownStep) {
	for _, step := range first {
		a.cleanup.RegisterHandler(step.name, step.fn)
	}

	a.cleanup.RegisterHandler("executor", a.executor.Shutdown)

	if shutdownTracing != nil {
		a.cleanup.RegisterHandler("tracing", shutdownTracing)
	}

	if a.history != nil {
		history := a.history
		a.cleanup.RegisterHandler("history", func(context.Context) error {
			return history.Close()
		})
	}
}

// openStore opens the result cache without building an executor.
func openStore(cfg *config.Config) (*cache.Store, error) {
	return cache.NewStore(cfg.CacheDir, cache.WithDefaultTTL(cfg.Executor.CacheTTL()))
}

// exit runs the shutdown handlers and terminates the process with code.
func (a *app) exit(ctx context.Context, code int) {
	// os.Exit skips deferred span ends, so close the command span before the exporter flushes.
	trace.SpanFromContext(ctx).End()

	if err := a.cleanup.Shutdown(ctx); err != nil {
		presenter.Warning("some shutdown handlers failed, see logs")
	}
	os.Exit(code)
}
