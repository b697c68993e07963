// Package cleanup bounds the cache directory's disk footprint and runs
// registered teardown handlers exactly once when the process is asked to
// stop, whether by a termination signal or an unrecovered panic.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxAge is the age beyond which cache entries are reclaimed.
	DefaultMaxAge = 24 * time.Hour
	// DefaultMaxSize is the cache size ceiling in bytes.
	DefaultMaxSize int64 = 100 << 20
	// DefaultInterval is the period of the background reclaim loop.
	DefaultInterval = 10 * time.Minute
	// DefaultShutdownTimeout bounds how long signal-driven shutdown waits for handlers.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds the reclaim thresholds. Zero values disable that strategy.
type Config struct {
	MaxAge   time.Duration
	MaxSize  int64
	Interval time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		MaxAge:   DefaultMaxAge,
		MaxSize:  DefaultMaxSize,
		Interval: DefaultInterval,
	}
}

// Handler is a teardown callback. Handlers that start background work must
// wait for it before returning.
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager owns cache reclaim and orderly shutdown
type Manager struct {
	dir  string
	cfg  Config
	now  func() time.Time
	exit func(int)

	mu       sync.Mutex
	handlers []namedHandler
	running  bool
	stopCh   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithExit replaces os.Exit, for tests
func WithExit(exit func(int)) Option {
	return func(m *Manager) {
		m.exit = exit
	}
}

// NewManager creates a cleanup manager for the given cache directory
func NewManager(dir string, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		dir:  dir,
		cfg:  cfg,
		now:  time.Now,
		exit: os.Exit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reclaim runs the age pass then the size pass, skipping disabled ones
func (m *Manager) Reclaim(ctx context.Context) (ReclaimStats, error) {
	var total ReclaimStats

	if m.cfg.MaxAge > 0 {
		stats, err := m.ReclaimByAge(ctx, m.cfg.MaxAge)
		if err != nil {
			return total, err
		}
		total = mergeStats(total, stats)
	}
	if m.cfg.MaxSize > 0 {
		stats, err := m.ReclaimBySize(ctx, m.cfg.MaxSize)
		if err != nil {
			return total, err
		}
		total = mergeStats(total, stats)
	}

	return total, nil
}

func mergeStats(a, b ReclaimStats) ReclaimStats {
	a.Scanned = max(a.Scanned, b.Scanned)
	a.Removed += b.Removed
	a.FreedBytes += b.FreedBytes
	a.TotalBytes = b.TotalBytes
	if b.Errors != nil {
		a.Errors = multierror.Append(a.Errors, b.Errors.Errors...)
	}
	return a
}

// Start runs Reclaim every cfg.Interval until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || m.cfg.Interval <= 0 {
		return
	}

	m.running = true
	m.stopCh = make(chan struct{})
	go m.cleanupLoop(ctx, m.cfg.Interval, m.stopCh)
}

// Stop stops the background reclaim loop
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.running = false
	close(m.stopCh)
}

// cleanupLoop runs the reclaim process at regular intervals
func (m *Manager) cleanupLoop(ctx context.Context, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.G(ctx).Debug("cache cleanup loop stopped due to context cancellation")
			return
		case <-stopCh:
			logger.G(ctx).Debug("cache cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := m.Reclaim(ctx); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to reclaim cache entries")
			}
		}
	}
}

// RegisterHandler appends a teardown handler. Handlers run in registration order.
func (m *Manager) RegisterHandler(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// Shutdown runs every registered handler once. Later calls return the first
// call's result without running anything. A failing or panicking handler is
// logged and the remaining handlers still run.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.Stop()

		m.mu.Lock()
		handlers := make([]namedHandler, len(m.handlers))
		copy(handlers, m.handlers)
		m.mu.Unlock()

		var errs *multierror.Error
		for _, h := range handlers {
			if err := runHandler(ctx, h); err != nil {
				logger.G(ctx).WithError(err).WithField("handler", h.name).Warn("shutdown handler failed")
				errs = multierror.Append(errs, err)
			}
		}
		m.shutdownErr = errs.ErrorOrNil()
		logger.G(ctx).WithField("handlers", len(handlers)).Debug("shutdown completed")
	})
	return m.shutdownErr
}

func runHandler(ctx context.Context, h namedHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	if err := h.fn(ctx); err != nil {
		return errors.Wrapf(err, "handler %s", h.name)
	}
	return nil
}

// HandleSignals shuts down and exits with status 0 on SIGINT, SIGTERM or
// SIGHUP. It returns a function that stops listening.
func (m *Manager) HandleSignals(ctx context.Context) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}

	go func() {
		select {
		case sig := <-sigCh:
			logger.G(ctx).WithField("signal", sig.String()).Info("received termination signal, shutting down")
			m.terminate(ctx, 0)
		case <-done:
		case <-ctx.Done():
			stop()
		}
	}()

	return stop
}

// RecoverAndExit must be deferred directly. On panic it logs the fault, runs
// Shutdown and exits with status 1.
func (m *Manager) RecoverAndExit(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	logger.G(ctx).WithField("panic", fmt.Sprint(r)).Error("unhandled fault, shutting down")
	m.terminate(ctx, 1)
}

func (m *Manager) terminate(ctx context.Context, code int) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()

	_ = m.Shutdown(shutdownCtx)
	m.exit(code)
}
