// Package executor runs skills end to end: input sanitization, non-blocking
// admission control, skill and script resolution, result caching and a
// bounded, time-limited subprocess. Every invocation produces exactly one
// ExecutionRecord which is handed to the audit sink.
package executor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/audit"
	"github.com/jingkaihe/skillrunner/pkg/cache"
	"github.com/jingkaihe/skillrunner/pkg/config"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/jingkaihe/skillrunner/pkg/osutil"
	"github.com/jingkaihe/skillrunner/pkg/skills"
	"github.com/jingkaihe/skillrunner/pkg/telemetry"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/jingkaihe/skillrunner/pkg/validator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxConcurrent  = 5
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 << 20
)

// DefaultAllowedExtensions are the script types accepted when none are configured.
var DefaultAllowedExtensions = []string{".py", ".js", ".sh"}

// Config holds the executor limits.
type Config struct {
	SkillsDir         string
	CacheDir          string
	MaxConcurrent     int
	DefaultTimeout    time.Duration
	MaxOutputBytes    int64
	CacheTTL          time.Duration
	AllowedExtensions []string
	// SingleFlight collapses concurrent cache misses for the same fingerprint
	// into one subprocess.
	SingleFlight bool
}

// FromConfig maps the loaded configuration onto executor settings.
func FromConfig(cfg *config.Config) Config {
	return Config{
		SkillsDir:         cfg.SkillsDir,
		CacheDir:          cfg.CacheDir,
		MaxConcurrent:     cfg.Executor.MaxConcurrent,
		DefaultTimeout:    cfg.Executor.Timeout(),
		MaxOutputBytes:    cfg.Executor.MaxOutputBytes,
		CacheTTL:          cfg.Executor.CacheTTL(),
		AllowedExtensions: cfg.Executor.AllowedExtensions,
		SingleFlight:      cfg.Executor.SingleFlight,
	}
}

func (c *Config) applyDefaults() {
	if c.SkillsDir == "" {
		c.SkillsDir = skills.DefaultRoot
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = cache.DefaultTTL
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = DefaultAllowedExtensions
	}
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg       Config
	discovery *skills.Discovery
	cache     *cache.Store
	sink      audit.Sink
	flight    singleflight.Group

	mu        sync.Mutex
	active    map[string]*ActiveExecution
	maxActive int
	rejected  int64
	closed    bool
}

// Option is a function that configures an Executor
type Option func(*Executor)

// WithSink sets where execution records are written
func WithSink(sink audit.Sink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// WithCache replaces the cache store built from Config.CacheDir
func WithCache(store *cache.Store) Option {
	return func(e *Executor) {
		e.cache = store
	}
}

// New creates an Executor. Without a cache directory or WithCache option,
// UseCache requests behave as cache misses that are never stored.
func New(cfg Config, opts ...Option) (*Executor, error) {
	cfg.applyDefaults()

	discovery, err := skills.NewDiscovery(skills.WithRoot(cfg.SkillsDir))
	if err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:       cfg,
		discovery: discovery,
		sink:      audit.Discard{},
		active:    make(map[string]*ActiveExecution),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cache == nil && cfg.CacheDir != "" {
		store, err := cache.NewStore(cfg.CacheDir, cache.WithDefaultTTL(cfg.CacheTTL))
		if err != nil {
			return nil, err
		}
		e.cache = store
	}

	return e, nil
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Discovery returns the skill resolver used by the executor.
func (e *Executor) Discovery() *skills.Discovery {
	return e.discovery
}

// Cache returns the result cache, which may be nil.
func (e *Executor) Cache() *cache.Store {
	return e.cache
}

func (e *Executor) cacheDir() string {
	if e.cache != nil {
		return e.cache.Dir()
	}
	return os.TempDir()
}

// Execute runs skillName with skillContext and returns its record. It never
// returns nil and never panics on skill failures: every error is described
// in the record. skillContext may be a map, a JSON document, any value
// encoding to a JSON object, or nil.
func (e *Executor) Execute(ctx context.Context, skillName string, skillContext any, opts skilltypes.Options) *skilltypes.ExecutionRecord {
	startedAt := time.Now()
	record := &skilltypes.ExecutionRecord{
		ID:        executionID(skillName, startedAt),
		Skill:     skillName,
		StartedAt: startedAt,
	}

	ctx, span := telemetry.Tracer("skillrunner.executor").Start(ctx, "skill.execute",
		trace.WithAttributes(
			attribute.String("skill.name", skillName),
			attribute.String("skill.execution_id", record.ID),
			attribute.Bool("skill.use_cache", opts.UseCache),
		))
	defer span.End()

	ctx = logger.WithFields(ctx, logrus.Fields{
		"skill":        skillName,
		"execution_id": record.ID,
	})

	result, cached, err := e.execute(ctx, record, skillContext, opts)

	record.Elapsed = time.Since(startedAt)
	record.Cached = cached
	if err != nil {
		record.Error = skilltypes.Describe(err)
		e.logFailure(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, record.Error.Message)
	} else {
		record.Success = true
		record.Result = result
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Bool("skill.cached", record.Cached),
		attribute.Bool("skill.success", record.Success),
		attribute.Int64("skill.elapsed_ms", record.Elapsed.Milliseconds()),
	)

	if err := e.sink.Record(context.WithoutCancel(ctx), record); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to write execution record")
	}

	logger.G(ctx).WithFields(logrus.Fields{
		"success": record.Success,
		"cached":  record.Cached,
		"elapsed": record.Elapsed,
	}).Info("skill execution finished")

	return record
}

func (e *Executor) execute(ctx context.Context, record *skilltypes.ExecutionRecord, skillContext any, opts skilltypes.Options) (*skilltypes.Result, bool, error) {
	skillName := record.Skill

	if err := validator.ValidateSkillName(skillName); err != nil {
		return nil, false, err
	}
	sanitized, err := validator.SanitizeContext(skillContext)
	if err != nil {
		return nil, false, err
	}
	record.Context = sanitized

	timeout, err := e.timeoutFor(opts)
	if err != nil {
		return nil, false, err
	}

	if err := e.admit(record.ID, skillName, record.StartedAt); err != nil {
		return nil, false, err
	}
	defer e.release(record.ID)
	telemetry.AddEvent(ctx, "skill.admitted")

	skill, err := e.discovery.Resolve(ctx, skillName)
	if err != nil {
		return nil, false, err
	}

	useCache := opts.UseCache && e.cache != nil
	if useCache {
		result, hit, err := e.cache.Get(ctx, skillName, sanitized)
		if err != nil {
			return nil, false, skilltypes.WrapError(err, skilltypes.CodeInternal, "failed to read result cache")
		}
		if hit {
			telemetry.AddEvent(ctx, "skill.cache_hit")
			return result, true, nil
		}
	}

	script, err := e.resolveScript(skill)
	if err != nil {
		return nil, false, err
	}

	run := func() (*skilltypes.Result, error) {
		result, err := e.spawn(ctx, spawnRequest{
			id:       record.ID,
			skill:    skill,
			script:   script,
			context:  sanitized,
			timeout:  timeout,
			maxBytes: e.cfg.MaxOutputBytes,
		})
		if err != nil {
			return nil, err
		}
		if useCache {
			if err := e.cache.Put(ctx, skillName, sanitized, result, opts.CacheTTL); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to cache skill result")
			}
		}
		return result, nil
	}

	if !useCache || !e.cfg.SingleFlight {
		result, err := run()
		return result, false, err
	}

	key, err := cache.Fingerprint(skillName, sanitized)
	if err != nil {
		return nil, false, skilltypes.WrapError(err, skilltypes.CodeInternal, "failed to fingerprint context")
	}
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return run()
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		telemetry.AddEvent(ctx, "skill.shared_result")
	}
	return v.(*skilltypes.Result), false, nil
}

// timeoutFor returns the per-call timeout, bounded to the same range
// accepted for the configured default.
func (e *Executor) timeoutFor(opts skilltypes.Options) (time.Duration, error) {
	if opts.Timeout == 0 {
		return e.cfg.DefaultTimeout, nil
	}
	if err := validator.ValidateInteger("timeout", opts.Timeout.Milliseconds(), config.MinTimeoutMs, config.MaxTimeoutMs); err != nil {
		return 0, err
	}
	return opts.Timeout, nil
}

// resolveScript finds the entry script and checks it stays inside the
// skills root, is a regular file and has an allowed extension.
func (e *Executor) resolveScript(skill *skills.Skill) (string, error) {
	script, err := e.discovery.ResolveScript(skill)
	if err != nil {
		return "", err
	}

	resolved, err := validator.ValidatePath(script, e.discovery.Root(), true)
	if err != nil {
		if skilltypes.CodeOf(err) == skilltypes.CodeNotFound {
			return "", invalidScript(script, "script does not exist")
		}
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", invalidScript(script, "script is not a regular file")
	}

	if err := validator.ValidateExtension(resolved, e.cfg.AllowedExtensions); err != nil {
		return "", err
	}
	return resolved, nil
}

func invalidScript(path, message string) error {
	return skilltypes.NewError(skilltypes.CodeInvalidScript, message, map[string]any{"value": path})
}

func (e *Executor) logFailure(ctx context.Context, err error) {
	log := logger.G(ctx).WithError(err)

	var skillErr *skilltypes.Error
	if errors.As(err, &skillErr) {
		log = log.WithField("code", skillErr.Code)
		for k, v := range skillErr.Details {
			if k == "stderr" {
				continue
			}
			log = log.WithField(k, v)
		}
		if skillErr.IsSecurity() {
			log.WithField("security_event", true).Warn("rejected skill execution")
			return
		}
		if skillErr.Kind == skilltypes.KindInternal {
			log.Error("skill execution failed")
			return
		}
	}
	log.Info("skill execution failed")
}

// Shutdown refuses new executions and terminates the process group of
// every in-flight skill. It is registered as a cleanup handler.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	pids := make([]int, 0, len(e.active))
	for _, a := range e.active {
		if a.PID > 0 {
			pids = append(pids, a.PID)
		}
	}
	e.mu.Unlock()

	if len(pids) == 0 {
		return nil
	}
	logger.G(ctx).WithField("count", len(pids)).Info("terminating in-flight skill processes")

	g, _ := errgroup.WithContext(ctx)
	for _, pid := range pids {
		g.Go(func() error {
			if err := osutil.TerminateProcessGroup(pid, osutil.GracefulShutdownDelay); err != nil {
				return errors.Wrapf(err, "failed to terminate process group %d", pid)
			}
			return nil
		})
	}
	return g.Wait()
}
