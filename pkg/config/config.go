// Package config decodes the layered skillrunner configuration (config file,
// SKILLRUNNER_* environment, CLI flags) into a validated Config.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/osutil"
	"github.com/jingkaihe/skillrunner/pkg/validator"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "SKILLRUNNER"

// Bounds on the executor settings.
const (
	MinConcurrent     = 1
	MaxConcurrent     = 100
	MinTimeoutMs      = 100
	MaxTimeoutMs      = 3_600_000
	MinOutputBytes    = 1 << 10
	MaxOutputBytes    = 256 << 20
	DefaultOutputSize = 10 << 20
)

// ExecutorConfig controls admission, spawning and caching.
type ExecutorConfig struct {
	MaxConcurrent     int      `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent"`
	TimeoutMs         int64    `mapstructure:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	MaxOutputBytes    int64    `mapstructure:"max_output_bytes" json:"max_output_bytes" yaml:"max_output_bytes"`
	CacheTTLMs        int64    `mapstructure:"cache_ttl_ms" json:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	AllowedExtensions []string `mapstructure:"allowed_extensions" json:"allowed_extensions" yaml:"allowed_extensions"`
	SingleFlight      bool     `mapstructure:"single_flight" json:"single_flight" yaml:"single_flight"`
}

// Timeout returns TimeoutMs as a duration.
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CacheTTL returns CacheTTLMs as a duration.
func (c ExecutorConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// CleanupConfig controls cache reclamation.
type CleanupConfig struct {
	MaxAge       time.Duration `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	MaxSizeBytes int64         `mapstructure:"max_size_bytes" json:"max_size_bytes" yaml:"max_size_bytes"`
	Interval     time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	Watch        bool          `mapstructure:"watch" json:"watch" yaml:"watch"`
}

// AuditConfig controls where execution records go.
type AuditConfig struct {
	LogPath string `mapstructure:"log_path" json:"log_path" yaml:"log_path"`
	SQLite  bool   `mapstructure:"sqlite" json:"sqlite" yaml:"sqlite"`
	DBPath  string `mapstructure:"db_path" json:"db_path" yaml:"db_path"`
}

// TracingConfig mirrors the tracing.* keys.
type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Sampler string  `mapstructure:"sampler" json:"sampler" yaml:"sampler"`
	Ratio   float64 `mapstructure:"ratio" json:"ratio" yaml:"ratio"`
}

// Config is the complete skillrunner configuration.
type Config struct {
	SkillsDir string         `mapstructure:"skills_dir" json:"skills_dir" yaml:"skills_dir"`
	CacheDir  string         `mapstructure:"cache_dir" json:"cache_dir" yaml:"cache_dir"`
	LogLevel  string         `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFormat string         `mapstructure:"log_format" json:"log_format" yaml:"log_format"`
	Executor  ExecutorConfig `mapstructure:"executor" json:"executor" yaml:"executor"`
	Cleanup   CleanupConfig  `mapstructure:"cleanup" json:"cleanup" yaml:"cleanup"`
	Audit     AuditConfig    `mapstructure:"audit" json:"audit" yaml:"audit"`
	Tracing   TracingConfig  `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
}

// BaseDir returns the skillrunner state directory, honoring SKILLRUNNER_BASE_PATH.
func BaseDir() string {
	if base := os.Getenv(EnvPrefix + "_BASE_PATH"); base != "" {
		return base
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skillrunner"
	}
	return filepath.Join(home, ".skillrunner")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	base := BaseDir()

	v.SetDefault("skills_dir", "./skills")
	v.SetDefault("cache_dir", filepath.Join(base, "cache"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "fmt")

	v.SetDefault("executor.max_concurrent", 5)
	v.SetDefault("executor.timeout_ms", 30_000)
	v.SetDefault("executor.max_output_bytes", DefaultOutputSize)
	v.SetDefault("executor.cache_ttl_ms", 300_000)
	v.SetDefault("executor.allowed_extensions", []string{".py", ".js", ".sh"})
	v.SetDefault("executor.single_flight", false)

	v.SetDefault("cleanup.max_age", 24*time.Hour)
	v.SetDefault("cleanup.max_size_bytes", 100<<20)
	v.SetDefault("cleanup.interval", 10*time.Minute)
	v.SetDefault("cleanup.watch", false)

	v.SetDefault("audit.log_path", filepath.Join(base, "logs", "skill-executions.log"))
	v.SetDefault("audit.sqlite", false)
	v.SetDefault("audit.db_path", filepath.Join(base, "storage.db"))

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampler", "ratio")
	v.SetDefault("tracing.ratio", 1.0)
}

// Init configures v for SKILLRUNNER_* environment overrides and the
// config.yaml search path, then registers defaults. A missing config file
// is not an error.
func Init(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(BaseDir())
	v.AddConfigPath(".")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}

	cfg.SkillsDir = expandHome(cfg.SkillsDir)
	cfg.CacheDir = expandHome(cfg.CacheDir)
	cfg.Audit.LogPath = expandHome(cfg.Audit.LogPath)
	cfg.Audit.DBPath = expandHome(cfg.Audit.DBPath)
	cfg.Executor.AllowedExtensions = normalizeExtensions(cfg.Executor.AllowedExtensions)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate range-checks the numeric settings and the extension allow-list.
func (c *Config) Validate() error {
	if err := validator.ValidateInteger("executor.max_concurrent", int64(c.Executor.MaxConcurrent), MinConcurrent, MaxConcurrent); err != nil {
		return err
	}
	if err := validator.ValidateInteger("executor.timeout_ms", c.Executor.TimeoutMs, MinTimeoutMs, MaxTimeoutMs); err != nil {
		return err
	}
	if err := validator.ValidateInteger("executor.max_output_bytes", c.Executor.MaxOutputBytes, MinOutputBytes, MaxOutputBytes); err != nil {
		return err
	}
	if err := validator.ValidateInteger("executor.cache_ttl_ms", c.Executor.CacheTTLMs, 0, 7*24*3_600_000); err != nil {
		return err
	}
	if err := validator.ValidateEnumArray("executor.allowed_extensions", c.Executor.AllowedExtensions, osutil.SupportedScriptExtensions()); err != nil {
		return err
	}
	if err := validator.ValidateInteger("cleanup.max_size_bytes", c.Cleanup.MaxSizeBytes, 0, 1<<40); err != nil {
		return err
	}
	if err := validator.ValidateEnumArray("log_format", []string{c.LogFormat}, []string{"fmt", "text", "json"}); err != nil {
		return err
	}
	return validator.ValidateEnumArray("tracing.sampler", []string{c.Tracing.Sampler}, []string{"always", "never", "ratio"})
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
