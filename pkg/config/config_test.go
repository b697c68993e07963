package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv(EnvPrefix+"_BASE_PATH", t.TempDir())
	t.Chdir(t.TempDir())
	v := viper.New()
	require.NoError(t, Init(v))
	return v
}

func TestLoad_Defaults(t *testing.T) {
	v := newViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "./skills", cfg.SkillsDir)
	assert.Equal(t, filepath.Join(BaseDir(), "cache"), cfg.CacheDir)
	assert.Equal(t, 5, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout())
	assert.Equal(t, 5*time.Minute, cfg.Executor.CacheTTL())
	assert.Equal(t, int64(DefaultOutputSize), cfg.Executor.MaxOutputBytes)
	assert.Equal(t, []string{".py", ".js", ".sh"}, cfg.Executor.AllowedExtensions)
	assert.False(t, cfg.Executor.SingleFlight)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.MaxAge)
	assert.Equal(t, int64(100<<20), cfg.Cleanup.MaxSizeBytes)
	assert.Equal(t, 10*time.Minute, cfg.Cleanup.Interval)
	assert.Equal(t, filepath.Join(BaseDir(), "logs", "skill-executions.log"), cfg.Audit.LogPath)
	assert.False(t, cfg.Audit.SQLite)
	assert.Equal(t, "ratio", cfg.Tracing.Sampler)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SKILLRUNNER_EXECUTOR_MAX_CONCURRENT", "12")
	t.Setenv("SKILLRUNNER_EXECUTOR_ALLOWED_EXTENSIONS", "py,.SH")
	t.Setenv("SKILLRUNNER_EXECUTOR_SINGLE_FLIGHT", "true")
	t.Setenv("SKILLRUNNER_CLEANUP_MAX_AGE", "2h")
	v := newViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Executor.MaxConcurrent)
	assert.Equal(t, []string{".py", ".sh"}, cfg.Executor.AllowedExtensions)
	assert.True(t, cfg.Executor.SingleFlight)
	assert.Equal(t, 2*time.Hour, cfg.Cleanup.MaxAge)
}

func TestLoad_ConfigFile(t *testing.T) {
	base := t.TempDir()
	t.Setenv(EnvPrefix+"_BASE_PATH", base)
	t.Chdir(t.TempDir())

	content := `
skills_dir: /opt/skills
executor:
  timeout_ms: 5000
  cache_ttl_ms: 0
cleanup:
  interval: 30s
audit:
  sqlite: true
`
	require.NoError(t, os.WriteFile(filepath.Join(base, "config.yaml"), []byte(content), 0o644))

	v := viper.New()
	require.NoError(t, Init(v))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/opt/skills", cfg.SkillsDir)
	assert.Equal(t, 5*time.Second, cfg.Executor.Timeout())
	assert.Equal(t, time.Duration(0), cfg.Executor.CacheTTL())
	assert.Equal(t, 30*time.Second, cfg.Cleanup.Interval)
	assert.True(t, cfg.Audit.SQLite)
	assert.Equal(t, 5, cfg.Executor.MaxConcurrent)
}

func TestLoad_ExpandsHome(t *testing.T) {
	v := newViper(t)
	v.Set("skills_dir", "~/skills")

	cfg, err := Load(v)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "skills"), cfg.SkillsDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  any
		code   skilltypes.Code
		errMsg string
	}{
		{name: "zero concurrency", key: "executor.max_concurrent", value: 0, code: skilltypes.CodeOutOfRange, errMsg: "executor.max_concurrent"},
		{name: "concurrency too high", key: "executor.max_concurrent", value: 101, code: skilltypes.CodeOutOfRange, errMsg: "executor.max_concurrent"},
		{name: "timeout too short", key: "executor.timeout_ms", value: 50, code: skilltypes.CodeOutOfRange, errMsg: "executor.timeout_ms"},
		{name: "timeout too long", key: "executor.timeout_ms", value: 3_600_001, code: skilltypes.CodeOutOfRange, errMsg: "executor.timeout_ms"},
		{name: "output too small", key: "executor.max_output_bytes", value: 512, code: skilltypes.CodeOutOfRange, errMsg: "executor.max_output_bytes"},
		{name: "unsupported extension", key: "executor.allowed_extensions", value: []string{".py", ".exe"}, code: skilltypes.CodeInvalidEnumValue, errMsg: "executor.allowed_extensions"},
		{name: "unknown sampler", key: "tracing.sampler", value: "sometimes", code: skilltypes.CodeInvalidEnumValue, errMsg: "tracing.sampler"},
		{name: "unknown log format", key: "log_format", value: "xml", code: skilltypes.CodeInvalidEnumValue, errMsg: "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.value)

			_, err := Load(v)
			require.Error(t, err)
			assert.Equal(t, tt.code, skilltypes.CodeOf(err))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	assert.Equal(t, []string{".py", ".js"}, normalizeExtensions([]string{"PY", " .js ", ""}))
	assert.Empty(t, normalizeExtensions(nil))
}
