package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/executor"
	"github.com/jingkaihe/skillrunner/pkg/skills"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/jingkaihe/skillrunner/pkg/version"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	executeFunc func(ctx context.Context, name string, skillContext any, opts skilltypes.Options) *skilltypes.ExecutionRecord
	active      []executor.ActiveExecution
	metrics     executor.Metrics
}

func (m *mockExecutor) Execute(ctx context.Context, name string, skillContext any, opts skilltypes.Options) *skilltypes.ExecutionRecord {
	return m.executeFunc(ctx, name, skillContext, opts)
}

func (m *mockExecutor) ActiveExecutions() []executor.ActiveExecution {
	return m.active
}

func (m *mockExecutor) Metrics() executor.Metrics {
	return m.metrics
}

type mockLister struct {
	skills  []*skills.Skill
	err     error
	pattern string
}

func (m *mockLister) List(_ context.Context, pattern string) ([]*skills.Skill, error) {
	m.pattern = pattern
	return m.skills, m.err
}

func newTestServer(t *testing.T, exec SkillExecutor, lister SkillLister) *Server {
	t.Helper()
	s, err := New(&Config{Host: "127.0.0.1", Port: 8080}, exec, lister)
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, (&Config{Host: "localhost", Port: 8080}).Validate())
	assert.Error(t, (&Config{Host: "", Port: 8080}).Validate())
	assert.Error(t, (&Config{Host: "localhost", Port: 0}).Validate())
	assert.Error(t, (&Config{Host: "localhost", Port: 70000}).Validate())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, &mockLister{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, version.Get().Version, body["version"])
	assert.Equal(t, version.Get().UserAgent(), rec.Header().Get("Server"))
}

func TestHandleExecute(t *testing.T) {
	var gotName string
	var gotContext any
	var gotOpts skilltypes.Options

	exec := &mockExecutor{
		executeFunc: func(_ context.Context, name string, skillContext any, opts skilltypes.Options) *skilltypes.ExecutionRecord {
			gotName, gotContext, gotOpts = name, skillContext, opts
			return &skilltypes.ExecutionRecord{
				ID:      "tech-debt-tracker-1-abcd1234",
				Skill:   name,
				Success: true,
				Result:  skilltypes.StructuredResult(map[string]any{"total": float64(3)}),
			}
		},
	}
	s := newTestServer(t, exec, &mockLister{})

	body := `{"context": {"path": "src"}, "useCache": true, "timeoutMs": 5000, "cacheTtlMs": 60000}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/skills/tech-debt-tracker/execute", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tech-debt-tracker", gotName)
	assert.JSONEq(t, `{"path": "src"}`, string(gotContext.(json.RawMessage)))
	assert.Equal(t, skilltypes.Options{UseCache: true, Timeout: 5 * time.Second, CacheTTL: time.Minute}, gotOpts)

	var record skilltypes.ExecutionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.True(t, record.Success)
	assert.Equal(t, map[string]any{"total": float64(3)}, record.Result.Payload())
}

func TestHandleExecute_ClientDisconnectDoesNotCancel(t *testing.T) {
	var gotErr error
	exec := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, _ any, _ skilltypes.Options) *skilltypes.ExecutionRecord {
			gotErr = ctx.Err()
			return &skilltypes.ExecutionRecord{Skill: name, Success: true, Result: skilltypes.TextResult("done")}
		},
	}
	s := newTestServer(t, exec, &mockLister{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/skills/hello-world/execute", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, gotErr)
}

func TestHandleExecute_EmptyBody(t *testing.T) {
	var gotContext any = "unset"
	exec := &mockExecutor{
		executeFunc: func(_ context.Context, name string, skillContext any, _ skilltypes.Options) *skilltypes.ExecutionRecord {
			gotContext = skillContext
			return &skilltypes.ExecutionRecord{Skill: name, Success: true, Result: skilltypes.TextResult("hi")}
		},
	}
	s := newTestServer(t, exec, &mockLister{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/skills/hello-world/execute", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gotContext)
}

func TestHandleExecute_BadBody(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, &mockLister{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/skills/hello-world/execute", bytes.NewBufferString("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecute_ErrorStatus(t *testing.T) {
	tests := []struct {
		code   skilltypes.Code
		status int
	}{
		{skilltypes.CodeInvalidName, http.StatusBadRequest},
		{skilltypes.CodePathTraversal, http.StatusForbidden},
		{skilltypes.CodeSkillNotFound, http.StatusNotFound},
		{skilltypes.CodeConcurrencyLimitExceeded, http.StatusTooManyRequests},
		{skilltypes.CodeTimeout, http.StatusUnprocessableEntity},
		{skilltypes.CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			exec := &mockExecutor{
				executeFunc: func(_ context.Context, name string, _ any, _ skilltypes.Options) *skilltypes.ExecutionRecord {
					return &skilltypes.ExecutionRecord{
						Skill: name,
						Error: skilltypes.Describe(skilltypes.NewError(tt.code, "failed", nil)),
					}
				},
			}
			s := newTestServer(t, exec, &mockLister{})

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/skills/hello-world/execute", bytes.NewBufferString(`{}`)))

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHandleExecute_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, &mockLister{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/skills/hello-world/execute", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleListSkills(t *testing.T) {
	lister := &mockLister{skills: []*skills.Skill{
		{Name: "code-formatter", Description: "Formats code", Metadata: map[string]string{"name": "code-formatter"}},
		{Name: "tech-debt-tracker"},
	}}
	s := newTestServer(t, &mockExecutor{}, lister)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/skills?pattern=code-*", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "code-*", lister.pattern)

	var body struct {
		Skills []SkillSummary `json:"skills"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Skills, 2)
	assert.Equal(t, "code-formatter", body.Skills[0].Name)
	assert.Equal(t, "Formats code", body.Skills[0].Description)
}

func TestHandleListSkills_Error(t *testing.T) {
	s := newTestServer(t, &mockExecutor{}, &mockLister{err: errors.New("boom")})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/skills", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleActive(t *testing.T) {
	started := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	exec := &mockExecutor{
		active:  []executor.ActiveExecution{{ID: "slow-skill-1-aaaa", Skill: "slow-skill", StartedAt: started, PID: 42}},
		metrics: executor.Metrics{Active: 1, MaxActive: 3, MaxConcurrent: 5, Rejected: 2},
	}
	s := newTestServer(t, exec, &mockLister{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions/active", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body ActiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Executions, 1)
	assert.Equal(t, 42, body.Executions[0].PID)
	assert.Equal(t, int64(2), body.Metrics.Rejected)
}
