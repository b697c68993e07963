// Package server exposes the skill executor over HTTP for callers that
// cannot link against it directly.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jingkaihe/skillrunner/pkg/executor"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/jingkaihe/skillrunner/pkg/skills"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/jingkaihe/skillrunner/pkg/version"
	"github.com/pkg/errors"
)

const maxRequestBytes = 1 << 20

// SkillExecutor is the subset of *executor.Executor the server needs
type SkillExecutor interface {
	Execute(ctx context.Context, skillName string, skillContext any, opts skilltypes.Options) *skilltypes.ExecutionRecord
	ActiveExecutions() []executor.ActiveExecution
	Metrics() executor.Metrics
}

// SkillLister lists the installed skills
type SkillLister interface {
	List(ctx context.Context, pattern string) ([]*skills.Skill, error)
}

// Config holds the listen address of the server
type Config struct {
	Host string
	Port int
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Server serves the skill execution API
type Server struct {
	router   *mux.Router
	executor SkillExecutor
	lister   SkillLister
	config   *Config
	server   *http.Server
}

// ExecuteRequest is the body of POST /api/skills/{name}/execute
type ExecuteRequest struct {
	Context    json.RawMessage `json:"context,omitempty"`
	UseCache   bool            `json:"useCache"`
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
	CacheTTLMs int64           `json:"cacheTtlMs,omitempty"`
}

// SkillSummary is one entry of GET /api/skills
type SkillSummary struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ActiveResponse is the body of GET /api/executions/active
type ActiveResponse struct {
	Executions []executor.ActiveExecution `json:"executions"`
	Metrics    executor.Metrics           `json:"metrics"`
}

// New creates a server. It does not listen until Start is called.
func New(config *Config, exec SkillExecutor, lister SkillLister) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}

	s := &Server{
		router:   mux.NewRouter(),
		executor: exec,
		lister:   lister,
		config:   config,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/skills", s.handleListSkills).Methods("GET")
	api.HandleFunc("/skills/{name}/execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/executions/active", s.handleActive).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("Server", version.Get().UserAgent())

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get().Version,
	})
}

// handleListSkills handles GET /api/skills
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	found, err := s.lister.List(r.Context(), r.URL.Query().Get("pattern"))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to list skills", err)
		return
	}

	summaries := make([]SkillSummary, 0, len(found))
	for _, skill := range found {
		summaries = append(summaries, SkillSummary{
			Name:        skill.Name,
			Description: skill.Description,
			Metadata:    skill.Metadata,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"skills": summaries})
}

// handleExecute handles POST /api/skills/{name}/execute
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req ExecuteRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var skillContext any
	if len(req.Context) > 0 && string(req.Context) != "null" {
		skillContext = req.Context
	}

	// A client disconnect must not kill the skill; only its timeout does.
	record := s.executor.Execute(context.WithoutCancel(r.Context()), name, skillContext, skilltypes.Options{
		UseCache: req.UseCache,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		CacheTTL: time.Duration(req.CacheTTLMs) * time.Millisecond,
	})

	status := statusFor(record)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	s.writeJSON(w, status, record)
}

// handleActive handles GET /api/executions/active
func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ActiveResponse{
		Executions: s.executor.ActiveExecutions(),
		Metrics:    s.executor.Metrics(),
	})
}

// statusFor maps the error kind of a record onto an HTTP status
func statusFor(record *skilltypes.ExecutionRecord) int {
	if record.Success || record.Error == nil {
		return http.StatusOK
	}
	switch record.Error.Kind {
	case skilltypes.KindValidation:
		return http.StatusBadRequest
	case skilltypes.KindSecurity:
		return http.StatusForbidden
	case skilltypes.KindNotFound:
		return http.StatusNotFound
	case skilltypes.KindConcurrency:
		return http.StatusTooManyRequests
	case skilltypes.KindExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil {
		logger.G(r.Context()).WithError(err).Error(message)
	}
	s.writeJSON(w, status, map[string]any{
		"error":   message,
		"status":  status,
		"success": false,
	})
}

// Start listens until ctx is canceled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Serving skills on http://%s", address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
