package executor

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
)

// ActiveExecution describes one in-flight invocation.
type ActiveExecution struct {
	ID        string    `json:"id"`
	Skill     string    `json:"skill"`
	StartedAt time.Time `json:"startedAt"`
	PID       int       `json:"pid,omitempty"`
}

// Metrics reports admission statistics since the executor was created.
type Metrics struct {
	Active        int   `json:"active"`
	MaxActive     int   `json:"maxActive"`
	MaxConcurrent int   `json:"maxConcurrent"`
	Rejected      int64 `json:"rejected"`
}

func executionID(skill string, startedAt time.Time) string {
	return fmt.Sprintf("%s-%d-%s", skill, startedAt.UnixNano(), uuid.NewString()[:8])
}

// admit adds id to the active set without ever blocking. It fails with
// ConcurrencyLimitExceeded when the set is full.
func (e *Executor) admit(id, skill string, startedAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return skilltypes.NewError(skilltypes.CodeCanceled, "executor is shutting down", map[string]any{"skill": skill})
	}

	if len(e.active) >= e.cfg.MaxConcurrent {
		e.rejected++
		return skilltypes.NewError(skilltypes.CodeConcurrencyLimitExceeded,
			fmt.Sprintf("concurrency limit of %d executions reached", e.cfg.MaxConcurrent),
			map[string]any{
				"limit":   e.cfg.MaxConcurrent,
				"current": len(e.active),
			})
	}

	e.active[id] = &ActiveExecution{ID: id, Skill: skill, StartedAt: startedAt}
	if len(e.active) > e.maxActive {
		e.maxActive = len(e.active)
	}
	return nil
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

func (e *Executor) setPID(id string, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[id]; ok {
		a.PID = pid
	}
}

// ActiveExecutions returns a snapshot of the in-flight invocations ordered by start time.
func (e *Executor) ActiveExecutions() []ActiveExecution {
	e.mu.Lock()
	out := make([]ActiveExecution, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Metrics returns the current admission statistics.
func (e *Executor) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Metrics{
		Active:        len(e.active),
		MaxActive:     e.maxActive,
		MaxConcurrent: e.cfg.MaxConcurrent,
		Rejected:      e.rejected,
	}
}
