// Package audit records one entry per skill invocation. The JSONL file log
// is always written; the SQLite store adds a queryable history.
package audit

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
)

// Sink receives completed execution records. Implementations must be safe
// for concurrent use.
type Sink interface {
	Record(ctx context.Context, record *skilltypes.ExecutionRecord) error
}

// Entry is the persisted shape of an execution record.
type Entry struct {
	Timestamp time.Time       `json:"timestamp" yaml:"timestamp" db:"started_at"`
	ID        string          `json:"id" yaml:"id" db:"id"`
	Skill     string          `json:"skill" yaml:"skill" db:"skill"`
	Success   bool            `json:"success" yaml:"success" db:"success"`
	ElapsedMs int64           `json:"elapsedMs" yaml:"elapsedMs" db:"elapsed_ms"`
	Cached    bool            `json:"cached" yaml:"cached" db:"cached"`
	ErrorKind skilltypes.Kind `json:"errorKind,omitempty" yaml:"errorKind,omitempty" db:"error_kind"`
	ErrorCode skilltypes.Code `json:"errorCode,omitempty" yaml:"errorCode,omitempty" db:"error_code"`
	Error     string          `json:"error,omitempty" yaml:"error,omitempty" db:"error_message"`
}

// NewEntry flattens record into an Entry.
func NewEntry(record *skilltypes.ExecutionRecord) Entry {
	e := Entry{
		Timestamp: record.StartedAt.UTC(),
		ID:        record.ID,
		Skill:     record.Skill,
		Success:   record.Success,
		ElapsedMs: record.Elapsed.Milliseconds(),
		Cached:    record.Cached,
	}
	if record.Error != nil {
		e.ErrorKind = record.Error.Kind
		e.ErrorCode = record.Error.Code
		e.Error = record.Error.Message
	}
	return e
}

// Multi fans a record out to every sink. Every sink is attempted even when
// an earlier one fails.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, record *skilltypes.ExecutionRecord) error {
	var result *multierror.Error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, record); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Discard drops every record.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, *skilltypes.ExecutionRecord) error { return nil }
