package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jingkaihe/skillrunner/pkg/db"
	"github.com/jingkaihe/skillrunner/pkg/db/migrations"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const (
	insertAttempts = 5
	insertDelay    = 50 * time.Millisecond
)

// SQLiteStore persists execution records to the skill_executions table.
type SQLiteStore struct {
	db *sqlx.DB
}

type executionRow struct {
	ID           string    `db:"id"`
	Skill        string    `db:"skill"`
	Context      string    `db:"context"`
	Success      bool      `db:"success"`
	Result       string    `db:"result"`
	ErrorKind    string    `db:"error_kind"`
	ErrorCode    string    `db:"error_code"`
	ErrorMessage string    `db:"error_message"`
	ElapsedMs    int64     `db:"elapsed_ms"`
	Cached       bool      `db:"cached"`
	StartedAt    time.Time `db:"started_at"`
}

// NewSQLiteStore opens the database at dbPath (DefaultDBPath when empty)
// and applies pending migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	sqlDB, err := db.OpenAndMigrate(ctx, dbPath, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open execution history")
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// Record inserts record, retrying while the database is locked by another writer.
func (s *SQLiteStore) Record(ctx context.Context, record *skilltypes.ExecutionRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			_, err := s.db.NamedExecContext(ctx, `
				INSERT INTO skill_executions (
					id, skill, context, success, result, error_kind, error_code,
					error_message, elapsed_ms, cached, started_at
				) VALUES (
					:id, :skill, :context, :success, :result, :error_kind, :error_code,
					:error_message, :elapsed_ms, :cached, :started_at
				)`, row)
			return errors.Wrap(err, "failed to insert execution record")
		},
		retry.RetryIf(isBusy),
		retry.Attempts(insertAttempts),
		retry.Delay(insertDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Debug("retrying execution record insert")
		}),
	)
}

// History returns up to limit records, newest first, optionally filtered by skill.
func (s *SQLiteStore) History(ctx context.Context, limit int, skill string) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, skill, success, elapsed_ms, cached, error_kind, error_code, error_message, started_at
		FROM skill_executions`
	args := []any{}
	if skill != "" {
		query += " WHERE skill = ?"
		args = append(args, skill)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	entries := []Entry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query execution history")
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toRow(record *skilltypes.ExecutionRecord) (*executionRow, error) {
	row := &executionRow{
		ID:        record.ID,
		Skill:     record.Skill,
		Success:   record.Success,
		ElapsedMs: record.Elapsed.Milliseconds(),
		Cached:    record.Cached,
		StartedAt: record.StartedAt.UTC(),
	}

	if record.Context != nil {
		b, err := json.Marshal(record.Context)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal execution context")
		}
		row.Context = string(b)
	}
	if record.Result != nil {
		b, err := json.Marshal(record.Result)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal execution result")
		}
		row.Result = string(b)
	}
	if record.Error != nil {
		row.ErrorKind = string(record.Error.Kind)
		row.ErrorCode = string(record.Error.Code)
		row.ErrorMessage = record.Error.Message
	}
	return row, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
