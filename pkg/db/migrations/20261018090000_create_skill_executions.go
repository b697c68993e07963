package migrations

import (
	"database/sql"

	"github.com/jingkaihe/skillrunner/pkg/db"
	"github.com/pkg/errors"
)

// Migration20261018090000CreateSkillExecutions creates the skill_executions table.
func Migration20261018090000CreateSkillExecutions() db.Migration {
	return db.Migration{
		Version:     20261018090000,
		Description: "Create skill_executions table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS skill_executions (
					id TEXT PRIMARY KEY,
					skill TEXT NOT NULL,
					context TEXT,
					success INTEGER NOT NULL,
					result TEXT,
					error_kind TEXT,
					error_code TEXT,
					error_message TEXT,
					elapsed_ms INTEGER NOT NULL,
					cached INTEGER NOT NULL DEFAULT 0,
					started_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create skill_executions table")
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS skill_executions"); err != nil {
				return errors.Wrap(err, "failed to drop skill_executions table")
			}
			return nil
		},
	}
}
