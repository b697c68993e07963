package migrations

import (
	"database/sql"

	"github.com/jingkaihe/skillrunner/pkg/db"
	"github.com/pkg/errors"
)

// Migration20261018090001AddSkillExecutionIndexes indexes history lookups by skill and time.
func Migration20261018090001AddSkillExecutionIndexes() db.Migration {
	return db.Migration{
		Version:     20261018090001,
		Description: "Add skill_executions indexes",
		Up: func(tx *sql.Tx) error {
			indexes := []string{
				"CREATE INDEX IF NOT EXISTS idx_skill_executions_started_at ON skill_executions(started_at DESC)",
				"CREATE INDEX IF NOT EXISTS idx_skill_executions_skill ON skill_executions(skill, started_at DESC)",
			}
			for _, stmt := range indexes {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrapf(err, "failed to execute: %s", stmt)
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, name := range []string{"idx_skill_executions_skill", "idx_skill_executions_started_at"} {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + name); err != nil {
					return errors.Wrapf(err, "failed to drop index %s", name)
				}
			}
			return nil
		},
	}
}
