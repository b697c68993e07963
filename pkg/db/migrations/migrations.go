// Package migrations holds the execution history schema.
// Versions are timestamps (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/jingkaihe/skillrunner/pkg/db"
)

// All returns every registered migration. New migrations are appended here.
func All() []db.Migration {
	return []db.Migration{
		Migration20261018090000CreateSkillExecutions(),
		Migration20261018090001AddSkillExecutionIndexes(),
	}
}
