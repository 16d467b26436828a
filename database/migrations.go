package database

import (
	"database/sql"

	"go.uber.org/zap"
)

// migrate creates the schema. Every statement is idempotent.
func migrate(db *sql.DB, logger *zap.Logger) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "create_action_logs_table",
			sql: `
CREATE TABLE IF NOT EXISTS action_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    resource_name TEXT,
    success BOOLEAN NOT NULL DEFAULT 0,
    error_kind TEXT,
    error_message TEXT,
    executed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_action_logs_resource ON action_logs(resource_type, resource_id);
CREATE INDEX IF NOT EXISTS idx_action_logs_executed_at ON action_logs(executed_at);
CREATE INDEX IF NOT EXISTS idx_action_logs_action ON action_logs(action);
			`,
		},
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration.sql); err != nil {
			logger.Error("migration failed", zap.String("migration", migration.name), zap.Error(err))
			return err
		}
		logger.Debug("migration completed", zap.String("migration", migration.name))
	}

	return nil
}
