// Package database provides the sqlite connection backing the audit trail.
package database

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Open opens the SQLite database at dbPath and runs migrations.
// ":memory:" databases are pinned to one connection so every query sees the
// same schema.
func Open(dbPath string, logger *zap.Logger) (*sql.DB, error) {
	logger.Info("opening audit database", zap.String("path", dbPath))

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return nil, err
	}

	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", zap.Error(err))
		db.Close()
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		db.Close()
		return nil, err
	}

	return db, nil
}
