// Package repository provides the data access layer for the audit trail.
package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"nfcunha/stevedore/core/models"
)

// ActionLogRepository handles persistence of action logs.
type ActionLogRepository struct {
	db *sql.DB
}

// NewActionLogRepository creates a new action log repository.
func NewActionLogRepository(db *sql.DB) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

// Create stores an action log in the database.
func (r *ActionLogRepository) Create(ctx context.Context, log *models.ActionLog) error {
	query := `
		INSERT INTO action_logs (
			action, resource_type, resource_id, resource_name,
			success, error_kind, error_message, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		nullable(log.ResourceName),
		log.Success,
		nullable(log.ErrorKind),
		nullable(log.ErrorMessage),
		log.ExecutedAt.UTC(),
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	log.ID = id

	return nil
}

// List retrieves action logs newest first.
func (r *ActionLogRepository) List(ctx context.Context, filter models.ActionLogFilter) ([]*models.ActionLog, error) {
	var (
		where []string
		args  []any
	)
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, action, resource_type, resource_id, resource_name,
		       success, error_kind, error_message, executed_at
		FROM action_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY executed_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*models.ActionLog{}
	for rows.Next() {
		log := &models.ActionLog{}
		var resourceName, errorKind, errorMsg sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.Action,
			&log.ResourceType,
			&log.ResourceID,
			&resourceName,
			&log.Success,
			&errorKind,
			&errorMsg,
			&log.ExecutedAt,
		)
		if err != nil {
			return nil, err
		}

		log.ResourceName = resourceName.String
		log.ErrorKind = errorKind.String
		log.ErrorMessage = errorMsg.String

		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// DeleteOlderThan removes action logs executed more than days ago.
func (r *ActionLogRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := r.db.ExecContext(ctx, `DELETE FROM action_logs WHERE executed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
