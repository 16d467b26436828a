package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/core/models"
)

// ActionRecorder persists audit entries. *repository.ActionLogRepository
// satisfies it.
type ActionRecorder interface {
	Create(ctx context.Context, log *models.ActionLog) error
}

// auditor writes one entry per mutation. A nil recorder disables the trail.
type auditor struct {
	recorder ActionRecorder
	logger   *zap.Logger
}

// record stores the outcome of action and returns err unchanged so callers
// can write `return s.audit.record(...)`.
func (a auditor) record(ctx context.Context, action, resourceType, resourceID, resourceName string, err error) error {
	if a.recorder == nil {
		return err
	}

	entry := &models.ActionLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ResourceName: resourceName,
		Success:      err == nil,
		ExecutedAt:   time.Now(),
	}
	if err != nil {
		entry.ErrorKind = string(apperr.KindOf(err))
		entry.ErrorMessage = err.Error()
	}

	// The request context may already be cancelled once the daemon answers.
	if logErr := a.recorder.Create(context.WithoutCancel(ctx), entry); logErr != nil {
		a.logger.Warn("failed to record action",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.Error(logErr))
	}
	return err
}
