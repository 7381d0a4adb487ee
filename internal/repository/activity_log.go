package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/southbooks/invoiceflow/internal/entity"
)

// ActivityLogRepository is the append-only audit log. Callers treat failures
// as non-fatal: a lost audit entry must never block a job transition.
type ActivityLogRepository interface {
	Record(ctx context.Context, e ActivityEntry) error
}

// ActivityEntry is one audit record before persistence.
type ActivityEntry struct {
	UserID      uuid.UUID
	UserName    string
	ActionType  string
	EntityType  string
	EntityID    *uuid.UUID
	Description string
	Metadata    map[string]any
}

type activityLogRepo struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewActivityLogRepository(db *gorm.DB, log *zap.SugaredLogger) ActivityLogRepository {
	return &activityLogRepo{db: db, log: log}
}

func (r *activityLogRepo) Record(ctx context.Context, e ActivityEntry) error {
	var meta []byte
	if e.Metadata != nil {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = b
		}
	}
	row := entity.ActivityLog{
		ID:          uuid.New(),
		UserID:      e.UserID,
		UserName:    e.UserName,
		ActionType:  e.ActionType,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Description: e.Description,
		Metadata:    meta,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.log.Warnw("activity log write failed", "action", e.ActionType, "error", err)
		return err
	}
	return nil
}
