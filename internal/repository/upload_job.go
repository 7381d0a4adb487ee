package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/entity"
)

// ErrFingerprintTaken is returned when the upload_jobs fingerprint uniqueness
// invariant rejects a second job for the same content.
var ErrFingerprintTaken = errors.New("fingerprint already has a job")

// UploadJobRepository is the durable Job Store.
type UploadJobRepository interface {
	Create(ctx context.Context, job *entity.UploadJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.UploadJob, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*entity.UploadJob, error)
	// Update applies a partial column update and returns the refreshed row.
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) (*entity.UploadJob, error)
	Save(ctx context.Context, job *entity.UploadJob) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByStatus(ctx context.Context, status constants.JobStatus) ([]entity.UploadJob, error)
	// ListRecent returns jobs created within the window, newest first.
	// A nil userID returns jobs for every user.
	ListRecent(ctx context.Context, userID *uuid.UUID, window time.Duration) ([]entity.UploadJob, error)
	// ListStuck returns processing jobs whose updated_at is older than cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]entity.UploadJob, error)
	// PurgeTerminalBefore deletes success/duplicate/error jobs created before
	// cutoff. Quarantined jobs are kept for operators.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type uploadJobRepo struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewUploadJobRepository(db *gorm.DB, log *zap.SugaredLogger) UploadJobRepository {
	return &uploadJobRepo{db: db, log: log}
}

func (r *uploadJobRepo) Create(ctx context.Context, job *entity.UploadJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			r.log.Warnw("upload_job rejected by fingerprint uniqueness", "fingerprint", job.Fingerprint)
			return ErrFingerprintTaken
		}
		r.log.Errorw("upload_job create failed", "file_name", job.FileName, "error", err)
		return err
	}
	r.log.Infow("upload_job created", "job_id", job.ID, "file_name", job.FileName, "fingerprint", job.Fingerprint)
	return nil
}

func (r *uploadJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.UploadJob, error) {
	var job entity.UploadJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *uploadJobRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*entity.UploadJob, error) {
	var job entity.UploadJob
	err := r.db.WithContext(ctx).First(&job, "fingerprint = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *uploadJobRepo) Update(ctx context.Context, id uuid.UUID, updates map[string]any) (*entity.UploadJob, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.UploadJob{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		r.log.Errorw("upload_job update failed", "job_id", id, "error", res.Error)
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, common.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *uploadJobRepo) Save(ctx context.Context, job *entity.UploadJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

func (r *uploadJobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&entity.UploadJob{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *uploadJobRepo) ListByStatus(ctx context.Context, status constants.JobStatus) ([]entity.UploadJob, error) {
	var jobs []entity.UploadJob
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc").
		Find(&jobs).Error
	return jobs, err
}

func (r *uploadJobRepo) ListRecent(ctx context.Context, userID *uuid.UUID, window time.Duration) ([]entity.UploadJob, error) {
	q := r.db.WithContext(ctx).
		Where("created_at > ?", time.Now().Add(-window))
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	var jobs []entity.UploadJob
	err := q.Order("created_at desc").Find(&jobs).Error
	return jobs, err
}

func (r *uploadJobRepo) ListStuck(ctx context.Context, cutoff time.Time) ([]entity.UploadJob, error) {
	var jobs []entity.UploadJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", constants.JobStatusProcessing, cutoff).
		Find(&jobs).Error
	return jobs, err
}

func (r *uploadJobRepo) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ? AND status IN ?", cutoff, []constants.JobStatus{
			constants.JobStatusSuccess,
			constants.JobStatusDuplicate,
			constants.JobStatusError,
		}).
		Delete(&entity.UploadJob{})
	return res.RowsAffected, res.Error
}
