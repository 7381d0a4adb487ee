package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/entity"
	"github.com/southbooks/invoiceflow/internal/fingerprint"
	"github.com/southbooks/invoiceflow/internal/notify"
	"github.com/southbooks/invoiceflow/internal/repository"
)

// SubmitRequest admits one staged upload into the pipeline. FilePath must
// already be durably written; the pipeline owns the file from this point on.
type SubmitRequest struct {
	UserID         uuid.UUID
	FileName       string
	FilePath       string
	FileSize       int64
	UploadedByName string
	OwnerName      string
}

// Manager is the pipeline facade: admission, status queries, administrative
// control and the single failure-handling path. It owns the scheduler and the
// in-flight fingerprint set.
type Manager struct {
	jobs       repository.UploadJobRepository
	invoices   repository.InvoiceRepository
	audit      repository.ActivityLogRepository
	notifier   notify.Notifier
	processor  *Processor
	scheduler  *Scheduler
	inflight   *InflightSet
	cfg        common.PipelineConfig
	maxRetries int
	log        *zap.SugaredLogger
}

func NewManager(
	jobs repository.UploadJobRepository,
	invoices repository.InvoiceRepository,
	audit repository.ActivityLogRepository,
	notifier notify.Notifier,
	gateway Extractor,
	cfg common.PipelineConfig,
	log *zap.SugaredLogger,
) *Manager {
	m := &Manager{
		jobs:       jobs,
		invoices:   invoices,
		audit:      audit,
		notifier:   notifier,
		inflight:   NewInflightSet(),
		cfg:        cfg,
		maxRetries: cfg.MaxRetries,
		log:        log,
	}
	m.processor = NewProcessor(jobs, invoices, audit, notifier, gateway, m.inflight, cfg.ProcessTimeout, log)
	m.scheduler = NewScheduler(cfg.Concurrency, m.runJob, log)
	return m
}

// Submit admits a staged file. On any rejection the staged file is removed,
// since no job will ever own it.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*entity.UploadJob, error) {
	fp, err := fingerprint.SumFile(req.FilePath)
	if err != nil {
		RemoveStagedFile(req.FilePath, m.log)
		return nil, fmt.Errorf("fingerprint staged file: %w", err)
	}

	existing, err := m.invoices.FindByFingerprint(ctx, fp)
	if err != nil {
		RemoveStagedFile(req.FilePath, m.log)
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		RemoveStagedFile(req.FilePath, m.log)
		m.log.Infow("upload rejected as duplicate at admission",
			"file_name", req.FileName, "invoice_id", existing.ID, "user_id", req.UserID)
		return nil, &common.DuplicateError{
			InvoiceID:      existing.ID.String(),
			FileName:       existing.FileName,
			Date:           existing.Date,
			TotalAmount:    existing.TotalAmount,
			Counterparty:   existing.ClientProviderName,
			InvoiceNumber:  existing.InvoiceNumber,
			UploadedByName: existing.UploadedByName,
		}
	}

	if m.inflight.Contains(fp) {
		RemoveStagedFile(req.FilePath, m.log)
		m.log.Infow("upload rejected, identical file in flight", "file_name", req.FileName, "fingerprint", fp)
		return nil, common.ErrAlreadyInProgress
	}

	job := &entity.UploadJob{
		UserID:         req.UserID,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		Fingerprint:    fp,
		Status:         constants.JobStatusQueued,
		FilePath:       req.FilePath,
		UploadedByName: req.UploadedByName,
		OwnerName:      req.OwnerName,
		MaxRetries:     m.maxRetries,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		RemoveStagedFile(req.FilePath, m.log)
		if errors.Is(err, repository.ErrFingerprintTaken) {
			// The holder may be a live job or a quarantined one waiting on an
			// operator; the caller's remedy differs.
			if held, herr := m.jobs.GetByFingerprint(ctx, fp); herr == nil &&
				held.Status == constants.JobStatusQuarantined {
				m.log.Infow("upload rejected, identical file held in quarantine",
					"file_name", req.FileName, "quarantined_job_id", held.ID)
				return nil, common.ErrHeldInQuarantine
			}
			return nil, common.ErrAlreadyInProgress
		}
		return nil, fmt.Errorf("persist job: %w", err)
	}

	m.notifier.Publish(job.UserID, notify.JobEvent(job.ID, job.Status, job.FileName, nil, ""))
	m.scheduler.Enqueue(job.ID)
	m.scheduler.Kick(context.WithoutCancel(ctx))

	m.log.Infow("upload admitted", "job_id", job.ID, "file_name", job.FileName, "user_id", req.UserID)
	return job, nil
}

// Kick wakes the scheduler; safe to call at any time.
func (m *Manager) Kick(ctx context.Context) {
	m.scheduler.Kick(ctx)
}

func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*entity.UploadJob, error) {
	return m.jobs.GetByID(ctx, id)
}

// GetRecentJobs returns the caller's jobs created within the window.
func (m *Manager) GetRecentJobs(ctx context.Context, userID uuid.UUID, window time.Duration) ([]entity.UploadJob, error) {
	return m.jobs.ListRecent(ctx, &userID, window)
}

// GetAllJobs returns every user's jobs within the window. Admin only.
func (m *Manager) GetAllJobs(ctx context.Context, window time.Duration) ([]entity.UploadJob, error) {
	return m.jobs.ListRecent(ctx, nil, window)
}

// DeleteJob removes the job row and its staged file. It does not interrupt an
// in-flight attempt; the worker's final update will find the row gone.
func (m *Manager) DeleteJob(ctx context.Context, id uuid.UUID) error {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := m.jobs.Delete(ctx, id); err != nil {
		return err
	}
	RemoveStagedFile(job.FilePath, m.log)
	m.log.Infow("job deleted by operator", "job_id", id, "file_name", job.FileName, "status", job.Status)
	return nil
}

// RetryJob manually re-queues a job, bypassing the automatic retry budget.
// The retry counter is reset so the job gets a fresh budget.
func (m *Manager) RetryJob(ctx context.Context, id uuid.UUID) (*entity.UploadJob, error) {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == constants.JobStatusProcessing {
		return nil, common.NewAppError("RETRY_CONFLICT", "job is currently processing", common.ErrInvalidInput)
	}
	updated, err := m.jobs.Update(ctx, id, map[string]any{
		"status":         constants.JobStatusQueued,
		"retry_count":    0,
		"error":          "",
		"quarantined_at": nil,
	})
	if err != nil {
		return nil, err
	}
	m.notifier.Publish(updated.UserID, notify.JobEvent(updated.ID, updated.Status, updated.FileName, nil, ""))
	m.scheduler.EnqueueFront(id)
	m.scheduler.Kick(context.WithoutCancel(ctx))
	m.log.Infow("job manually re-queued", "job_id", id, "previous_status", job.Status)
	return updated, nil
}

// QuarantineJob manually escalates a job out of the automatic pipeline.
func (m *Manager) QuarantineJob(ctx context.Context, id uuid.UUID) (*entity.UploadJob, error) {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, common.NewAppError("QUARANTINE_CONFLICT", "job already terminal", common.ErrInvalidInput)
	}
	now := time.Now().UTC()
	updated, err := m.jobs.Update(ctx, id, map[string]any{
		"status":         constants.JobStatusQuarantined,
		"quarantined_at": now,
		"error":          "quarantined by operator",
	})
	if err != nil {
		return nil, err
	}
	RemoveStagedFile(updated.FilePath, m.log)
	m.notifier.Publish(updated.UserID, notify.JobEvent(updated.ID, updated.Status, updated.FileName, nil, updated.Error))
	m.recordQuarantine(ctx, updated, "Quarantined by operator")
	m.log.Warnw("job manually quarantined", "job_id", id, "file_name", updated.FileName)
	return updated, nil
}

// HandleFailure is the single retry/quarantine path. Worker exceptions, the
// watchdog and startup recovery all land here with a job snapshot and a
// human-readable cause.
func (m *Manager) HandleFailure(ctx context.Context, job *entity.UploadJob, cause string) {
	next := NextOnFailure(*job, cause, time.Now().UTC())

	updates := map[string]any{
		"status": next.Status,
		"error":  next.Error,
	}
	if ShouldRequeue(next) {
		updates["retry_count"] = next.RetryCount
		updates["last_retry_at"] = next.LastRetryAt
	} else {
		updates["quarantined_at"] = next.QuarantinedAt
	}

	updated, err := m.jobs.Update(ctx, job.ID, updates)
	if errors.Is(err, common.ErrNotFound) {
		m.log.Warnw("failed job vanished before transition", "job_id", job.ID)
		return
	}
	if err != nil {
		m.log.Errorw("failure transition could not be persisted", "job_id", job.ID, "error", err)
		return
	}

	m.notifier.Publish(updated.UserID, notify.JobEvent(updated.ID, updated.Status, updated.FileName, nil, updated.Error))

	if ShouldRequeue(next) {
		m.log.Warnw("job re-queued after failure",
			"job_id", job.ID,
			"file_name", job.FileName,
			"attempt", next.RetryCount,
			"max_retries", job.MaxRetries,
			"cause", cause,
		)
		m.scheduler.EnqueueFront(job.ID)
		m.scheduler.Kick(context.WithoutCancel(ctx))
		return
	}

	RemoveStagedFile(updated.FilePath, m.log)
	m.recordQuarantine(ctx, updated, fmt.Sprintf("Upload quarantined after %d failed attempts: %s", job.MaxRetries, cause))
	m.log.Errorw("job quarantined, retries exhausted",
		"job_id", job.ID,
		"file_name", job.FileName,
		"retry_count", job.RetryCount,
		"cause", cause,
	)
}

func (m *Manager) recordQuarantine(ctx context.Context, job *entity.UploadJob, description string) {
	err := m.audit.Record(ctx, repository.ActivityEntry{
		UserID:      job.UserID,
		UserName:    job.UploadedByName,
		ActionType:  "upload_quarantine",
		EntityType:  "upload_job",
		EntityID:    &job.ID,
		Description: description,
		Metadata:    map[string]any{"fileName": job.FileName, "retryCount": job.RetryCount},
	})
	if err != nil {
		m.log.Warnw("activity record failed", "action", "upload_quarantine", "error", err)
	}
}

// runJob is the scheduler's ProcessFunc. Any recoverable error is absorbed
// into HandleFailure so one bad job never disturbs its batch.
func (m *Manager) runJob(ctx context.Context, jobID uuid.UUID) {
	err := m.processor.Process(ctx, jobID)
	if err == nil {
		return
	}

	job, lerr := m.jobs.GetByID(ctx, jobID)
	if lerr != nil {
		m.log.Errorw("failed job could not be reloaded", "job_id", jobID, "process_error", err, "load_error", lerr)
		return
	}
	m.HandleFailure(ctx, job, err.Error())
}
