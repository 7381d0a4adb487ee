package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/entity"
	"github.com/southbooks/invoiceflow/internal/extract"
	"github.com/southbooks/invoiceflow/internal/notify"
	"github.com/southbooks/invoiceflow/internal/repository"
)

// defaultTaxRate backfills the tax split when a provider returned only the
// total. 21% VAT, matching the books this system keeps.
const defaultTaxRate = 0.21

// Extractor is the slice of the extraction gateway the processor needs.
type Extractor interface {
	Extract(ctx context.Context, filePath string, typeHint constants.InvoiceType) (*extract.Result, error)
}

// Processor executes a single queued job: re-verifies the durable duplicate
// check, runs the extraction chain, applies the data-completeness gate and
// commits the invoice. Recoverable failures are returned to the caller,
// which owns the retry/quarantine decision.
type Processor struct {
	jobs     repository.UploadJobRepository
	invoices repository.InvoiceRepository
	audit    repository.ActivityLogRepository
	notifier notify.Notifier
	gateway  Extractor
	inflight *InflightSet
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func NewProcessor(
	jobs repository.UploadJobRepository,
	invoices repository.InvoiceRepository,
	audit repository.ActivityLogRepository,
	notifier notify.Notifier,
	gateway Extractor,
	inflight *InflightSet,
	timeout time.Duration,
	log *zap.SugaredLogger,
) *Processor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Processor{
		jobs:     jobs,
		invoices: invoices,
		audit:    audit,
		notifier: notifier,
		gateway:  gateway,
		inflight: inflight,
		timeout:  timeout,
		log:      log,
	}
}

// Process runs one attempt for jobID. A nil return means the job reached a
// state that needs no retry (terminal, skipped, or not found); an error
// return means a recoverable failure the caller must route through the
// retry/quarantine path.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.jobs.GetByID(ctx, jobID)
	if errors.Is(err, common.ErrNotFound) {
		p.log.Warnw("job vanished before processing", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != constants.JobStatusQueued {
		p.log.Debugw("skipping job not in queued state", "job_id", jobID, "status", job.Status)
		return nil
	}

	p.log.Infow("job processing started", "job_id", jobID, "file_name", job.FileName, "retry_count", job.RetryCount)

	release, ok := p.inflight.TryAcquire(job.Fingerprint)
	if !ok {
		return common.ErrAlreadyInProgress
	}
	defer release()

	if _, err := p.updateJob(ctx, job, map[string]any{"status": constants.JobStatusProcessing}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	// The backing file is removed in exactly one place, once the job has
	// reached a terminal state. Retried jobs keep their file.
	defer p.cleanupIfTerminal(jobID)

	// Re-verify against durable history: another job for the same content may
	// have committed while this one sat in the queue.
	existing, err := p.invoices.FindByFingerprint(ctx, job.Fingerprint)
	if err != nil {
		return fmt.Errorf("duplicate re-check: %w", err)
	}
	if existing != nil {
		return p.finishDuplicate(ctx, job, existing)
	}

	ectx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	hint := extract.TypeHintFromFilename(job.FileName)
	res, err := p.gateway.Extract(ectx, job.FilePath, hint)
	if err != nil {
		return fmt.Errorf("extraction: %w", err)
	}

	return p.commitInvoice(ctx, job, res)
}

func (p *Processor) finishDuplicate(ctx context.Context, job *entity.UploadJob, existing *entity.Invoice) error {
	date := "n/a"
	if existing.Date != nil {
		date = existing.Date.Format("2006-01-02")
	}
	detail := fmt.Sprintf(
		"Duplicate invoice detected. Original file: %s, date: %s, total: %.2f, counterparty: %s, invoice number: %s, uploaded by: %s. The upload was blocked to avoid duplicating data.",
		existing.FileName, date, existing.TotalAmount, existing.ClientProviderName, existing.InvoiceNumber, existing.UploadedByName,
	)

	if _, err := p.updateJob(ctx, job, map[string]any{
		"status": constants.JobStatusDuplicate,
		"error":  detail,
	}); err != nil {
		return fmt.Errorf("mark duplicate: %w", err)
	}

	p.recordActivity(ctx, repository.ActivityEntry{
		UserID:      job.UserID,
		UserName:    job.UploadedByName,
		ActionType:  "upload",
		EntityType:  "invoice",
		EntityID:    &existing.ID,
		Description: fmt.Sprintf("Attempted to upload duplicate invoice: %s", job.FileName),
		Metadata:    map[string]any{"duplicate": true, "originalInvoice": existing.ID.String()},
	})

	p.log.Infow("duplicate detected and blocked", "job_id", job.ID, "file_name", job.FileName, "invoice_id", existing.ID)
	return nil
}

func (p *Processor) commitInvoice(ctx context.Context, job *entity.UploadJob, res *extract.Result) error {
	counterparty := res.Counterparty
	if counterparty == "" {
		counterparty = extract.PlaceholderCounterparty
	}
	invoiceNumber := res.InvoiceNumber
	if invoiceNumber == "" {
		invoiceNumber = extract.NewSyntheticInvoiceNumber()
	}

	subtotal := res.Subtotal
	if subtotal == 0 && res.Total > 0 {
		subtotal = res.Total * (1 - defaultTaxRate)
	}
	taxAmount := res.TaxAmount
	if taxAmount == 0 && res.Total > 0 {
		taxAmount = res.Total * defaultTaxRate
	}

	missingCritical := res.Date == nil ||
		res.Total <= 0 ||
		counterparty == extract.PlaceholderCounterparty ||
		isSynthetic(invoiceNumber)

	reviewStatus := constants.ReviewStatusApproved
	if missingCritical {
		reviewStatus = constants.ReviewStatusPendingReview
	}
	needsReview := missingCritical || res.NeedsReview

	p.log.Infow("data completeness evaluated",
		"job_id", job.ID,
		"has_date", res.Date != nil,
		"has_total", res.Total > 0,
		"has_counterparty", counterparty != extract.PlaceholderCounterparty,
		"has_invoice_number", !isSynthetic(invoiceNumber),
		"review_status", reviewStatus,
	)

	invoiceType := res.Type
	if invoiceType == "" {
		invoiceType = constants.InvoiceTypeExpense
	}
	invoiceClass := res.InvoiceClass
	if invoiceClass == "" {
		invoiceClass = "A"
	}

	cpID, err := p.resolveClientProvider(ctx, counterparty, res.TaxID, invoiceType)
	if err != nil {
		return fmt.Errorf("resolve counterparty: %w", err)
	}

	rawExtract, _ := json.Marshal(res)

	ownerName := job.OwnerName
	if ownerName == "" {
		ownerName = job.UploadedByName
	}
	inv := &entity.Invoice{
		Type:               invoiceType,
		InvoiceClass:       invoiceClass,
		Date:               res.Date,
		ClientProviderName: counterparty,
		ClientProviderID:   cpID,
		InvoiceNumber:      invoiceNumber,
		Description:        res.Description,
		Subtotal:           subtotal,
		TaxAmount:          taxAmount,
		TotalAmount:        res.Total,
		UploadedBy:         job.UserID,
		UploadedByName:     job.UploadedByName,
		OwnerID:            job.UserID,
		OwnerName:          ownerName,
		ExtractedData:      rawExtract,
		FilePath:           job.FilePath,
		FileName:           job.FileName,
		FileSize:           job.FileSize,
		Fingerprint:        job.Fingerprint,
		NeedsReview:        needsReview,
		ReviewStatus:       reviewStatus,
	}
	if err := p.invoices.Create(ctx, inv); err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}

	if res.Total > 0 {
		if err := p.invoices.MarkProcessed(ctx, inv.ID); err != nil {
			p.log.Warnw("mark invoice processed failed", "invoice_id", inv.ID, "error", err)
		}
	}

	p.recordActivity(ctx, repository.ActivityEntry{
		UserID:      job.UserID,
		UserName:    job.UploadedByName,
		ActionType:  "upload",
		EntityType:  "invoice",
		EntityID:    &inv.ID,
		Description: fmt.Sprintf("Uploaded invoice %s for %.2f (AI processed)", inv.InvoiceNumber, inv.TotalAmount),
		Metadata: map[string]any{
			"invoiceType": inv.Type,
			"fileName":    job.FileName,
			"provider":    res.Provider,
			"async":       true,
		},
	})

	p.notifier.Publish(job.UserID, notify.Event{
		Type:      "invoice:created",
		JobID:     job.ID,
		Status:    constants.JobStatusSuccess,
		FileName:  job.FileName,
		InvoiceID: &inv.ID,
	})

	if _, err := p.updateJob(ctx, job, map[string]any{
		"status":     constants.JobStatusSuccess,
		"invoice_id": inv.ID,
	}); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}

	p.log.Infow("job processed successfully",
		"job_id", job.ID,
		"file_name", job.FileName,
		"invoice_id", inv.ID,
		"provider", res.Provider,
		"review_status", reviewStatus,
	)
	return nil
}

func (p *Processor) resolveClientProvider(ctx context.Context, name, taxID string, invoiceType constants.InvoiceType) (*uuid.UUID, error) {
	if name == "" || name == extract.PlaceholderCounterparty {
		return nil, nil
	}
	cp, err := p.invoices.GetClientProviderByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if cp == nil && taxID != "" {
		cp, err = p.invoices.GetClientProviderByTaxID(ctx, taxID)
		if err != nil {
			return nil, err
		}
	}
	if cp == nil {
		cpType := constants.CounterpartyProvider
		if invoiceType == constants.InvoiceTypeIncome {
			cpType = constants.CounterpartyClient
		}
		cp = &entity.ClientProvider{Name: name, Type: cpType, TaxID: taxID}
		if err := p.invoices.CreateClientProvider(ctx, cp); err != nil {
			return nil, err
		}
	}
	return &cp.ID, nil
}

// updateJob persists a partial update and publishes the transition when the
// status changed.
func (p *Processor) updateJob(ctx context.Context, job *entity.UploadJob, updates map[string]any) (*entity.UploadJob, error) {
	updated, err := p.jobs.Update(ctx, job.ID, updates)
	if err != nil {
		return nil, err
	}
	if _, ok := updates["status"]; ok {
		p.notifier.Publish(updated.UserID, notify.JobEvent(
			updated.ID, updated.Status, updated.FileName, updated.InvoiceID, updated.Error,
		))
	}
	return updated, nil
}

// cleanupIfTerminal removes the staged file once the job is terminal. Runs in
// a deferred block so the guarantee holds on every exit path of Process.
func (p *Processor) cleanupIfTerminal(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		p.log.Warnw("final job lookup failed during cleanup", "job_id", jobID, "error", err)
		return
	}
	if !job.Status.IsTerminal() {
		return
	}
	RemoveStagedFile(job.FilePath, p.log)
	p.log.Infow("job settled", "job_id", jobID, "status", job.Status, "file_name", job.FileName)
}

// RemoveStagedFile deletes an uploaded temp file, tolerating repeats.
func RemoveStagedFile(path string, log *zap.SugaredLogger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("staged file cleanup failed", "path", path, "error", err)
		}
		return
	}
	log.Debugw("staged file removed", "path", path)
}

func (p *Processor) recordActivity(ctx context.Context, e repository.ActivityEntry) {
	// Audit failures never block a job transition.
	if err := p.audit.Record(ctx, e); err != nil {
		p.log.Warnw("activity record failed", "action", e.ActionType, "error", err)
	}
}

func isSynthetic(invoiceNumber string) bool {
	return invoiceNumber == "" || len(invoiceNumber) >= len(extract.SyntheticInvoicePrefix) &&
		invoiceNumber[:len(extract.SyntheticInvoicePrefix)] == extract.SyntheticInvoicePrefix
}
