package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/entity"
	"github.com/southbooks/invoiceflow/internal/extract"
	"github.com/southbooks/invoiceflow/internal/fingerprint"
	"github.com/southbooks/invoiceflow/internal/notify"
	"github.com/southbooks/invoiceflow/internal/repository"
)

const eventuallyWait = 5 * time.Second

type scriptedExtractor struct {
	mu    sync.Mutex
	res   *extract.Result
	err   error
	calls int
}

func (e *scriptedExtractor) Extract(_ context.Context, _ string, _ constants.InvoiceType) (*extract.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	cp := *e.res
	return &cp, nil
}

func (e *scriptedExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// blockingExtractor parks every attempt until released, keeping its job
// in-flight for as long as a test needs.
type blockingExtractor struct {
	release chan struct{}
}

func (e *blockingExtractor) Extract(ctx context.Context, _ string, _ constants.InvoiceType) (*extract.Result, error) {
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return nil, errors.New("attempt abandoned")
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Publish(_ uuid.UUID, e notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *captureNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type testRig struct {
	db       *gorm.DB
	manager  *Manager
	jobs     repository.UploadJobRepository
	invoices repository.InvoiceRepository
	notifier *captureNotifier
	ext      *scriptedExtractor
}

func newTestRig(t *testing.T, ext Extractor) *testRig {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db")), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	log := zap.NewNop().Sugar()
	jobs := repository.NewUploadJobRepository(db, log)
	invoices := repository.NewInvoiceRepository(db, log)
	audit := repository.NewActivityLogRepository(db, log)
	notifier := &captureNotifier{}

	cfg := common.PipelineConfig{
		Concurrency:    2,
		MaxRetries:     2,
		ProcessTimeout: time.Minute,
	}
	m := NewManager(jobs, invoices, audit, notifier, ext, cfg, log)

	rig := &testRig{db: db, manager: m, jobs: jobs, invoices: invoices, notifier: notifier}
	rig.ext, _ = ext.(*scriptedExtractor)
	return rig
}

func stageUpload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func completeResult() *extract.Result {
	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	return &extract.Result{
		Counterparty:  "ACME Supplies SL",
		TaxID:         "B12345678",
		InvoiceNumber: "F-2026-0042",
		Date:          &date,
		Subtotal:      100,
		TaxAmount:     21,
		Total:         121,
		Type:          constants.InvoiceTypeExpense,
		InvoiceClass:  "A",
		Description:   "office supplies",
	}
}

func (r *testRig) waitForStatus(t *testing.T, jobID uuid.UUID, want constants.JobStatus) *entity.UploadJob {
	t.Helper()
	var job *entity.UploadJob
	require.Eventually(t, func() bool {
		j, err := r.jobs.GetByID(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, eventuallyWait, 20*time.Millisecond, "job never reached %s", want)
	return job
}

func TestSubmitProcessesToSuccess(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})
	path := stageUpload(t, "complete invoice content")
	userID := uuid.New()

	job, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID:         userID,
		FileName:       "received_acme.pdf",
		FilePath:       path,
		FileSize:       23,
		UploadedByName: "Alex",
	})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, job.Status)
	assert.Equal(t, 2, job.MaxRetries)

	done := rig.waitForStatus(t, job.ID, constants.JobStatusSuccess)
	require.NotNil(t, done.InvoiceID)

	inv, err := rig.invoices.FindByFingerprint(context.Background(), job.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, *done.InvoiceID, inv.ID)
	assert.Equal(t, constants.ReviewStatusApproved, inv.ReviewStatus)
	assert.False(t, inv.NeedsReview)
	assert.Equal(t, 121.0, inv.TotalAmount)
	assert.Equal(t, 100.0, inv.Subtotal)
	assert.Equal(t, "Alex", inv.UploadedByName)
	assert.NotNil(t, inv.ProcessedAt)

	// Counterparty record created from the extraction.
	cp, err := rig.invoices.GetClientProviderByName(context.Background(), "ACME Supplies SL")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, constants.CounterpartyProvider, cp.Type)

	assert.NoFileExists(t, path, "staged file must be removed on terminal state")
	assert.Contains(t, rig.notifier.types(), "upload:queued")
	assert.Contains(t, rig.notifier.types(), "upload:processing")
	assert.Contains(t, rig.notifier.types(), "upload:success")
	assert.Contains(t, rig.notifier.types(), "invoice:created")
}

func TestIncompleteExtractionGatedToReview(t *testing.T) {
	res := completeResult()
	res.Date = nil
	res.Subtotal = 0
	res.TaxAmount = 0
	res.Total = 50
	rig := newTestRig(t, &scriptedExtractor{res: res})
	path := stageUpload(t, "incomplete invoice content")

	job, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "scan.pdf", FilePath: path, FileSize: 10,
	})
	require.NoError(t, err)

	rig.waitForStatus(t, job.ID, constants.JobStatusSuccess)

	inv, err := rig.invoices.FindByFingerprint(context.Background(), job.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, constants.ReviewStatusPendingReview, inv.ReviewStatus)
	assert.True(t, inv.NeedsReview)
	assert.InDelta(t, 50*0.79, inv.Subtotal, 0.001)
	assert.InDelta(t, 50*0.21, inv.TaxAmount, 0.001)
	assert.NoFileExists(t, path)
}

func TestSubmitRejectsDurableDuplicate(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})
	content := "already committed content"
	date := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	require.NoError(t, rig.invoices.Create(context.Background(), &entity.Invoice{
		Type:               constants.InvoiceTypeExpense,
		InvoiceClass:       "A",
		Date:               &date,
		ClientProviderName: "ACME Supplies SL",
		InvoiceNumber:      "F-2026-0001",
		TotalAmount:        99.5,
		UploadedBy:         uuid.New(),
		UploadedByName:     "Dana",
		OwnerID:            uuid.New(),
		FileName:           "original.pdf",
		Fingerprint:        fingerprint.Sum([]byte(content)),
		ReviewStatus:       constants.ReviewStatusApproved,
	}))

	path := stageUpload(t, content)
	_, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "copy.pdf", FilePath: path, FileSize: 10,
	})

	var dup *common.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "original.pdf", dup.FileName)
	assert.Equal(t, "ACME Supplies SL", dup.Counterparty)
	assert.Equal(t, "F-2026-0001", dup.InvoiceNumber)
	assert.Equal(t, "Dana", dup.UploadedByName)
	assert.Equal(t, 99.5, dup.TotalAmount)
	assert.NoFileExists(t, path, "rejected upload must not leak its staged file")

	jobs, err := rig.jobs.ListRecent(context.Background(), nil, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job row for a rejected admission")
}

func TestSubmitRejectsInflightCollision(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})
	content := "in flight content"

	release, ok := rig.manager.inflight.TryAcquire(fingerprint.Sum([]byte(content)))
	require.True(t, ok)
	defer release()

	path := stageUpload(t, content)
	_, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "race.pdf", FilePath: path, FileSize: 10,
	})

	assert.ErrorIs(t, err, common.ErrAlreadyInProgress)
	assert.NoFileExists(t, path)
}

func TestSubmitRejectsExistingJobForSameContent(t *testing.T) {
	ext := &blockingExtractor{release: make(chan struct{})}
	t.Cleanup(func() { close(ext.release) })
	rig := newTestRig(t, ext)
	content := "queued twice content"

	first := stageUpload(t, content)
	job, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "a.pdf", FilePath: first, FileSize: 10,
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	second := stageUpload(t, content)
	_, err = rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "b.pdf", FilePath: second, FileSize: 10,
	})
	assert.ErrorIs(t, err, common.ErrAlreadyInProgress)
	assert.NoFileExists(t, second)
}

func TestSubmitReportsQuarantinedHolder(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})
	content := "quarantined holder content"

	now := time.Now().UTC()
	held := &entity.UploadJob{
		UserID:        uuid.New(),
		FileName:      "held.pdf",
		FileSize:      10,
		Fingerprint:   fingerprint.Sum([]byte(content)),
		Status:        constants.JobStatusQuarantined,
		FilePath:      "/tmp/held",
		RetryCount:    2,
		MaxRetries:    2,
		QuarantinedAt: &now,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), held))

	path := stageUpload(t, content)
	_, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "retry-attempt.pdf", FilePath: path, FileSize: 10,
	})

	assert.ErrorIs(t, err, common.ErrHeldInQuarantine)
	assert.NotErrorIs(t, err, common.ErrAlreadyInProgress)
	assert.NoFileExists(t, path)
}

func TestFailingExtractionRetriesThenQuarantines(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{err: errors.New("provider exploded")})
	path := stageUpload(t, "never extracts")

	job, err := rig.manager.Submit(context.Background(), SubmitRequest{
		UserID: uuid.New(), FileName: "cursed.pdf", FilePath: path, FileSize: 10, UploadedByName: "Alex",
	})
	require.NoError(t, err)

	done := rig.waitForStatus(t, job.ID, constants.JobStatusQuarantined)
	assert.Equal(t, 2, done.RetryCount)
	assert.Contains(t, done.Error, "retry limit 2 exhausted")
	assert.NotNil(t, done.QuarantinedAt)
	assert.Equal(t, 3, rig.ext.callCount(), "initial attempt plus two retries")
	assert.NoFileExists(t, path)

	var logs []entity.ActivityLog
	require.NoError(t, rig.db.Find(&logs, "action_type = ?", "upload_quarantine").Error)
	assert.Len(t, logs, 1)

	// Quarantined rows survive the retention sweep.
	purged, err := rig.jobs.PurgeTerminalBefore(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)
	_, err = rig.jobs.GetByID(context.Background(), job.ID)
	assert.NoError(t, err)
}

func TestDuplicateDetectedDuringProcessing(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})
	content := "late duplicate content"
	fp := fingerprint.Sum([]byte(content))

	require.NoError(t, rig.invoices.Create(context.Background(), &entity.Invoice{
		Type:               constants.InvoiceTypeExpense,
		InvoiceClass:       "A",
		ClientProviderName: "ACME Supplies SL",
		InvoiceNumber:      "F-2026-0002",
		TotalAmount:        42,
		UploadedBy:         uuid.New(),
		UploadedByName:     "Dana",
		OwnerID:            uuid.New(),
		FileName:           "winner.pdf",
		Fingerprint:        fp,
		ReviewStatus:       constants.ReviewStatusApproved,
	}))

	// A job admitted before the invoice committed would look exactly like this.
	path := stageUpload(t, content)
	job := &entity.UploadJob{
		UserID:      uuid.New(),
		FileName:    "loser.pdf",
		FileSize:    10,
		Fingerprint: fp,
		Status:      constants.JobStatusQueued,
		FilePath:    path,
		MaxRetries:  2,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), job))

	rig.manager.scheduler.Enqueue(job.ID)
	rig.manager.Kick(context.Background())

	done := rig.waitForStatus(t, job.ID, constants.JobStatusDuplicate)
	assert.Contains(t, done.Error, "winner.pdf")
	assert.Contains(t, done.Error, "F-2026-0002")
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, rig.ext.callCount(), "extraction must not run for a known duplicate")
}

func TestRecoveryRequeuesOrphansAndPending(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})

	orphanPath := stageUpload(t, "orphaned mid-flight")
	orphan := &entity.UploadJob{
		UserID:      uuid.New(),
		FileName:    "orphan.pdf",
		FileSize:    10,
		Fingerprint: fingerprint.Sum([]byte("orphaned mid-flight")),
		Status:      constants.JobStatusProcessing,
		FilePath:    orphanPath,
		MaxRetries:  2,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), orphan))

	pendingPath := stageUpload(t, "never started")
	pending := &entity.UploadJob{
		UserID:      uuid.New(),
		FileName:    "pending.pdf",
		FileSize:    10,
		Fingerprint: fingerprint.Sum([]byte("never started")),
		Status:      constants.JobStatusQueued,
		FilePath:    pendingPath,
		MaxRetries:  2,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), pending))

	require.NoError(t, rig.manager.Recover(context.Background()))

	recoveredOrphan := rig.waitForStatus(t, orphan.ID, constants.JobStatusSuccess)
	rig.waitForStatus(t, pending.ID, constants.JobStatusSuccess)

	assert.Equal(t, 1, recoveredOrphan.RetryCount, "orphan recovery consumes one retry")
	assert.Contains(t, recoveredOrphan.Error, "server restarted")

	var count int64
	require.NoError(t, rig.db.Model(&entity.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(2), count, "recovery must not duplicate invoices")
}

func TestHandleFailureIsSingleFunnel(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})

	path := stageUpload(t, "stuck job content")
	job := &entity.UploadJob{
		UserID:      uuid.New(),
		FileName:    "stuck.pdf",
		FileSize:    10,
		Fingerprint: fingerprint.Sum([]byte("stuck job content")),
		Status:      constants.JobStatusProcessing,
		FilePath:    path,
		MaxRetries:  2,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), job))

	// What the watchdog does when it finds a stalled processing job.
	rig.manager.HandleFailure(context.Background(), job, "processing stalled past stuck threshold")

	done := rig.waitForStatus(t, job.ID, constants.JobStatusSuccess)
	assert.Equal(t, 1, done.RetryCount)
}

func TestRetryJobResetsBudget(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})

	now := time.Now().UTC()
	path := stageUpload(t, "quarantined content")
	job := &entity.UploadJob{
		UserID:        uuid.New(),
		FileName:      "quarantined.pdf",
		FileSize:      10,
		Fingerprint:   fingerprint.Sum([]byte("quarantined content")),
		Status:        constants.JobStatusQuarantined,
		FilePath:      path,
		RetryCount:    2,
		MaxRetries:    2,
		Error:         "provider exploded (retry limit 2 exhausted)",
		QuarantinedAt: &now,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), job))

	updated, err := rig.manager.RetryJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.RetryCount)
	assert.Empty(t, updated.Error)

	rig.waitForStatus(t, job.ID, constants.JobStatusSuccess)
}

func TestQuarantineJobManualEscalation(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{res: completeResult()})

	path := stageUpload(t, "manual quarantine content")
	job := &entity.UploadJob{
		UserID:      uuid.New(),
		FileName:    "suspicious.pdf",
		FileSize:    10,
		Fingerprint: fingerprint.Sum([]byte("manual quarantine content")),
		Status:      constants.JobStatusQueued,
		FilePath:    path,
		MaxRetries:  2,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), job))

	updated, err := rig.manager.QuarantineJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQuarantined, updated.Status)
	assert.NotNil(t, updated.QuarantinedAt)
	assert.NoFileExists(t, path)

	_, err = rig.manager.QuarantineJob(context.Background(), job.ID)
	assert.Error(t, err, "already terminal")
}

func TestDeleteJobRemovesRowAndFile(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{err: errors.New("not today")})

	path := stageUpload(t, "to be deleted")
	job := &entity.UploadJob{
		UserID:      uuid.New(),
		FileName:    "doomed.pdf",
		FileSize:    10,
		Fingerprint: fingerprint.Sum([]byte("to be deleted")),
		Status:      constants.JobStatusQueued,
		FilePath:    path,
		MaxRetries:  2,
	}
	require.NoError(t, rig.jobs.Create(context.Background(), job))

	require.NoError(t, rig.manager.DeleteJob(context.Background(), job.ID))
	assert.NoFileExists(t, path)

	_, err := rig.jobs.GetByID(context.Background(), job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, rig.manager.DeleteJob(context.Background(), job.ID), common.ErrNotFound)
}

func TestGetRecentJobsScopedToUser(t *testing.T) {
	rig := newTestRig(t, &scriptedExtractor{err: errors.New("park it")})
	alice, bob := uuid.New(), uuid.New()

	for i, uid := range []uuid.UUID{alice, alice, bob} {
		content := fmt.Sprintf("upload %d", i)
		job := &entity.UploadJob{
			UserID:      uid,
			FileName:    fmt.Sprintf("f%d.pdf", i),
			FileSize:    1,
			Fingerprint: fingerprint.Sum([]byte(content)),
			Status:      constants.JobStatusQueued,
			FilePath:    stageUpload(t, content),
			MaxRetries:  2,
		}
		require.NoError(t, rig.jobs.Create(context.Background(), job))
	}

	mine, err := rig.manager.GetRecentJobs(context.Background(), alice, time.Hour)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := rig.manager.GetAllJobs(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
