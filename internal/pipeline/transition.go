package pipeline

import (
	"fmt"
	"time"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/entity"
)

// NextOnFailure computes the job's next state after a recoverable failure.
// It is the single retry/quarantine decision point: worker exceptions, the
// watchdog and startup recovery all funnel through it. The input is not
// mutated; callers persist the returned copy.
func NextOnFailure(job entity.UploadJob, errMsg string, now time.Time) entity.UploadJob {
	next := job
	if job.RetryCount < job.MaxRetries {
		next.Status = constants.JobStatusQueued
		next.RetryCount = job.RetryCount + 1
		next.LastRetryAt = &now
		next.Error = fmt.Sprintf("%s (attempt %d/%d)", errMsg, next.RetryCount, job.MaxRetries)
		return next
	}
	next.Status = constants.JobStatusQuarantined
	next.QuarantinedAt = &now
	next.Error = fmt.Sprintf("%s (retry limit %d exhausted)", errMsg, job.MaxRetries)
	return next
}

// ShouldRequeue reports whether the transition produced by NextOnFailure
// re-enters the queue.
func ShouldRequeue(next entity.UploadJob) bool {
	return next.Status == constants.JobStatusQueued
}
