package constants

// JobStatus is the canonical status for rows in upload_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued      JobStatus = "queued"      // admitted, waiting for a worker
	JobStatusProcessing  JobStatus = "processing"  // owned by exactly one worker
	JobStatusSuccess     JobStatus = "success"     // invoice committed
	JobStatusDuplicate   JobStatus = "duplicate"   // durable fingerprint collision
	JobStatusError       JobStatus = "error"       // transient, pre-retry only
	JobStatusQuarantined JobStatus = "quarantined" // retries exhausted, operator action required
)

// IsTerminal reports whether a job in this status will never be picked up again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusDuplicate, JobStatusQuarantined:
		return true
	}
	return false
}

// ReviewStatus gates an invoice's participation in financial aggregates.
type ReviewStatus string

const (
	ReviewStatusApproved      ReviewStatus = "approved"
	ReviewStatusPendingReview ReviewStatus = "pending_review"
	ReviewStatusDraft         ReviewStatus = "draft"
)

// InvoiceType distinguishes money coming in from money going out.
type InvoiceType string

const (
	InvoiceTypeIncome  InvoiceType = "income"
	InvoiceTypeExpense InvoiceType = "expense"
)

// CounterpartyType classifies a client/provider record.
type CounterpartyType string

const (
	CounterpartyClient   CounterpartyType = "client"
	CounterpartyProvider CounterpartyType = "provider"
)
