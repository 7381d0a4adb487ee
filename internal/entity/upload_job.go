package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/southbooks/invoiceflow/constants"
)

// UploadJob is one tracked attempt to process a single uploaded file into an
// invoice record. The row is the single source of truth for the job's
// lifecycle; the in-memory queue only holds ids and can be rebuilt from here.
type UploadJob struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID           `gorm:"type:uuid;not null;index"`
	FileName       string              `gorm:"not null"`
	FileSize       int64               `gorm:"not null"`
	Fingerprint    string              `gorm:"size:64;not null;uniqueIndex"`
	Status         constants.JobStatus `gorm:"size:16;not null;default:queued;index"`
	FilePath       string              `gorm:"not null"`
	InvoiceID      *uuid.UUID          `gorm:"type:uuid"`
	Error          string
	UploadedByName string
	OwnerName      string
	RetryCount     int `gorm:"not null;default:0"`
	MaxRetries     int `gorm:"not null;default:3"`
	LastRetryAt    *time.Time
	QuarantinedAt  *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;index"`
}

func (UploadJob) TableName() string { return "upload_jobs" }
