package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/southbooks/invoiceflow/constants"
)

// Invoice is the committed financial record produced by the pipeline.
// Only the columns the pipeline reads or writes are modelled here; the full
// bookkeeping schema lives with the dashboard service.
type Invoice struct {
	ID                 uuid.UUID             `gorm:"type:uuid;primaryKey"`
	Type               constants.InvoiceType `gorm:"size:16;not null"`
	InvoiceClass       string                `gorm:"size:4;not null;default:A"`
	Date               *time.Time
	ClientProviderName string `gorm:"index"`
	ClientProviderID   *uuid.UUID
	InvoiceNumber      string
	Description        string
	Subtotal           float64
	TaxAmount          float64
	TotalAmount        float64
	UploadedBy         uuid.UUID `gorm:"type:uuid;not null"`
	UploadedByName     string
	OwnerID            uuid.UUID `gorm:"type:uuid;not null"`
	OwnerName          string
	ExtractedData      []byte `gorm:"type:jsonb"`
	FilePath           string
	FileName           string
	FileSize           int64
	Fingerprint        string                 `gorm:"size:64;not null;uniqueIndex"`
	NeedsReview        bool                   `gorm:"not null;default:false"`
	ReviewStatus       constants.ReviewStatus `gorm:"size:16;not null;default:approved"`
	ProcessedAt        *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

// ClientProvider is a counterparty resolved or created during extraction.
type ClientProvider struct {
	ID        uuid.UUID                  `gorm:"type:uuid;primaryKey"`
	Name      string                     `gorm:"not null;uniqueIndex"`
	Type      constants.CounterpartyType `gorm:"size:16;not null"`
	TaxID     string                     `gorm:"index"`
	CreatedAt time.Time                  `gorm:"not null"`
	UpdatedAt time.Time                  `gorm:"not null"`
}

func (ClientProvider) TableName() string { return "client_providers" }

// ActivityLog is an append-only audit record. Writes are best-effort: a
// failed append never rolls back the transition it describes.
type ActivityLog struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index"`
	UserName    string
	ActionType  string `gorm:"size:32;not null"`
	EntityType  string `gorm:"size:32;not null"`
	EntityID    *uuid.UUID
	Description string
	Metadata    []byte    `gorm:"type:jsonb"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (ActivityLog) TableName() string { return "activity_logs" }
