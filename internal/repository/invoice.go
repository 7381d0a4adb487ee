package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/southbooks/invoiceflow/internal/entity"
)

// InvoiceRepository covers the invoice persistence the pipeline needs; the
// dashboard's reporting queries live elsewhere.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *entity.Invoice) error
	// FindByFingerprint returns (nil, nil) when no invoice matches.
	FindByFingerprint(ctx context.Context, fingerprint string) (*entity.Invoice, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	GetClientProviderByName(ctx context.Context, name string) (*entity.ClientProvider, error)
	GetClientProviderByTaxID(ctx context.Context, taxID string) (*entity.ClientProvider, error)
	CreateClientProvider(ctx context.Context, cp *entity.ClientProvider) error
}

type invoiceRepo struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewInvoiceRepository(db *gorm.DB, log *zap.SugaredLogger) InvoiceRepository {
	return &invoiceRepo{db: db, log: log}
}

func (r *invoiceRepo) Create(ctx context.Context, inv *entity.Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(inv).Error; err != nil {
		r.log.Errorw("invoice create failed", "invoice_number", inv.InvoiceNumber, "error", err)
		return err
	}
	r.log.Infow("invoice created",
		"invoice_id", inv.ID,
		"invoice_number", inv.InvoiceNumber,
		"total", inv.TotalAmount,
		"review_status", inv.ReviewStatus,
	)
	return nil
}

func (r *invoiceRepo) FindByFingerprint(ctx context.Context, fingerprint string) (*entity.Invoice, error) {
	var inv entity.Invoice
	err := r.db.WithContext(ctx).First(&inv, "fingerprint = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&entity.Invoice{}).
		Where("id = ?", id).
		Update("processed_at", now).Error
}

func (r *invoiceRepo) GetClientProviderByName(ctx context.Context, name string) (*entity.ClientProvider, error) {
	var cp entity.ClientProvider
	err := r.db.WithContext(ctx).First(&cp, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *invoiceRepo) GetClientProviderByTaxID(ctx context.Context, taxID string) (*entity.ClientProvider, error) {
	var cp entity.ClientProvider
	err := r.db.WithContext(ctx).First(&cp, "tax_id = ?", taxID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *invoiceRepo) CreateClientProvider(ctx context.Context, cp *entity.ClientProvider) error {
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(cp).Error; err != nil {
		r.log.Errorw("client_provider create failed", "name", cp.Name, "error", err)
		return err
	}
	r.log.Infow("client_provider created", "id", cp.ID, "name", cp.Name, "type", cp.Type)
	return nil
}
