package extract

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/constants"
)

// FallbackProvider is the terminal element of the chain. It never fails and
// produces a minimal synthetic record so an admitted file always ends up as a
// reviewable invoice instead of being lost.
type FallbackProvider struct {
	log *zap.SugaredLogger
}

func NewFallbackProvider(log *zap.SugaredLogger) *FallbackProvider {
	return &FallbackProvider{log: log}
}

func (p *FallbackProvider) Name() string { return "basic_fallback" }

func (p *FallbackProvider) Extract(_ context.Context, req Request) (*Result, error) {
	p.log.Warnw("fallback extraction used", "file", req.FileName)

	now := time.Now().UTC()
	typ := req.TypeHint
	if typ == "" {
		typ = constants.InvoiceTypeExpense
	}
	return &Result{
		Counterparty:  PlaceholderCounterparty,
		InvoiceNumber: NewSyntheticInvoiceNumber(),
		InvoiceClass:  "A",
		Date:          &now,
		Type:          typ,
		NeedsReview:   true,
	}, nil
}
