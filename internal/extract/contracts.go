// Package extract abstracts over the AI document-understanding providers.
// Each adapter maps its native response into one normalized Result before
// anything downstream sees it.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/southbooks/invoiceflow/constants"
)

// PlaceholderCounterparty marks a record whose counterparty could not be
// extracted. The completeness gate treats it as a missing critical field.
const PlaceholderCounterparty = "Counterparty pending extraction"

// SyntheticInvoicePrefix marks generated invoice numbers. The completeness
// gate treats numbers with this prefix as missing.
const SyntheticInvoicePrefix = "INV-"

// NewSyntheticInvoiceNumber returns a generated, clearly-synthetic number.
func NewSyntheticInvoiceNumber() string {
	return fmt.Sprintf("%s%d", SyntheticInvoicePrefix, time.Now().UnixMilli())
}

// Result is the normalized extraction output. Fields are independently
// optional; adapters never guess beyond their native response.
type Result struct {
	Counterparty  string
	TaxID         string
	InvoiceNumber string
	Date          *time.Time
	Subtotal      float64
	TaxAmount     float64
	Total         float64
	Type          constants.InvoiceType
	InvoiceClass  string
	Description   string
	NeedsReview   bool
	Provider      string
	Raw           []byte
}

// Usable reports whether the result carries a monetary total worth keeping.
// A zero-total result sends the gateway on to the next provider.
func (r *Result) Usable() bool {
	return r != nil && r.Total > 0
}

// Request is one provider invocation. Data holds the staged file's bytes;
// the gateway reads the file once and shares the buffer across the chain.
type Request struct {
	FilePath string
	FileName string
	MimeType string
	Data     []byte
	TypeHint constants.InvoiceType // empty when unknown
}

// Provider is a single independently-fallible extraction backend.
type Provider interface {
	Name() string
	Extract(ctx context.Context, req Request) (*Result, error)
}

// TypeHintFromFilename derives an income/expense hint from common filename
// conventions. Returns "" when the name gives nothing away.
func TypeHintFromFilename(name string) constants.InvoiceType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "issued"), strings.Contains(lower, "sales"), strings.Contains(lower, "income"):
		return constants.InvoiceTypeIncome
	case strings.Contains(lower, "received"), strings.Contains(lower, "purchase"), strings.Contains(lower, "expense"):
		return constants.InvoiceTypeExpense
	}
	return ""
}
