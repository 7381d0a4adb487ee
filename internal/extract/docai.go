package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
)

// DocAIProvider is the primary extraction provider: the Google Document AI
// invoice processor invoked with the raw file bytes.
type DocAIProvider struct {
	cfg    common.DocAIConfig
	client *documentai.DocumentProcessorClient
	log    *zap.SugaredLogger
}

func NewDocAIProvider(ctx context.Context, cfg common.DocAIConfig, log *zap.SugaredLogger) (*DocAIProvider, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("docai: project_id and processor_id are required")
	}
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Location)
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}
	log.Infow("document AI provider initialized", "endpoint", endpoint, "processor", cfg.ProcessorID)
	return &DocAIProvider{cfg: cfg, client: client, log: log}, nil
}

func (p *DocAIProvider) Name() string { return "gcp_documentai" }

func (p *DocAIProvider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *DocAIProvider) Extract(ctx context.Context, req Request) (*Result, error) {
	name := fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		p.cfg.ProjectID, p.cfg.Location, p.cfg.ProcessorID)

	resp, err := p.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  req.Data,
				MimeType: req.MimeType,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return nil, fmt.Errorf("documentai: empty document in response")
	}

	res := p.mapEntities(resp.Document)
	if res.Type == "" {
		res.Type = req.TypeHint
	}
	if res.Type == "" {
		res.Type = constants.InvoiceTypeExpense
	}
	if res.Subtotal == 0 && res.Total > 0 && res.TaxAmount > 0 {
		res.Subtotal = res.Total - res.TaxAmount
	}
	return res, nil
}

// mapEntities flattens the invoice processor's entity list into the
// normalized result. Unknown entity types are ignored.
func (p *DocAIProvider) mapEntities(doc *documentaipb.Document) *Result {
	res := &Result{InvoiceClass: "A"}
	for _, e := range doc.GetEntities() {
		val := entityText(e)
		if val == "" {
			continue
		}
		switch e.GetType() {
		case "supplier_name", "remit_to_name":
			if res.Counterparty == "" {
				res.Counterparty = val
			}
		case "supplier_tax_id":
			res.TaxID = val
		case "invoice_id":
			res.InvoiceNumber = val
		case "invoice_date":
			if t, err := parseDate(val); err == nil {
				res.Date = &t
			} else {
				p.log.Debugw("docai: unparseable invoice_date", "value", val)
			}
		case "net_amount":
			res.Subtotal = parseAmount(val)
		case "total_tax_amount", "vat_amount":
			res.TaxAmount = parseAmount(val)
		case "total_amount":
			res.Total = parseAmount(val)
		case "line_item":
			if res.Description == "" {
				res.Description = val
			}
		}
	}
	return res
}

// entityText prefers the normalized value over the raw mention text.
func entityText(e *documentaipb.Document_Entity) string {
	if nv := e.GetNormalizedValue(); nv != nil && nv.GetText() != "" {
		return strings.TrimSpace(nv.GetText())
	}
	return strings.TrimSpace(e.GetMentionText())
}

// parseAmount strips currency symbols, then resolves the decimal separator.
// When both '.' and ',' appear, the rightmost one is the decimal mark, which
// covers "1,234.56" and "1.234,56" alike. A lone comma with at most two
// trailing digits is a decimal mark; any other separator is grouping.
func parseAmount(s string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, s)

	dot := strings.LastIndex(cleaned, ".")
	comma := strings.LastIndex(cleaned, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case comma >= 0:
		if strings.Count(cleaned, ",") == 1 && len(cleaned)-comma-1 <= 2 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case strings.Count(cleaned, ".") > 1:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"02/01/2006",
	"01/02/2006",
	"January 2, 2006",
	"2 January 2006",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}
