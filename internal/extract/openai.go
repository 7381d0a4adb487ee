package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/constants"
	"github.com/southbooks/invoiceflow/internal/common"
)

// OpenAIProvider is the secondary extraction provider. It sends the raw file
// bytes to a vision-capable chat model and validates the JSON reply against
// the invoice schema before mapping it into the normalized result.
type OpenAIProvider struct {
	cfg        common.OpenAIConfig
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func NewOpenAIProvider(cfg common.OpenAIConfig, log *zap.SugaredLogger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (p *OpenAIProvider) Name() string { return "openai_vision" }

// invoiceFields is the wire shape the model is asked to produce.
type invoiceFields struct {
	CounterpartyName string  `json:"counterparty_name"`
	TaxID            string  `json:"tax_id,omitempty"`
	InvoiceNumber    string  `json:"invoice_number,omitempty"`
	InvoiceClass     string  `json:"invoice_class,omitempty"`
	Date             string  `json:"date,omitempty"`
	Subtotal         float64 `json:"subtotal,omitempty"`
	TaxAmount        float64 `json:"tax_amount,omitempty"`
	Total            float64 `json:"total"`
	Type             string  `json:"type,omitempty"`
	Description      string  `json:"description,omitempty"`
}

func (p *OpenAIProvider) Extract(ctx context.Context, req Request) (*Result, error) {
	rid := uuid.New().String()
	start := time.Now()

	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}

	schema := BuildInvoiceJSONSchema()
	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MimeType, base64.StdEncoding.EncodeToString(req.Data))

	body := map[string]any{
		"model":           p.cfg.Model,
		"temperature":     p.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": buildSystemPrompt(req.TypeHint)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": "Extract the invoice fields from this document. File name: " + req.FileName},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			}},
		},
	}

	p.log.Infow("openai.extract.start",
		"req_id", rid,
		"model", p.cfg.Model,
		"file", req.FileName,
		"bytes", len(req.Data),
		"type_hint", req.TypeHint,
	)

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := p.post(ctx, endpoint, body)
	if err != nil {
		p.log.Errorw("openai.extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("no choices in openai response")
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	if err := ValidateJSONAgainstSchema(schema, content); err != nil {
		p.log.Errorw("openai.extract.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var fields invoiceFields
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}

	res := &Result{
		Counterparty:  fields.CounterpartyName,
		TaxID:         fields.TaxID,
		InvoiceNumber: fields.InvoiceNumber,
		InvoiceClass:  fields.InvoiceClass,
		Subtotal:      fields.Subtotal,
		TaxAmount:     fields.TaxAmount,
		Total:         fields.Total,
		Description:   fields.Description,
		Raw:           content,
	}
	if fields.Date != "" {
		if t, err := parseDate(fields.Date); err == nil {
			res.Date = &t
		}
	}
	switch fields.Type {
	case string(constants.InvoiceTypeIncome):
		res.Type = constants.InvoiceTypeIncome
	case string(constants.InvoiceTypeExpense):
		res.Type = constants.InvoiceTypeExpense
	default:
		res.Type = req.TypeHint
	}
	if res.InvoiceClass == "" {
		res.InvoiceClass = "A"
	}

	p.log.Infow("openai.extract.ok",
		"req_id", rid,
		"counterparty", res.Counterparty,
		"total", res.Total,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (p *OpenAIProvider) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai http error: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.log.Warnw("openai response body close error", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func buildSystemPrompt(hint constants.InvoiceType) string {
	parts := []string{
		"You are an invoice parser. Return ONLY JSON that matches the JSON Schema provided.",
		"Use ISO-8601 dates (YYYY-MM-DD).",
		"Amounts are plain numbers without currency symbols or thousand separators.",
		"Classify the invoice as income (we issued it) or expense (we received it).",
		"Never output null. If a field is not present, omit it.",
	}
	if hint != "" {
		parts = append(parts, "The uploader indicated this is likely a "+string(hint)+" invoice.")
	}
	return strings.Join(parts, " ")
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
