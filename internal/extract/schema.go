package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildInvoiceJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. It is sent to the model as a structured-output constraint and
// used locally to validate the response before it reaches the gate.
func BuildInvoiceJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"counterparty_name": map[string]any{"type": "string", "minLength": 1},
			"tax_id":            map[string]any{"type": "string"},
			"invoice_number":    map[string]any{"type": "string"},
			"invoice_class":     map[string]any{"type": "string", "enum": []string{"A", "B", "C"}},
			"date":              map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
			"subtotal":          map[string]any{"type": "number", "minimum": 0},
			"tax_amount":        map[string]any{"type": "number", "minimum": 0},
			"total":             map[string]any{"type": "number", "minimum": 0},
			"type":              map[string]any{"type": "string", "enum": []string{"income", "expense"}},
			"description":       map[string]any{"type": "string"},
		},
		"required": []string{"counterparty_name", "total"},
	}
}

// ValidateJSONAgainstSchema validates data against schemaMap.
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
