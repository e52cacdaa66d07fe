package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

var counterpartySchema = map[string]any{
	"type":     "object",
	"required": []string{"role", "name"},
	"properties": map[string]any{
		"role":  map[string]any{"enum": []string{"issuer", "recipient", "party"}},
		"name":  map[string]any{"type": "string", "minLength": 1},
		"taxId": map[string]any{"type": "string"},
	},
}

var totalsSchema = map[string]any{
	"type":     "object",
	"required": []string{"gross"},
	"properties": map[string]any{
		"net":   map[string]any{"type": "integer", "minimum": 0},
		"tax":   map[string]any{"type": "integer", "minimum": 0},
		"gross": map[string]any{"type": "integer", "minimum": 0},
	},
}

var contractSchema = map[string]any{
	"type":     "object",
	"required": []string{"startDate"},
	"properties": map[string]any{
		"startDate":        map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"endDate":          map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"noticePeriodDays": map[string]any{"type": "integer", "minimum": 0},
		"autoRenew":        map[string]any{"type": "boolean"},
	},
}

// categorySchema builds the JSON schema a provider response of category c
// must satisfy.
func categorySchema(c models.Category) map[string]any {
	required := []string{"category"}
	switch {
	case c.Monetary():
		required = append(required, "totals", "currency")
	case c == models.CategoryContract:
		required = append(required, "contract")
	}
	return map[string]any{
		"type":     "object",
		"required": required,
		"properties": map[string]any{
			"category":       map[string]any{"const": string(c)},
			"counterparties": map[string]any{"type": "array", "items": counterpartySchema},
			"totals":         totalsSchema,
			"currency":       map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
			"documentDate":   map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
			"contract":       contractSchema,
			"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
	}
}

var (
	schemasOnce sync.Once
	schemas     map[models.Category]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[models.Category]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[models.Category]*jsonschema.Schema, len(models.Categories))
		for _, c := range models.Categories {
			b, err := json.Marshal(categorySchema(c))
			if err != nil {
				schemasErr = fmt.Errorf("marshal schema %s: %w", c, err)
				return
			}
			name := string(c) + ".json"
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", c, err)
				return
			}
			s, err := compiler.Compile(name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", c, err)
				return
			}
			schemas[c] = s
		}
	})
	return schemas, schemasErr
}

// DecodeResult validates a provider's JSON response against the schema of
// the category it declares, then decodes it. Model output wrapped in a
// markdown fence is accepted.
func DecodeResult(raw []byte) (*models.ExtractionResult, error) {
	raw = stripFence(raw)

	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	var probe struct {
		Category models.Category `json:"category"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_extraction", "extraction response is not JSON", err)
	}
	schema, ok := compiled[probe.Category]
	if !ok {
		return nil, apperr.Validation("invalid_extraction", "unknown category %q", probe.Category)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_extraction", "extraction response is not JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_extraction", "extraction response does not match schema", err)
	}

	var res models.ExtractionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_extraction", "failed to decode extraction response", err)
	}
	return &res, nil
}

func stripFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return []byte(s)
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}

// ResponseInstructions is appended to LLM prompts so the response decodes
// with DecodeResult.
const ResponseInstructions = `Respond with a single JSON object and nothing else:
{
  "category": "invoice" | "receipt" | "utility_bill" | "contract" | "other",
  "counterparties": [{"role": "issuer" | "recipient" | "party", "name": string, "taxId": string}],
  "totals": {"net": integer cents, "tax": integer cents, "gross": integer cents},
  "currency": ISO 4217 code,
  "documentDate": "YYYY-MM-DD",
  "contract": {"startDate": "YYYY-MM-DD", "endDate": "YYYY-MM-DD", "noticePeriodDays": integer, "autoRenew": boolean},
  "confidence": number between 0 and 1
}
totals and currency are required for invoice, receipt and utility_bill. contract is required for contract.
Omit fields you cannot read.`
