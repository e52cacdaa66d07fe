package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const invoiceText = `ACME Supplies GmbH
VAT ID: DE123456789
Invoice 2024-0042
Date: 15.03.2024
Subtotal: 100.00
VAT 19%: 19.00
Total due: EUR 119.00`

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, r *models.ExtractionResult)
	}{
		{
			name: "invoice",
			raw:  `{"category":"invoice","totals":{"net":100,"tax":19,"gross":119},"currency":"EUR","confidence":0.9}`,
			check: func(t *testing.T, r *models.ExtractionResult) {
				assert.Equal(t, models.CategoryInvoice, r.Category)
				assert.Equal(t, int64(119), r.Totals.Gross)
				assert.NoError(t, r.Validate())
			},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"category\":\"other\",\"confidence\":0.5}\n```",
			check: func(t *testing.T, r *models.ExtractionResult) {
				assert.Equal(t, models.CategoryOther, r.Category)
			},
		},
		{name: "invoice without totals", raw: `{"category":"invoice","currency":"EUR"}`, wantErr: true},
		{name: "contract without terms", raw: `{"category":"contract"}`, wantErr: true},
		{name: "bad currency", raw: `{"category":"receipt","totals":{"gross":5},"currency":"euro"}`, wantErr: true},
		{name: "unknown category", raw: `{"category":"poem"}`, wantErr: true},
		{name: "not json", raw: `I could not read this document`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeResult([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, res)
		})
	}
}

func TestParseText_Invoice(t *testing.T) {
	res := ParseText(invoiceText)
	require.NoError(t, res.Validate())

	assert.Equal(t, models.CategoryInvoice, res.Category)
	assert.Equal(t, "EUR", res.Currency)
	require.NotNil(t, res.Totals)
	assert.Equal(t, models.Totals{Net: 10000, Tax: 1900, Gross: 11900}, *res.Totals)
	assert.Equal(t, "2024-03-15", res.DocumentDate)
	assert.Equal(t, "ACME Supplies GmbH", res.Issuer())
	assert.Equal(t, "DE123456789", res.Counterparties[0].TaxID)
}

func TestParseText_Contract(t *testing.T) {
	text := `Service Agreement
This agreement is effective from 2024-01-01 and ends on 2025-12-31.
It will automatically renew unless terminated with 30 days notice.`
	res := ParseText(text)
	require.NoError(t, res.Validate())

	assert.Equal(t, models.CategoryContract, res.Category)
	require.NotNil(t, res.Contract)
	assert.Equal(t, "2024-01-01", res.Contract.StartDate)
	assert.Equal(t, "2025-12-31", res.Contract.EndDate)
	assert.Equal(t, 30, res.Contract.NoticePeriodDays)
	assert.True(t, res.Contract.AutoRenew)
}

func TestParseText_MonetaryWithoutTotalIsOther(t *testing.T) {
	res := ParseText("Invoice\nplease see attachment")
	require.NoError(t, res.Validate())
	assert.Equal(t, models.CategoryOther, res.Category)
	assert.Nil(t, res.Totals)
}

func TestParseCents(t *testing.T) {
	tests := map[string]int64{
		"119.00":   11900,
		"1.234,56": 123456,
		"1,234.56": 123456,
		"1'234.50": 123450,
		"99":       9900,
		"1,000":    100000,
	}
	for in, want := range tests {
		got, ok := parseCents(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseCents("")
	assert.False(t, ok)
}

func TestRouter(t *testing.T) {
	var textCalls, ocrCalls atomic.Int32
	text := ExtractorFunc(func(ctx context.Context, in Input) (*models.ExtractionResult, error) {
		textCalls.Add(1)
		return &models.ExtractionResult{Category: models.CategoryOther}, nil
	})
	ocr := ExtractorFunc(func(ctx context.Context, in Input) (*models.ExtractionResult, error) {
		ocrCalls.Add(1)
		return &models.ExtractionResult{Category: models.CategoryOther}, nil
	})
	r := NewRouter(text, ocr, logger.NewTestLogger())

	embedded := Input{Pages: []Page{{Number: 1, Decision: models.TextEmbedded, Text: "x"}}}
	_, err := r.Extract(context.Background(), embedded)
	require.NoError(t, err)
	assert.Equal(t, int32(1), textCalls.Load())
	assert.Equal(t, int32(0), ocrCalls.Load())

	mixed := Input{Pages: []Page{
		{Number: 1, Decision: models.TextEmbedded, Text: "x"},
		{Number: 2, Decision: models.TextOCR},
	}}
	_, err = r.Extract(context.Background(), mixed)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ocrCalls.Load())
}

func TestRateLimited_PerTenant(t *testing.T) {
	next := ExtractorFunc(func(ctx context.Context, in Input) (*models.ExtractionResult, error) {
		return &models.ExtractionResult{Category: models.CategoryOther}, nil
	})
	rl := NewRateLimited(next, 0.001, 1)

	_, err := rl.Extract(context.Background(), Input{TenantID: "t1"})
	require.NoError(t, err)

	// a second tenant has its own bucket
	_, err = rl.Extract(context.Background(), Input{TenantID: "t2"})
	require.NoError(t, err)

	// t1 is out of tokens for the next ~1000s
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rl.Extract(ctx, Input{TenantID: "t1"})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

type fakeTextract struct {
	blocks []types.Block
	err    error
	calls  int
}

func (f *fakeTextract) AnalyzeDocument(ctx context.Context, params *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &textract.AnalyzeDocumentOutput{Blocks: f.blocks}, nil
}

func line(text string) types.Block {
	return types.Block{BlockType: types.BlockTypeLine, Text: aws.String(text), Confidence: aws.Float32(99)}
}

func TestTextractExtractor(t *testing.T) {
	fake := &fakeTextract{blocks: []types.Block{
		line("Corner Shop"),
		line("Receipt"),
		line("Total 12.50 EUR"),
		{BlockType: types.BlockTypeLine, Text: aws.String("smudge"), Confidence: aws.Float32(10)},
		{Id: aws.String("k"), BlockType: types.BlockTypeKeyValueSet, EntityTypes: []types.EntityType{types.EntityTypeKey},
			Relationships: []types.Relationship{
				{Type: types.RelationshipTypeChild, Ids: []string{"w1"}},
				{Type: types.RelationshipTypeValue, Ids: []string{"v"}},
			}},
		{Id: aws.String("v"), BlockType: types.BlockTypeKeyValueSet, EntityTypes: []types.EntityType{types.EntityTypeValue},
			Relationships: []types.Relationship{{Type: types.RelationshipTypeChild, Ids: []string{"w2"}}}},
		{Id: aws.String("w1"), BlockType: types.BlockTypeWord, Text: aws.String("Date")},
		{Id: aws.String("w2"), BlockType: types.BlockTypeWord, Text: aws.String("2024-05-02")},
	}}
	e := NewTextractExtractor(fake, 50, logger.NewTestLogger())

	res, err := e.Extract(context.Background(), Input{
		TenantID: "t1",
		Pages: []Page{
			{Number: 1, Data: []byte("png"), ContentType: "image/png", Decision: models.TextOCR},
		},
	})
	require.NoError(t, err)
	require.NoError(t, res.Validate())
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, models.CategoryReceipt, res.Category)
	assert.Equal(t, int64(1250), res.Totals.Gross)
	assert.Equal(t, "2024-05-02", res.DocumentDate)
	assert.Equal(t, ProviderTextract, res.Usage.Provider)
}

func TestTextractExtractor_ErrorsAreTransient(t *testing.T) {
	fake := &fakeTextract{err: errors.New("throttled")}
	e := NewTextractExtractor(fake, 50, logger.NewTestLogger())

	_, err := e.Extract(context.Background(), Input{Pages: []Page{{Number: 1, ContentType: "image/png", Decision: models.TextOCR}}})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

func TestOllamaExtractor(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(OllamaResponse{
			Response:        `{"category":"receipt","totals":{"gross":450},"currency":"USD","confidence":0.8}`,
			Done:            true,
			PromptEvalCount: 120,
			EvalCount:       30,
		})
	}))
	defer srv.Close()

	e := NewOllamaExtractor(OllamaOptions{Endpoint: srv.URL, Model: "llama3.2-vision"}, logger.NewTestLogger())
	res, err := e.Extract(context.Background(), Input{Pages: []Page{
		{Number: 1, Data: []byte{1, 2, 3}, ContentType: "image/png", Decision: models.TextOCR},
	}})
	require.NoError(t, err)

	assert.Equal(t, models.CategoryReceipt, res.Category)
	assert.Equal(t, 120, res.Usage.InputTokens)
	assert.Equal(t, "llama3.2-vision", got["model"])
	assert.Equal(t, "json", got["format"])
	assert.Len(t, got["images"], 1)
}

func TestOllamaExtractor_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewOllamaExtractor(OllamaOptions{Endpoint: srv.URL, Model: "m"}, logger.NewTestLogger())
	_, err := e.Extract(context.Background(), Input{Pages: []Page{{Number: 1, ContentType: "image/png", Decision: models.TextOCR}}})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

func TestOllamaExtractor_RejectsPDFPages(t *testing.T) {
	e := NewOllamaExtractor(OllamaOptions{Endpoint: "http://127.0.0.1:1", Model: "m"}, logger.NewTestLogger())
	_, err := e.Extract(context.Background(), Input{Pages: []Page{{Number: 1, ContentType: "application/pdf", Decision: models.TextOCR}}})
	require.Error(t, err)
	assert.Equal(t, "unsupported_page", apperr.Code(err))
}

type fakeGenerator struct {
	parts []genai.Part
	text  string
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text(f.text)}}}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 900, CandidatesTokenCount: 40},
	}, nil
}

func TestVertexExtractor(t *testing.T) {
	gen := &fakeGenerator{text: `{"category":"contract","contract":{"startDate":"2024-02-01"},"confidence":0.7}`}
	e := NewVertexExtractorWithModel(gen, "gemini-1.5-pro", logger.NewTestLogger())

	res, err := e.Extract(context.Background(), Input{
		MimeType: "application/pdf",
		Original: []byte("%PDF"),
		Pages:    []Page{{Number: 1, ContentType: "application/pdf", Decision: models.TextOCR}},
	})
	require.NoError(t, err)
	require.NoError(t, res.Validate())

	assert.Equal(t, models.CategoryContract, res.Category)
	assert.Equal(t, 900, res.Usage.InputTokens)
	require.Len(t, gen.parts, 2)
	blob, ok := gen.parts[0].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "application/pdf", blob.MIMEType)
}

func TestVertexExtractor_InvalidResponse(t *testing.T) {
	gen := &fakeGenerator{text: `{"category":"invoice"}`}
	e := NewVertexExtractorWithModel(gen, "m", logger.NewTestLogger())

	_, err := e.Extract(context.Background(), Input{Pages: []Page{{Number: 1, ContentType: "image/png", Decision: models.TextOCR}}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
