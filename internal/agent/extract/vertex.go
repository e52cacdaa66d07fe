package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const vertexSystemPrompt = "You are a document parser for a compliance platform. You read invoices, receipts, utility bills and contracts and return their key fields as JSON. Accuracy matters more than completeness."

// Generator is the part of a genai model the extractor uses.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexExtractor sends page artifacts (or the original for standalone
// documents) to a Gemini model on Vertex AI with JSON output forced.
type VertexExtractor struct {
	model     Generator
	modelName string
	client    *genai.Client
	logger    logger.Logger
}

var _ Extractor = (*VertexExtractor)(nil)

// NewVertexExtractor builds the client and configures the model for
// deterministic JSON output.
func NewVertexExtractor(ctx context.Context, projectID, location, modelName string, log logger.Logger) (*VertexExtractor, error) {
	if projectID == "" || location == "" {
		return nil, fmt.Errorf("vertex extractor: projectID and location cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}
	client, err := genai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(vertexSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	e := NewVertexExtractorWithModel(model, modelName, log)
	e.client = client
	return e, nil
}

func NewVertexExtractorWithModel(model Generator, modelName string, log logger.Logger) *VertexExtractor {
	return &VertexExtractor{model: model, modelName: modelName, logger: log.Named("vertex")}
}

func (e *VertexExtractor) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	start := time.Now()

	var parts []genai.Part
	var texts []string
	if len(in.Original) > 0 && in.MimeType != "" && !in.AllEmbedded() {
		parts = append(parts, genai.Blob{MIMEType: in.MimeType, Data: in.Original})
	} else {
		for _, p := range in.Pages {
			if p.Decision == models.TextEmbedded {
				texts = append(texts, p.Text)
				continue
			}
			parts = append(parts, genai.Blob{MIMEType: p.ContentType, Data: p.Data})
		}
	}
	prompt := ResponseInstructions
	if len(texts) > 0 {
		prompt += "\nText already extracted from the document:\n" + strings.Join(texts, "\n")
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := e.model.GenerateContent(ctx, parts...)
	if err != nil {
		e.logger.Error("Failed to generate content", logger.String("model", e.modelName), logger.Error(err))
		return nil, ProviderError(ProviderVertex, err)
	}

	raw := responseText(resp)
	if raw == "" {
		return nil, apperr.Validation("invalid_extraction", "vertex returned no content")
	}
	res, err := DecodeResult([]byte(raw))
	if err != nil {
		return nil, err
	}

	res.Usage = models.Usage{
		Provider: ProviderVertex,
		Model:    e.modelName,
		Pages:    len(in.Pages),
		Duration: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		res.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return res, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

func (e *VertexExtractor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
