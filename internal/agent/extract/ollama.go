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

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// OllamaResponse is the non-streaming /api/generate response.
type OllamaResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

type OllamaOptions struct {
	Endpoint    string
	Model       string
	Temperature float64
	// MaxInFlight bounds concurrent requests to the Ollama server.
	MaxInFlight int
	Timeout     time.Duration
}

// OllamaExtractor asks a local vision model for the structured result.
// Page images go in the request's images field; embedded text goes in the
// prompt.
type OllamaExtractor struct {
	opts       OllamaOptions
	httpClient *http.Client
	slots      chan struct{}
	logger     logger.Logger
}

var _ Extractor = (*OllamaExtractor)(nil)

const ollamaPrompt = `You are reading a business document that was uploaded for compliance review.
Check the text and images carefully for common OCR errors (0/O, 1/I/l, rn/m) and verify every number.
Classify the document and extract its parties, totals in minor units, currency, date and contract terms.
%s
Text already extracted from the document:
%s`

func NewOllamaExtractor(opts OllamaOptions, log logger.Logger) *OllamaExtractor {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &OllamaExtractor{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		slots:      make(chan struct{}, opts.MaxInFlight),
		logger:     log.Named("ollama"),
	}
}

func (e *OllamaExtractor) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	var images []string
	var texts []string
	for _, p := range in.Pages {
		if p.Decision == models.TextEmbedded {
			texts = append(texts, p.Text)
			continue
		}
		switch p.ContentType {
		case "image/png", "image/jpeg":
			images = append(images, base64.StdEncoding.EncodeToString(p.Data))
		default:
			return nil, UnsupportedPage(ProviderOllama, p)
		}
	}

	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return nil, ProviderError(ProviderOllama, ctx.Err())
	}

	start := time.Now()
	reqBody := map[string]any{
		"model":  e.opts.Model,
		"prompt": fmt.Sprintf(ollamaPrompt, ResponseInstructions, strings.Join(texts, "\n")),
		"images": images,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": e.opts.Temperature,
		},
	}
	reqData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.opts.Endpoint, "/")+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, ProviderError(ProviderOllama, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, ProviderError(ProviderOllama, err)
		}
		return nil, apperr.Wrap(apperr.KindValidation, "extraction_rejected", "ollama rejected the request", err)
	}

	var result OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ProviderError(ProviderOllama, fmt.Errorf("failed to decode response: %w", err))
	}
	if result.Error != "" {
		return nil, ProviderError(ProviderOllama, fmt.Errorf("ollama error: %s", result.Error))
	}

	res, err := DecodeResult([]byte(result.Response))
	if err != nil {
		e.logger.Warn("Model response failed validation",
			logger.String("model", e.opts.Model),
			logger.Error(err),
		)
		return nil, err
	}
	res.Usage = models.Usage{
		Provider:     ProviderOllama,
		Model:        e.opts.Model,
		Pages:        len(in.Pages),
		InputTokens:  result.PromptEvalCount,
		OutputTokens: result.EvalCount,
		Duration:     time.Since(start),
	}
	return res, nil
}

func (e *OllamaExtractor) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
