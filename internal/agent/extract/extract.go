// Package extract hands rendered pages or original bytes to an extraction
// provider and returns a typed, validated result.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

// Provider names accepted in configuration.
const (
	ProviderText      = "text"
	ProviderTextract  = "textract"
	ProviderOllama    = "ollama"
	ProviderVertex    = "vertex"
	ProviderTesseract = "tesseract"
)

// Page is one page handed to a provider. Data is the rendered artifact
// (single-page PDF or PNG); Text is set when Decision is EMBEDDED.
type Page struct {
	Number      int
	Data        []byte
	ContentType string
	Text        string
	Decision    models.TextDecision
}

// Input is what the pipeline passes to an extractor. Original is set for
// standalone documents; children only carry their page slice.
type Input struct {
	TenantID string
	MimeType string
	Original []byte
	Pages    []Page
}

// AllEmbedded reports whether every page carries embedded text.
func (in Input) AllEmbedded() bool {
	if len(in.Pages) == 0 {
		return false
	}
	for _, p := range in.Pages {
		if p.Decision != models.TextEmbedded {
			return false
		}
	}
	return true
}

// Extractor turns an input into a typed result. Implementations return
// apperr Transient errors for infrastructure failures and Validation errors
// for inputs or responses that can never succeed.
type Extractor interface {
	Extract(ctx context.Context, in Input) (*models.ExtractionResult, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, in Input) (*models.ExtractionResult, error)

func (f ExtractorFunc) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	return f(ctx, in)
}

// ProviderError marks a provider call failure as transient unless it is
// already classified or the caller went away.
func ProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) || errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Transient(fmt.Sprintf("%s call failed", provider), err)
}

// UnsupportedPage is the validation error for a page a provider cannot read.
func UnsupportedPage(provider string, p Page) error {
	return apperr.Validation("unsupported_page", "%s cannot read page %d of type %s", provider, p.Number, p.ContentType)
}
