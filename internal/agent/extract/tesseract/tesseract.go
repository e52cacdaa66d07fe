// Package tesseract is the local OCR provider. It needs libtesseract at
// build and run time.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/ingest-pipeline/internal/agent/extract"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// Extractor OCRs image pages with tesseract after cleanup and parses the
// recognized text.
type Extractor struct {
	languages []string
	chain     []Preprocessor
	logger    logger.Logger
}

var _ extract.Extractor = (*Extractor)(nil)

func NewExtractor(languages []string, log logger.Logger) *Extractor {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Extractor{
		languages: languages,
		chain:     DefaultPipeline(),
		logger:    log.Named("tesseract"),
	}
}

func (e *Extractor) Extract(ctx context.Context, in extract.Input) (*models.ExtractionResult, error) {
	start := time.Now()

	texts := make([]string, 0, len(in.Pages))
	for _, p := range in.Pages {
		if err := ctx.Err(); err != nil {
			return nil, extract.ProviderError(extract.ProviderTesseract, err)
		}
		if p.Decision == models.TextEmbedded {
			texts = append(texts, p.Text)
			continue
		}
		if p.ContentType != "image/png" && p.ContentType != "image/jpeg" && p.ContentType != "image/tiff" {
			return nil, extract.UnsupportedPage(extract.ProviderTesseract, p)
		}
		text, err := e.ocr(p.Data)
		if err != nil {
			e.logger.Error("Failed to OCR page", logger.Int("page", p.Number), logger.Error(err))
			return nil, extract.ProviderError(extract.ProviderTesseract, err)
		}
		texts = append(texts, text)
	}

	res := extract.ParseText(strings.Join(texts, "\n"))
	res.Usage = models.Usage{
		Provider: extract.ProviderTesseract,
		Pages:    len(in.Pages),
		Duration: time.Since(start),
	}
	return res, nil
}

// ocr uses a fresh client per page; gosseract clients are not safe for
// concurrent use.
func (e *Extractor) ocr(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}
	img, err = Apply(img, e.chain)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return "", fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return "", fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("failed to get text: %w", err)
	}
	return text, nil
}
