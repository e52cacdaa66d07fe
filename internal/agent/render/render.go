// Package render turns an uploaded file into per-page artifacts: a
// single-page PDF or PNG per page, its pixel dimensions, a content
// fingerprint and the embedded-text decision.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/hasher"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const (
	MimePDF  = "application/pdf"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeTIFF = "image/tiff"

	DefaultDPI                  = 150
	DefaultMinEmbeddedTextChars = 20
)

// Page is one rendered page, ready to upload.
type Page struct {
	Number      int
	Width       int
	Height      int
	Rotation    int
	DPI         int
	Data        []byte
	ContentType string
	Ext         string
	Fingerprint string
	Text        string
	Decision    models.TextDecision
}

// Renderer splits documents into pages.
type Renderer interface {
	Render(ctx context.Context, data []byte, mimeType string, dpi int) ([]Page, error)
}

type Options struct {
	DPI                  int
	MinEmbeddedTextChars int
}

// PageRenderer dispatches on MIME type: PDFs through pdfcpu and
// ledongthuc/pdf, raster images through imaging.
type PageRenderer struct {
	opts   Options
	logger logger.Logger
}

var _ Renderer = (*PageRenderer)(nil)

func NewPageRenderer(opts Options, log logger.Logger) *PageRenderer {
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}
	if opts.MinEmbeddedTextChars <= 0 {
		opts.MinEmbeddedTextChars = DefaultMinEmbeddedTextChars
	}
	return &PageRenderer{opts: opts, logger: log.Named("render")}
}

var disableConfigDir sync.Once

func pdfConfig() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Render is deterministic for identical bytes and DPI. A dpi of zero uses
// the configured default.
func (r *PageRenderer) Render(ctx context.Context, data []byte, mimeType string, dpi int) ([]Page, error) {
	if dpi <= 0 {
		dpi = r.opts.DPI
	}
	if len(data) == 0 {
		return nil, apperr.Validation("empty_file", "file is empty")
	}
	switch mimeType {
	case MimePDF:
		return r.renderPDF(ctx, data, dpi)
	case MimePNG, MimeJPEG, MimeTIFF:
		if mimeType == MimeTIFF {
			if err := checkSingleFrameTIFF(data); err != nil {
				return nil, err
			}
		}
		page, err := r.renderImage(data, dpi)
		if err != nil {
			return nil, err
		}
		return []Page{page}, nil
	default:
		return nil, apperr.Validation("unsupported_media_type", "cannot render %s", mimeType)
	}
}

func corrupt(err error) error {
	return apperr.Wrap(apperr.KindValidation, "corrupt_file", "file could not be parsed", err)
}

func (r *PageRenderer) renderPDF(ctx context.Context, data []byte, dpi int) ([]Page, error) {
	conf := pdfConfig()

	dims, err := api.PageDims(bytes.NewReader(data), conf)
	if err != nil {
		return nil, corrupt(err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, corrupt(err)
	}
	n := reader.NumPage()
	if n == 0 {
		return nil, apperr.Validation("empty_document", "document has no pages")
	}
	if n != len(dims) {
		return nil, corrupt(fmt.Errorf("page count mismatch: %d content pages, %d page boxes", n, len(dims)))
	}

	pages := make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p := reader.Page(i)
		if p.V.IsNull() {
			return nil, corrupt(fmt.Errorf("page %d is missing", i))
		}

		rotation := normalizeRotation(p.V.Key("Rotate").Int64())
		width := pointsToPixels(dims[i-1].Width, dpi)
		height := pointsToPixels(dims[i-1].Height, dpi)
		if rotation == 90 || rotation == 270 {
			width, height = height, width
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			r.logger.Warn("Failed to extract embedded text",
				logger.Int("page", i),
				logger.Error(err),
			)
			text = ""
		}
		text = strings.TrimSpace(text)

		decision := models.TextOCR
		if len([]rune(text)) >= r.opts.MinEmbeddedTextChars {
			decision = models.TextEmbedded
		} else {
			text = ""
		}

		stream, err := contentStream(p.V.Key("Contents"))
		if err != nil {
			return nil, corrupt(fmt.Errorf("page %d: %w", i, err))
		}
		fp := "sha256:" + hasher.ContentFingerprint(stream, []byte(fmt.Sprintf("%dx%d@%d", width, height, rotation)))

		var buf bytes.Buffer
		if err := api.Trim(bytes.NewReader(data), &buf, []string{fmt.Sprintf("%d", i)}, conf); err != nil {
			return nil, corrupt(fmt.Errorf("page %d: %w", i, err))
		}

		pages = append(pages, Page{
			Number:      i,
			Width:       width,
			Height:      height,
			Rotation:    rotation,
			DPI:         dpi,
			Data:        buf.Bytes(),
			ContentType: MimePDF,
			Ext:         "pdf",
			Fingerprint: fp,
			Text:        text,
			Decision:    decision,
		})
	}

	r.logger.Debug("Rendered PDF", logger.Int("pages", len(pages)), logger.Int("dpi", dpi))
	return pages, nil
}

// contentStream concatenates the page's content streams. Contents is either
// one stream or an array of them.
func contentStream(v pdf.Value) ([]byte, error) {
	switch v.Kind() {
	case pdf.Stream:
		return readStream(v)
	case pdf.Array:
		var out []byte
		for i := 0; i < v.Len(); i++ {
			b, err := readStream(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		return out, nil
	case pdf.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected contents kind %v", v.Kind())
	}
}

func readStream(v pdf.Value) (b []byte, err error) {
	defer func() {
		// ledongthuc/pdf panics on malformed streams
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed content stream: %v", rec)
		}
	}()
	rc := v.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *PageRenderer) renderImage(data []byte, dpi int) (Page, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Page{}, corrupt(err)
	}
	return imagePage(img, dpi)
}

func imagePage(img image.Image, dpi int) (Page, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Page{}, fmt.Errorf("failed to encode page image: %w", err)
	}
	b := img.Bounds()
	return Page{
		Number:      1,
		Width:       b.Dx(),
		Height:      b.Dy(),
		DPI:         dpi,
		Data:        buf.Bytes(),
		ContentType: MimePNG,
		Ext:         "png",
		Fingerprint: "dhash:" + hasher.PerceptualHash(img),
		Decision:    models.TextOCR,
	}, nil
}

func pointsToPixels(points float64, dpi int) int {
	return int(math.Round(points * float64(dpi) / 72))
}

func normalizeRotation(r int64) int {
	r %= 360
	if r < 0 {
		r += 360
	}
	return int(r - r%90)
}
