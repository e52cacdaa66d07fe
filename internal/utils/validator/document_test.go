package validator

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func TestValidate(t *testing.T) {
	log := logger.NewTestLogger()
	v := NewDocumentValidator(log, &ValidatorConfig{
		MaxFileSize:  1024,
		AllowedTypes: []string{"application/pdf", "image/png"},
	})

	info, err := v.Validate("scan.pdf", "application/pdf", pdfBytes)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", info.MimeType)
	assert.Equal(t, ".pdf", info.Extension)
	assert.Equal(t, int64(len(pdfBytes)), info.Size)

	// the sniffed type wins
	info, err = v.Validate("photo.pdf", "application/octet-stream", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "image/png", info.MimeType)

	info, err = v.Validate("../../etc/receipt.png", "IMAGE/PNG", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "receipt.png", info.Filename)
	assert.Equal(t, "image/png", info.DeclaredType)
}

func TestValidate_Rejections(t *testing.T) {
	v := NewDocumentValidator(logger.NewTestLogger(), &ValidatorConfig{
		MaxFileSize:  64,
		AllowedTypes: []string{"application/pdf", "image/png"},
	})
	big := append([]byte(nil), pdfBytes...)
	big = append(big, bytes.Repeat([]byte(" "), 100)...)

	tests := []struct {
		name     string
		filename string
		declared string
		data     []byte
		want     error
		code     string
	}{
		{"too large", "a.pdf", "application/pdf", big, apperr.ErrFileTooLarge, ""},
		{"declared type not allowed", "a.docx", "application/msword", pdfBytes[:40], apperr.ErrUnsupportedType, ""},
		{"content not allowed", "a.pdf", "application/pdf", []byte("just some plain text"), apperr.ErrUnsupportedType, ""},
		{"empty", "a.pdf", "application/pdf", nil, nil, "empty_file"},
		{"no filename", "", "application/pdf", pdfBytes[:40], nil, "invalid_filename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.filename, tt.declared, tt.data)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			if tt.code != "" {
				assert.Equal(t, tt.code, apperr.Code(err))
			}
		})
	}
}

func TestValidate_MismatchIsLogged(t *testing.T) {
	log := logger.NewTestLogger()
	v := NewDocumentValidator(log, nil)

	_, err := v.Validate("a.png", "image/png", pdfBytes)
	require.NoError(t, err)
	assert.NotEmpty(t, log.Messages("WARN"))
}
