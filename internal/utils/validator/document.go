// Package validator checks uploads before anything is stored.
package validator

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// DocumentValidator enforces the size limit and the MIME allow-list. The
// sniffed type wins over the type the client declared.
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

type ValidatorConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
}

// FileInfo describes an accepted upload.
type FileInfo struct {
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	DeclaredType string `json:"declaredType,omitempty"`
	Extension    string `json:"extension"`
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize:  50 * 1024 * 1024,
		AllowedTypes: []string{"application/pdf", "image/jpeg", "image/png", "image/tiff"},
	}
}

func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// Validate checks one upload held in memory. Errors are apperr Validation
// errors so callers can reject without creating any state.
func (v *DocumentValidator) Validate(filename, declared string, data []byte) (*FileInfo, error) {
	info := &FileInfo{
		Filename:     filepath.Base(strings.TrimSpace(filename)),
		Size:         int64(len(data)),
		DeclaredType: normalize(declared),
		Extension:    strings.ToLower(filepath.Ext(filename)),
	}

	if info.Filename == "" || info.Filename == "." || info.Filename == "/" {
		return nil, apperr.Validation("invalid_filename", "filename is required")
	}
	if info.Size == 0 {
		return nil, apperr.Validation("empty_file", "file is empty")
	}
	if err := v.CheckSize(info.Size); err != nil {
		return nil, err
	}
	if info.DeclaredType != "" && info.DeclaredType != "application/octet-stream" && !v.Allowed(info.DeclaredType) {
		return nil, apperr.Wrap(apperr.KindValidation, apperr.ErrUnsupportedType.Code,
			fmt.Sprintf("mime type %s is not allowed", info.DeclaredType), nil)
	}

	sniffed := normalize(mimetype.Detect(data).String())
	if !v.Allowed(sniffed) {
		return nil, apperr.Wrap(apperr.KindValidation, apperr.ErrUnsupportedType.Code,
			fmt.Sprintf("file content is %s, which is not allowed", sniffed), nil)
	}
	if info.DeclaredType != "" && info.DeclaredType != sniffed && info.DeclaredType != "application/octet-stream" {
		v.logger.Warn("Declared mime type differs from content",
			logger.String("filename", info.Filename),
			logger.String("declared", info.DeclaredType),
			logger.String("sniffed", sniffed),
		)
	}
	info.MimeType = sniffed
	return info, nil
}

// CheckSize rejects sizes above the limit; handlers call it before reading
// the body.
func (v *DocumentValidator) CheckSize(size int64) error {
	if v.config.MaxFileSize > 0 && size > v.config.MaxFileSize {
		return apperr.Wrap(apperr.KindValidation, apperr.ErrFileTooLarge.Code,
			fmt.Sprintf("file size %d exceeds maximum limit of %d bytes", size, v.config.MaxFileSize), nil)
	}
	return nil
}

func (v *DocumentValidator) Allowed(mimeType string) bool {
	for _, t := range v.config.AllowedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

func (v *DocumentValidator) MaxFileSize() int64 {
	return v.config.MaxFileSize
}

// normalize drops parameters and case: "Image/PNG; q=1" -> "image/png".
func normalize(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(t)
}
