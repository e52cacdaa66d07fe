package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/service/catalog"
	"github.com/feichai0017/ingest-pipeline/internal/service/ingest"
	"github.com/feichai0017/ingest-pipeline/internal/service/links"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// Controller is the write side of the pipeline the API drives.
type Controller interface {
	Cancel(ctx context.Context, tenantID, id, reason string) (*models.ProcessingDocument, error)
	Requeue(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error)
	Reclassify(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error)
}

type Handlers struct {
	Document   *DocumentHandler
	Processing *ProcessingHandler
	Link       *LinkHandler
}

func NewHandlers(
	gateway ingest.Gateway,
	controller Controller,
	browser catalog.Browser,
	linkManager links.LinkManager,
	maxFileSize int64,
	log logger.Logger,
) *Handlers {
	log = log.Named("api")
	return &Handlers{
		Document:   NewDocumentHandler(gateway, maxFileSize, log),
		Processing: NewProcessingHandler(controller, browser, linkManager, log),
		Link:       NewLinkHandler(linkManager, log),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError maps err onto its status. Internal details are logged, never
// returned.
func respondError(c *gin.Context, log logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	l := logger.FromContext(c.Request.Context(), log)
	if status >= http.StatusInternalServerError {
		l.Error("Request error",
			logger.String("path", c.Request.URL.Path),
			logger.Error(err),
		)
	} else {
		l.Debug("Request refused",
			logger.String("path", c.Request.URL.Path),
			logger.String("code", apperr.Code(err)),
		)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   apperr.Code(err),
		Message: apperr.PublicMessage(err),
	})
}

func badRequest(c *gin.Context, log logger.Logger, code, format string, args ...any) {
	respondError(c, log, apperr.Validation(code, format, args...))
}
