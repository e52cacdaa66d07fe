package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ingest-pipeline/api/handlers"
	"github.com/feichai0017/ingest-pipeline/api/middleware"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

type Options struct {
	CORSOrigins []string
	// Ready lists the dependencies checked by /readyz.
	Ready map[string]handlers.Pinger
}

// SetupRoutes registers every endpoint. Everything under /api/v1 is tenant
// scoped through the X-Tenant-ID header.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger, opts Options) {
	r.Use(middleware.RequestID(), middleware.AccessLog(log), middleware.CORS(opts.CORSOrigins))

	r.GET("/healthz", handlers.Health(nil))
	r.GET("/readyz", handlers.Health(opts.Ready))

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Tenant())

	companies := v1.Group("/companies/:companyId")
	{
		companies.POST("/documents", h.Document.Upload)
		companies.POST("/documents/batch", h.Document.UploadBatch)
	}

	docs := v1.Group("/processing-documents")
	{
		docs.GET("", h.Processing.List)
		docs.GET("/:id", h.Processing.Get)
		docs.GET("/:id/pages", h.Processing.Pages)
		docs.GET("/:id/pages/:number/image", h.Processing.PageImage)
		docs.GET("/:id/transitions", h.Processing.Transitions)
		docs.GET("/:id/revisions", h.Processing.Revisions)
		docs.GET("/:id/links", h.Processing.Links)
		docs.POST("/:id/requeue", h.Processing.Requeue)
		docs.POST("/:id/cancel", h.Processing.Cancel)
		docs.POST("/:id/reclassify", h.Processing.Reclassify)
	}

	v1.GET("/exports/revisions.xlsx", h.Processing.ExportRevisions)

	linkRoutes := v1.Group("/links")
	{
		linkRoutes.POST("", h.Link.Create)
		linkRoutes.PATCH("/:id", h.Link.Update)
		linkRoutes.DELETE("/:id", h.Link.Delete)
	}
}
