package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ingest-pipeline/api/middleware"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/service/links"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

type LinkHandler struct {
	links  links.LinkManager
	logger logger.Logger
}

func NewLinkHandler(linkManager links.LinkManager, log logger.Logger) *LinkHandler {
	return &LinkHandler{links: linkManager, logger: log}
}

type createLinkRequest struct {
	SourceID string          `json:"sourceId" binding:"required"`
	TargetID string          `json:"targetId" binding:"required"`
	Type     models.LinkType `json:"type" binding:"required"`
	Note     string          `json:"note"`
}

// updateLinkRequest leaves fields that are absent unchanged.
type updateLinkRequest struct {
	Type *models.LinkType `json:"type"`
	Note *string          `json:"note"`
}

func (h *LinkHandler) Create(c *gin.Context) {
	var req createLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "invalid_link", "sourceId, targetId and type are required")
		return
	}
	l, err := h.links.Create(c.Request.Context(), middleware.TenantID(c), req.SourceID, req.TargetID, req.Type, req.Note)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *LinkHandler) Update(c *gin.Context) {
	var req updateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "invalid_link", "body must be JSON")
		return
	}
	l, err := h.links.Update(c.Request.Context(), middleware.TenantID(c), c.Param("id"), req.Type, req.Note)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *LinkHandler) Delete(c *gin.Context) {
	if err := h.links.Delete(c.Request.Context(), middleware.TenantID(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
