package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ingest-pipeline/api/middleware"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/service/catalog"
	"github.com/feichai0017/ingest-pipeline/internal/service/links"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ProcessingHandler struct {
	controller Controller
	browser    catalog.Browser
	links      links.LinkManager
	logger     logger.Logger
}

func NewProcessingHandler(controller Controller, browser catalog.Browser, linkManager links.LinkManager, log logger.Logger) *ProcessingHandler {
	return &ProcessingHandler{controller: controller, browser: browser, links: linkManager, logger: log}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *ProcessingHandler) List(c *gin.Context) {
	page, err := intQuery(c, "page")
	if err != nil {
		badRequest(c, h.logger, "invalid_filter", "page must be an integer")
		return
	}
	size, err := intQuery(c, "page_size")
	if err != nil {
		badRequest(c, h.logger, "invalid_filter", "page_size must be an integer")
		return
	}
	res, err := h.browser.List(c.Request.Context(), catalog.ListQuery{
		TenantID:        middleware.TenantID(c),
		CompanyID:       c.Query("company_id"),
		Status:          models.PipelineStatus(c.Query("status")),
		DuplicateStatus: models.DuplicateStatus(c.Query("duplicate_status")),
		Kind:            c.Query("kind"),
		ParentID:        c.Query("parent_id"),
		Page:            page,
		PageSize:        size,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ProcessingHandler) Get(c *gin.Context) {
	d, err := h.browser.Get(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *ProcessingHandler) Pages(c *gin.Context) {
	pages, err := h.browser.Pages(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages})
}

func (h *ProcessingHandler) PageImage(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		badRequest(c, h.logger, "invalid_page", "page number must be a positive integer")
		return
	}
	img, err := h.browser.PageImage(c.Request.Context(), middleware.TenantID(c), c.Param("id"), number)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer img.Body.Close()
	size := img.Size
	if size <= 0 {
		size = -1
	}
	c.Header("Cache-Control", "private, max-age=300")
	c.DataFromReader(http.StatusOK, size, img.ContentType, img.Body, nil)
}

func (h *ProcessingHandler) Transitions(c *gin.Context) {
	trs, err := h.browser.Transitions(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": trs})
}

func (h *ProcessingHandler) Revisions(c *gin.Context) {
	revs, err := h.browser.Revisions(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revisions": revs})
}

func (h *ProcessingHandler) Links(c *gin.Context) {
	ls, err := h.links.List(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": ls})
}

func (h *ProcessingHandler) Requeue(c *gin.Context) {
	pd, err := h.controller.Requeue(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, pd)
}

// Cancel takes an optional JSON body with the reason.
func (h *ProcessingHandler) Cancel(c *gin.Context) {
	var body cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, h.logger, "invalid_body", "body must be JSON")
			return
		}
	}
	pd, err := h.controller.Cancel(c.Request.Context(), middleware.TenantID(c), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pd)
}

func (h *ProcessingHandler) Reclassify(c *gin.Context) {
	pd, err := h.controller.Reclassify(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pd)
}

func (h *ProcessingHandler) ExportRevisions(c *gin.Context) {
	data, err := h.browser.ExportRevisions(c.Request.Context(), middleware.TenantID(c), c.Query("company_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	filename := fmt.Sprintf("revisions_%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
