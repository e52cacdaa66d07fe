package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ingest-pipeline/api/middleware"
	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/service/ingest"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const (
	maxBatchFiles = 50
	batchEndpoint = "POST /api/v1/companies/:companyId/documents/batch"
	// formOverhead covers part headers, boundaries and the option fields.
	formOverhead = 64 << 10
)

type DocumentHandler struct {
	gateway     ingest.Gateway
	maxFileSize int64
	logger      logger.Logger
}

func NewDocumentHandler(gateway ingest.Gateway, maxFileSize int64, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{gateway: gateway, maxFileSize: maxFileSize, logger: log}
}

// limitBody caps how much of the request body the multipart parser may
// read. A zero maxFileSize leaves the body unbounded.
func (h *DocumentHandler) limitBody(c *gin.Context, files int64) {
	if h.maxFileSize <= 0 {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, files*h.maxFileSize+formOverhead)
}

// formError maps a failed multipart parse. Bodies cut off by limitBody are
// reported as too large.
func (h *DocumentHandler) formError(c *gin.Context, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(c, h.logger, apperr.Wrap(apperr.KindValidation, apperr.ErrFileTooLarge.Code,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), err))
		return
	}
	badRequest(c, h.logger, "invalid_upload", "%s", msg)
}

// BatchResponse lists the outcome of every file in upload order.
type BatchResponse struct {
	Accepted int                `json:"accepted"`
	Items    []ingest.BatchItem `json:"items"`
}

// Upload accepts one multipart file. The stored body is written verbatim
// so idempotent replays are byte-identical.
func (h *DocumentHandler) Upload(c *gin.Context) {
	h.limitBody(c, 1)
	header, err := c.FormFile("file")
	if err != nil {
		h.formError(c, err, `multipart field "file" is required`)
		return
	}
	req, err := h.requestFromForm(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.readFile(header, &req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey))
	req.Endpoint = ingest.DefaultEndpoint

	res, err := h.gateway.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if res.Replayed {
		c.Header(middleware.HeaderIdempotentReplay, "true")
	}
	c.Data(res.StatusCode, "application/json; charset=utf-8", res.Body)
}

// UploadBatch accepts several files under "files" sharing one set of
// options. Each file succeeds or fails on its own.
func (h *DocumentHandler) UploadBatch(c *gin.Context) {
	h.limitBody(c, maxBatchFiles)
	form, err := c.MultipartForm()
	if err != nil {
		h.formError(c, err, "invalid multipart form")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		badRequest(c, h.logger, "invalid_upload", "no files provided")
		return
	}
	if len(files) > maxBatchFiles {
		badRequest(c, h.logger, "too_many_files", "at most %d files per batch", maxBatchFiles)
		return
	}
	base, err := h.requestFromForm(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	base.Endpoint = batchEndpoint

	// items keeps upload order; files refused here never reach the gateway
	items := make([]ingest.BatchItem, len(files))
	reqs := make([]ingest.SubmitRequest, 0, len(files))
	slots := make([]int, 0, len(files))
	for i, fh := range files {
		req := base
		if err := h.readFile(fh, &req); err != nil {
			items[i] = ingest.BatchItem{
				Filename:   fh.Filename,
				StatusCode: apperr.HTTPStatus(err),
				Error:      apperr.PublicMessage(err),
				Code:       apperr.Code(err),
			}
			continue
		}
		reqs = append(reqs, req)
		slots = append(slots, i)
	}
	for j, item := range h.gateway.SubmitBatch(c.Request.Context(), reqs) {
		items[slots[j]] = item
	}

	resp := BatchResponse{Items: items}
	for _, it := range items {
		if it.Result != nil {
			resp.Accepted++
		}
	}
	status := http.StatusAccepted
	if resp.Accepted < len(items) {
		status = http.StatusMultiStatus
	}
	c.JSON(status, resp)
}

func (h *DocumentHandler) requestFromForm(c *gin.Context) (ingest.SubmitRequest, error) {
	req := ingest.SubmitRequest{
		TenantID:  middleware.TenantID(c),
		CompanyID: c.Param("companyId"),
		Source:    strings.TrimSpace(c.PostForm("source")),
		SplitMode: models.SplitMode(strings.TrimSpace(c.PostForm("split_mode"))),
	}
	if v := strings.TrimSpace(c.PostForm("priority")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return req, apperr.Validation("invalid_priority", "priority must be an integer")
		}
		req.Priority = p
	}
	if v := strings.TrimSpace(c.PostForm("container")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, apperr.Validation("invalid_container", "container must be true or false")
		}
		req.Container = &b
	}
	if v := c.PostForm("page_ranges"); v != "" {
		ranges, err := models.ParsePageRanges(v)
		if err != nil {
			return req, apperr.Validation("invalid_split_plan", "%s", err.Error())
		}
		req.PageRanges = ranges
	}
	return req, nil
}

// readFile loads one part into memory after checking its declared size.
func (h *DocumentHandler) readFile(fh *multipart.FileHeader, req *ingest.SubmitRequest) error {
	if h.maxFileSize > 0 && fh.Size > h.maxFileSize {
		return apperr.Wrap(apperr.KindValidation, apperr.ErrFileTooLarge.Code,
			fmt.Sprintf("file size %d exceeds maximum limit of %d bytes", fh.Size, h.maxFileSize), nil)
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	req.Data = data
	req.Filename = fh.Filename
	req.MimeType = fh.Header.Get("Content-Type")
	return nil
}
