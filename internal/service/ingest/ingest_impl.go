package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/service/dedup"
	"github.com/feichai0017/ingest-pipeline/internal/utils/validator"
	"github.com/feichai0017/ingest-pipeline/pkg/events"
	"github.com/feichai0017/ingest-pipeline/pkg/hasher"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
)

const DefaultEndpoint = "POST /api/v1/companies/:companyId/documents"

type Registry interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	SoftDeleteDocument(ctx context.Context, tenantID, id string) error
}

type Classifier interface {
	Classify(ctx context.Context, doc *models.Document) (dedup.Result, error)
}

// Tracker receives accepted uploads.
type Tracker interface {
	Create(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error)
}

type ServiceConfig struct {
	ContainerMimeTypes []string
	DefaultSplitMode   models.SplitMode
	BatchConcurrency   int
}

type IngestService struct {
	validator  *validator.DocumentValidator
	guard      *idempotency.Guard
	blobs      storage.BlobStore
	registry   Registry
	classifier Classifier
	tracker    Tracker
	events     events.Sink
	config     *ServiceConfig
	logger     logger.Logger
}

func NewService(
	v *validator.DocumentValidator,
	guard *idempotency.Guard,
	blobs storage.BlobStore,
	registry Registry,
	classifier Classifier,
	tracker Tracker,
	sink events.Sink,
	log logger.Logger,
	cfg *ServiceConfig,
) Gateway {
	if cfg == nil {
		cfg = &ServiceConfig{
			ContainerMimeTypes: []string{"application/pdf"},
			DefaultSplitMode:   models.SplitNone,
			BatchConcurrency:   4,
		}
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &IngestService{
		validator:  v,
		guard:      guard,
		blobs:      blobs,
		registry:   registry,
		classifier: classifier,
		tracker:    tracker,
		events:     sink,
		config:     cfg,
		logger:     log.Named("ingest"),
	}
}

// Submit accepts one upload. With an idempotency key the first request's
// response is stored and every later request with the same key and body
// gets the identical bytes back.
func (s *IngestService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := checkRequest(&req); err != nil {
		return nil, err
	}
	contentHash := hasher.BytesHash(req.Data)

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	log := logger.FromContext(ctx, s.logger)

	// Only the request as sent goes into the hash, so a replay does not
	// depend on how today's validator or config would treat it.
	var claim *idempotency.Claim
	if req.IdempotencyKey != "" {
		var err error
		claim, err = s.guard.Begin(ctx, req.TenantID, endpoint, req.IdempotencyKey, requestHash(req, contentHash))
		if err != nil {
			return nil, err
		}
		if rec := claim.Replay; rec != nil {
			log.Info("Replaying upload response", logger.String("idempotency_key", req.IdempotencyKey))
			var resp SubmitResponse
			if err := json.Unmarshal(rec.Body, &resp); err != nil {
				return nil, fmt.Errorf("failed to decode stored response: %w", err)
			}
			return &SubmitResult{StatusCode: rec.StatusCode, Body: rec.Body, Response: &resp, Replayed: true}, nil
		}
	}

	resp, err := s.validateAndAccept(ctx, req, contentHash)
	if err != nil {
		s.guard.Abort(ctx, claim)
		return nil, err
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	status := http.StatusAccepted
	if claim.Owned() {
		if _, err := s.guard.Finish(ctx, claim, status, body); err != nil {
			// the upload is durable; a retry after the lease expires creates a second one
			log.Error("Failed to store idempotent response", logger.Error(err))
		}
	}
	return &SubmitResult{StatusCode: status, Body: body, Response: resp}, nil
}

func requestHash(req SubmitRequest, contentHash string) string {
	container := ""
	if req.Container != nil {
		container = strconv.FormatBool(*req.Container)
	}
	return idempotency.HashRequest(
		[]byte(req.CompanyID),
		[]byte(contentHash),
		[]byte(req.Filename),
		[]byte(req.MimeType),
		[]byte(strconv.Itoa(req.Priority)),
		[]byte(req.Source),
		[]byte(container),
		[]byte(req.SplitMode),
		[]byte(models.FormatPageRanges(req.PageRanges)),
	)
}

func (s *IngestService) validateAndAccept(ctx context.Context, req SubmitRequest, contentHash string) (*SubmitResponse, error) {
	info, err := s.validator.Validate(req.Filename, req.MimeType, req.Data)
	if err != nil {
		return nil, err
	}
	container := s.isContainer(req, info.MimeType)
	splitMode := req.SplitMode
	if container && splitMode == "" {
		splitMode = s.config.DefaultSplitMode
	}
	return s.accept(ctx, req, info, contentHash, container, splitMode)
}

func (s *IngestService) accept(ctx context.Context, req SubmitRequest, info *validator.FileInfo, contentHash string, container bool, splitMode models.SplitMode) (*SubmitResponse, error) {
	log := logger.FromContext(ctx, s.logger)
	doc := &models.Document{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		CompanyID:   req.CompanyID,
		Filename:    info.Filename,
		MimeType:    info.MimeType,
		Size:        info.Size,
		ContentHash: contentHash,
	}
	doc.StorageKey = storage.OriginalKey(doc.TenantID, doc.CompanyID, doc.ID, doc.Filename)
	if _, err := s.blobs.Upload(ctx, doc.StorageKey, bytes.NewReader(req.Data), doc.Size, doc.MimeType); err != nil {
		return nil, fmt.Errorf("failed to store original: %w", err)
	}
	if err := s.registry.CreateDocument(ctx, doc); err != nil {
		s.discard(ctx, doc, false)
		return nil, err
	}

	dup := dedup.Result{Status: models.DuplicateUnchecked}
	if res, err := s.classifier.Classify(ctx, doc); err != nil {
		// the worker classifies before leaving QUEUED
		log.Warn("Duplicate check deferred", logger.String("document_id", doc.ID), logger.Error(err))
	} else {
		dup = res
	}

	pd, err := s.tracker.Create(ctx, &models.ProcessingDocument{
		TenantID:              doc.TenantID,
		CompanyID:             doc.CompanyID,
		DocumentID:            doc.ID,
		IsContainer:           container,
		DuplicateStatus:       dup.Status,
		DuplicateOfDocumentID: dup.MatchedDocumentID,
		Priority:              req.Priority,
		Source:                req.Source,
		SplitMode:             splitMode,
		PageRanges:            req.PageRanges,
	})
	if err != nil {
		s.discard(ctx, doc, true)
		return nil, err
	}

	log.Info("Upload accepted",
		logger.String("document_id", doc.ID),
		logger.String("processing_document_id", pd.ID),
		logger.String("mime_type", doc.MimeType),
		logger.Int64("size", doc.Size),
		logger.Bool("container", container),
	)
	s.events.Emit(ctx, events.New(events.UploadAccepted, doc.TenantID, doc.ID, pd.ID, doc.Filename))

	resp := &SubmitResponse{ProcessingDocumentID: pd.ID, DocumentID: doc.ID, Status: pd.Status}
	if dup.IsDuplicate() {
		resp.DuplicateWarning = &DuplicateWarning{
			MatchedDocumentID: dup.MatchedDocumentID,
			Message:           "identical content was uploaded before",
		}
		s.events.Emit(ctx, events.New(events.DuplicateDetected, doc.TenantID, doc.ID, pd.ID,
			"duplicate of "+dup.MatchedDocumentID))
	}
	return resp, nil
}

// discard undoes a half-accepted upload so a retry starts clean and the
// leftover document is never matched as a duplicate.
func (s *IngestService) discard(ctx context.Context, doc *models.Document, registered bool) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx, s.logger)
	if registered {
		if err := s.registry.SoftDeleteDocument(ctx, doc.TenantID, doc.ID); err != nil {
			log.Error("Failed to remove document of a rejected upload",
				logger.String("document_id", doc.ID), logger.Error(err))
		}
	}
	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
		log.Error("Failed to remove original of a rejected upload",
			logger.String("storage_key", doc.StorageKey), logger.Error(err))
	}
}

func (s *IngestService) isContainer(req SubmitRequest, mimeType string) bool {
	if req.Container != nil {
		return *req.Container
	}
	for _, t := range s.config.ContainerMimeTypes {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

func checkRequest(req *SubmitRequest) error {
	if req.TenantID == "" {
		return apperr.Permission()
	}
	if strings.TrimSpace(req.CompanyID) == "" {
		return apperr.Validation("invalid_company", "company id is required")
	}
	if req.Priority < 0 {
		return apperr.Validation("invalid_priority", "priority must not be negative")
	}
	if req.SplitMode != "" && !req.SplitMode.Valid() {
		return apperr.Validation("invalid_split_mode", "unknown split mode %q", req.SplitMode)
	}
	if len(req.PageRanges) > 0 && req.SplitMode != models.SplitRanges {
		return apperr.Validation("invalid_split_mode", "page ranges need split mode %q", models.SplitRanges)
	}
	if req.SplitMode == models.SplitRanges && len(req.PageRanges) == 0 {
		return apperr.Validation("invalid_split_plan", "split mode %q needs page ranges", models.SplitRanges)
	}
	if req.SplitMode != "" && req.SplitMode != models.SplitNone && req.Container != nil && !*req.Container {
		return apperr.Validation("invalid_split_mode", "only containers can be split")
	}
	return nil
}

// SubmitBatch submits every file concurrently. Files fail independently
// and never share an idempotency key.
func (s *IngestService) SubmitBatch(ctx context.Context, reqs []SubmitRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)
	for i, req := range reqs {
		req.IdempotencyKey = ""
		g.Go(func() error {
			item := BatchItem{Filename: req.Filename}
			res, err := s.Submit(gctx, req)
			if err != nil {
				item.StatusCode = apperr.HTTPStatus(err)
				item.Error = apperr.PublicMessage(err)
				item.Code = apperr.Code(err)
			} else {
				item.StatusCode = res.StatusCode
				item.Result = res.Response
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	accepted := 0
	for _, it := range items {
		if it.Result != nil {
			accepted++
		}
	}
	logger.FromContext(ctx, s.logger).Info("Batch submitted",
		logger.Int("files", len(reqs)),
		logger.Int("accepted", accepted),
	)
	return items
}
