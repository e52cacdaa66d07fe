package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/ingest-pipeline/internal/agent/extract"
	"github.com/feichai0017/ingest-pipeline/internal/agent/render"
	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/internal/service/dedup"
	"github.com/feichai0017/ingest-pipeline/pkg/events"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
)

const triggerPagesRendered = "pages_rendered"

// stage runs one pipeline stage. It returns the newest row it has seen
// even when it fails, so the failure is recorded against the right version.
type stage func(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error)

// Advance is the worker entry point. Items for documents that moved on are
// dropped; a document sitting in a stage is only picked up by an item of
// its current version or once it has stalled.
func (t *Tracker) Advance(ctx context.Context, item queue.WorkItem) error {
	log := logger.FromContext(ctx, t.logger).With(logger.Int64("item_version", item.LockVersion))

	pd, err := t.store.GetProcessingDocument(ctx, item.TenantID, item.ProcessingDocumentID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			log.Warn("Dropping work item for unknown processing document")
			return nil
		}
		return err
	}

	switch pd.Status {
	case models.StatusQueued:
		pd, err = t.claim(ctx, pd)
	case models.StatusSplitting, models.StatusExtracting:
		if item.LockVersion != pd.LockVersion && !t.stalled(pd) {
			log.Debug("Dropping superseded work item",
				logger.String("status", string(pd.Status)),
				logger.Int64("version", pd.LockVersion),
			)
			return nil
		}
		pd, err = t.takeover(ctx, pd)
	default:
		log.Debug("Nothing to do", logger.String("status", string(pd.Status)))
		return nil
	}
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return err
	}

	if pd.CancelRequested {
		return t.finish(ctx, pd, cancelError(pd))
	}
	switch pd.Status {
	case models.StatusSplitting:
		return t.runStage(ctx, pd, t.split)
	case models.StatusExtracting:
		return t.runStage(ctx, pd, t.extract)
	}
	return nil
}

func (t *Tracker) stalled(pd *models.ProcessingDocument) bool {
	return t.now().Sub(pd.UpdatedAt) >= t.cfg.StallTimeout
}

// claim moves a QUEUED document into its first stage. The duplicate
// annotation is settled here if the upload path could not set it.
func (t *Tracker) claim(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	var classified *dedup.Result
	if pd.DuplicateStatus == models.DuplicateUnchecked {
		doc, err := t.store.GetDocument(ctx, pd.TenantID, pd.DocumentID)
		if err != nil {
			return nil, err
		}
		res, err := t.classifier.Classify(ctx, doc)
		if err != nil {
			return nil, apperr.Transient("duplicate check failed", err)
		}
		classified = &res
	}

	next, err := t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		if cur.Status != models.StatusQueued {
			return repository.Mutation{}, errSuperseded
		}
		n := cur.Clone()
		n.Status = models.StatusExtracting
		if cur.IsContainer {
			n.Status = models.StatusSplitting
		}
		if cur.DuplicateStatus == models.DuplicateUnchecked && classified != nil {
			n.DuplicateStatus = classified.Status
			n.DuplicateOfDocumentID = classified.MatchedDocumentID
		}
		return repository.Mutation{Doc: n, From: models.StatusQueued, Trigger: TriggerClaim}, nil
	})
	if err != nil {
		return nil, err
	}
	if classified != nil && next.DuplicateStatus == models.DuplicateExact {
		t.events.Emit(ctx, events.New(events.DuplicateDetected, next.TenantID, next.DocumentID, next.ID,
			"duplicate of "+next.DuplicateOfDocumentID))
	}
	return next, nil
}

// takeover bumps the version of a document resumed in its current stage so
// any worker still holding the old version loses its next write.
func (t *Tracker) takeover(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	next, err := t.apply(ctx, repository.Mutation{Doc: pd.Clone(), From: pd.Status, Trigger: TriggerTakeover})
	if errors.Is(err, apperr.ErrStaleVersion) {
		return nil, errSuperseded
	}
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx, t.logger).Info("Resuming processing document",
		logger.String("status", string(next.Status)),
		logger.Int64("version", next.LockVersion),
	)
	return next, nil
}

// runStage retries transient failures with exponential backoff and records
// every other failure on the row.
func (t *Tracker) runStage(ctx context.Context, pd *models.ProcessingDocument, run stage) error {
	bo := gax.Backoff{
		Initial:    t.cfg.InitialBackoff,
		Max:        t.cfg.MaxBackoff,
		Multiplier: t.cfg.BackoffMultiplier,
	}
	log := logger.FromContext(ctx, t.logger)
	cur := pd
	for attempt := 0; ; attempt++ {
		next, err := run(ctx, cur)
		if next != nil {
			cur = next
		}
		if err == nil || errors.Is(err, errSuperseded) {
			return nil
		}
		if ctx.Err() != nil {
			// worker shutdown; the document stays in its stage for recovery
			return ctx.Err()
		}
		if apperr.IsRetryable(err) && attempt < t.cfg.MaxTransientRetries {
			d := bo.Pause()
			log.Warn("Stage failed, retrying",
				logger.String("status", string(cur.Status)),
				logger.Int("attempt", attempt+1),
				logger.Duration("backoff", d),
				logger.Error(err),
			)
			if err := gax.Sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		return t.finish(ctx, cur, err)
	}
}

// finish records a stage failure. The work item itself succeeded: the
// failure is on the row and retrying the task would not change it.
func (t *Tracker) finish(ctx context.Context, pd *models.ProcessingDocument, cause error) error {
	trigger := TriggerFailure
	if errors.Is(cause, apperr.ErrCancelled) {
		trigger = TriggerCancel
	}
	_, err := t.fail(ctx, pd, cause, trigger)
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

// checkpoint reloads pd and stops the stage when it was cancelled or moved.
func (t *Tracker) checkpoint(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	cur, err := t.store.GetProcessingDocument(ctx, pd.TenantID, pd.ID)
	if err != nil {
		return pd, err
	}
	if cur.Status != pd.Status {
		return cur, errSuperseded
	}
	if cur.CancelRequested {
		return cur, cancelError(cur)
	}
	return cur, nil
}

// renderPages renders the original and uploads every page under a fresh
// generation. Nothing is persisted in the database yet.
func (t *Tracker) renderPages(ctx context.Context, pd *models.ProcessingDocument, doc *models.Document, data []byte) (*models.ProcessingDocument, []*models.DocumentPage, error) {
	pages, err := t.renderer.Render(ctx, data, doc.MimeType, t.cfg.RenderDPI)
	if err != nil {
		return pd, nil, err
	}
	if pd, err = t.checkpoint(ctx, pd); err != nil {
		return pd, nil, err
	}

	gen, err := t.store.MaxPageGeneration(ctx, pd.TenantID, pd.ID)
	if err != nil {
		return pd, nil, err
	}
	rows, err := t.uploadPages(ctx, pd, doc, gen+1, pages)
	if err != nil {
		return pd, nil, err
	}
	if pd, err = t.checkpoint(ctx, pd); err != nil {
		return pd, nil, err
	}
	if _, err := t.classifier.MatchPages(ctx, pd.TenantID, pd.ID, rows); err != nil {
		return pd, nil, apperr.Transient("page reuse lookup failed", err)
	}
	return pd, rows, nil
}

func (t *Tracker) uploadPages(ctx context.Context, pd *models.ProcessingDocument, doc *models.Document, gen int, pages []render.Page) ([]*models.DocumentPage, error) {
	rows := make([]*models.DocumentPage, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.UploadConcurrency)
	for i, p := range pages {
		g.Go(func() error {
			key := storage.PageKey(doc.TenantID, doc.CompanyID, doc.ID, gen, p.Number, p.Ext)
			if _, err := t.blobs.Upload(gctx, key, bytes.NewReader(p.Data), int64(len(p.Data)), p.ContentType); err != nil {
				return err
			}
			decision, provider := p.Decision, ""
			if decision == models.TextOCR {
				if t.cfg.OCRProvider == "" {
					decision = models.TextNone
				} else {
					provider = t.cfg.OCRProvider
				}
			}
			rows[i] = &models.DocumentPage{
				ID:                   uuid.NewString(),
				ProcessingDocumentID: pd.ID,
				TenantID:             pd.TenantID,
				Number:               p.Number,
				Generation:           gen,
				Width:                p.Width,
				Height:               p.Height,
				Rotation:             p.Rotation,
				DPI:                  p.DPI,
				StorageKey:           key,
				ContentType:          p.ContentType,
				Fingerprint:          p.Fingerprint,
				OCRProvider:          provider,
				TextDecision:         decision,
				Text:                 p.Text,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// split renders a container and either creates its children or, when the
// plan covers the whole file in one range, extracts it directly.
func (t *Tracker) split(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	if pd.PageCount > 0 {
		children, err := t.store.ListChildren(ctx, pd.TenantID, pd.ID)
		if err != nil {
			return pd, err
		}
		if len(children) > 0 {
			t.resumeChildren(ctx, pd, children)
			return pd, nil
		}
		// A single-record container keeps its pages across a requeue.
		next, err := t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
			if cur.Status != models.StatusSplitting {
				return repository.Mutation{}, errSuperseded
			}
			n := cur.Clone()
			n.Status = models.StatusExtracting
			return repository.Mutation{Doc: n, From: models.StatusSplitting, Trigger: TriggerSplit,
				Message: "single record, pages reused"}, nil
		})
		if err != nil {
			return pd, err
		}
		return t.extract(ctx, next)
	}

	doc, err := t.store.GetDocument(ctx, pd.TenantID, pd.DocumentID)
	if err != nil {
		return pd, err
	}
	data, err := storage.ReadAll(ctx, t.blobs, doc.StorageKey)
	if err != nil {
		return pd, err
	}
	pd, rows, err := t.renderPages(ctx, pd, doc, data)
	if err != nil {
		return pd, err
	}

	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Text
	}
	plan, err := PlanSplit(pd.SplitMode, len(rows), pd.PageRanges, texts)
	if err != nil {
		return pd, err
	}

	if len(plan) == 1 {
		next, err := t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
			if cur.Status != models.StatusSplitting || cur.PageCount > 0 {
				return repository.Mutation{}, errSuperseded
			}
			n := cur.Clone()
			n.Status = models.StatusExtracting
			n.PageCount = len(rows)
			return repository.Mutation{Doc: n, From: models.StatusSplitting, Trigger: TriggerSplit,
				Message: "single record", Pages: rows}, nil
		})
		if err != nil {
			return pd, err
		}
		return t.extract(ctx, next)
	}

	var children []*models.ProcessingDocument
	next, err := t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		if cur.Status != models.StatusSplitting || cur.PageCount > 0 {
			return repository.Mutation{}, errSuperseded
		}
		n := cur.Clone()
		n.PageCount = len(rows)
		children = t.newChildren(cur, plan)
		return repository.Mutation{Doc: n, From: models.StatusSplitting, Trigger: TriggerSplit,
			Message: fmt.Sprintf("split into %d records", len(plan)), Pages: rows, Children: children}, nil
	})
	if err != nil {
		return pd, err
	}

	logger.FromContext(ctx, t.logger).Info("Container split",
		logger.Int("pages", len(rows)),
		logger.Int("children", len(children)),
	)
	for _, c := range children {
		if _, err := t.enqueue(ctx, c, TriggerEnqueue); err != nil {
			t.logger.Warn("Failed to enqueue child, recovery will retry",
				logger.String("processing_document_id", c.ID),
				logger.Error(err),
			)
		}
	}
	return next, nil
}

func (t *Tracker) newChildren(parent *models.ProcessingDocument, plan []models.PageRange) []*models.ProcessingDocument {
	children := make([]*models.ProcessingDocument, len(plan))
	for i, r := range plan {
		children[i] = &models.ProcessingDocument{
			ID:                    uuid.NewString(),
			TenantID:              parent.TenantID,
			CompanyID:             parent.CompanyID,
			DocumentID:            parent.DocumentID,
			ParentID:              parent.ID,
			PageFrom:              r.From,
			PageTo:                r.To,
			PageCount:             r.Len(),
			Status:                models.StatusPending,
			DuplicateStatus:       parent.DuplicateStatus,
			DuplicateOfDocumentID: parent.DuplicateOfDocumentID,
			Priority:              parent.Priority,
			Source:                parent.Source,
		}
	}
	return children
}

// resumeChildren finishes a split interrupted after the children were
// written: pending children are enqueued and the parent settled.
func (t *Tracker) resumeChildren(ctx context.Context, parent *models.ProcessingDocument, children []*models.ProcessingDocument) {
	for _, c := range children {
		if c.Status != models.StatusPending {
			continue
		}
		if _, err := t.enqueue(ctx, c, TriggerEnqueue); err != nil {
			t.logger.Warn("Failed to enqueue child",
				logger.String("processing_document_id", c.ID),
				logger.Error(err),
			)
		}
	}
	t.settleParent(ctx, parent.TenantID, parent.ID)
}

// extract builds the extraction input, calls the extractor under a timeout
// and completes the document with a new current revision.
func (t *Tracker) extract(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	doc, err := t.store.GetDocument(ctx, pd.TenantID, pd.DocumentID)
	if err != nil {
		return pd, err
	}
	pages, err := t.store.PagesOf(ctx, pd)
	if err != nil {
		return pd, err
	}

	var original []byte
	if len(pages) == 0 {
		if pd.ParentID != "" {
			return pd, apperr.Validation("missing_pages", "parent pages %s are not rendered", pd.Range())
		}
		if original, err = storage.ReadAll(ctx, t.blobs, doc.StorageKey); err != nil {
			return pd, err
		}
		var rows []*models.DocumentPage
		if pd, rows, err = t.renderPages(ctx, pd, doc, original); err != nil {
			return pd, err
		}
		pd, err = t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
			if cur.Status != models.StatusExtracting || cur.PageCount > 0 {
				return repository.Mutation{}, errSuperseded
			}
			n := cur.Clone()
			n.PageCount = len(rows)
			return repository.Mutation{Doc: n, From: models.StatusExtracting, Trigger: triggerPagesRendered, Pages: rows}, nil
		})
		if err != nil {
			return pd, err
		}
		pages = rows
	}

	if pd, err = t.checkpoint(ctx, pd); err != nil {
		return pd, err
	}

	in := extract.Input{TenantID: pd.TenantID, MimeType: doc.MimeType}
	for _, p := range pages {
		ep := extract.Page{Number: p.Number, ContentType: p.ContentType, Text: p.Text, Decision: p.TextDecision}
		if p.TextDecision == models.TextOCR {
			if ep.Data, err = storage.ReadAll(ctx, t.blobs, p.StorageKey); err != nil {
				return pd, err
			}
		}
		in.Pages = append(in.Pages, ep)
	}
	if pd.ParentID == "" && !in.AllEmbedded() {
		if original == nil {
			if original, err = storage.ReadAll(ctx, t.blobs, doc.StorageKey); err != nil {
				return pd, err
			}
		}
		in.Original = original
	}

	actx, cancel := context.WithTimeout(ctx, t.cfg.ExtractionTimeout)
	result, err := t.extractor.Extract(actx, in)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return pd, apperr.Transient("extraction timed out", err)
		}
		return pd, err
	}
	if err := result.Validate(); err != nil {
		return pd, apperr.Wrap(apperr.KindValidation, "invalid_extraction", err.Error(), err)
	}

	rev := &models.DocumentRevision{
		ID:                   uuid.NewString(),
		ProcessingDocumentID: pd.ID,
		TenantID:             pd.TenantID,
		Status:               models.RevisionExtracted,
		Result:               *result,
	}
	next, err := t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		if cur.Status != models.StatusExtracting {
			return repository.Mutation{}, errSuperseded
		}
		n := cur.Clone()
		n.Status = models.StatusCompleted
		n.ErrorMessage = ""
		n.ErrorStage = ""
		n.FailedAt = nil
		return repository.Mutation{Doc: n, From: models.StatusExtracting, Trigger: TriggerExtract,
			Message: string(result.Category), Revision: rev}, nil
	})
	if err != nil {
		return pd, err
	}
	if next.ParentID != "" {
		t.settleParent(ctx, next.TenantID, next.ParentID)
	}
	return next, nil
}
