package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/pkg/events"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
)

const defaultCancelReason = "cancelled by user"

// update retries a status-preserving write against fresh versions.
func (t *Tracker) update(ctx context.Context, pd *models.ProcessingDocument, build func(cur *models.ProcessingDocument) (repository.Mutation, error)) (*models.ProcessingDocument, error) {
	cur := pd
	for attempt := 0; ; attempt++ {
		m, err := build(cur)
		if err != nil {
			return nil, err
		}
		next, err := t.apply(ctx, m)
		if !errors.Is(err, apperr.ErrStaleVersion) || attempt >= t.cfg.MaxConflictRetries {
			return next, err
		}
		if cur, err = t.store.GetProcessingDocument(ctx, pd.TenantID, pd.ID); err != nil {
			return nil, err
		}
	}
}

// Cancel stops a document. Documents that have not started fail at once
// and their work item is withdrawn; running ones get the cancellation flag
// and fail at the worker's next checkpoint. Children of a container are
// cancelled with it.
func (t *Tracker) Cancel(ctx context.Context, tenantID, id, reason string) (*models.ProcessingDocument, error) {
	if strings.TrimSpace(reason) == "" {
		reason = defaultCancelReason
	}
	pd, err := t.store.GetProcessingDocument(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	var queuedVersion int64
	next, err := t.update(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		if cur.Status.IsTerminal() {
			return repository.Mutation{}, invalidTransition(cur.Status, models.StatusFailed)
		}
		n := cur.Clone()
		n.CancelRequested = true
		n.CancelReason = reason
		if cur.Status == models.StatusPending || cur.Status == models.StatusQueued {
			now := t.now().UTC()
			n.Status = models.StatusFailed
			n.ErrorMessage = reason
			n.ErrorStage = cur.Status
			n.FailedAt = &now
			queuedVersion = cur.LockVersion
		}
		return repository.Mutation{Doc: n, From: cur.Status, Trigger: TriggerCancel, Message: reason}, nil
	})
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx, t.logger)
	log.Info("Cancellation requested",
		logger.String("processing_document_id", next.ID),
		logger.String("status", string(next.Status)),
	)

	if next.Status == models.StatusFailed {
		if r, ok := t.publisher.(queue.Remover); ok {
			item := queue.WorkItem{ProcessingDocumentID: next.ID, TenantID: next.TenantID, LockVersion: queuedVersion, Priority: next.Priority}
			if err := r.Remove(ctx, item); err != nil {
				log.Debug("Work item not withdrawn", logger.Error(err))
			}
		}
		if next.ParentID != "" {
			t.settleParent(ctx, next.TenantID, next.ParentID)
		}
		return next, nil
	}

	if next.IsContainer {
		children, err := t.store.ListChildren(ctx, tenantID, next.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Status.IsTerminal() {
				continue
			}
			if _, err := t.Cancel(ctx, tenantID, c.ID, reason); err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
				log.Warn("Failed to cancel child",
					logger.String("child_id", c.ID),
					logger.Error(err),
				)
			}
		}
	}
	return next, nil
}

// Requeue sends a FAILED document back to QUEUED with a fresh retry. A
// container that was already split keeps its children and requeues the
// failed ones; its own pass only waits for them to finish.
func (t *Tracker) Requeue(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error) {
	pd, err := t.store.GetProcessingDocument(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if pd.Status != models.StatusFailed {
		return nil, invalidTransition(pd.Status, models.StatusQueued)
	}

	// children go first so the parent never settles against stale failures
	if pd.IsContainer {
		children, err := t.store.ListChildren(ctx, tenantID, pd.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Status != models.StatusFailed {
				continue
			}
			if _, err := t.requeue(ctx, c); err != nil {
				return nil, fmt.Errorf("failed to requeue child %s: %w", c.ID, err)
			}
		}
	}
	return t.requeue(ctx, pd)
}

func (t *Tracker) requeue(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	n := pd.Clone()
	n.Status = models.StatusQueued
	n.RetryCount++
	n.ErrorMessage = ""
	n.ErrorStage = ""
	n.FailedAt = nil
	n.CancelRequested = false
	n.CancelReason = ""
	queued, err := t.apply(ctx, repository.Mutation{
		Doc:     n,
		From:    models.StatusFailed,
		Trigger: TriggerRequeue,
		Message: fmt.Sprintf("retry %d", n.RetryCount),
	})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, queued, "")
	return queued, nil
}

// Reclassify re-runs the duplicate detector. Only the annotation changes;
// under the requeue policy a FAILED document is also sent back to QUEUED.
func (t *Tracker) Reclassify(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error) {
	pd, err := t.store.GetProcessingDocument(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	doc, err := t.store.GetDocument(ctx, tenantID, pd.DocumentID)
	if err != nil {
		return nil, err
	}
	res, err := t.classifier.Classify(ctx, doc)
	if err != nil {
		return nil, err
	}

	next, err := t.update(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		n := cur.Clone()
		n.DuplicateStatus = res.Status
		n.DuplicateOfDocumentID = res.MatchedDocumentID
		return repository.Mutation{Doc: n, From: cur.Status, Trigger: TriggerReclassify}, nil
	})
	if err != nil {
		return nil, err
	}
	if res.IsDuplicate() && pd.DuplicateOfDocumentID != res.MatchedDocumentID {
		t.events.Emit(ctx, events.New(events.DuplicateDetected, next.TenantID, next.DocumentID, next.ID,
			"duplicate of "+res.MatchedDocumentID))
	}

	if t.cfg.ReclassifyPolicy == ReclassifyRequeue && next.Status == models.StatusFailed {
		return t.Requeue(ctx, tenantID, id)
	}
	return next, nil
}

// RecoverStalled re-publishes documents that have not moved for olderThan.
// Pending documents are queued first. It returns how many were published.
func (t *Tracker) RecoverStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := t.now()
	stalled, err := t.store.ListStalled(ctx, []models.PipelineStatus{
		models.StatusPending, models.StatusQueued, models.StatusSplitting, models.StatusExtracting,
	}, now.Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	nonce := fmt.Sprintf("recover-%d", now.Unix())
	recovered := 0
	for _, pd := range stalled {
		if pd.Status == models.StatusPending {
			if _, err := t.enqueue(ctx, pd, TriggerRecover); err != nil {
				t.logger.Warn("Failed to enqueue stalled document",
					logger.String("processing_document_id", pd.ID),
					logger.Error(err),
				)
				continue
			}
		} else {
			t.publish(ctx, pd, nonce)
		}
		recovered++
	}
	if recovered > 0 {
		t.logger.Info("Recovered stalled documents", logger.Int("count", recovered))
	}
	return recovered, nil
}

// settleParent completes or fails a container once all of its children are
// terminal. Any failed child fails the parent with an aggregated message.
func (t *Tracker) settleParent(ctx context.Context, tenantID, parentID string) {
	parent, err := t.store.GetProcessingDocument(ctx, tenantID, parentID)
	if err != nil || parent.Status != models.StatusSplitting {
		return
	}
	children, err := t.store.ListChildren(ctx, tenantID, parentID)
	if err != nil || len(children) == 0 {
		return
	}
	var failed []string
	for _, c := range children {
		if !c.Status.IsTerminal() {
			return
		}
		if c.Status == models.StatusFailed {
			failed = append(failed, fmt.Sprintf("pages %s: %s", c.Range(), c.ErrorMessage))
		}
	}

	_, err = t.commit(ctx, parent, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		if cur.Status != models.StatusSplitting {
			return repository.Mutation{}, errSuperseded
		}
		n := cur.Clone()
		if len(failed) == 0 {
			n.Status = models.StatusCompleted
			return repository.Mutation{Doc: n, From: cur.Status, Trigger: TriggerAggregate,
				Message: fmt.Sprintf("%d records completed", len(children))}, nil
		}
		now := t.now().UTC()
		n.Status = models.StatusFailed
		n.ErrorStage = models.StatusSplitting
		n.FailedAt = &now
		n.ErrorMessage = fmt.Sprintf("%d of %d records failed: %s", len(failed), len(children), strings.Join(failed, "; "))
		return repository.Mutation{Doc: n, From: cur.Status, Trigger: TriggerAggregate, Message: n.ErrorMessage}, nil
	})
	if err != nil && !errors.Is(err, errSuperseded) {
		t.logger.Error("Failed to settle container",
			logger.String("processing_document_id", parentID),
			logger.Error(err),
		)
	}
}
