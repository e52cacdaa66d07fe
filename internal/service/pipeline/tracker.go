// Package pipeline tracks processing documents through the pipeline state
// machine and runs the splitting and extraction stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

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

// Triggers recorded in the transition log.
const (
	TriggerUpload     = "upload"
	TriggerEnqueue    = "enqueue"
	TriggerClaim      = "claim"
	TriggerSplit      = "split"
	TriggerExtract    = "extract"
	TriggerAggregate  = "aggregate"
	TriggerFailure    = "failure"
	TriggerCancel     = "cancel"
	TriggerRequeue    = "requeue"
	TriggerReclassify = "reclassify"
	TriggerTakeover   = "takeover"
	TriggerRecover    = "recover"
	TriggerManual     = "manual"
)

// Reclassify policies.
const (
	ReclassifyAnnotate = "annotate"
	ReclassifyRequeue  = "requeue"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error)
	CreateProcessingDocument(ctx context.Context, pd *models.ProcessingDocument, trigger string) error
	GetProcessingDocument(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error)
	ListChildren(ctx context.Context, tenantID, parentID string) ([]*models.ProcessingDocument, error)
	ListStalled(ctx context.Context, statuses []models.PipelineStatus, before time.Time, limit int) ([]*models.ProcessingDocument, error)
	ApplyTransition(ctx context.Context, m repository.Mutation) (*models.ProcessingDocument, error)
	MaxPageGeneration(ctx context.Context, tenantID, pdID string) (int, error)
	PagesOf(ctx context.Context, pd *models.ProcessingDocument) ([]*models.DocumentPage, error)
}

// Classifier is the duplicate detector.
type Classifier interface {
	Classify(ctx context.Context, doc *models.Document) (dedup.Result, error)
	MatchPages(ctx context.Context, tenantID, pdID string, pages []*models.DocumentPage) (int, error)
}

type Config struct {
	RenderDPI           int
	ReclassifyPolicy    string
	MaxTransientRetries int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	ExtractionTimeout   time.Duration
	// StallTimeout is how long a document may sit in a stage without an
	// update before another worker may take it over.
	StallTimeout       time.Duration
	MaxConflictRetries int
	UploadConcurrency  int
	// OCRProvider is recorded on pages that need OCR. Empty means no OCR
	// provider is configured and such pages are marked as having no text.
	OCRProvider string
}

func (c *Config) setDefaults() {
	if c.RenderDPI <= 0 {
		c.RenderDPI = render.DefaultDPI
	}
	if c.ReclassifyPolicy == "" {
		c.ReclassifyPolicy = ReclassifyAnnotate
	}
	if c.MaxTransientRetries < 0 {
		c.MaxTransientRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.ExtractionTimeout <= 0 {
		c.ExtractionTimeout = 60 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 15 * time.Minute
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 5
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	}
}

// Tracker owns every state change of a processing document.
type Tracker struct {
	store      Store
	classifier Classifier
	renderer   render.Renderer
	extractor  extract.Extractor
	blobs      storage.BlobStore
	publisher  queue.Publisher
	events     events.Sink
	cfg        Config
	now        func() time.Time
	logger     logger.Logger
}

type Deps struct {
	Store      Store
	Classifier Classifier
	Renderer   render.Renderer
	Extractor  extract.Extractor
	Blobs      storage.BlobStore
	Publisher  queue.Publisher
	Events     events.Sink
}

func NewTracker(d Deps, cfg Config, log logger.Logger) *Tracker {
	cfg.setDefaults()
	sink := d.Events
	if sink == nil {
		sink = events.Discard{}
	}
	return &Tracker{
		store:      d.Store,
		classifier: d.Classifier,
		renderer:   d.Renderer,
		extractor:  d.Extractor,
		blobs:      d.Blobs,
		publisher:  d.Publisher,
		events:     sink,
		cfg:        cfg,
		now:        time.Now,
		logger:     log.Named("tracker"),
	}
}

// SetClock replaces the time source; tests use it to age documents.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// errSuperseded stops a stage whose document was moved on by someone else.
var errSuperseded = errors.New("processing document was superseded")

// Create persists pd in PENDING, moves it to QUEUED and publishes a work
// item. A publish failure is logged and left to RecoverStalled; the
// document is durable either way.
func (t *Tracker) Create(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	if pd.ID == "" {
		pd.ID = uuid.NewString()
	}
	if pd.DuplicateStatus == "" {
		pd.DuplicateStatus = models.DuplicateUnchecked
	}
	pd.Status = models.StatusPending
	if err := t.store.CreateProcessingDocument(ctx, pd, TriggerUpload); err != nil {
		return nil, fmt.Errorf("failed to create processing document: %w", err)
	}

	queued, err := t.enqueue(ctx, pd, TriggerEnqueue)
	if err != nil {
		return nil, err
	}
	return queued, nil
}

// enqueue moves a PENDING or FAILED document to QUEUED and publishes it.
func (t *Tracker) enqueue(ctx context.Context, pd *models.ProcessingDocument, trigger string) (*models.ProcessingDocument, error) {
	next := pd.Clone()
	next.Status = models.StatusQueued
	queued, err := t.apply(ctx, repository.Mutation{Doc: next, From: pd.Status, Trigger: trigger})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, queued, "")
	return queued, nil
}

func (t *Tracker) publish(ctx context.Context, pd *models.ProcessingDocument, nonce string) {
	item := queue.WorkItem{
		ProcessingDocumentID: pd.ID,
		TenantID:             pd.TenantID,
		LockVersion:          pd.LockVersion,
		Priority:             pd.Priority,
		Nonce:                nonce,
	}
	if err := t.publisher.Publish(ctx, item); err != nil {
		t.logger.Error("Failed to publish work item, recovery will retry",
			logger.String("processing_document_id", pd.ID),
			logger.Error(err),
		)
	}
}

// Transition moves a document to status to, provided it is still at
// expectedVersion and the edge exists.
func (t *Tracker) Transition(ctx context.Context, tenantID, id string, expectedVersion int64, to models.PipelineStatus, trigger string) (*models.ProcessingDocument, error) {
	pd, err := t.store.GetProcessingDocument(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if pd.LockVersion != expectedVersion {
		return nil, apperr.ErrStaleVersion
	}
	if !models.CanTransition(pd.Status, to, pd.IsContainer) {
		return nil, invalidTransition(pd.Status, to)
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	next := pd.Clone()
	next.Status = to
	if to == models.StatusFailed {
		now := t.now().UTC()
		next.FailedAt = &now
		next.ErrorStage = pd.Status
		if next.ErrorMessage == "" {
			next.ErrorMessage = "failed by " + trigger
		}
	}
	return t.apply(ctx, repository.Mutation{Doc: next, From: pd.Status, Trigger: trigger})
}

func invalidTransition(from, to models.PipelineStatus) error {
	return apperr.Wrap(apperr.KindConflict, apperr.ErrInvalidTransition.Code,
		fmt.Sprintf("cannot move from %s to %s", from, to), nil)
}

// apply writes m and emits the matching events.
func (t *Tracker) apply(ctx context.Context, m repository.Mutation) (*models.ProcessingDocument, error) {
	if m.From != m.Doc.Status && !models.CanTransition(m.From, m.Doc.Status, m.Doc.IsContainer) {
		return nil, invalidTransition(m.From, m.Doc.Status)
	}
	next, err := t.store.ApplyTransition(ctx, m)
	if err != nil {
		return nil, err
	}
	if m.From != next.Status {
		log := logger.FromContext(ctx, t.logger)
		log.Info("Processing document transitioned",
			logger.String("processing_document_id", next.ID),
			logger.String("from", string(m.From)),
			logger.String("to", string(next.Status)),
			logger.String("trigger", m.Trigger),
			logger.Int64("version", next.LockVersion),
		)
		e := events.New(events.StageTransition, next.TenantID, next.DocumentID, next.ID,
			fmt.Sprintf("%s -> %s", m.From, next.Status))
		e.Attributes = map[string]string{"from": string(m.From), "to": string(next.Status), "trigger": m.Trigger}
		t.events.Emit(ctx, e)
		if next.Status.IsTerminal() {
			summary := string(next.Status)
			if next.ErrorMessage != "" {
				summary += ": " + next.ErrorMessage
			}
			t.events.Emit(ctx, events.New(events.TerminalState, next.TenantID, next.DocumentID, next.ID, summary))
		}
	}
	return next, nil
}

// commit applies the mutation built from the current row, reloading and
// rebuilding on a stale version. build returns errSuperseded when the
// reloaded row no longer wants this write. A cancellation observed on
// reload fails the document instead.
func (t *Tracker) commit(ctx context.Context, pd *models.ProcessingDocument, build func(cur *models.ProcessingDocument) (repository.Mutation, error)) (*models.ProcessingDocument, error) {
	cur := pd
	for attempt := 0; ; attempt++ {
		m, err := build(cur)
		if err != nil {
			return nil, err
		}
		next, err := t.apply(ctx, m)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, apperr.ErrStaleVersion) || attempt >= t.cfg.MaxConflictRetries {
			return nil, err
		}

		reloaded, rerr := t.store.GetProcessingDocument(ctx, pd.TenantID, pd.ID)
		if rerr != nil {
			return nil, rerr
		}
		t.logger.Debug("Stale write, reloaded",
			logger.String("processing_document_id", pd.ID),
			logger.Int64("expected", cur.LockVersion),
			logger.Int64("actual", reloaded.LockVersion),
		)
		if reloaded.Status != pd.Status {
			return nil, errSuperseded
		}
		if reloaded.CancelRequested && !pd.CancelRequested && !reloaded.Status.IsTerminal() {
			if _, err := t.fail(ctx, reloaded, cancelError(reloaded), TriggerCancel); err != nil {
				return nil, err
			}
			return nil, errSuperseded
		}
		cur = reloaded
	}
}

func cancelError(pd *models.ProcessingDocument) error {
	reason := pd.CancelReason
	if reason == "" {
		reason = "cancelled by user"
	}
	return apperr.Wrap(apperr.KindValidation, apperr.ErrCancelled.Code, reason, nil)
}

// fail moves pd to FAILED recording the error on the row, then settles the
// parent of a child.
func (t *Tracker) fail(ctx context.Context, pd *models.ProcessingDocument, cause error, trigger string) (*models.ProcessingDocument, error) {
	message := apperr.PublicMessage(cause)
	if apperr.KindOf(cause) == apperr.KindInternal || apperr.KindOf(cause) == apperr.KindTransient {
		message = cause.Error()
	}

	failed, err := t.commit(ctx, pd, func(cur *models.ProcessingDocument) (repository.Mutation, error) {
		if cur.Status.IsTerminal() {
			return repository.Mutation{}, errSuperseded
		}
		next := cur.Clone()
		now := t.now().UTC()
		next.Status = models.StatusFailed
		next.ErrorMessage = message
		next.ErrorStage = cur.Status
		next.FailedAt = &now
		return repository.Mutation{Doc: next, From: cur.Status, Trigger: trigger, Message: message}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx, t.logger).Warn("Processing document failed",
		logger.String("processing_document_id", failed.ID),
		logger.String("stage", string(failed.ErrorStage)),
		logger.String("error", message),
	)
	if failed.ParentID != "" {
		t.settleParent(ctx, failed.TenantID, failed.ParentID)
	}
	return failed, nil
}

// Get returns one processing document.
func (t *Tracker) Get(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error) {
	return t.store.GetProcessingDocument(ctx, tenantID, id)
}
