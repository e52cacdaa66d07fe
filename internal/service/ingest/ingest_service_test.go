package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/internal/service/dedup"
	"github.com/feichai0017/ingest-pipeline/internal/service/ingest"
	"github.com/feichai0017/ingest-pipeline/internal/service/pipeline"
	"github.com/feichai0017/ingest-pipeline/internal/utils/validator"
	"github.com/feichai0017/ingest-pipeline/pkg/events"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
	"github.com/feichai0017/ingest-pipeline/pkg/storage/memory"
)

// flakyBlobs fails the first failures uploads.
type flakyBlobs struct {
	storage.BlobStore
	failures atomic.Int32
}

func (f *flakyBlobs) Upload(ctx context.Context, key string, r io.Reader, size int64, ct string) (storage.ObjectInfo, error) {
	if f.failures.Add(-1) >= 0 {
		return storage.ObjectInfo{}, storage.Unavailable("upload", key, errors.New("connection reset"))
	}
	return f.BlobStore.Upload(ctx, key, r, size, ct)
}

// flakyTracker fails the first failures registrations.
type flakyTracker struct {
	ingest.Tracker
	failures atomic.Int32
}

func (f *flakyTracker) Create(ctx context.Context, pd *models.ProcessingDocument) (*models.ProcessingDocument, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, apperr.Transient("tracker unavailable", errors.New("database is locked"))
	}
	return f.Tracker.Create(ctx, pd)
}

type fixture struct {
	store   *repository.Store
	blobs   *flakyBlobs
	tracker *flakyTracker
	limits  *validator.ValidatorConfig
	queue   *queue.Recorder
	events  *events.Recorder
	gateway ingest.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "ingest.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logger.NewTestLogger()
	f := &fixture{
		store:  store,
		blobs:  &flakyBlobs{BlobStore: memory.NewMemoryStorage(log)},
		queue:  queue.NewRecorder(),
		events: events.NewRecorder(),
	}
	detector := dedup.NewDetector(store, dedup.Options{}, log)
	tracker := pipeline.NewTracker(pipeline.Deps{
		Store:      store,
		Classifier: detector,
		Blobs:      f.blobs,
		Publisher:  f.queue,
		Events:     f.events,
	}, pipeline.Config{}, log)
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.GuardConfig{
		TTL:          time.Hour,
		Lease:        time.Minute,
		Wait:         5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, log)
	f.tracker = &flakyTracker{Tracker: tracker}
	f.limits = &validator.ValidatorConfig{
		MaxFileSize:  4096,
		AllowedTypes: []string{"application/pdf", "image/png"},
	}
	f.gateway = ingest.NewService(
		validator.NewDocumentValidator(log, f.limits),
		guard, f.blobs, store, detector, f.tracker, f.events, log,
		&ingest.ServiceConfig{ContainerMimeTypes: []string{"application/pdf"}, DefaultSplitMode: models.SplitPerPage},
	)
	return f
}

func pdf(marker string) []byte {
	return []byte("%PDF-1.4\n% " + marker + "\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")
}

func request(data []byte, key string) ingest.SubmitRequest {
	return ingest.SubmitRequest{
		TenantID:       "t1",
		CompanyID:      "c1",
		Data:           data,
		Filename:       "statement.pdf",
		MimeType:       "application/pdf",
		IdempotencyKey: key,
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.gateway.Submit(ctx, request(pdf("a"), ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.False(t, res.Replayed)
	assert.Equal(t, models.StatusQueued, res.Response.Status)
	assert.Nil(t, res.Response.DuplicateWarning)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, res.Response.ProcessingDocumentID, body["processingDocumentId"])
	assert.NotContains(t, body, "duplicateWarning")

	pd, err := f.store.GetProcessingDocument(ctx, "t1", res.Response.ProcessingDocumentID)
	require.NoError(t, err)
	assert.True(t, pd.IsContainer, "pdf uploads are containers by default")
	assert.Equal(t, models.SplitPerPage, pd.SplitMode)
	assert.Equal(t, models.DuplicateUnique, pd.DuplicateStatus)

	doc, err := f.store.GetDocument(ctx, "t1", res.Response.DocumentID)
	require.NoError(t, err)
	stored, err := storage.ReadAll(ctx, f.blobs, doc.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, pdf("a"), stored)

	assert.Len(t, f.queue.Items(), 1)
	assert.Len(t, f.events.OfType(events.UploadAccepted), 1)
}

func TestSubmit_DuplicateWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.gateway.Submit(ctx, request(pdf("same"), ""))
	require.NoError(t, err)
	second, err := f.gateway.Submit(ctx, request(pdf("same"), ""))
	require.NoError(t, err)

	require.NotNil(t, second.Response.DuplicateWarning)
	assert.Equal(t, first.Response.DocumentID, second.Response.DuplicateWarning.MatchedDocumentID)
	assert.NotEqual(t, first.Response.ProcessingDocumentID, second.Response.ProcessingDocumentID,
		"duplicates are accepted and tracked separately")
	assert.Len(t, f.events.OfType(events.DuplicateDetected), 1)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)
	second, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Body, second.Body, "replays are byte-identical")
	assert.Len(t, f.queue.Items(), 1)

	// a different tenant has its own key space
	other := request(pdf("a"), "key-1")
	other.TenantID = "t2"
	third, err := f.gateway.Submit(ctx, other)
	require.NoError(t, err)
	assert.False(t, third.Replayed)
}

func TestSubmit_KeyMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)
	_, err = f.gateway.Submit(ctx, request(pdf("b"), "key-1"))
	assert.ErrorIs(t, err, apperr.ErrKeyMismatch)
	assert.Equal(t, http.StatusUnprocessableEntity, apperr.HTTPStatus(err))
}

func TestSubmit_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 8
	results := make([]*ingest.SubmitResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.gateway.Submit(ctx, request(pdf("race"), "key-race"))
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			fresh++
		}
		assert.Equal(t, results[0].Body, results[i].Body)
	}
	assert.Equal(t, 1, fresh, "exactly one request does the work")
	assert.Len(t, f.queue.Items(), 1)
}

func TestSubmit_FailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.blobs.failures.Store(1)

	_, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))

	res, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed, "the retry runs the request again")
}

func TestSubmit_TrackerFailureLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tracker.failures.Store(1)

	_, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.Error(t, err)

	res, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Nil(t, res.Response.DuplicateWarning, "the failed attempt is not a prior upload")
	assert.Empty(t, f.events.OfType(events.DuplicateDetected))

	objects, err := f.blobs.List(ctx, "tenants/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	doc, err := f.store.GetDocument(ctx, "t1", res.Response.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, doc.StorageKey, objects[0].Key)
	assert.Len(t, f.queue.Items(), 1)
}

func TestSubmit_ReplaySurvivesStricterLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)

	f.limits.MaxFileSize = 16
	f.limits.AllowedTypes = []string{"image/png"}

	second, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)

	// without a key the same upload is now refused
	_, err = f.gateway.Submit(ctx, request(pdf("a"), ""))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSubmit_ValidationFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.limits.MaxFileSize = 16

	_, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apperr.HTTPStatus(err))

	f.limits.MaxFileSize = 4096
	res, err := f.gateway.Submit(ctx, request(pdf("a"), "key-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)
	no := false

	tests := []struct {
		name   string
		mutate func(r *ingest.SubmitRequest)
		kind   apperr.Kind
		status int
	}{
		{"no tenant", func(r *ingest.SubmitRequest) { r.TenantID = "" }, apperr.KindPermission, http.StatusForbidden},
		{"no company", func(r *ingest.SubmitRequest) { r.CompanyID = " " }, apperr.KindValidation, http.StatusBadRequest},
		{"too large", func(r *ingest.SubmitRequest) { r.Data = append(pdf("x"), bytes.Repeat([]byte{' '}, 5000)...) },
			apperr.KindValidation, http.StatusRequestEntityTooLarge},
		{"not allowed", func(r *ingest.SubmitRequest) { r.Data = []byte("plain text notes"); r.MimeType = "text/plain" },
			apperr.KindValidation, http.StatusUnsupportedMediaType},
		{"unknown split mode", func(r *ingest.SubmitRequest) { r.SplitMode = "chapters" }, apperr.KindValidation, http.StatusBadRequest},
		{"ranges without mode", func(r *ingest.SubmitRequest) { r.PageRanges = []models.PageRange{{From: 1, To: 1}} },
			apperr.KindValidation, http.StatusBadRequest},
		{"split of a standalone", func(r *ingest.SubmitRequest) { r.Container = &no; r.SplitMode = models.SplitPerPage },
			apperr.KindValidation, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(pdf(uuid.NewString()), "")
			tt.mutate(&req)
			_, err := f.gateway.Submit(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.status, apperr.HTTPStatus(err))
		})
	}
	assert.Empty(t, f.queue.Items())
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)
	standalone := false

	reqs := []ingest.SubmitRequest{
		request(pdf("one"), "ignored"),
		request([]byte("not a document"), ""),
		request(pdf("three"), ""),
	}
	reqs[2].Container = &standalone

	items := f.gateway.SubmitBatch(context.Background(), reqs)
	require.Len(t, items, 3)
	assert.Equal(t, http.StatusAccepted, items[0].StatusCode)
	require.NotNil(t, items[0].Result)
	assert.Equal(t, http.StatusUnsupportedMediaType, items[1].StatusCode)
	assert.Equal(t, "unsupported_media_type", items[1].Code)
	assert.Nil(t, items[1].Result)
	assert.Equal(t, http.StatusAccepted, items[2].StatusCode)
	assert.Len(t, f.queue.Items(), 2)
}
