package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
)

type advancerFunc func(ctx context.Context, item queue.WorkItem) error

func (f advancerFunc) Advance(ctx context.Context, item queue.WorkItem) error { return f(ctx, item) }

func newTestWorker(f advancerFunc) (*PipelineWorker, *logger.TestLogger) {
	log := logger.NewTestLogger()
	return &PipelineWorker{
		BaseWorker: BaseWorker{logger: log, stopChan: make(chan struct{})},
		advancer:   f,
	}, log
}

func task(t *testing.T, item queue.WorkItem) *asynq.Task {
	t.Helper()
	tk, err := queue.NewTask(item, 3, time.Minute)
	require.NoError(t, err)
	return tk
}

func TestHandleTask_PassesItemThrough(t *testing.T) {
	var got queue.WorkItem
	w, _ := newTestWorker(func(ctx context.Context, item queue.WorkItem) error {
		got = item
		return nil
	})
	item := queue.WorkItem{ProcessingDocumentID: "pd", TenantID: "t", LockVersion: 2}
	require.NoError(t, w.HandleTask(context.Background(), task(t, item)))
	assert.Equal(t, item, got)
}

func TestHandleTask_RetryClassification(t *testing.T) {
	item := queue.WorkItem{ProcessingDocumentID: "pd", TenantID: "t", LockVersion: 1}

	w, _ := newTestWorker(func(ctx context.Context, item queue.WorkItem) error {
		return apperr.Transient("database unavailable", errors.New("dial tcp"))
	})
	err := w.HandleTask(context.Background(), task(t, item))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	w, log := newTestWorker(func(ctx context.Context, item queue.WorkItem) error {
		return apperr.NotFound("processing document")
	})
	err = w.HandleTask(context.Background(), task(t, item))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.NotEmpty(t, log.Messages("ERROR"))
}

func TestHandleTask_BadPayload(t *testing.T) {
	w, _ := newTestWorker(func(ctx context.Context, item queue.WorkItem) error {
		t.Fatal("advancer must not run")
		return nil
	})
	err := w.HandleTask(context.Background(), asynq.NewTask(queue.TaskTypeAdvance, []byte(`{"tenantId":"t"}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
