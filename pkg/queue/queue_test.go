package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

func TestWorkItemTaskID(t *testing.T) {
	item := WorkItem{ProcessingDocumentID: "pd-1", TenantID: "t", LockVersion: 3}
	assert.Equal(t, "pd-1:3", item.TaskID())
	item.Nonce = "recover-1"
	assert.Equal(t, "pd-1:3:recover-1", item.TaskID())
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, QueueLow, QueueName(0))
	assert.Equal(t, QueueLow, QueueName(-1))
	assert.Equal(t, QueueDefault, QueueName(1))
	assert.Equal(t, QueueCritical, QueueName(2))
	assert.Equal(t, QueueCritical, QueueName(9))
}

func TestTaskEncoding(t *testing.T) {
	item := WorkItem{ProcessingDocumentID: "pd-1", TenantID: "t", LockVersion: 2, Priority: 2}
	task, err := NewTask(item, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeAdvance, task.Type())

	got, err := DecodeTask(task)
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestMemoryQueue_DedupesAndRemoves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue(16, logger.NewNop())
	a := WorkItem{ProcessingDocumentID: "a", TenantID: "t", LockVersion: 1}
	b := WorkItem{ProcessingDocumentID: "b", TenantID: "t", LockVersion: 1}
	require.NoError(t, q.Publish(ctx, a))
	require.NoError(t, q.Publish(ctx, a))
	require.NoError(t, q.Publish(ctx, b))
	require.NoError(t, q.Remove(ctx, b))

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)
	wg.Add(1)
	q.Start(ctx, 2, func(ctx context.Context, item WorkItem) error {
		mu.Lock()
		seen = append(seen, item.ProcessingDocumentID)
		mu.Unlock()
		wg.Done()
		return nil
	})
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	cancel()
	q.Wait()

	assert.Equal(t, []string{"a"}, seen)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(context.Background(), WorkItem{ProcessingDocumentID: "a"}))
	assert.Len(t, r.Items(), 1)
	assert.Len(t, r.Drain(), 1)
	assert.Empty(t, r.Items())
}
