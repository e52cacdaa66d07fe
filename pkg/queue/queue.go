// Package queue carries pipeline work items from the tracker to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const TaskTypeAdvance = "pipeline:advance"

// Queue names, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// DefaultQueues are the asynq weights the worker serves.
var DefaultQueues = map[string]int{QueueCritical: 6, QueueDefault: 3, QueueLow: 1}

// WorkItem asks a worker to advance one processing document. LockVersion is
// the version the publisher saw; workers use it to drop superseded items.
type WorkItem struct {
	ProcessingDocumentID string `json:"processingDocumentId"`
	TenantID             string `json:"tenantId"`
	LockVersion          int64  `json:"lockVersion"`
	Priority             int    `json:"priority"`
	// Nonce makes a re-publish of the same version a distinct task.
	Nonce string `json:"nonce,omitempty"`
}

// TaskID identifies the item so a second publish of the same version is
// dropped by the broker.
func (w WorkItem) TaskID() string {
	id := fmt.Sprintf("%s:%d", w.ProcessingDocumentID, w.LockVersion)
	if w.Nonce != "" {
		id += ":" + w.Nonce
	}
	return id
}

// QueueName maps priority onto a queue: 2+ critical, 1 default, else low.
func QueueName(priority int) string {
	switch {
	case priority >= 2:
		return QueueCritical
	case priority == 1:
		return QueueDefault
	default:
		return QueueLow
	}
}

// Publisher hands work items to whatever runs the workers.
type Publisher interface {
	Publish(ctx context.Context, item WorkItem) error
}

// Remover is implemented by publishers that can withdraw an item that has
// not started yet.
type Remover interface {
	Remove(ctx context.Context, item WorkItem) error
}

// Handler processes one work item.
type Handler func(ctx context.Context, item WorkItem) error

// Config is the asynq publisher configuration.
type Config struct {
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	MaxRetries    int
	TaskTimeout   time.Duration
}

// AsynqQueue publishes work items as asynq tasks.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       Config
	logger    logger.Logger
}

var (
	_ Publisher = (*AsynqQueue)(nil)
	_ Remover   = (*AsynqQueue)(nil)
)

func NewAsynqQueue(cfg Config, log logger.Logger) *AsynqQueue {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg,
		logger:    log.Named("queue"),
	}
}

// NewTask encodes item as an asynq task routed by its priority.
func NewTask(item WorkItem, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work item: %w", err)
	}
	return asynq.NewTask(TaskTypeAdvance, payload,
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.TaskID(item.TaskID()),
		asynq.Queue(QueueName(item.Priority)),
	), nil
}

// DecodeTask is the inverse of NewTask.
func DecodeTask(t *asynq.Task) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(t.Payload(), &item); err != nil {
		return item, fmt.Errorf("failed to unmarshal work item: %w", err)
	}
	if item.ProcessingDocumentID == "" || item.TenantID == "" {
		return item, errors.New("invalid work item: missing required fields")
	}
	return item, nil
}

func (q *AsynqQueue) Publish(ctx context.Context, item WorkItem) error {
	task, err := NewTask(item, q.cfg.MaxRetries, q.cfg.TaskTimeout)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		q.logger.Debug("Work item already queued", logger.String("taskId", item.TaskID()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.logger.Debug("Enqueued work item",
		logger.String("taskId", info.ID),
		logger.String("queue", info.Queue),
	)
	return nil
}

// Remove deletes the pending task for item from its queue.
func (q *AsynqQueue) Remove(ctx context.Context, item WorkItem) error {
	err := q.inspector.DeleteTask(QueueName(item.Priority), item.TaskID())
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	q.inspector.Close()
	return q.client.Close()
}

// MemoryQueue runs items on in-process goroutines. It backs single-binary
// deployments and tests.
type MemoryQueue struct {
	items   chan WorkItem
	logger  logger.Logger

	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Remover   = (*MemoryQueue)(nil)
)

func NewMemoryQueue(buffer int, log logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		items:   make(chan WorkItem, buffer),
		pending: make(map[string]bool),
		logger:  log.Named("queue"),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, item WorkItem) error {
	q.mu.Lock()
	if q.pending[item.TaskID()] {
		q.mu.Unlock()
		return nil
	}
	q.pending[item.TaskID()] = true
	q.mu.Unlock()

	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, item.TaskID())
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Remove marks the item so workers skip it when it is dequeued.
func (q *MemoryQueue) Remove(ctx context.Context, item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[item.TaskID()] {
		q.pending[item.TaskID()] = false
	}
	return nil
}

// Start runs concurrency workers until ctx is cancelled.
func (q *MemoryQueue) Start(ctx context.Context, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-q.items:
					q.mu.Lock()
					live := q.pending[item.TaskID()]
					delete(q.pending, item.TaskID())
					q.mu.Unlock()
					if !live {
						continue
					}
					if err := h(ctx, item); err != nil {
						q.logger.Error("Work item failed",
							logger.String("processing_document_id", item.ProcessingDocumentID),
							logger.Error(err),
						)
					}
				}
			}
		}()
	}
}

// Wait blocks until the workers started by Start have exited.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

// Recorder collects published items for tests to drive by hand.
type Recorder struct {
	mu    sync.Mutex
	items []WorkItem
	Err   error
}

var _ Publisher = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, item WorkItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.items = append(r.items, item)
	return nil
}

// Items returns a copy of everything published so far.
func (r *Recorder) Items() []WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WorkItem(nil), r.items...)
}

// Drain returns and forgets the published items.
func (r *Recorder) Drain() []WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = nil
	return out
}
