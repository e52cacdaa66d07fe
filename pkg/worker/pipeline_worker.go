package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
)

// Advancer moves one processing document forward.
type Advancer interface {
	Advance(ctx context.Context, item queue.WorkItem) error
}

// PipelineWorker consumes pipeline:advance tasks.
type PipelineWorker struct {
	BaseWorker
	advancer Advancer
}

func NewPipelineWorker(cfg *Config, advancer Advancer, log logger.Logger) *PipelineWorker {
	log = log.Named("worker")
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = queue.DefaultQueues
	}
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)

	w := &PipelineWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log,
			stopChan: make(chan struct{}),
		},
		advancer: advancer,
	}
	w.mux.HandleFunc(queue.TaskTypeAdvance, w.HandleTask)
	return w
}

// HandleTask decodes the work item and advances it. Errors that retrying
// cannot fix skip the asynq retry budget.
func (w *PipelineWorker) HandleTask(ctx context.Context, t *asynq.Task) error {
	item, err := queue.DecodeTask(t)
	if err != nil {
		w.logger.Error("Failed to decode task",
			logger.String("payload", string(t.Payload())),
			logger.Error(err),
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	ctx = logger.WithTenant(ctx, item.TenantID)
	ctx = logger.WithProcessingDocument(ctx, item.ProcessingDocumentID)
	log := logger.FromContext(ctx, w.logger)
	log.Debug("Processing work item", logger.Int64("lockVersion", item.LockVersion))

	if err := w.advancer.Advance(ctx, item); err != nil {
		if apperr.IsRetryable(err) {
			log.Warn("Work item will be retried", logger.Error(err))
			return err
		}
		log.Error("Work item failed", logger.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
