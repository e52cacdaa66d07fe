package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/internal/agent/extract"
	"github.com/feichai0017/ingest-pipeline/internal/agent/extract/tesseract"
	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/pkg/events"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
	"github.com/feichai0017/ingest-pipeline/pkg/storage/gcs"
	"github.com/feichai0017/ingest-pipeline/pkg/storage/memory"
	"github.com/feichai0017/ingest-pipeline/pkg/storage/minio"
	"github.com/feichai0017/ingest-pipeline/pkg/storage/s3"
)

// NewBlobStore builds the backend named by storage.type.
func NewBlobStore(ctx context.Context, c cfg.StorageConfig, log logger.Logger) (storage.BlobStore, error) {
	switch c.Type {
	case "s3":
		return s3.NewS3Storage(ctx, c.S3, log)
	case "minio":
		return minio.NewMinioStorage(ctx, c.Minio, log)
	case "gcs":
		return gcs.NewGCSStorage(ctx, c.GCS, log)
	case "memory":
		return memory.NewMemoryStorage(log), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Type)
	}
}

// NewIdempotencyStore builds the backend named by idempotency.backend.
func NewIdempotencyStore(backend string, store *repository.Store, rdb redis.UniversalClient) (idempotency.Store, error) {
	switch backend {
	case "sql":
		return store.Idempotency(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis idempotency backend needs a redis client")
		}
		return idempotency.NewRedisStore(rdb), nil
	case "memory":
		return idempotency.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency backend: %s", backend)
	}
}

// NewEventSink fans out to every configured sink.
func NewEventSink(c cfg.EventsConfig, rdb redis.UniversalClient, log logger.Logger) (events.Sink, error) {
	var sinks events.Multi
	for _, name := range c.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, events.NewLogSink(log))
		case "redis":
			if rdb == nil {
				return nil, fmt.Errorf("redis event sink needs a redis client")
			}
			sinks = append(sinks, events.NewRedisSink(rdb, c.RedisChannel, log))
		case "cloudevents":
			ce, err := events.NewCloudEventsSink(c.CloudEventsTarget, c.Source, log)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, ce)
		default:
			return nil, fmt.Errorf("unsupported event sink: %s", name)
		}
	}
	if len(sinks) == 0 {
		return events.Discard{}, nil
	}
	return sinks, nil
}

// NewPublisher returns the asynq publisher or the in-process queue.
func NewPublisher(c *cfg.Config, log logger.Logger) queue.Publisher {
	if c.Worker.Queue == "memory" {
		return queue.NewMemoryQueue(1024, log)
	}
	return queue.NewAsynqQueue(queue.Config{
		RedisAddr:     c.Redis.Addr,
		RedisDB:       c.Redis.DB,
		RedisPassword: c.Redis.Password,
		TaskTimeout:   c.Worker.TaskTimeout,
	}, log)
}

// NewExtractor routes fully embedded documents to the text parser and the
// rest to the configured OCR provider, throttled per tenant. The returned
// closer releases provider clients.
func NewExtractor(ctx context.Context, c *cfg.Config, log logger.Logger) (extract.Extractor, func() error, error) {
	noop := func() error { return nil }
	text := extract.NewTextParser(log)

	var (
		ocr    extract.Extractor
		closer = noop
	)
	e := c.Extraction
	switch e.Provider {
	case "textract":
		client, err := extract.NewTextractClient(ctx, e.Textract)
		if err != nil {
			return nil, nil, err
		}
		ocr = extract.NewTextractExtractor(client, e.Textract.MinConfidence, log)
	case "ollama":
		o := extract.NewOllamaExtractor(extract.OllamaOptions{
			Endpoint:    e.Ollama.Endpoint,
			Model:       e.Ollama.Model,
			Temperature: e.Ollama.Temperature,
			Timeout:     e.Timeout,
		}, log)
		ocr, closer = o, o.Close
	case "vertex":
		if c.Storage.GCS == nil {
			return nil, nil, fmt.Errorf("vertex extraction needs the gcs project settings")
		}
		v, err := extract.NewVertexExtractor(ctx, c.Storage.GCS.ProjectID, c.Storage.GCS.VertexLocation, c.Storage.GCS.VertexModel, log)
		if err != nil {
			return nil, nil, err
		}
		ocr, closer = v, v.Close
	case "tesseract":
		ocr = tesseract.NewExtractor(e.Tesseract.Languages, log)
	case "text":
	default:
		return nil, nil, fmt.Errorf("unsupported extraction provider: %s", e.Provider)
	}

	if ocr != nil && e.RatePerSecond > 0 {
		ocr = extract.NewRateLimited(ocr, e.RatePerSecond, e.Burst)
	}
	return extract.NewRouter(text, ocr, log), closer, nil
}

// NewRedisClient is nil when nothing in the configuration needs redis.
// ocrProvider names the provider recorded on pages that need OCR. The
// built-in text parser does no OCR.
func ocrProvider(provider string) string {
	if provider == "text" {
		return ""
	}
	return provider
}

func NewRedisClient(c *cfg.Config) redis.UniversalClient {
	need := c.Idempotency.Backend == "redis" || c.Worker.Queue == "asynq"
	for _, s := range c.Events.Sinks {
		if s == "redis" {
			need = true
		}
	}
	if !need {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		DB:       c.Redis.DB,
		Password: c.Redis.Password,
	})
}
