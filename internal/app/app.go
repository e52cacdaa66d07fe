// Package app assembles the services shared by the server, the worker and
// the operator CLI from one configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/api/handlers"
	"github.com/feichai0017/ingest-pipeline/internal/agent/render"
	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/internal/service/catalog"
	"github.com/feichai0017/ingest-pipeline/internal/service/dedup"
	"github.com/feichai0017/ingest-pipeline/internal/service/ingest"
	"github.com/feichai0017/ingest-pipeline/internal/service/links"
	"github.com/feichai0017/ingest-pipeline/internal/service/pipeline"
	"github.com/feichai0017/ingest-pipeline/internal/utils/validator"
	"github.com/feichai0017/ingest-pipeline/pkg/events"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/queue"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
)

type Options struct {
	// Extraction builds the renderer and extraction providers. Only
	// processes that advance documents need them.
	Extraction bool
}

type App struct {
	Config      *cfg.Config
	Logger      logger.Logger
	Store       *repository.Store
	Blobs       storage.BlobStore
	Redis       redis.UniversalClient
	Publisher   queue.Publisher
	Events      events.Sink
	Idempotency idempotency.Store
	Validator   *validator.DocumentValidator
	Tracker     *pipeline.Tracker
	Gateway     ingest.Gateway
	Catalog     catalog.Browser
	Links       links.LinkManager

	closers []func() error
}

// New opens every backend. On error whatever was opened is closed again.
func New(ctx context.Context, c *cfg.Config, log logger.Logger, opts Options) (a *App, err error) {
	a = &App{Config: c, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.Store, err = repository.Open(ctx, repository.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}, log); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Redis = NewRedisClient(c); a.Redis != nil {
		a.closers = append(a.closers, a.Redis.Close)
	}
	if a.Blobs, err = NewBlobStore(ctx, c.Storage, log); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if a.Idempotency, err = NewIdempotencyStore(c.Idempotency.Backend, a.Store, a.Redis); err != nil {
		return nil, err
	}
	if a.Events, err = NewEventSink(c.Events, a.Redis, log); err != nil {
		return nil, err
	}
	a.Publisher = NewPublisher(c, log)
	if q, ok := a.Publisher.(*queue.AsynqQueue); ok {
		a.closers = append(a.closers, q.Close)
	}

	p := c.Pipeline
	detector := dedup.NewDetector(a.Store, dedup.Options{
		Scope:       dedup.Scope(p.DuplicateScope),
		MaxDistance: p.PageReuseDistance,
	}, log)
	deps := pipeline.Deps{
		Store:      a.Store,
		Classifier: detector,
		Blobs:      a.Blobs,
		Publisher:  a.Publisher,
		Events:     a.Events,
	}
	if opts.Extraction {
		deps.Renderer = render.NewPageRenderer(render.Options{
			DPI:                  p.RenderDPI,
			MinEmbeddedTextChars: p.MinEmbeddedTextChars,
		}, log)
		extractor, closer, err := NewExtractor(ctx, c, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize extraction: %w", err)
		}
		deps.Extractor = extractor
		a.closers = append(a.closers, closer)
	}
	a.Tracker = pipeline.NewTracker(deps, pipeline.Config{
		RenderDPI:           p.RenderDPI,
		ReclassifyPolicy:    p.ReclassifyPolicy,
		MaxTransientRetries: p.MaxTransientRetries,
		InitialBackoff:      p.InitialBackoff,
		MaxBackoff:          p.MaxBackoff,
		BackoffMultiplier:   p.BackoffMultiplier,
		ExtractionTimeout:   c.Extraction.Timeout,
		StallTimeout:        p.StallTimeout,
		MaxConflictRetries:  p.MaxConflictRetries,
		OCRProvider:         ocrProvider(c.Extraction.Provider),
	}, log)

	a.Validator = validator.NewDocumentValidator(log, &validator.ValidatorConfig{
		MaxFileSize:  p.MaxFileSize,
		AllowedTypes: p.AllowedMimeTypes,
	})
	guard := idempotency.NewGuard(a.Idempotency, idempotency.GuardConfig{
		TTL:          c.Idempotency.TTL,
		Lease:        c.Idempotency.Lease,
		Wait:         c.Idempotency.Wait,
		PollInterval: c.Idempotency.PollInterval,
	}, log)
	a.Gateway = ingest.NewService(a.Validator, guard, a.Blobs, a.Store, detector, a.Tracker, a.Events, log,
		&ingest.ServiceConfig{
			ContainerMimeTypes: p.ContainerMimeTypes,
			DefaultSplitMode:   models.SplitMode(p.SplitMode),
		})
	a.Catalog = catalog.NewService(a.Store, a.Blobs, log, &catalog.ServiceConfig{PresignTTL: c.Server.PresignTTL})
	a.Links = links.NewService(a.Store, log)
	return a, nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Pingers lists the dependencies checked by readiness probes.
func (a *App) Pingers() map[string]handlers.Pinger {
	out := map[string]handlers.Pinger{"database": a.Store}
	if a.Redis != nil {
		out["redis"] = redisPinger{a.Redis}
	}
	return out
}

// Handlers builds the HTTP layer over the assembled services.
func (a *App) Handlers() *handlers.Handlers {
	return handlers.NewHandlers(a.Gateway, a.Tracker, a.Catalog, a.Links, a.Config.Pipeline.MaxFileSize, a.Logger)
}

type redisPinger struct {
	rdb redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
