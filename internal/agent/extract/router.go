package extract

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// Router sends inputs whose pages all carry embedded text to the text
// parser and everything else to the OCR provider.
type Router struct {
	text   Extractor
	ocr    Extractor
	logger logger.Logger
}

var _ Extractor = (*Router)(nil)

func NewRouter(text, ocr Extractor, log logger.Logger) *Router {
	return &Router{text: text, ocr: ocr, logger: log.Named("extract-router")}
}

func (r *Router) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	if in.AllEmbedded() || r.ocr == nil {
		return r.text.Extract(ctx, in)
	}
	log := logger.FromContext(ctx, r.logger)
	log.Debug("Routing to OCR provider", logger.Int("pages", len(in.Pages)))
	return r.ocr.Extract(ctx, in)
}

// RateLimited throttles calls to a provider per tenant so one tenant's
// backlog cannot use up the provider quota of the others.
type RateLimited struct {
	next  Extractor
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Extractor = (*RateLimited)(nil)

func NewRateLimited(next Extractor, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:     next,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimited) limiter(tenantID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[tenantID] = l
	}
	return l
}

func (r *RateLimited) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	if r.limit > 0 {
		if err := r.limiter(in.TenantID).Wait(ctx); err != nil {
			return nil, ProviderError("rate limiter", err)
		}
	}
	return r.next.Extract(ctx, in)
}
