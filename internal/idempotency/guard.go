package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

type GuardConfig struct {
	TTL          time.Duration
	Lease        time.Duration
	Wait         time.Duration
	PollInterval time.Duration
}

// Guard runs the reserve / replay / wait protocol on top of a Store.
type Guard struct {
	store  Store
	cfg    GuardConfig
	now    func() time.Time
	logger logger.Logger
}

func NewGuard(store Store, cfg GuardConfig, log logger.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Guard{store: store, cfg: cfg, now: time.Now, logger: log.Named("idempotency")}
}

// Claim is the outcome of Begin. Replay holds the stored response to send
// back; when it is nil the caller owns the key and must Finish or Abort.
type Claim struct {
	Replay *Record
	held   *Record
}

// Owned reports whether the caller holds the reservation.
func (c *Claim) Owned() bool {
	return c != nil && c.held != nil
}

// Begin claims key for the caller. Concurrent holders are waited on for up
// to the configured wait, after which the request fails with
// request_in_progress.
func (g *Guard) Begin(ctx context.Context, tenantID, endpoint, key, requestHash string) (*Claim, error) {
	deadline := g.now().Add(g.cfg.Wait)
	for {
		now := g.now().Round(0)
		rec := &Record{
			TenantID:    tenantID,
			Endpoint:    endpoint,
			Key:         key,
			RequestHash: requestHash,
			State:       StateInFlight,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.cfg.Lease),
		}
		existing, err := g.store.Reserve(ctx, rec)
		if err != nil {
			return nil, apperr.Transient("idempotency reserve failed", err)
		}
		if existing == nil {
			return &Claim{held: rec}, nil
		}
		if existing.RequestHash != requestHash {
			return nil, apperr.ErrKeyMismatch
		}
		if existing.State == StateCompleted {
			g.logger.Debug("Replaying stored response",
				logger.String("endpoint", endpoint),
				logger.String("key", key),
			)
			return &Claim{Replay: existing}, nil
		}
		if !g.now().Before(deadline) {
			return nil, apperr.ErrRequestInProgress
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// Finish stores the response produced under the caller's reservation. It
// fails when the reservation lapsed and another caller took the key over.
func (g *Guard) Finish(ctx context.Context, c *Claim, status int, body []byte) (*Record, error) {
	if !c.Owned() {
		return nil, errors.New("finish without a reservation")
	}
	rec := *c.held
	rec.State = StateCompleted
	rec.StatusCode = status
	rec.Body = body
	rec.ExpiresAt = g.now().Add(g.cfg.TTL)
	if err := g.store.Complete(ctx, &rec); err != nil {
		return nil, apperr.Transient("idempotency complete failed", err)
	}
	return &rec, nil
}

// Abort releases the reservation so a retry can run the request again.
func (g *Guard) Abort(ctx context.Context, c *Claim) {
	if !c.Owned() {
		return
	}
	if err := g.store.Release(ctx, c.held); err != nil {
		g.logger.Warn("Failed to release idempotency reservation",
			logger.String("endpoint", c.held.Endpoint),
			logger.String("key", c.held.Key),
			logger.Error(err),
		)
	}
}
