// Package idempotency maps client-supplied idempotency keys to the response
// produced by the first request that carried them.
package idempotency

import (
	"context"
	"time"

	"github.com/feichai0017/ingest-pipeline/pkg/hasher"
)

type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// Record is keyed by (TenantID, Endpoint, Key). While in flight, ExpiresAt is
// the owner's lease; once completed it is the replay window. CreatedAt marks
// the reservation and doubles as the owner's token.
type Record struct {
	TenantID    string    `json:"tenantId"`
	Endpoint    string    `json:"endpoint"`
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	State       State     `json:"state"`
	StatusCode  int       `json:"statusCode,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists records. Reserve must be an atomic create-if-absent.
type Store interface {
	// Reserve creates rec in flight when no live record exists and returns
	// nil. Otherwise it returns the live record unchanged. An expired record
	// is replaced.
	Reserve(ctx context.Context, rec *Record) (*Record, error)
	// Complete stores the response on the in-flight record reserved at
	// rec.CreatedAt. A record reserved by someone else is left untouched.
	Complete(ctx context.Context, rec *Record) error
	// Release drops the in-flight reservation made at rec.CreatedAt.
	Release(ctx context.Context, rec *Record) error
	// Get returns the live record or nil.
	Get(ctx context.Context, tenantID, endpoint, key string) (*Record, error)
	// Purge deletes records that expired before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// HashRequest fingerprints the parts of a request that must match on replay.
func HashRequest(parts ...[]byte) string {
	return hasher.ContentFingerprint(parts...)
}
