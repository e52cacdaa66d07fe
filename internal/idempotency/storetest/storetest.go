// Package storetest holds the behaviour every idempotency.Store must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
)

func record(key, hash string, ttl time.Duration) *idempotency.Record {
	now := time.Now().Round(0)
	return &idempotency.Record{
		TenantID:    "tenant-a",
		Endpoint:    "POST /api/v1/companies/:companyId/documents",
		Key:         key,
		RequestHash: hash,
		State:       idempotency.StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Run exercises newStore against the Store contract.
func Run(t *testing.T, newStore func(t *testing.T) idempotency.Store) {
	t.Run("reserve is exclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var owners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				existing, err := s.Reserve(ctx, record("k-excl", "h", time.Minute))
				assert.NoError(t, err)
				if existing == nil {
					owners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), owners.Load())
	})

	t.Run("complete then replay", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := record("k-done", "h", time.Minute)
		existing, err := s.Reserve(ctx, rec)
		require.NoError(t, err)
		require.Nil(t, existing)

		done := *rec
		done.State = idempotency.StateCompleted
		done.StatusCode = 202
		done.Body = []byte(`{"ok":true}`)
		done.ExpiresAt = time.Now().Add(time.Hour)
		require.NoError(t, s.Complete(ctx, &done))

		existing, err = s.Reserve(ctx, record("k-done", "h", time.Minute))
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, idempotency.StateCompleted, existing.State)
		assert.Equal(t, 202, existing.StatusCode)
		assert.Equal(t, `{"ok":true}`, string(existing.Body))

		got, err := s.Get(ctx, rec.TenantID, rec.Endpoint, rec.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, existing.Body, got.Body)
	})

	t.Run("release frees the key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := record("k-rel", "h", time.Minute)
		_, err := s.Reserve(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, rec))

		existing, err := s.Reserve(ctx, record("k-rel", "h2", time.Minute))
		require.NoError(t, err)
		assert.Nil(t, existing)
	})

	t.Run("expired reservation is replaced", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Reserve(ctx, record("k-exp", "h", 20*time.Millisecond))
		require.NoError(t, err)
		time.Sleep(60 * time.Millisecond)

		existing, err := s.Reserve(ctx, record("k-exp", "h", time.Minute))
		require.NoError(t, err)
		assert.Nil(t, existing)
	})

	t.Run("stale owner cannot touch the new reservation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := record("k-stale", "h", 20*time.Millisecond)
		_, err := s.Reserve(ctx, stale)
		require.NoError(t, err)
		time.Sleep(60 * time.Millisecond)

		fresh := record("k-stale", "h", time.Minute)
		existing, err := s.Reserve(ctx, fresh)
		require.NoError(t, err)
		require.Nil(t, existing)

		done := *stale
		done.State = idempotency.StateCompleted
		done.StatusCode = 202
		done.Body = []byte(`{"stale":true}`)
		done.ExpiresAt = time.Now().Add(time.Hour)
		assert.Error(t, s.Complete(ctx, &done))
		require.NoError(t, s.Release(ctx, stale))

		got, err := s.Get(ctx, fresh.TenantID, fresh.Endpoint, fresh.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, idempotency.StateInFlight, got.State)
		assert.True(t, got.CreatedAt.Equal(fresh.CreatedAt))
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Reserve(ctx, record("k-iso", "h", time.Minute))
		require.NoError(t, err)
		other := record("k-iso", "h", time.Minute)
		other.TenantID = "tenant-b"
		existing, err := s.Reserve(ctx, other)
		require.NoError(t, err)
		assert.Nil(t, existing)
	})
}
