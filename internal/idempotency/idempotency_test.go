package idempotency_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
	"github.com/feichai0017/ingest-pipeline/internal/idempotency/storetest"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) idempotency.Store { return idempotency.NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	storetest.Run(t, func(t *testing.T) idempotency.Store {
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		t.Cleanup(func() { rdb.Close() })
		return idempotency.NewRedisStore(rdb)
	})
}

func newGuard(store idempotency.Store, wait time.Duration) *idempotency.Guard {
	return idempotency.NewGuard(store, idempotency.GuardConfig{
		TTL:          time.Hour,
		Lease:        time.Minute,
		Wait:         wait,
		PollInterval: 5 * time.Millisecond,
	}, logger.NewNop())
}

func TestGuard_ConcurrentCallersShareOneResponse(t *testing.T) {
	ctx := context.Background()
	g := newGuard(idempotency.NewMemoryStore(), 2*time.Second)

	var (
		mu     sync.Mutex
		runs   int
		bodies []string
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := g.Begin(ctx, "t1", "POST /x", "key-1", "hash")
			if !assert.NoError(t, err) {
				return
			}
			replay := claim.Replay
			if claim.Owned() {
				mu.Lock()
				runs++
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				rec, err := g.Finish(ctx, claim, 202, []byte(`{"id":"pd-1"}`))
				if !assert.NoError(t, err) {
					return
				}
				replay = rec
			}
			mu.Lock()
			bodies = append(bodies, string(replay.Body))
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, runs)
	require.Len(t, bodies, 8)
	for _, b := range bodies {
		assert.Equal(t, `{"id":"pd-1"}`, b)
	}
}

func TestGuard_KeyMismatch(t *testing.T) {
	ctx := context.Background()
	g := newGuard(idempotency.NewMemoryStore(), time.Second)

	claim, err := g.Begin(ctx, "t1", "POST /x", "key", "hash-a")
	require.NoError(t, err)
	require.True(t, claim.Owned())
	_, err = g.Finish(ctx, claim, 202, []byte("{}"))
	require.NoError(t, err)

	_, err = g.Begin(ctx, "t1", "POST /x", "key", "hash-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrKeyMismatch))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestGuard_InProgressTimesOut(t *testing.T) {
	ctx := context.Background()
	g := newGuard(idempotency.NewMemoryStore(), 30*time.Millisecond)

	_, err := g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.NoError(t, err)

	start := time.Now()
	_, err = g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRequestInProgress))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestGuard_AbortAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g := newGuard(idempotency.NewMemoryStore(), 10*time.Millisecond)

	claim, err := g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.NoError(t, err)
	g.Abort(ctx, claim)

	retry, err := g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.NoError(t, err)
	assert.True(t, retry.Owned())
	assert.Nil(t, retry.Replay)
}

func TestGuard_LapsedOwnerCannotFinishOrAbort(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.GuardConfig{
		TTL:          time.Hour,
		Lease:        20 * time.Millisecond,
		Wait:         time.Second,
		PollInterval: 5 * time.Millisecond,
	}, logger.NewNop())

	slow, err := g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.NoError(t, err)
	require.True(t, slow.Owned())

	// The second caller waits out the lease and takes the key over.
	fast, err := g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.NoError(t, err)
	require.True(t, fast.Owned())

	_, err = g.Finish(ctx, slow, 202, []byte(`{"id":"slow"}`))
	assert.Error(t, err)
	g.Abort(ctx, slow)

	_, err = g.Finish(ctx, fast, 202, []byte(`{"id":"fast"}`))
	require.NoError(t, err)

	replay, err := g.Begin(ctx, "t1", "POST /x", "key", "h")
	require.NoError(t, err)
	require.NotNil(t, replay.Replay)
	assert.Equal(t, `{"id":"fast"}`, string(replay.Replay.Body))
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	s := idempotency.NewMemoryStore()
	now := time.Now()
	_, err := s.Reserve(ctx, &idempotency.Record{TenantID: "t", Endpoint: "e", Key: "old", ExpiresAt: now.Add(time.Millisecond)})
	require.NoError(t, err)
	_, err = s.Reserve(ctx, &idempotency.Record{TenantID: "t", Endpoint: "e", Key: "new", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	n, err := s.Purge(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := s.Get(ctx, "t", "e", "new")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
