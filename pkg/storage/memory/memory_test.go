package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
)

func TestMemoryStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(logger.NewNop())

	obj, err := s.Upload(ctx, "a/b.pdf", strings.NewReader("data"), 4, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(4), obj.Size)
	assert.NotEmpty(t, obj.ETag)

	ok, err := s.Exists(ctx, "a/b.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := storage.ReadAll(ctx, s, "a/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	require.NoError(t, s.Delete(ctx, "a/b.pdf"))
	_, err = s.Download(ctx, "a/b.pdf")
	assert.True(t, storage.IsNotFound(err))
}

func TestMemoryStorage_SizeMismatch(t *testing.T) {
	s := NewMemoryStorage(logger.NewNop())
	_, err := s.Upload(context.Background(), "k", strings.NewReader("abc"), 10, "text/plain")
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStorage_ListAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(logger.NewNop())
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.SetClock(func() time.Time { return old })
	_, err := s.Upload(ctx, "p/1", strings.NewReader("x"), 1, "")
	require.NoError(t, err)
	s.SetClock(func() time.Time { return old.Add(48 * time.Hour) })
	_, err = s.Upload(ctx, "p/2", strings.NewReader("y"), 1, "")
	require.NoError(t, err)
	_, err = s.Upload(ctx, "q/1", strings.NewReader("z"), 1, "")
	require.NoError(t, err)

	list, err := s.List(ctx, "p/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p/1", list[0].Key)

	n, err := s.CleanupBefore(ctx, "p/", old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.Len())
}
