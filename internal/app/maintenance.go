package app

import (
	"context"
	"time"

	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
)

// PurgeIdempotency drops idempotency records whose retention has passed.
func (a *App) PurgeIdempotency(ctx context.Context) (int64, error) {
	n, err := a.Idempotency.Purge(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	a.Logger.Info("Purged idempotency records", logger.Int64("count", n))
	return n, nil
}

// CleanupDeleted removes the stored objects of documents soft-deleted more
// than olderThan ago. It returns the number of objects removed.
func (a *App) CleanupDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	docs, err := a.Store.ListDeletedDocuments(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	total := 0
	for _, d := range docs {
		prefix := storage.DocumentPrefix(d.TenantID, d.CompanyID, d.ID)
		n, err := a.Blobs.CleanupBefore(ctx, prefix, now)
		if err != nil {
			a.Logger.Error("Failed to clean up document objects",
				logger.String("document_id", d.ID),
				logger.String("prefix", prefix),
				logger.Error(err))
			continue
		}
		total += n
	}
	a.Logger.Info("Cleaned up deleted documents",
		logger.Int("documents", len(docs)),
		logger.Int("objects", total))
	return total, nil
}
