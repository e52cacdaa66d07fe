package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	cfg "github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	blob "github.com/feichai0017/ingest-pipeline/pkg/storage"
)

// GCSStorage stores blobs in one bucket. Uploads are create-only: keys carry
// the document id and render generation, so an existing object already holds
// the same bytes.
type GCSStorage struct {
	client      *storage.Client
	bucket      *storage.BucketHandle
	bucketName  string
	signerEmail string
	logger      logger.Logger
}

var (
	_ blob.BlobStore = (*GCSStorage)(nil)
	_ blob.Presigner = (*GCSStorage)(nil)
)

func (g *GCSStorage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (blob.ObjectInfo, error) {
	w := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	_, err := io.Copy(w, r)
	if err == nil {
		err = w.Close()
	} else {
		_ = w.Close()
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 412 {
		g.logger.Info("Object already exists, keeping it", logger.String("key", key))
		attrs, aerr := g.bucket.Object(key).Attrs(ctx)
		if aerr != nil {
			return blob.ObjectInfo{}, blob.Unavailable("stat", key, aerr)
		}
		return objectInfo(attrs), nil
	}
	if err != nil {
		g.logger.Error("Failed to write GCS object",
			logger.String("bucket", g.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return blob.ObjectInfo{}, blob.Unavailable("upload", key, err)
	}
	return objectInfo(w.Attrs()), nil
}

func objectInfo(a *storage.ObjectAttrs) blob.ObjectInfo {
	if a == nil {
		return blob.ObjectInfo{}
	}
	return blob.ObjectInfo{
		Key:          a.Name,
		ETag:         a.Etag,
		Size:         a.Size,
		ContentType:  a.ContentType,
		LastModified: a.Updated,
	}
}

func (g *GCSStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, blob.ErrNotFound)
	}
	if err != nil {
		g.logger.Error("Failed to read GCS object",
			logger.String("bucket", g.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return nil, blob.Unavailable("download", key, err)
	}
	return rc, nil
}

func (g *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, blob.Unavailable("stat", key, err)
	}
	return true, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return blob.Unavailable("delete", key, err)
	}
	return nil
}

func (g *GCSStorage) List(ctx context.Context, prefix string) ([]blob.ObjectInfo, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []blob.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, blob.Unavailable("list", prefix, err)
		}
		out = append(out, objectInfo(attrs))
	}
	return out, nil
}

func (g *GCSStorage) CleanupBefore(ctx context.Context, prefix string, threshold time.Time) (int, error) {
	return blob.DeleteOlderThan(ctx, g, prefix, threshold, g.logger)
}

func (g *GCSStorage) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.bucket.SignedURL(key, &storage.SignedURLOptions{
		GoogleAccessID: g.signerEmail,
		Method:         "GET",
		Expires:        time.Now().Add(ttl),
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", key, err)
	}
	return u, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func NewGCSStorage(ctx context.Context, c *cfg.GCSConfig, log logger.Logger) (*GCSStorage, error) {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	bucket := client.Bucket(c.BucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to verify bucket existence: %w", err)
	}
	return &GCSStorage{
		client:      client,
		bucket:      bucket,
		bucketName:  c.BucketName,
		signerEmail: c.SignerEmail,
		logger:      log.Named("gcs"),
	}, nil
}
