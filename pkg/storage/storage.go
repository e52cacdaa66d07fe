package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// StorageType selects a blob backend.
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeGCS    StorageType = "gcs"
	StorageTypeMemory StorageType = "memory"
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key          string    `json:"key"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// BlobStore is the opaque key/value store holding originals and rendered pages.
type BlobStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// CleanupBefore deletes objects under prefix last modified before threshold.
	CleanupBefore(ctx context.Context, prefix string, threshold time.Time) (int, error)
}

// Presigner is implemented by backends that can hand out time-limited GET URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ErrNotFound is returned (wrapped) when a key does not exist.
var ErrNotFound = apperr.NotFound("object")

// Unavailable wraps a backend failure as a transient error eligible for retry.
func Unavailable(op, key string, err error) error {
	return apperr.Transient(fmt.Sprintf("blob %s %s failed", op, key), err)
}

// ReadAll downloads key fully.
func ReadAll(ctx context.Context, s BlobStore, key string) ([]byte, error) {
	rc, err := s.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, Unavailable("read", key, err)
	}
	return data, nil
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// DeleteOlderThan is the List+Delete sweep shared by backends without a
// native lifecycle call.
func DeleteOlderThan(ctx context.Context, s BlobStore, prefix string, threshold time.Time, log logger.Logger) (int, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, obj := range objects {
		if !obj.LastModified.Before(threshold) {
			continue
		}
		if err := s.Delete(ctx, obj.Key); err != nil {
			log.Error("Failed to delete expired object",
				logger.String("key", obj.Key),
				logger.Error(err),
			)
			continue
		}
		deleted++
		log.Info("Deleted expired object",
			logger.String("key", obj.Key),
			logger.Time("lastModified", obj.LastModified),
		)
	}
	return deleted, nil
}

func segment(s string) string {
	if s == "" {
		return "_"
	}
	return url.PathEscape(s)
}

// DocumentPrefix is the key prefix of everything stored for one document.
func DocumentPrefix(tenantID, companyID, documentID string) string {
	return path.Join("tenants", segment(tenantID), "companies", segment(companyID), "documents", segment(documentID)) + "/"
}

// OriginalKey is where the uploaded bytes live. The extension is kept so the
// object is recognisable in bucket listings.
func OriginalKey(tenantID, companyID, documentID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\?#%") {
		ext = ""
	}
	return DocumentPrefix(tenantID, companyID, documentID) + "original" + ext
}

// PageKey is where rendered page artifacts of one render generation live.
func PageKey(tenantID, companyID, documentID string, generation, page int, ext string) string {
	return fmt.Sprintf("%spages/g%d/%05d.%s", DocumentPrefix(tenantID, companyID, documentID), generation, page, ext)
}
