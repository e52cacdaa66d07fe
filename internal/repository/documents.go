package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

const documentColumns = `id, tenant_id, company_id, filename, mime_type, size_bytes, storage_key,
	content_hash, created_at, created_seq, deleted_at`

func scanDocument(row scanner) (*models.Document, error) {
	var (
		d         models.Document
		createdAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.CompanyID, &d.Filename, &d.MimeType, &d.Size,
		&d.StorageKey, &d.ContentHash, &createdAt, &d.CreatedSeq, &deletedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = fromNanos(createdAt)
	d.DeletedAt = fromNullNanos(deletedAt)
	return &d, nil
}

// CreateDocument inserts an immutable Document. CreatedAt and CreatedSeq are
// assigned here.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
	}
	doc.CreatedSeq = s.nextSeq()
	_, err := s.exec(ctx, s.db, `INSERT INTO documents (`+documentColumns+`) VALUES (`+placeholders(11)+`)`,
		doc.ID, doc.TenantID, doc.CompanyID, doc.Filename, doc.MimeType, doc.Size, doc.StorageKey,
		doc.ContentHash, nanos(doc.CreatedAt), doc.CreatedSeq, nullNanos(doc.DeletedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("document_exists", "document %s already exists", doc.ID)
	}
	return dbErr("insert document", err)
}

// GetDocument returns a tenant's document, including soft-deleted ones.
func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error) {
	d, err := scanDocument(s.queryRow(ctx, s.db,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document")
	}
	if err != nil {
		return nil, dbErr("get document", err)
	}
	return d, nil
}

// FindEarliestByHash returns the oldest live document with the given hash
// created strictly before beforeSeq, or nil. An empty companyID widens the
// search to the whole tenant.
func (s *Store) FindEarliestByHash(ctx context.Context, tenantID, companyID, hash string, beforeSeq int64) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents
		WHERE tenant_id = ? AND content_hash = ? AND deleted_at IS NULL AND created_seq < ?`
	args := []any{tenantID, hash, beforeSeq}
	if companyID != "" {
		q += ` AND company_id = ?`
		args = append(args, companyID)
	}
	q += ` ORDER BY created_seq ASC, id ASC LIMIT 1`

	d, err := scanDocument(s.queryRow(ctx, s.db, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("find document by hash", err)
	}
	return d, nil
}

// SoftDeleteDocument stamps deleted_at; deleting twice is a no-op.
func (s *Store) SoftDeleteDocument(ctx context.Context, tenantID, id string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE documents SET deleted_at = COALESCE(deleted_at, ?) WHERE tenant_id = ? AND id = ?`,
		nanos(s.now()), tenantID, id)
	if err != nil {
		return dbErr("delete document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document")
	}
	return nil
}

// ListDeletedDocuments returns documents soft-deleted before the cutoff,
// across tenants. The blob cleanup job removes their stored objects.
func (s *Store) ListDeletedDocuments(ctx context.Context, before time.Time) ([]*models.Document, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+documentColumns+` FROM documents
		WHERE deleted_at IS NOT NULL AND deleted_at < ? ORDER BY deleted_at`, nanos(before))
	if err != nil {
		return nil, dbErr("list deleted documents", err)
	}
	defer rows.Close()
	var out []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, dbErr("scan document", err)
		}
		out = append(out, d)
	}
	return out, dbErr("list deleted documents", rows.Err())
}
