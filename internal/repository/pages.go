package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

const pageColumns = `id, processing_document_id, tenant_id, page_number, generation, width, height, rotation,
	dpi, storage_key, content_type, fingerprint, ocr_provider, text_decision, text_content,
	duplicate_of_page_id, created_at`

func scanPage(row scanner) (*models.DocumentPage, error) {
	var (
		p         models.DocumentPage
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.ProcessingDocumentID, &p.TenantID, &p.Number, &p.Generation, &p.Width,
		&p.Height, &p.Rotation, &p.DPI, &p.StorageKey, &p.ContentType, &p.Fingerprint, &p.OCRProvider,
		&p.TextDecision, &p.Text, &p.DuplicateOfPageID, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(createdAt)
	return &p, nil
}

func (s *Store) insertPage(ctx context.Context, tx *sql.Tx, p *models.DocumentPage) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, tx, `INSERT INTO document_pages (`+pageColumns+`) VALUES (`+placeholders(17)+`)`,
		p.ID, p.ProcessingDocumentID, p.TenantID, p.Number, p.Generation, p.Width, p.Height, p.Rotation,
		p.DPI, p.StorageKey, p.ContentType, p.Fingerprint, p.OCRProvider, p.TextDecision, p.Text,
		p.DuplicateOfPageID, nanos(p.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.Conflict("page_exists", "page %d generation %d already rendered", p.Number, p.Generation)
	}
	return dbErr("insert page", err)
}

func (s *Store) listPages(ctx context.Context, q string, args ...any) ([]*models.DocumentPage, error) {
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, dbErr("list pages", err)
	}
	defer rows.Close()
	var out []*models.DocumentPage
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, dbErr("scan page", err)
		}
		out = append(out, p)
	}
	return out, dbErr("list pages", rows.Err())
}

// MaxPageGeneration returns the newest render generation of a processing
// document, or 0 when it has never been rendered.
func (s *Store) MaxPageGeneration(ctx context.Context, tenantID, pdID string) (int, error) {
	var gen int
	err := s.queryRow(ctx, s.db, `SELECT COALESCE(MAX(generation), 0) FROM document_pages
		WHERE tenant_id = ? AND processing_document_id = ?`, tenantID, pdID).Scan(&gen)
	return gen, dbErr("get page generation", err)
}

// ListPages returns the current generation of pages rendered for pdID.
func (s *Store) ListPages(ctx context.Context, tenantID, pdID string) ([]*models.DocumentPage, error) {
	return s.listPages(ctx, `SELECT `+pageColumns+` FROM document_pages
		WHERE tenant_id = ? AND processing_document_id = ? AND generation = (
			SELECT COALESCE(MAX(generation), 0) FROM document_pages
			WHERE tenant_id = ? AND processing_document_id = ?)
		ORDER BY page_number ASC`, tenantID, pdID, tenantID, pdID)
}

// PagesOf resolves the pages a processing document covers. Children own no
// page rows; they see their slice of the parent's current generation.
func (s *Store) PagesOf(ctx context.Context, pd *models.ProcessingDocument) ([]*models.DocumentPage, error) {
	if pd.ParentID == "" {
		return s.ListPages(ctx, pd.TenantID, pd.ID)
	}
	all, err := s.ListPages(ctx, pd.TenantID, pd.ParentID)
	if err != nil {
		return nil, err
	}
	r := pd.Range()
	out := make([]*models.DocumentPage, 0, r.Len())
	for _, p := range all {
		if r.Contains(p.Number) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetPage returns one page of the current generation.
func (s *Store) GetPage(ctx context.Context, pd *models.ProcessingDocument, number int) (*models.DocumentPage, error) {
	pages, err := s.PagesOf(ctx, pd)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if p.Number == number {
			return p, nil
		}
	}
	return nil, apperr.NotFound("page")
}

// FindPageByFingerprint returns the earliest page in the tenant carrying fp
// that was rendered for a processing document other than excludePD.
func (s *Store) FindPageByFingerprint(ctx context.Context, tenantID, fp, excludePD string) (*models.DocumentPage, error) {
	p, err := scanPage(s.queryRow(ctx, s.db, `SELECT `+pageColumns+` FROM document_pages
		WHERE tenant_id = ? AND fingerprint = ? AND processing_document_id <> ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, tenantID, fp, excludePD))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("find page by fingerprint", err)
	}
	return p, nil
}

// ListPagesByFingerprintPrefix returns candidate pages for near-match
// comparison, oldest first.
func (s *Store) ListPagesByFingerprintPrefix(ctx context.Context, tenantID, prefix, excludePD string, limit int) ([]*models.DocumentPage, error) {
	return s.listPages(ctx, `SELECT `+pageColumns+` FROM document_pages
		WHERE tenant_id = ? AND fingerprint LIKE ? AND processing_document_id <> ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, tenantID, prefix+"%", excludePD, limit)
}
