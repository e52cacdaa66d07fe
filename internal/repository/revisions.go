package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

const revisionColumns = `id, processing_document_id, tenant_id, revision_number, status, payload, created_at`

func scanRevision(row scanner) (*models.DocumentRevision, error) {
	var (
		r         models.DocumentRevision
		payload   string
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.ProcessingDocumentID, &r.TenantID, &r.Number, &r.Status, &payload, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &r.Result); err != nil {
		return nil, fmt.Errorf("corrupt revision payload %s: %w", r.ID, err)
	}
	r.CreatedAt = fromNanos(createdAt)
	return &r, nil
}

// insertRevision numbers the revision max+1 inside tx. The unique
// (processing_document_id, revision_number) index backs the CAS that
// follows it in ApplyTransition.
func (s *Store) insertRevision(ctx context.Context, tx *sql.Tx, r *models.DocumentRevision) error {
	if err := s.queryRow(ctx, tx, `SELECT COALESCE(MAX(revision_number), 0) + 1 FROM document_revisions
		WHERE processing_document_id = ?`, r.ProcessingDocumentID).Scan(&r.Number); err != nil {
		return dbErr("number revision", err)
	}
	if r.Status == "" {
		r.Status = models.RevisionExtracted
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	payload, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal revision: %w", err)
	}
	var gross sql.NullInt64
	if r.Result.Totals != nil {
		gross = sql.NullInt64{Int64: r.Result.Totals.Gross, Valid: true}
	}
	_, err = s.exec(ctx, tx, `INSERT INTO document_revisions
		(id, processing_document_id, tenant_id, revision_number, status, category, currency, document_date,
		 gross_total, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProcessingDocumentID, r.TenantID, r.Number, r.Status, r.Result.Category, r.Result.Currency,
		r.Result.DocumentDate, gross, string(payload), nanos(r.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.ErrStaleVersion
	}
	return dbErr("insert revision", err)
}

// ListRevisions returns every revision of a processing document, oldest first.
func (s *Store) ListRevisions(ctx context.Context, tenantID, pdID string) ([]*models.DocumentRevision, error) {
	return s.listRevisions(ctx, `SELECT `+revisionColumns+` FROM document_revisions
		WHERE tenant_id = ? AND processing_document_id = ? ORDER BY revision_number ASC`, tenantID, pdID)
}

func (s *Store) GetRevision(ctx context.Context, tenantID, id string) (*models.DocumentRevision, error) {
	r, err := scanRevision(s.queryRow(ctx, s.db,
		`SELECT `+revisionColumns+` FROM document_revisions WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("revision")
	}
	if err != nil {
		return nil, dbErr("get revision", err)
	}
	return r, nil
}

// CurrentRevision pairs a processing document with its current revision.
type CurrentRevision struct {
	Document *models.ProcessingDocument
	Revision *models.DocumentRevision
}

// ListCurrentRevisions returns the current revision of every completed
// processing document of a tenant, optionally one company.
func (s *Store) ListCurrentRevisions(ctx context.Context, tenantID, companyID string) ([]CurrentRevision, error) {
	f := ListFilter{TenantID: tenantID, CompanyID: companyID, Status: models.StatusCompleted}
	where, args := f.where()
	docs, err := s.listProcessing(ctx, `SELECT `+processingColumns+` FROM processing_documents
		WHERE `+where+` AND current_revision_id <> '' ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	out := make([]CurrentRevision, 0, len(docs))
	for _, d := range docs {
		rev, err := s.GetRevision(ctx, tenantID, d.CurrentRevisionID)
		if err != nil {
			return nil, err
		}
		out = append(out, CurrentRevision{Document: d, Revision: rev})
	}
	return out, nil
}

func (s *Store) listRevisions(ctx context.Context, q string, args ...any) ([]*models.DocumentRevision, error) {
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, dbErr("list revisions", err)
	}
	defer rows.Close()
	var out []*models.DocumentRevision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, dbErr("scan revision", err)
		}
		out = append(out, r)
	}
	return out, dbErr("list revisions", rows.Err())
}
