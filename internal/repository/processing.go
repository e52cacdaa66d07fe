package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

const processingColumns = `id, tenant_id, company_id, document_id, is_container, parent_id, page_from, page_to,
	page_count, status, duplicate_status, duplicate_of_document_id, current_revision_id, lock_version,
	retry_count, priority, source, split_mode, page_ranges, cancel_requested, cancel_reason,
	error_message, error_stage, failed_at, created_at, updated_at`

func scanProcessing(row scanner) (*models.ProcessingDocument, error) {
	var (
		p                    models.ProcessingDocument
		isContainer, cancel  int
		parentID             sql.NullString
		ranges               string
		failedAt             sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.CompanyID, &p.DocumentID, &isContainer, &parentID,
		&p.PageFrom, &p.PageTo, &p.PageCount, &p.Status, &p.DuplicateStatus, &p.DuplicateOfDocumentID,
		&p.CurrentRevisionID, &p.LockVersion, &p.RetryCount, &p.Priority, &p.Source, &p.SplitMode,
		&ranges, &cancel, &p.CancelReason, &p.ErrorMessage, &p.ErrorStage, &failedAt,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.IsContainer = isContainer != 0
	p.CancelRequested = cancel != 0
	p.ParentID = parentID.String
	p.FailedAt = fromNullNanos(failedAt)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	pr, err := models.ParsePageRanges(ranges)
	if err != nil {
		return nil, fmt.Errorf("corrupt page_ranges for %s: %w", p.ID, err)
	}
	p.PageRanges = pr
	return &p, nil
}

func (s *Store) insertProcessing(ctx context.Context, tx *sql.Tx, pd *models.ProcessingDocument, trigger string) error {
	now := s.now().UTC()
	pd.LockVersion = 1
	pd.CreatedAt = now
	pd.UpdatedAt = now
	_, err := s.exec(ctx, tx, `INSERT INTO processing_documents (`+processingColumns+`) VALUES (`+placeholders(26)+`)`,
		pd.ID, pd.TenantID, pd.CompanyID, pd.DocumentID, boolInt(pd.IsContainer), nullString(pd.ParentID),
		pd.PageFrom, pd.PageTo, pd.PageCount, pd.Status, pd.DuplicateStatus, pd.DuplicateOfDocumentID,
		pd.CurrentRevisionID, pd.LockVersion, pd.RetryCount, pd.Priority, pd.Source, pd.SplitMode,
		models.FormatPageRanges(pd.PageRanges), boolInt(pd.CancelRequested), pd.CancelReason,
		pd.ErrorMessage, pd.ErrorStage, nullNanos(pd.FailedAt), nanos(pd.CreatedAt), nanos(pd.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("processing_document_exists", "processing document %s already exists", pd.ID)
		}
		return dbErr("insert processing document", err)
	}
	return s.insertTransition(ctx, tx, pd, "", trigger, "")
}

func (s *Store) insertTransition(ctx context.Context, tx *sql.Tx, pd *models.ProcessingDocument, from models.PipelineStatus, trigger, message string) error {
	_, err := s.exec(ctx, tx, `INSERT INTO pipeline_transitions
		(id, processing_document_id, tenant_id, from_status, to_status, trigger_name, version, message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), pd.ID, pd.TenantID, from, pd.Status, trigger, pd.LockVersion, message, nanos(pd.UpdatedAt))
	return dbErr("insert transition", err)
}

// CreateProcessingDocument inserts pd at lock version 1 and logs its
// initial status.
func (s *Store) CreateProcessingDocument(ctx context.Context, pd *models.ProcessingDocument, trigger string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertProcessing(ctx, tx, pd, trigger)
	})
}

func (s *Store) getProcessing(ctx context.Context, q querier, tenantID, id string) (*models.ProcessingDocument, error) {
	p, err := scanProcessing(s.queryRow(ctx, q,
		`SELECT `+processingColumns+` FROM processing_documents WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("processing document")
	}
	if err != nil {
		return nil, dbErr("get processing document", err)
	}
	return p, nil
}

func (s *Store) GetProcessingDocument(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error) {
	return s.getProcessing(ctx, s.db, tenantID, id)
}

// ListFilter narrows ListProcessingDocuments. Zero values match everything.
type ListFilter struct {
	TenantID        string
	CompanyID       string
	Status          models.PipelineStatus
	DuplicateStatus models.DuplicateStatus
	Kind            string
	ParentID        string
	Page            int
	PageSize        int
}

func (f ListFilter) where() (string, []any) {
	conds := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.CompanyID != "" {
		conds = append(conds, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.DuplicateStatus != "" {
		conds = append(conds, "duplicate_status = ?")
		args = append(args, f.DuplicateStatus)
	}
	if f.ParentID != "" {
		conds = append(conds, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	switch f.Kind {
	case models.KindContainer:
		conds = append(conds, "is_container = 1")
	case models.KindChild:
		conds = append(conds, "parent_id IS NOT NULL")
	case models.KindStandalone:
		conds = append(conds, "is_container = 0 AND parent_id IS NULL")
	}
	return strings.Join(conds, " AND "), args
}

// ListProcessingDocuments returns one page of matches, newest first, and
// the total match count.
func (s *Store) ListProcessingDocuments(ctx context.Context, f ListFilter) ([]*models.ProcessingDocument, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	where, args := f.where()

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM processing_documents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, dbErr("count processing documents", err)
	}

	q := `SELECT ` + processingColumns + ` FROM processing_documents WHERE ` + where +
		` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	docs, err := s.listProcessing(ctx, q, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (s *Store) listProcessing(ctx context.Context, q string, args ...any) ([]*models.ProcessingDocument, error) {
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, dbErr("list processing documents", err)
	}
	defer rows.Close()
	var out []*models.ProcessingDocument
	for rows.Next() {
		p, err := scanProcessing(rows)
		if err != nil {
			return nil, dbErr("scan processing document", err)
		}
		out = append(out, p)
	}
	return out, dbErr("list processing documents", rows.Err())
}

// ListChildren returns the children of a container ordered by page.
func (s *Store) ListChildren(ctx context.Context, tenantID, parentID string) ([]*models.ProcessingDocument, error) {
	return s.listProcessing(ctx, `SELECT `+processingColumns+` FROM processing_documents
		WHERE tenant_id = ? AND parent_id = ? ORDER BY page_from ASC, id ASC`, tenantID, parentID)
}

// Family loads the tree that contains id, root first, walking breadth-first
// from the root.
func (s *Store) Family(ctx context.Context, tenantID, id string) (*models.Arena, error) {
	doc, err := s.GetProcessingDocument(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{doc.ID: true}
	for doc.ParentID != "" {
		parent, err := s.GetProcessingDocument(ctx, tenantID, doc.ParentID)
		if err != nil {
			return nil, err
		}
		if seen[parent.ID] {
			return nil, fmt.Errorf("cycle at processing document %s", parent.ID)
		}
		seen[parent.ID] = true
		doc = parent
	}

	arena := models.NewArena()
	if err := arena.Add(doc); err != nil {
		return nil, err
	}
	queue := []string{doc.ID}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		children, err := s.ListChildren(ctx, tenantID, next)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if err := arena.Add(c); err != nil {
				return nil, err
			}
			queue = append(queue, c.ID)
		}
	}
	return arena, nil
}

// ListStalled returns documents across tenants sitting in one of statuses
// since before the cutoff.
func (s *Store) ListStalled(ctx context.Context, statuses []models.PipelineStatus, before time.Time, limit int) ([]*models.ProcessingDocument, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, nanos(before), limit)
	return s.listProcessing(ctx, `SELECT `+processingColumns+` FROM processing_documents
		WHERE status IN (`+placeholders(len(statuses))+`) AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, args...)
}

// Mutation is one compare-and-swap write of a processing document plus the
// rows that must land with it.
type Mutation struct {
	// Doc carries the new field values. Doc.LockVersion is the version the
	// caller read; the stored row must still be at that version.
	Doc      *models.ProcessingDocument
	From     models.PipelineStatus
	Trigger  string
	Message  string
	Pages    []*models.DocumentPage
	Revision *models.DocumentRevision
	Children []*models.ProcessingDocument
}

// ApplyTransition writes m atomically. A status change is logged with the
// new version. A stale version returns apperr.ErrStaleVersion and writes
// nothing.
func (s *Store) ApplyTransition(ctx context.Context, m Mutation) (*models.ProcessingDocument, error) {
	next := m.Doc.Clone()
	expected := next.LockVersion
	next.LockVersion = expected + 1
	next.UpdatedAt = s.now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if m.Revision != nil {
			if err := s.insertRevision(ctx, tx, m.Revision); err != nil {
				return err
			}
			next.CurrentRevisionID = m.Revision.ID
		}

		res, err := s.exec(ctx, tx, `UPDATE processing_documents SET
			status = ?, duplicate_status = ?, duplicate_of_document_id = ?, current_revision_id = ?,
			page_count = ?, retry_count = ?, priority = ?, split_mode = ?, page_ranges = ?,
			cancel_requested = ?, cancel_reason = ?, error_message = ?, error_stage = ?, failed_at = ?,
			lock_version = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND lock_version = ?`,
			next.Status, next.DuplicateStatus, next.DuplicateOfDocumentID, next.CurrentRevisionID,
			next.PageCount, next.RetryCount, next.Priority, next.SplitMode, models.FormatPageRanges(next.PageRanges),
			boolInt(next.CancelRequested), next.CancelReason, next.ErrorMessage, next.ErrorStage, nullNanos(next.FailedAt),
			next.LockVersion, nanos(next.UpdatedAt),
			next.TenantID, next.ID, expected)
		if err != nil {
			return dbErr("update processing document", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.getProcessing(ctx, tx, next.TenantID, next.ID); err != nil {
				return err
			}
			return apperr.ErrStaleVersion
		}

		if m.From != next.Status {
			if err := s.insertTransition(ctx, tx, next, m.From, m.Trigger, m.Message); err != nil {
				return err
			}
		}
		for _, p := range m.Pages {
			if err := s.insertPage(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, c := range m.Children {
			if c.ParentID != next.ID {
				return fmt.Errorf("child %s does not reference parent %s", c.ID, next.ID)
			}
			if err := s.insertProcessing(ctx, tx, c, "split"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ListTransitions returns the audit log of a processing document in version order.
func (s *Store) ListTransitions(ctx context.Context, tenantID, id string) ([]models.Transition, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, processing_document_id, from_status, to_status, trigger_name,
		version, message, at FROM pipeline_transitions
		WHERE tenant_id = ? AND processing_document_id = ? ORDER BY version ASC`, tenantID, id)
	if err != nil {
		return nil, dbErr("list transitions", err)
	}
	defer rows.Close()
	var out []models.Transition
	for rows.Next() {
		var (
			t  models.Transition
			at int64
		)
		if err := rows.Scan(&t.ID, &t.ProcessingDocumentID, &t.From, &t.To, &t.Trigger, &t.Version, &t.Message, &at); err != nil {
			return nil, dbErr("scan transition", err)
		}
		t.At = fromNanos(at)
		out = append(out, t)
	}
	return out, dbErr("list transitions", rows.Err())
}
