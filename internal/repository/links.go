package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

const linkColumns = `id, tenant_id, source_id, target_id, link_type, note, created_at, updated_at`

func scanLink(row scanner) (*models.DocumentLink, error) {
	var (
		l                    models.DocumentLink
		createdAt, updatedAt int64
	)
	if err := row.Scan(&l.ID, &l.TenantID, &l.SourceID, &l.TargetID, &l.Type, &l.Note, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.CreatedAt = fromNanos(createdAt)
	l.UpdatedAt = fromNanos(updatedAt)
	return &l, nil
}

func (s *Store) linkExists(ctx context.Context, q querier, l *models.DocumentLink) (bool, error) {
	var n int
	err := s.queryRow(ctx, q, `SELECT COUNT(*) FROM document_links
		WHERE source_id = ? AND target_id = ? AND link_type = ? AND id <> ?`,
		l.SourceID, l.TargetID, l.Type, l.ID).Scan(&n)
	return n > 0, dbErr("check link", err)
}

// CreateLink inserts l. The same (source, target, type) twice is
// apperr.ErrDuplicateLink.
func (s *Store) CreateLink(ctx context.Context, l *models.DocumentLink) error {
	now := s.now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.linkExists(ctx, tx, l)
		if err != nil {
			return err
		}
		if exists {
			return apperr.ErrDuplicateLink
		}
		_, err = s.exec(ctx, tx, `INSERT INTO document_links (`+linkColumns+`) VALUES (`+placeholders(8)+`)`,
			l.ID, l.TenantID, l.SourceID, l.TargetID, l.Type, l.Note, nanos(l.CreatedAt), nanos(l.UpdatedAt))
		if isUniqueViolation(err) {
			return apperr.ErrDuplicateLink
		}
		return dbErr("insert link", err)
	})
}

func (s *Store) GetLink(ctx context.Context, tenantID, id string) (*models.DocumentLink, error) {
	l, err := scanLink(s.queryRow(ctx, s.db, `SELECT `+linkColumns+` FROM document_links WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("link")
	}
	if err != nil {
		return nil, dbErr("get link", err)
	}
	return l, nil
}

// UpdateLink rewrites type and note of an existing link.
func (s *Store) UpdateLink(ctx context.Context, l *models.DocumentLink) error {
	l.UpdatedAt = s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.linkExists(ctx, tx, l)
		if err != nil {
			return err
		}
		if exists {
			return apperr.ErrDuplicateLink
		}
		res, err := s.exec(ctx, tx, `UPDATE document_links SET link_type = ?, note = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?`, l.Type, l.Note, nanos(l.UpdatedAt), l.TenantID, l.ID)
		if isUniqueViolation(err) {
			return apperr.ErrDuplicateLink
		}
		if err != nil {
			return dbErr("update link", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("link")
		}
		return nil
	})
}

func (s *Store) DeleteLink(ctx context.Context, tenantID, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM document_links WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return dbErr("delete link", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("link")
	}
	return nil
}

// ListLinks returns links where pdID is either end.
func (s *Store) ListLinks(ctx context.Context, tenantID, pdID string) ([]*models.DocumentLink, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+linkColumns+` FROM document_links
		WHERE tenant_id = ? AND (source_id = ? OR target_id = ?) ORDER BY created_at ASC, id ASC`,
		tenantID, pdID, pdID)
	if err != nil {
		return nil, dbErr("list links", err)
	}
	defer rows.Close()
	var out []*models.DocumentLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, dbErr("scan link", err)
		}
		out = append(out, l)
	}
	return out, dbErr("list links", rows.Err())
}
