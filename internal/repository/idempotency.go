package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/idempotency"
)

// IdempotencyStore is the SQL idempotency.Store. The primary key on
// (tenant_id, endpoint, idem_key) makes the insert the compare-and-set.
type IdempotencyStore struct {
	s *Store
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

func (s *Store) Idempotency() *IdempotencyStore {
	return &IdempotencyStore{s: s}
}

const idempotencyColumns = `tenant_id, endpoint, idem_key, request_hash, state, status_code, body, created_at, expires_at`

func scanIdempotency(row scanner) (*idempotency.Record, error) {
	var (
		r                    idempotency.Record
		body                 string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&r.TenantID, &r.Endpoint, &r.Key, &r.RequestHash, &r.State, &r.StatusCode, &body,
		&createdAt, &expiresAt); err != nil {
		return nil, err
	}
	if body != "" {
		r.Body = []byte(body)
	}
	r.CreatedAt = fromNanos(createdAt)
	r.ExpiresAt = fromNanos(expiresAt)
	return &r, nil
}

func (i *IdempotencyStore) Reserve(ctx context.Context, rec *idempotency.Record) (*idempotency.Record, error) {
	s := i.s
	var existing *idempotency.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM idempotency_records
			WHERE tenant_id = ? AND endpoint = ? AND idem_key = ? AND expires_at <= ?`,
			rec.TenantID, rec.Endpoint, rec.Key, nanos(s.now())); err != nil {
			return dbErr("expire idempotency record", err)
		}
		res, err := s.exec(ctx, tx, `INSERT INTO idempotency_records (`+idempotencyColumns+`)
			VALUES (`+placeholders(9)+`) ON CONFLICT DO NOTHING`,
			rec.TenantID, rec.Endpoint, rec.Key, rec.RequestHash, idempotency.StateInFlight, 0, "",
			nanos(rec.CreatedAt), nanos(rec.ExpiresAt))
		if err != nil {
			return dbErr("reserve idempotency key", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		existing, err = scanIdempotency(s.queryRow(ctx, tx, `SELECT `+idempotencyColumns+` FROM idempotency_records
			WHERE tenant_id = ? AND endpoint = ? AND idem_key = ?`, rec.TenantID, rec.Endpoint, rec.Key))
		return dbErr("load idempotency record", err)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (i *IdempotencyStore) Complete(ctx context.Context, rec *idempotency.Record) error {
	s := i.s
	res, err := s.exec(ctx, s.db, `UPDATE idempotency_records
		SET state = ?, status_code = ?, body = ?, expires_at = ?
		WHERE tenant_id = ? AND endpoint = ? AND idem_key = ? AND state = ? AND request_hash = ? AND created_at = ?`,
		idempotency.StateCompleted, rec.StatusCode, string(rec.Body), nanos(rec.ExpiresAt),
		rec.TenantID, rec.Endpoint, rec.Key, idempotency.StateInFlight, rec.RequestHash, nanos(rec.CreatedAt))
	if err != nil {
		return dbErr("complete idempotency record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no reservation for key %q", rec.Key)
	}
	return nil
}

func (i *IdempotencyStore) Release(ctx context.Context, rec *idempotency.Record) error {
	s := i.s
	_, err := s.exec(ctx, s.db, `DELETE FROM idempotency_records
		WHERE tenant_id = ? AND endpoint = ? AND idem_key = ? AND state = ? AND created_at = ?`,
		rec.TenantID, rec.Endpoint, rec.Key, idempotency.StateInFlight, nanos(rec.CreatedAt))
	return dbErr("release idempotency record", err)
}

func (i *IdempotencyStore) Get(ctx context.Context, tenantID, endpoint, key string) (*idempotency.Record, error) {
	s := i.s
	r, err := scanIdempotency(s.queryRow(ctx, s.db, `SELECT `+idempotencyColumns+` FROM idempotency_records
		WHERE tenant_id = ? AND endpoint = ? AND idem_key = ? AND expires_at > ?`,
		tenantID, endpoint, key, nanos(s.now())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("get idempotency record", err)
	}
	return r, nil
}

func (i *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := i.s.exec(ctx, i.s.db, `DELETE FROM idempotency_records WHERE expires_at <= ?`, nanos(now))
	if err != nil {
		return 0, dbErr("purge idempotency records", err)
	}
	return res.RowsAffected()
}
