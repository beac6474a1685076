package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/idempotency"
)

// IdempotencyStore keeps idempotency records in Postgres. It is the default
// shared store when Redis is not configured.
type IdempotencyStore struct {
	conn
}

func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{conn{pool: pool}}
}

// Reserve inserts rec unless a live record holds the key. An expired record
// is overwritten in the same statement.
func (s *IdempotencyStore) Reserve(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	const stmt = `
INSERT INTO idempotency_records (key, fingerprint, status, response_status, response_body, created_at, expires_at)
VALUES ($1, $2, $3, 0, NULL, $4, $5)
ON CONFLICT (key) DO UPDATE SET
	fingerprint = EXCLUDED.fingerprint,
	status = EXCLUDED.status,
	response_status = 0,
	response_body = NULL,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= EXCLUDED.created_at`

	tag, err := s.exec(ctx, stmt, rec.Key, rec.Fingerprint, string(rec.Status), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := s.get(ctx, rec.Key)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return existing, false, nil
}

func (s *IdempotencyStore) get(ctx context.Context, key string) (idempotency.Record, error) {
	const query = `
SELECT key, fingerprint, status, response_status, response_body, created_at, expires_at
FROM idempotency_records WHERE key = $1`

	var rec idempotency.Record
	var status string
	err := s.queryRow(ctx, query, key).Scan(&rec.Key, &rec.Fingerprint, &status, &rec.ResponseStatus,
		&rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Status = idempotency.Status(status)
	return rec, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, fingerprint string, status idempotency.Status, responseStatus int, responseBody []byte) error {
	const stmt = `
UPDATE idempotency_records SET status = $3, response_status = $4, response_body = $5
WHERE key = $1 AND fingerprint = $2 AND status = 'processing'`

	tag, err := s.exec(ctx, stmt, key, fingerprint, string(status), responseStatus, responseBody)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

func (s *IdempotencyStore) Retake(ctx context.Context, key, fingerprint string, expiresAt time.Time) (bool, error) {
	const stmt = `
UPDATE idempotency_records SET status = 'processing', expires_at = $3
WHERE key = $1 AND fingerprint = $2 AND status = 'failed'`

	tag, err := s.exec(ctx, stmt, key, fingerprint, expiresAt)
	if err != nil {
		return false, fmt.Errorf("retake idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
