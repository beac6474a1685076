package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/domain"
)

// LedgerRepository stores money movements and saga step markers. Both are
// append-only and keyed for idempotent replay.
type LedgerRepository struct {
	conn
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{conn{pool: pool}}
}

func (r *LedgerRepository) RecordMovement(ctx context.Context, m domain.MoneyMovement) error {
	const stmt = `
INSERT INTO money_movements (id, booking_id, payment_id, kind, amount, currency, from_account, to_account, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (idempotency_key) DO NOTHING`

	_, err := r.exec(ctx, stmt, m.ID, m.BookingID, m.PaymentID, string(m.Kind), m.Amount, m.Currency,
		m.From, m.To, m.IdempotencyKey, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("record movement: %w", err)
	}
	return nil
}

func (r *LedgerRepository) ListMovements(ctx context.Context, bookingID string) ([]domain.MoneyMovement, error) {
	const query = `
SELECT id, booking_id, payment_id, kind, amount, currency, from_account, to_account, idempotency_key, created_at
FROM money_movements
WHERE booking_id = $1
ORDER BY created_at, idempotency_key`

	rows, err := r.query(ctx, query, bookingID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list movements: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MoneyMovement, error) {
		var m domain.MoneyMovement
		var kind string
		err := row.Scan(&m.ID, &m.BookingID, &m.PaymentID, &kind, &m.Amount, &m.Currency, &m.From, &m.To, &m.IdempotencyKey, &m.CreatedAt)
		m.Kind = domain.MovementKind(kind)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return out, nil
}

func (r *LedgerRepository) StepDone(ctx context.Context, key string) (bool, error) {
	var done bool
	if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM saga_steps WHERE step_key = $1)`, key).Scan(&done); err != nil {
		return false, fmt.Errorf("check saga step: %w", err)
	}
	return done, nil
}

// RecordStep fails with a conflict if another worker recorded key first, so
// the losing transaction rolls back its duplicate writes.
func (r *LedgerRepository) RecordStep(ctx context.Context, key string, at time.Time) error {
	_, err := r.exec(ctx, `INSERT INTO saga_steps (step_key, completed_at) VALUES ($1, $2)`, key, at)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("record saga step: %w", err)
	}
	return nil
}
