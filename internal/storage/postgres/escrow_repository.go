package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/domain"
)

type EscrowRepository struct {
	conn
}

func NewEscrowRepository(pool *pgxpool.Pool) *EscrowRepository {
	return &EscrowRepository{conn{pool: pool}}
}

const escrowColumns = `
booking_id, payment_id, amount, agent_payout, refunded, currency, status,
held_at, release_eligible_at, released_at, version`

func scanEscrow(row pgx.Row) (domain.EscrowHold, error) {
	var e domain.EscrowHold
	var status string
	err := row.Scan(&e.BookingID, &e.PaymentID, &e.Amount, &e.AgentPayout, &e.Refunded, &e.Currency, &status,
		&e.HeldAt, &e.ReleaseEligibleAt, &e.ReleasedAt, &e.Version)
	e.Status = domain.EscrowStatus(status)
	return e, err
}

func (r *EscrowRepository) CreateEscrow(ctx context.Context, e domain.EscrowHold) error {
	const stmt = `
INSERT INTO escrow_holds (` + escrowColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.exec(ctx, stmt, e.BookingID, e.PaymentID, e.Amount, e.AgentPayout, e.Refunded, e.Currency,
		string(e.Status), e.HeldAt, e.ReleaseEligibleAt, e.ReleasedAt, e.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("create escrow hold: %w", err)
	}
	return nil
}

func (r *EscrowRepository) FindEscrowForUpdate(ctx context.Context, bookingID string) (*domain.EscrowHold, error) {
	e, err := scanEscrow(r.queryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_holds WHERE booking_id = $1 FOR UPDATE`, bookingID))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find escrow hold: %w", err)
	}
	return &e, nil
}

func (r *EscrowRepository) UpdateEscrow(ctx context.Context, e domain.EscrowHold, expectedVersion int64) error {
	const stmt = `
UPDATE escrow_holds SET
	refunded = $2, status = $3, release_eligible_at = $4, released_at = $5, version = $6
WHERE booking_id = $1 AND version = $7`

	tag, err := r.exec(ctx, stmt, e.BookingID, e.Refunded, string(e.Status), e.ReleaseEligibleAt, e.ReleasedAt,
		e.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("update escrow hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_holds WHERE booking_id = $1)`, e.BookingID).Scan(&exists); err != nil {
			return fmt.Errorf("check escrow hold: %w", err)
		}
		if !exists {
			return domain.ErrEscrowNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}

// ListReleasable returns held funds whose countdown has elapsed at now.
func (r *EscrowRepository) ListReleasable(ctx context.Context, now time.Time, limit int) ([]domain.EscrowHold, error) {
	const query = `SELECT ` + escrowColumns + `
FROM escrow_holds
WHERE status = 'held' AND release_eligible_at IS NOT NULL AND release_eligible_at <= $1
ORDER BY release_eligible_at
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list releasable escrow: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EscrowHold, error) {
		return scanEscrow(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list releasable escrow: %w", err)
	}
	return out, nil
}
