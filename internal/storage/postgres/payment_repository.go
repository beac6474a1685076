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

type PaymentRepository struct {
	conn
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{conn{pool: pool}}
}

const paymentColumns = `
p.id, p.booking_id, p.state, p.method,
p.base_price, p.booking_fee, p.platform_commission, p.total_charged, p.agent_payout, p.currency,
p.provider_order_id, p.provider_charge_id, p.checkout_url, p.idempotency_key, p.session_expires_at,
p.failure_code, p.failure_message, p.captured_at, p.version, p.created_at, p.updated_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	var state string
	err := row.Scan(
		&p.ID, &p.BookingID, &state, &p.Method,
		&p.Fees.BasePrice, &p.Fees.BookingFee, &p.Fees.PlatformCommission, &p.Fees.TotalCharged, &p.Fees.AgentPayout, &p.Fees.Currency,
		&p.ProviderOrderID, &p.ProviderChargeID, &p.CheckoutURL, &p.IdempotencyKey, &p.SessionExpiresAt,
		&p.FailureCode, &p.FailureMessage, &p.CapturedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Payment{}, err
	}
	p.State = domain.PaymentState(state)
	return p, nil
}

func (r *PaymentRepository) one(ctx context.Context, query string, args ...any) (domain.Payment, error) {
	p, err := scanPayment(r.queryRow(ctx, query, args...))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Payment{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	if p.Refunds, err = r.loadRefunds(ctx, p.ID); err != nil {
		return domain.Payment{}, err
	}
	return p, nil
}

func (r *PaymentRepository) many(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payment, error) {
		return scanPayment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	for i := range out {
		if out[i].Refunds, err = r.loadRefunds(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PaymentRepository) loadRefunds(ctx context.Context, paymentID string) ([]domain.Refund, error) {
	const query = `
SELECT id, refund_key, amount, reason, initiator, status, failure_reason, provider_refund_id, created_at, processed_at
FROM payment_refunds
WHERE payment_id = $1
ORDER BY created_at, id`

	rows, err := r.query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}
	refunds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Refund, error) {
		var rf domain.Refund
		var initiator, status string
		err := row.Scan(&rf.ID, &rf.Key, &rf.Amount, &rf.Reason, &initiator, &status,
			&rf.FailureReason, &rf.ProviderRefundID, &rf.CreatedAt, &rf.ProcessedAt)
		rf.Initiator = domain.Role(initiator)
		rf.Status = domain.RefundStatus(status)
		return rf, err
	})
	if err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}
	return refunds, nil
}

func (r *PaymentRepository) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = $1`, id)
}

func (r *PaymentRepository) GetPaymentForUpdate(ctx context.Context, id string) (domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = $1 FOR UPDATE`, id)
}

func (r *PaymentRepository) FindPaymentByProviderOrder(ctx context.Context, providerOrderID string) (domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.provider_order_id = $1`, providerOrderID)
}

// CurrentPaymentForBooking returns the live attempt, or the failed one that
// was captured late, or the latest failed one, or nil.
func (r *PaymentRepository) CurrentPaymentForBooking(ctx context.Context, bookingID string) (*domain.Payment, error) {
	const query = `SELECT ` + paymentColumns + `
FROM payments p
WHERE p.booking_id = $1
ORDER BY (p.state <> 'FAILED') DESC, (p.captured_at IS NOT NULL) DESC, p.created_at DESC
LIMIT 1`

	p, err := r.one(ctx, query, bookingID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) CreatePayment(ctx context.Context, p domain.Payment) error {
	const stmt = `
INSERT INTO payments (
	id, booking_id, state, method,
	base_price, booking_fee, platform_commission, total_charged, agent_payout, currency,
	provider_order_id, provider_charge_id, checkout_url, idempotency_key, session_expires_at,
	version, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := r.exec(ctx, stmt,
		p.ID, p.BookingID, string(p.State), p.Method,
		p.Fees.BasePrice, p.Fees.BookingFee, p.Fees.PlatformCommission, p.Fees.TotalCharged, p.Fees.AgentPayout, p.Fees.Currency,
		p.ProviderOrderID, p.ProviderChargeID, p.CheckoutURL, p.IdempotencyKey, p.SessionExpiresAt,
		p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentInProgress
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// UpdatePayment writes the payment row and upserts its refunds. Settled
// refunds are never rewritten.
func (r *PaymentRepository) UpdatePayment(ctx context.Context, p domain.Payment, expectedVersion int64) error {
	return r.WithTx(ctx, func(txCtx context.Context) error {
		const stmt = `
UPDATE payments SET
	state = $2, provider_charge_id = $3, failure_code = $4, failure_message = $5, captured_at = $6,
	version = $7, updated_at = $8
WHERE id = $1 AND version = $9`

		tag, err := r.exec(txCtx, stmt, p.ID, string(p.State), p.ProviderChargeID, p.FailureCode, p.FailureMessage,
			p.CapturedAt, p.Version, p.UpdatedAt, expectedVersion)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.queryRow(txCtx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check payment: %w", err)
			}
			if !exists {
				return domain.ErrPaymentNotFound
			}
			return domain.ErrVersionConflict
		}

		const upsert = `
INSERT INTO payment_refunds (
	id, payment_id, refund_key, amount, reason, initiator, status, failure_reason, provider_refund_id, created_at, processed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	failure_reason = EXCLUDED.failure_reason,
	provider_refund_id = EXCLUDED.provider_refund_id,
	processed_at = EXCLUDED.processed_at
WHERE payment_refunds.status = 'pending'`

		for _, rf := range p.Refunds {
			_, err := r.exec(txCtx, upsert, rf.ID, p.ID, rf.Key, rf.Amount, rf.Reason, string(rf.Initiator),
				string(rf.Status), rf.FailureReason, rf.ProviderRefundID, rf.CreatedAt, rf.ProcessedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return domain.ErrConflict
				}
				return fmt.Errorf("upsert refund: %w", err)
			}
		}
		return nil
	})
}

func (r *PaymentRepository) ListExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	const query = `SELECT ` + paymentColumns + `
FROM payments p
WHERE p.state = 'NOT_STARTED' AND p.session_expires_at <= $1
ORDER BY p.session_expires_at
LIMIT $2`
	return r.many(ctx, query, now, limit)
}

// ListCapturedWithoutEscrow finds captures whose escrow step never ran.
func (r *PaymentRepository) ListCapturedWithoutEscrow(ctx context.Context, limit int) ([]domain.Payment, error) {
	const query = `SELECT ` + paymentColumns + `
FROM payments p
WHERE p.state = 'CAPTURED'
	AND NOT EXISTS (SELECT 1 FROM escrow_holds e WHERE e.booking_id = p.booking_id)
ORDER BY p.updated_at
LIMIT $1`
	return r.many(ctx, query, limit)
}
