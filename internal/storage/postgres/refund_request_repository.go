package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/domain"
)

type RefundRequestRepository struct {
	conn
}

func NewRefundRequestRepository(pool *pgxpool.Pool) *RefundRequestRepository {
	return &RefundRequestRepository{conn{pool: pool}}
}

const refundRequestColumns = `
id, booking_id, payment_id, requested_by_id, requested_by_role, category, description, amount, status,
decided_by_id, decided_by_role, decision_reason, refund_id::text, version, created_at, decided_at`

func (r *RefundRequestRepository) get(ctx context.Context, query, id string) (domain.RefundRequest, error) {
	var rr domain.RefundRequest
	var role, category, status string
	var decidedID, decidedRole, refundID *string
	err := r.queryRow(ctx, query, id).Scan(
		&rr.ID, &rr.BookingID, &rr.PaymentID, &rr.RequestedBy.ID, &role, &category, &rr.Description, &rr.Amount, &status,
		&decidedID, &decidedRole, &rr.DecisionReason, &refundID, &rr.Version, &rr.CreatedAt, &rr.DecidedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.RefundRequest{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RefundRequest{}, domain.ErrRefundRequestNotFound
		}
		return domain.RefundRequest{}, fmt.Errorf("get refund request: %w", err)
	}
	rr.RequestedBy.Role = domain.Role(role)
	rr.Category = domain.RefundCategory(category)
	rr.Status = domain.RefundRequestStatus(status)
	if decidedID != nil && decidedRole != nil {
		rr.DecidedBy = &domain.Actor{ID: *decidedID, Role: domain.Role(*decidedRole)}
	}
	if refundID != nil {
		rr.RefundID = *refundID
	}
	return rr, nil
}

func (r *RefundRequestRepository) GetRefundRequest(ctx context.Context, id string) (domain.RefundRequest, error) {
	return r.get(ctx, `SELECT `+refundRequestColumns+` FROM refund_requests WHERE id = $1`, id)
}

func (r *RefundRequestRepository) GetRefundRequestForUpdate(ctx context.Context, id string) (domain.RefundRequest, error) {
	return r.get(ctx, `SELECT `+refundRequestColumns+` FROM refund_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r *RefundRequestRepository) CreateRefundRequest(ctx context.Context, rr domain.RefundRequest) error {
	const stmt = `
INSERT INTO refund_requests (
	id, booking_id, payment_id, requested_by_id, requested_by_role, category, description, amount, status, version, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.exec(ctx, stmt, rr.ID, rr.BookingID, rr.PaymentID, rr.RequestedBy.ID, string(rr.RequestedBy.Role),
		string(rr.Category), rr.Description, rr.Amount, string(rr.Status), rr.Version, rr.CreatedAt)
	if err != nil {
		return fmt.Errorf("create refund request: %w", err)
	}
	return nil
}

func (r *RefundRequestRepository) UpdateRefundRequest(ctx context.Context, rr domain.RefundRequest, expectedVersion int64) error {
	const stmt = `
UPDATE refund_requests SET
	status = $2, decided_by_id = $3, decided_by_role = $4, decision_reason = $5, refund_id = $6,
	version = $7, decided_at = $8
WHERE id = $1 AND version = $9`

	var decidedID, decidedRole, refundID *string
	if rr.DecidedBy != nil {
		id, role := rr.DecidedBy.ID, string(rr.DecidedBy.Role)
		decidedID, decidedRole = &id, &role
	}
	if rr.RefundID != "" {
		refundID = &rr.RefundID
	}
	tag, err := r.exec(ctx, stmt, rr.ID, string(rr.Status), decidedID, decidedRole, rr.DecisionReason, refundID,
		rr.Version, rr.DecidedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update refund request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetRefundRequest(ctx, rr.ID); err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}
	return nil
}
