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

type BookingRepository struct {
	conn
}

func NewBookingRepository(pool *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{conn{pool: pool}}
}

const bookingColumns = `
id, traveler_id, agent_id, itinerary_ref, state, payment_state,
base_price, booking_fee, platform_commission, total_charged, agent_payout, currency,
trip_start, trip_end, cancellation_reason, cancelled_by_id, cancelled_by_role, cancelled_at,
admin_reason, agent_confirmed_at, completed_at, escrow_release_eligible_at,
version, created_by, idempotency_key, request_fingerprint, created_at, updated_at`

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var b domain.Booking
	var state, paymentState string
	var reason, byID, byRole *string
	err := row.Scan(
		&b.ID, &b.TravelerID, &b.AgentID, &b.ItineraryRef, &state, &paymentState,
		&b.Fees.BasePrice, &b.Fees.BookingFee, &b.Fees.PlatformCommission, &b.Fees.TotalCharged, &b.Fees.AgentPayout, &b.Fees.Currency,
		&b.TripStart, &b.TripEnd, &reason, &byID, &byRole, &b.CancelledAt,
		&b.AdminReason, &b.AgentConfirmedAt, &b.CompletedAt, &b.EscrowReleaseEligibleAt,
		&b.Version, &b.CreatedBy, &b.IdempotencyKey, &b.RequestFingerprint, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return domain.Booking{}, err
	}
	b.State = domain.BookingState(state)
	b.PaymentState = domain.PaymentState(paymentState)
	if reason != nil {
		r := domain.CancellationReason(*reason)
		b.CancellationReason = &r
	}
	if byID != nil && byRole != nil {
		b.CancelledBy = &domain.Actor{ID: *byID, Role: domain.Role(*byRole)}
	}
	return b, nil
}

func (r *BookingRepository) getBooking(ctx context.Context, query, id string) (domain.Booking, error) {
	b, err := scanBooking(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Booking{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Booking{}, domain.ErrBookingNotFound
		}
		return domain.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (r *BookingRepository) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return r.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

func (r *BookingRepository) GetBookingForUpdate(ctx context.Context, id string) (domain.Booking, error) {
	return r.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
}

func (r *BookingRepository) FindBookingByIdempotencyKey(ctx context.Context, createdBy, key string) (*domain.Booking, error) {
	b, err := scanBooking(r.queryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE created_by = $1 AND idempotency_key = $2`, createdBy, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find booking by key: %w", err)
	}
	return &b, nil
}

func (r *BookingRepository) CreateBooking(ctx context.Context, b domain.Booking) error {
	const stmt = `
INSERT INTO bookings (
	id, traveler_id, agent_id, itinerary_ref, state, payment_state,
	base_price, booking_fee, platform_commission, total_charged, agent_payout, currency,
	trip_start, trip_end, version, created_by, idempotency_key, request_fingerprint, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.exec(ctx, stmt,
		b.ID, b.TravelerID, b.AgentID, b.ItineraryRef, string(b.State), string(b.PaymentState),
		b.Fees.BasePrice, b.Fees.BookingFee, b.Fees.PlatformCommission, b.Fees.TotalCharged, b.Fees.AgentPayout, b.Fees.Currency,
		b.TripStart, b.TripEnd, b.Version, b.CreatedBy, b.IdempotencyKey, b.RequestFingerprint, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("create booking: %w", err)
	}
	return nil
}

// UpdateBooking writes the lifecycle columns, guarded by expectedVersion.
// payment_state is left to SetBookingPaymentState.
func (r *BookingRepository) UpdateBooking(ctx context.Context, b domain.Booking, expectedVersion int64) error {
	const stmt = `
UPDATE bookings SET
	state = $2, cancellation_reason = $3, cancelled_by_id = $4, cancelled_by_role = $5,
	cancelled_at = $6, admin_reason = $7, agent_confirmed_at = $8, completed_at = $9,
	escrow_release_eligible_at = $10, version = $11, updated_at = $12
WHERE id = $1 AND version = $13`

	var reason, byID, byRole *string
	if b.CancellationReason != nil {
		s := string(*b.CancellationReason)
		reason = &s
	}
	if b.CancelledBy != nil {
		id, role := b.CancelledBy.ID, string(b.CancelledBy.Role)
		byID, byRole = &id, &role
	}

	tag, err := r.exec(ctx, stmt,
		b.ID, string(b.State), reason, byID, byRole,
		b.CancelledAt, b.AdminReason, b.AgentConfirmedAt, b.CompletedAt,
		b.EscrowReleaseEligibleAt, b.Version, b.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrStale(ctx, b.ID)
	}
	return nil
}

// SetBookingPaymentState refreshes the denormalized payment state. It does
// not bump the booking version; the payment row owns that state.
func (r *BookingRepository) SetBookingPaymentState(ctx context.Context, bookingID string, state domain.PaymentState, at time.Time) error {
	tag, err := r.exec(ctx, `UPDATE bookings SET payment_state = $2, updated_at = $3 WHERE id = $1`, bookingID, string(state), at)
	if err != nil {
		return fmt.Errorf("set booking payment state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

func (r *BookingRepository) missingOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check booking: %w", err)
	}
	if !exists {
		return domain.ErrBookingNotFound
	}
	return domain.ErrVersionConflict
}
