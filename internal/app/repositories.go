package app

import (
	"context"
	"time"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/domain"
)

// Transactor runs fn in one database transaction carried by ctx. Nested
// calls join the outer transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Update* methods take the version the caller read; a mismatch returns
// domain.ErrVersionConflict and writes nothing.

type BookingRepository interface {
	CreateBooking(ctx context.Context, b domain.Booking) error
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	GetBookingForUpdate(ctx context.Context, id string) (domain.Booking, error)
	FindBookingByIdempotencyKey(ctx context.Context, createdBy, key string) (*domain.Booking, error)
	UpdateBooking(ctx context.Context, b domain.Booking, expectedVersion int64) error
	SetBookingPaymentState(ctx context.Context, bookingID string, state domain.PaymentState, at time.Time) error
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, p domain.Payment) error
	GetPayment(ctx context.Context, id string) (domain.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id string) (domain.Payment, error)
	FindPaymentByProviderOrder(ctx context.Context, providerOrderID string) (domain.Payment, error)
	CurrentPaymentForBooking(ctx context.Context, bookingID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p domain.Payment, expectedVersion int64) error
	ListExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error)
	ListCapturedWithoutEscrow(ctx context.Context, limit int) ([]domain.Payment, error)
}

type DisputeRepository interface {
	CreateDispute(ctx context.Context, d domain.Dispute) error
	GetDispute(ctx context.Context, id string) (domain.Dispute, error)
	GetDisputeForUpdate(ctx context.Context, id string) (domain.Dispute, error)
	FindOpenDispute(ctx context.Context, bookingID string) (*domain.Dispute, error)
	UpdateDispute(ctx context.Context, d domain.Dispute, expectedVersion int64) error
	ListIdleDisputes(ctx context.Context, states []domain.DisputeState, before time.Time, limit int) ([]domain.Dispute, error)
	ListUnsettledDisputes(ctx context.Context, limit int) ([]domain.Dispute, error)
}

type RefundRequestRepository interface {
	CreateRefundRequest(ctx context.Context, r domain.RefundRequest) error
	GetRefundRequest(ctx context.Context, id string) (domain.RefundRequest, error)
	GetRefundRequestForUpdate(ctx context.Context, id string) (domain.RefundRequest, error)
	UpdateRefundRequest(ctx context.Context, r domain.RefundRequest, expectedVersion int64) error
}

type EscrowRepository interface {
	CreateEscrow(ctx context.Context, e domain.EscrowHold) error
	FindEscrowForUpdate(ctx context.Context, bookingID string) (*domain.EscrowHold, error)
	UpdateEscrow(ctx context.Context, e domain.EscrowHold, expectedVersion int64) error
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]domain.EscrowHold, error)
}

// LedgerRepository appends money movements. Recording a movement whose
// idempotency key already exists is a no-op.
type LedgerRepository interface {
	RecordMovement(ctx context.Context, m domain.MoneyMovement) error
	ListMovements(ctx context.Context, bookingID string) ([]domain.MoneyMovement, error)
}

// SagaRepository remembers which derived-key steps have been applied.
type SagaRepository interface {
	StepDone(ctx context.Context, key string) (bool, error)
	RecordStep(ctx context.Context, key string, at time.Time) error
}

// AuditLog is append-only.
type AuditLog interface {
	AppendEvent(ctx context.Context, e audit.Event) error
}

// Repositories bundles the storage the services share. All of them must
// join the transaction started by Tx.
type Repositories struct {
	Tx             Transactor
	Bookings       BookingRepository
	Payments       PaymentRepository
	Disputes       DisputeRepository
	RefundRequests RefundRequestRepository
	Escrow         EscrowRepository
	Ledger         LedgerRepository
	Sagas          SagaRepository
	Audit          AuditLog
}

// runStep applies fn once per key. The step record commits with fn's
// writes, so a retry after a crash either sees the step done or redoes it
// in full.
func (r Repositories) runStep(ctx context.Context, key string, now time.Time, fn func(ctx context.Context) error) error {
	return r.Tx.WithTx(ctx, func(txCtx context.Context) error {
		done, err := r.Sagas.StepDone(txCtx, key)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := fn(txCtx); err != nil {
			return err
		}
		return r.Sagas.RecordStep(txCtx, key, now)
	})
}
