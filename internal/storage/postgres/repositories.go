package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/app"
)

// NewRepositories wires every Postgres repository behind one pool. The
// ledger repository also records saga steps.
func NewRepositories(pool *pgxpool.Pool) app.Repositories {
	ledger := NewLedgerRepository(pool)
	return app.Repositories{
		Tx:             NewTransactor(pool),
		Bookings:       NewBookingRepository(pool),
		Payments:       NewPaymentRepository(pool),
		Disputes:       NewDisputeRepository(pool),
		RefundRequests: NewRefundRequestRepository(pool),
		Escrow:         NewEscrowRepository(pool),
		Ledger:         ledger,
		Sagas:          ledger,
		Audit:          NewAuditRepository(pool),
	}
}
