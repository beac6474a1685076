package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/idempotency"
)

// BookingAPI is everything the booking routes need.
type BookingAPI interface {
	BookingCreator
	BookingReader
	BookingTransitioner
	BookingCanceller
}

// PaymentAPI is everything the payment routes need.
type PaymentAPI interface {
	CheckoutCreator
	PaymentEventHandler
}

// RouterDeps wires services into the HTTP surface.
type RouterDeps struct {
	Bookings      BookingAPI
	Payments      PaymentAPI
	Disputes      DisputeHandler
	Refunds       RefundRequestHandler
	Escrow        EscrowReader
	Audit         AuditReader
	Guard         *idempotency.Guard
	WebhookSecret []byte
	CORSOrigins   []string
	ReadyChecks   map[string]ReadyCheck
	Logger        *zap.Logger
}

// NewRouter builds the full handler: CORS and request logging around a mux
// whose routes all require an actor, except the probes and the processor
// webhook. Unknown paths get a JSON 404.
func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.Handle("GET /ready", HandleReady(d.ReadyChecks))
	mux.Handle("POST /payments/webhook", HandlePaymentWebhook(d.Payments, d.WebhookSecret, logger))

	authed := func(pattern string, h http.Handler) {
		mux.Handle(pattern, Identity(h))
	}

	bookingScope := func(r *http.Request) string {
		actor, _ := ActorFrom(r.Context())
		return "bookings:" + actor.ID
	}
	checkoutScope := func(r *http.Request) string {
		return "checkout:" + r.PathValue("id")
	}

	authed("POST /bookings", Idempotent(d.Guard, bookingScope, logger, HandleCreateBooking(d.Bookings, logger)))
	authed("GET /bookings/{id}", HandleGetBooking(d.Bookings, logger))
	authed("POST /bookings/{id}/confirm", HandleConfirmBooking(d.Bookings, logger))
	authed("POST /bookings/{id}/complete", HandleCompleteTrip(d.Bookings, logger))
	authed("POST /bookings/{id}/cancel", HandleCancelBooking(d.Bookings, logger))
	authed("POST /bookings/{id}/checkout", Idempotent(d.Guard, checkoutScope, logger, HandleCheckout(d.Payments, logger)))
	authed("GET /bookings/{id}/escrow", HandleGetEscrow(d.Bookings, d.Escrow, logger))
	authed("POST /bookings/{id}/disputes", HandleOpenDispute(d.Disputes, logger))

	authed("GET /disputes/{id}", HandleGetDispute(d.Disputes, logger))
	authed("POST /disputes/{id}/transitions", HandleTransitionDispute(d.Disputes, logger))
	authed("POST /disputes/{id}/resolve", HandleResolveDispute(d.Disputes, logger))

	authed("POST /refund-requests", HandleCreateRefundRequest(d.Refunds, logger))
	authed("POST /refund-requests/{id}/approve", HandleApproveRefund(d.Refunds, logger))
	authed("POST /refund-requests/{id}/deny", HandleDenyRefund(d.Refunds, logger))

	authed("GET /audit/{id}", HandleAuditTrail(d.Audit, logger))

	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	}))

	return RequestLogger(CORS(d.CORSOrigins, mux), logger)
}
