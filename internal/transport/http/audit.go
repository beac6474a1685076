package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/domain"
)

// AuditReader lists the audit trail of one booking or dispute.
type AuditReader interface {
	ListEvents(ctx context.Context, correlationID string) ([]audit.Event, error)
}

// EscrowReader loads the escrow hold of a booking, or nil.
type EscrowReader interface {
	Find(ctx context.Context, bookingID string) (*domain.EscrowHold, error)
}

// HandleAuditTrail returns the audit events for a booking or dispute id.
// Admin only.
func HandleAuditTrail(events AuditReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		if err := domain.CheckActor(actor.Role, domain.RoleAdmin); err != nil {
			writeDomainError(w, logger, err)
			return
		}

		id := r.PathValue("id")
		list, err := events.ListEvents(r.Context(), id)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		if list == nil {
			list = []audit.Event{}
		}
		writeJSON(w, http.StatusOK, auditTrailView{CorrelationID: id, Events: list})
	}
}

// HandleGetEscrow shows the escrow hold to the booking's parties.
func HandleGetEscrow(bookings BookingReader, escrow EscrowReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		b, err := bookings.GetBooking(r.Context(), r.PathValue("id"), actor)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		hold, err := escrow.Find(r.Context(), b.ID)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		if hold == nil {
			writeDomainError(w, logger, domain.ErrEscrowNotFound)
			return
		}
		writeJSON(w, http.StatusOK, newEscrowView(*hold))
	}
}
