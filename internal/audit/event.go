// Package audit defines the audit event record and delivers persisted
// events to the event transport.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/howweplan/bookingcore/internal/domain"
)

// Event types emitted by the core.
const (
	BookingCreated        = "booking.created"
	BookingStateChanged   = "booking.state_changed"
	BookingCancelled      = "booking.cancelled"
	PaymentInitiated      = "payment.initiated"
	PaymentStateChanged   = "payment.state_changed"
	PaymentSucceeded      = "payment.succeeded"
	PaymentFailed         = "payment.failed"
	PaymentCapturedLate   = "payment.captured_late"
	PaymentRefundRecorded = "payment.refund_recorded"
	PaymentRefundSettled  = "payment.refund_settled"
	EscrowHeld            = "escrow.held"
	EscrowCountdown       = "escrow.countdown_started"
	EscrowFrozen          = "escrow.frozen"
	EscrowUnfrozen        = "escrow.unfrozen"
	EscrowReleased        = "escrow.released"
	EscrowRefunded        = "escrow.refunded"
	DisputeOpened         = "dispute.opened"
	DisputeStateChanged   = "dispute.state_changed"
	RefundRequested       = "refund_request.created"
	RefundApproved        = "refund_request.approved"
	RefundDenied          = "refund_request.denied"
)

// Event is one immutable audit record. CorrelationID is the booking or
// dispute the change belongs to.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id"`
	ActorID       string         `json:"actor_id"`
	ActorRole     string         `json:"actor_role"`
	Payload       map[string]any `json:"payload"`
}

// New builds an event with a fresh id.
func New(eventType, correlationID string, actor domain.Actor, now time.Time, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    now,
		CorrelationID: correlationID,
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Payload:       payload,
	}
}
