package http

import (
	"time"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/domain"
)

type feesView struct {
	BasePrice          int64  `json:"base_price"`
	BookingFee         int64  `json:"booking_fee"`
	PlatformCommission int64  `json:"platform_commission"`
	TotalCharged       int64  `json:"total_charged"`
	AgentPayout        int64  `json:"agent_payout"`
	Currency           string `json:"currency"`
}

func newFeesView(f domain.FeeBreakdown) feesView {
	return feesView{
		BasePrice:          f.BasePrice,
		BookingFee:         f.BookingFee,
		PlatformCommission: f.PlatformCommission,
		TotalCharged:       f.TotalCharged,
		AgentPayout:        f.AgentPayout,
		Currency:           f.Currency,
	}
}

type actorView struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func newActorView(a *domain.Actor) *actorView {
	if a == nil {
		return nil
	}
	return &actorView{ID: a.ID, Role: string(a.Role)}
}

type bookingView struct {
	ID                      string     `json:"id"`
	TravelerID              string     `json:"traveler_id"`
	AgentID                 string     `json:"agent_id"`
	ItineraryRef            string     `json:"itinerary_ref"`
	State                   string     `json:"state"`
	PaymentState            string     `json:"payment_state"`
	Fees                    feesView   `json:"fees"`
	TripStart               time.Time  `json:"trip_start"`
	TripEnd                 time.Time  `json:"trip_end"`
	CancellationReason      string     `json:"cancellation_reason,omitempty"`
	CancelledBy             *actorView `json:"cancelled_by,omitempty"`
	CancelledAt             *time.Time `json:"cancelled_at,omitempty"`
	AdminReason             string     `json:"admin_reason,omitempty"`
	AgentConfirmedAt        *time.Time `json:"agent_confirmed_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	EscrowReleaseEligibleAt *time.Time `json:"escrow_release_eligible_at,omitempty"`
	Version                 int64      `json:"version"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func newBookingView(b domain.Booking) bookingView {
	v := bookingView{
		ID:                      b.ID,
		TravelerID:              b.TravelerID,
		AgentID:                 b.AgentID,
		ItineraryRef:            b.ItineraryRef,
		State:                   string(b.State),
		PaymentState:            string(b.PaymentState),
		Fees:                    newFeesView(b.Fees),
		TripStart:               b.TripStart,
		TripEnd:                 b.TripEnd,
		CancelledBy:             newActorView(b.CancelledBy),
		CancelledAt:             b.CancelledAt,
		AdminReason:             b.AdminReason,
		AgentConfirmedAt:        b.AgentConfirmedAt,
		CompletedAt:             b.CompletedAt,
		EscrowReleaseEligibleAt: b.EscrowReleaseEligibleAt,
		Version:                 b.Version,
		CreatedAt:               b.CreatedAt,
		UpdatedAt:               b.UpdatedAt,
	}
	if b.CancellationReason != nil {
		v.CancellationReason = string(*b.CancellationReason)
	}
	return v
}

type refundView struct {
	ID            string     `json:"id"`
	Amount        int64      `json:"amount"`
	Reason        string     `json:"reason"`
	Initiator     string     `json:"initiator"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

type paymentView struct {
	ID               string       `json:"id"`
	BookingID        string       `json:"booking_id"`
	State            string       `json:"state"`
	Method           string       `json:"method,omitempty"`
	Fees             feesView     `json:"fees"`
	CheckoutURL      string       `json:"checkout_url,omitempty"`
	SessionExpiresAt time.Time    `json:"session_expires_at"`
	Refunds          []refundView `json:"refunds"`
	TotalRefunded    int64        `json:"total_refunded"`
	NetAmount        int64        `json:"net_amount"`
	FailureCode      string       `json:"failure_code,omitempty"`
	Version          int64        `json:"version"`
}

func newPaymentView(p domain.Payment) paymentView {
	v := paymentView{
		ID:               p.ID,
		BookingID:        p.BookingID,
		State:            string(p.State),
		Method:           p.Method,
		Fees:             newFeesView(p.Fees),
		CheckoutURL:      p.CheckoutURL,
		SessionExpiresAt: p.SessionExpiresAt,
		Refunds:          make([]refundView, 0, len(p.Refunds)),
		TotalRefunded:    p.TotalRefunded(),
		NetAmount:        p.NetAmount(),
		FailureCode:      p.FailureCode,
		Version:          p.Version,
	}
	for _, r := range p.Refunds {
		v.Refunds = append(v.Refunds, refundView{
			ID:            r.ID,
			Amount:        r.Amount,
			Reason:        r.Reason,
			Initiator:     string(r.Initiator),
			Status:        string(r.Status),
			FailureReason: r.FailureReason,
			CreatedAt:     r.CreatedAt,
			ProcessedAt:   r.ProcessedAt,
		})
	}
	return v
}

type evidenceView struct {
	Kind        string    `json:"kind"`
	URI         string    `json:"uri"`
	Note        string    `json:"note,omitempty"`
	SubmittedBy actorView `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type disputeView struct {
	ID               string         `json:"id"`
	BookingID        string         `json:"booking_id"`
	OpenedBy         actorView      `json:"opened_by"`
	Category         string         `json:"category"`
	Description      string         `json:"description"`
	State            string         `json:"state"`
	Evidence         []evidenceView `json:"evidence"`
	Resolution       string         `json:"resolution,omitempty"`
	ResolutionReason string         `json:"resolution_reason,omitempty"`
	RefundAmount     int64          `json:"refund_amount,omitempty"`
	ValidActions     []string       `json:"valid_actions"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
}

func newDisputeView(d domain.Dispute) disputeView {
	v := disputeView{
		ID:               d.ID,
		BookingID:        d.BookingID,
		OpenedBy:         actorView{ID: d.OpenedBy.ID, Role: string(d.OpenedBy.Role)},
		Category:         string(d.Category),
		Description:      d.Description,
		State:            string(d.State),
		Evidence:         make([]evidenceView, 0, len(d.Evidence)),
		ResolutionReason: d.ResolutionReason,
		RefundAmount:     d.RefundAmount,
		ValidActions:     domain.DisputeActions(d.State),
		Version:          d.Version,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ClosedAt:         d.ClosedAt,
	}
	if v.ValidActions == nil {
		v.ValidActions = []string{}
	}
	if d.Resolution != nil {
		v.Resolution = string(*d.Resolution)
	}
	for _, e := range d.Evidence {
		v.Evidence = append(v.Evidence, evidenceView{
			Kind:        e.Kind,
			URI:         e.URI,
			Note:        e.Note,
			SubmittedBy: actorView{ID: e.SubmittedBy.ID, Role: string(e.SubmittedBy.Role)},
			SubmittedAt: e.SubmittedAt,
		})
	}
	return v
}

type refundRequestView struct {
	ID             string     `json:"id"`
	BookingID      string     `json:"booking_id"`
	PaymentID      string     `json:"payment_id"`
	RequestedBy    actorView  `json:"requested_by"`
	Category       string     `json:"category"`
	Description    string     `json:"description"`
	Amount         int64      `json:"amount"`
	Status         string     `json:"status"`
	DecidedBy      *actorView `json:"decided_by,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	RefundID       string     `json:"refund_id,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

func newRefundRequestView(r domain.RefundRequest) refundRequestView {
	return refundRequestView{
		ID:             r.ID,
		BookingID:      r.BookingID,
		PaymentID:      r.PaymentID,
		RequestedBy:    actorView{ID: r.RequestedBy.ID, Role: string(r.RequestedBy.Role)},
		Category:       string(r.Category),
		Description:    r.Description,
		Amount:         r.Amount,
		Status:         string(r.Status),
		DecidedBy:      newActorView(r.DecidedBy),
		DecisionReason: r.DecisionReason,
		RefundID:       r.RefundID,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		DecidedAt:      r.DecidedAt,
	}
}

type escrowView struct {
	BookingID         string     `json:"booking_id"`
	PaymentID         string     `json:"payment_id"`
	Amount            int64      `json:"amount"`
	AgentPayout       int64      `json:"agent_payout"`
	Refunded          int64      `json:"refunded"`
	Remaining         int64      `json:"remaining"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	HeldAt            time.Time  `json:"held_at"`
	ReleaseEligibleAt *time.Time `json:"release_eligible_at,omitempty"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
}

func newEscrowView(e domain.EscrowHold) escrowView {
	return escrowView{
		BookingID:         e.BookingID,
		PaymentID:         e.PaymentID,
		Amount:            e.Amount,
		AgentPayout:       e.AgentPayout,
		Refunded:          e.Refunded,
		Remaining:         e.Remaining(),
		Currency:          e.Currency,
		Status:            string(e.Status),
		HeldAt:            e.HeldAt,
		ReleaseEligibleAt: e.ReleaseEligibleAt,
		ReleasedAt:        e.ReleasedAt,
	}
}

type auditTrailView struct {
	CorrelationID string        `json:"correlation_id"`
	Events        []audit.Event `json:"events"`
}
