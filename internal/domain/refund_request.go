package domain

import "time"

type RefundCategory string

const (
	RefundServiceNotDelivered RefundCategory = "service_not_delivered"
	RefundItineraryMismatch   RefundCategory = "itinerary_mismatch"
	RefundAgentNoShow         RefundCategory = "agent_no_show"
	RefundSafetyIssue         RefundCategory = "safety_issue"
	RefundBillingError        RefundCategory = "billing_error"
	RefundDissatisfied        RefundCategory = "dissatisfied"
	RefundChangedMind         RefundCategory = "changed_mind"
)

// Subjective reports whether the category is a matter of taste rather
// than a verifiable failure.
func (c RefundCategory) Subjective() bool {
	return c == RefundDissatisfied || c == RefundChangedMind
}

func (c RefundCategory) Valid() bool {
	switch c {
	case RefundServiceNotDelivered, RefundItineraryMismatch, RefundAgentNoShow,
		RefundSafetyIssue, RefundBillingError, RefundDissatisfied, RefundChangedMind:
		return true
	}
	return false
}

type RefundRequestStatus string

const (
	RefundRequestPending  RefundRequestStatus = "pending"
	RefundRequestApproved RefundRequestStatus = "approved"
	RefundRequestDenied   RefundRequestStatus = "denied"
)

type RefundRequest struct {
	ID             string
	BookingID      string
	PaymentID      string
	RequestedBy    Actor
	Category       RefundCategory
	Description    string
	Amount         int64
	Status         RefundRequestStatus
	DecidedBy      *Actor
	DecisionReason string
	RefundID       string
	Version        int64
	CreatedAt      time.Time
	DecidedAt      *time.Time
}

// Decide records an admin decision on a pending request.
func (r RefundRequest) Decide(status RefundRequestStatus, admin Actor, reason string, now time.Time) (RefundRequest, error) {
	if r.Status != RefundRequestPending {
		return RefundRequest{}, invalidTransition(string(r.Status), string(status), nil)
	}
	if admin.Role != RoleAdmin {
		return RefundRequest{}, unauthorizedActor(admin.Role, []Role{RoleAdmin})
	}
	if reason == "" {
		return RefundRequest{}, reasonRequired("refund decision")
	}
	next := r
	a := admin
	t := now
	next.Status = status
	next.DecidedBy = &a
	next.DecisionReason = reason
	next.DecidedAt = &t
	next.Version = r.Version + 1
	return next, nil
}
