// Package refundpolicy decides whether a cancellation is refund-eligible.
// It only answers yes or no; the amount is settled downstream.
package refundpolicy

import (
	"time"

	"github.com/howweplan/bookingcore/internal/domain"
)

// Input is the booking as it stood just before cancellation.
type Input struct {
	State            domain.BookingState
	Reason           domain.CancellationReason
	AgentConfirmedAt *time.Time
}

// Decision is the policy outcome and the rule that produced it.
type Decision struct {
	Eligible bool
	Rule     string
}

// Evaluate applies the rules in order. Combinations no rule covers return
// a *domain.PolicyGapError; there is no default outcome.
func Evaluate(in Input) (Decision, error) {
	switch {
	case in.Reason == domain.CancelAgentDeclined || in.Reason == domain.CancelAgentUnavailable:
		return Decision{Eligible: true, Rule: "provider_failure"}, nil
	case in.Reason == domain.CancelPaymentFailed:
		return Decision{Eligible: false, Rule: "never_captured"}, nil
	case in.Reason == domain.CancelExpired && in.State == domain.BookingPendingPayment:
		return Decision{Eligible: false, Rule: "never_charged"}, nil
	case in.Reason == domain.CancelUserRequested &&
		(in.State == domain.BookingPendingPayment || in.State == domain.BookingPaymentConfirmed):
		return Decision{Eligible: true, Rule: "pre_confirmation"}, nil
	case in.Reason == domain.CancelUserRequested && in.State == domain.BookingAgentConfirmed && in.AgentConfirmedAt != nil:
		return Decision{Eligible: true, Rule: "post_confirmation"}, nil
	case in.Reason == domain.CancelAdminCancelled:
		return Decision{Eligible: true, Rule: "admin_judgment"}, nil
	}
	return Decision{}, &domain.PolicyGapError{State: in.State, Reason: in.Reason}
}
