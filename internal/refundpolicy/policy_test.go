package refundpolicy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howweplan/bookingcore/internal/domain"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	confirmedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		in       Input
		eligible bool
		rule     string
	}{
		{"agent declined before payment", Input{State: domain.BookingPendingPayment, Reason: domain.CancelAgentDeclined}, true, "provider_failure"},
		{"agent unavailable after confirmation", Input{State: domain.BookingAgentConfirmed, Reason: domain.CancelAgentUnavailable, AgentConfirmedAt: &confirmedAt}, true, "provider_failure"},
		{"payment failed", Input{State: domain.BookingPendingPayment, Reason: domain.CancelPaymentFailed}, false, "never_captured"},
		{"payment failed in any state", Input{State: domain.BookingPaymentConfirmed, Reason: domain.CancelPaymentFailed}, false, "never_captured"},
		{"expired before payment", Input{State: domain.BookingPendingPayment, Reason: domain.CancelExpired}, false, "never_charged"},
		{"user before payment", Input{State: domain.BookingPendingPayment, Reason: domain.CancelUserRequested}, true, "pre_confirmation"},
		{"user after payment", Input{State: domain.BookingPaymentConfirmed, Reason: domain.CancelUserRequested}, true, "pre_confirmation"},
		{"user after agent confirmation", Input{State: domain.BookingAgentConfirmed, Reason: domain.CancelUserRequested, AgentConfirmedAt: &confirmedAt}, true, "post_confirmation"},
		{"admin cancelled", Input{State: domain.BookingAgentConfirmed, Reason: domain.CancelAdminCancelled, AgentConfirmedAt: &confirmedAt}, true, "admin_judgment"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Evaluate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, got.Eligible)
			assert.Equal(t, tt.rule, got.Rule)
		})
	}
}

func TestEvaluate_PolicyGap(t *testing.T) {
	t.Parallel()

	gaps := []Input{
		{State: domain.BookingPaymentConfirmed, Reason: domain.CancelExpired},
		{State: domain.BookingAgentConfirmed, Reason: domain.CancelExpired},
		{State: domain.BookingAgentConfirmed, Reason: domain.CancelUserRequested},
		{State: domain.BookingPendingPayment, Reason: domain.CancellationReason("weather")},
	}

	for _, in := range gaps {
		_, err := Evaluate(in)
		require.Error(t, err, "state=%s reason=%s", in.State, in.Reason)
		assert.True(t, errors.Is(err, domain.ErrPolicyGap))

		var gap *domain.PolicyGapError
		require.True(t, errors.As(err, &gap))
		assert.Equal(t, in.State, gap.State)
		assert.Equal(t, in.Reason, gap.Reason)
	}
}

// Every reachable (non-terminal state, known reason) pair either has a rule
// or is an explicit gap; nothing falls through to a silent answer.
func TestEvaluate_Exhaustive(t *testing.T) {
	t.Parallel()

	confirmedAt := time.Now()
	states := []domain.BookingState{domain.BookingPendingPayment, domain.BookingPaymentConfirmed, domain.BookingAgentConfirmed}
	reasons := []domain.CancellationReason{
		domain.CancelUserRequested, domain.CancelAgentDeclined, domain.CancelAgentUnavailable,
		domain.CancelPaymentFailed, domain.CancelExpired, domain.CancelAdminCancelled,
	}

	for _, s := range states {
		for _, r := range reasons {
			in := Input{State: s, Reason: r}
			if s == domain.BookingAgentConfirmed {
				in.AgentConfirmedAt = &confirmedAt
			}
			d, err := Evaluate(in)
			if err != nil {
				assert.True(t, errors.Is(err, domain.ErrPolicyGap), "state=%s reason=%s", s, r)
				continue
			}
			assert.NotEmpty(t, d.Rule, "state=%s reason=%s", s, r)
		}
	}
}
