package domain

import "time"

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowFrozen   EscrowStatus = "frozen"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// EscrowHold is the custody record for a booking's captured funds.
type EscrowHold struct {
	BookingID         string
	PaymentID         string
	Amount            int64
	AgentPayout       int64
	Refunded          int64
	Currency          string
	Status            EscrowStatus
	HeldAt            time.Time
	ReleaseEligibleAt *time.Time
	ReleasedAt        *time.Time
	Version           int64
}

// Remaining is the amount still in custody.
func (e EscrowHold) Remaining() int64 {
	return e.Amount - e.Refunded
}

// ReleaseSplit divides what remains between the agent and the platform.
// Refunds come out of the agent payout first.
func (e EscrowHold) ReleaseSplit() (agent, platform int64) {
	agent = e.AgentPayout - e.Refunded
	if agent < 0 {
		agent = 0
	}
	platform = e.Remaining() - agent
	if platform < 0 {
		platform = 0
	}
	return agent, platform
}

// Releasable reports whether the countdown has elapsed at now.
func (e EscrowHold) Releasable(now time.Time) bool {
	return e.Status == EscrowHeld && e.ReleaseEligibleAt != nil && !e.ReleaseEligibleAt.After(now)
}

// RefundFromEscrow takes amount out of custody for the traveler.
func RefundFromEscrow(e EscrowHold, amount int64) (EscrowHold, error) {
	if e.Status == EscrowReleased || e.Status == EscrowRefunded {
		return EscrowHold{}, invalidTransition(string(e.Status), "refund", nil)
	}
	if amount <= 0 {
		return EscrowHold{}, ErrInvalidAmount
	}
	if amount > e.Remaining() {
		return EscrowHold{}, ErrRefundExceedsTotal
	}
	next := e
	next.Refunded += amount
	next.Version = e.Version + 1
	if next.Remaining() == 0 {
		next.Status = EscrowRefunded
	}
	return next, nil
}

// ReleaseEscrow pays out what remains once the countdown has elapsed.
func ReleaseEscrow(e EscrowHold, now time.Time) (EscrowHold, error) {
	if !e.Releasable(now) {
		return EscrowHold{}, invalidTransition(string(e.Status), "release", nil)
	}
	next := e
	t := now
	next.Status = EscrowReleased
	next.ReleasedAt = &t
	next.Version = e.Version + 1
	return next, nil
}

// SetEscrowStatus moves between held and frozen. It reports false when e is
// not in from.
func SetEscrowStatus(e EscrowHold, from, to EscrowStatus) (EscrowHold, bool) {
	if e.Status != from {
		return e, false
	}
	next := e
	next.Status = to
	next.Version = e.Version + 1
	return next, true
}
