package domain

import "time"

type PaymentState string

const (
	PaymentNotStarted PaymentState = "NOT_STARTED"
	PaymentAuthorized PaymentState = "AUTHORIZED"
	PaymentCaptured   PaymentState = "CAPTURED"
	PaymentFailed     PaymentState = "FAILED"
)

func (s PaymentState) Terminal() bool {
	return s == PaymentCaptured || s == PaymentFailed
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundProcessed RefundStatus = "processed"
	RefundFailed    RefundStatus = "failed"
)

// Refund is a sub-record of a payment. Once processed or failed it is
// never changed again. Key is the caller-derived idempotency key that
// issued it.
type Refund struct {
	ID               string
	Key              string
	Amount           int64
	Reason           string
	Initiator        Role
	Status           RefundStatus
	FailureReason    string
	ProviderRefundID string
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}

type Payment struct {
	ID               string
	BookingID        string
	State            PaymentState
	Method           string
	Fees             FeeBreakdown
	ProviderOrderID  string
	ProviderChargeID string
	CheckoutURL      string
	IdempotencyKey   string
	SessionExpiresAt time.Time
	Refunds          []Refund
	FailureCode      string
	FailureMessage   string
	CapturedAt       *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FundsCaptured reports whether the processor holds money for p. A capture
// reported after the session failed leaves the state FAILED but sets
// CapturedAt.
func (p Payment) FundsCaptured() bool {
	return p.State == PaymentCaptured || p.CapturedAt != nil
}

// TotalRefunded sums processed refunds only.
func (p Payment) TotalRefunded() int64 {
	var sum int64
	for _, r := range p.Refunds {
		if r.Status == RefundProcessed {
			sum += r.Amount
		}
	}
	return sum
}

// NetAmount is what remains of the charge after processed refunds.
func (p Payment) NetAmount() int64 {
	return p.Fees.TotalCharged - p.TotalRefunded()
}

// Refundable is the amount still available for a new refund, counting
// pending refunds as reserved.
func (p Payment) Refundable() int64 {
	reserved := int64(0)
	for _, r := range p.Refunds {
		if r.Status == RefundProcessed || r.Status == RefundPending {
			reserved += r.Amount
		}
	}
	return p.Fees.TotalCharged - reserved
}

type paymentEdge struct {
	from PaymentState
	to   PaymentState
}

var paymentTable = []paymentEdge{
	{PaymentNotStarted, PaymentAuthorized},
	{PaymentAuthorized, PaymentCaptured},
	{PaymentNotStarted, PaymentFailed},
	{PaymentAuthorized, PaymentFailed},
}

func PaymentTargets(s PaymentState) []string {
	var out []string
	for _, e := range paymentTable {
		if e.from == s {
			out = append(out, string(e.to))
		}
	}
	return out
}

// TransitionPayment applies one state change. Only the system moves
// payments; every change is driven by processor outcomes.
func TransitionPayment(p Payment, target PaymentState, actor Actor, now time.Time) (Payment, error) {
	found := false
	for _, e := range paymentTable {
		if e.from == p.State && e.to == target {
			found = true
			break
		}
	}
	if !found {
		return Payment{}, invalidTransition(string(p.State), string(target), PaymentTargets(p.State))
	}
	if actor.Role != RoleSystem {
		return Payment{}, unauthorizedActor(actor.Role, []Role{RoleSystem})
	}
	next := p
	next.State = target
	next.Version = p.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// AddRefund appends a pending refund, enforcing that processed plus
// pending refunds never exceed the captured total.
func AddRefund(p Payment, r Refund, now time.Time) (Payment, error) {
	if !p.FundsCaptured() {
		return Payment{}, invalidTransition(string(p.State), "refund", PaymentTargets(p.State))
	}
	if r.Amount <= 0 {
		return Payment{}, ErrInvalidAmount
	}
	if r.Amount > p.Refundable() {
		return Payment{}, ErrRefundExceedsTotal
	}
	next := p
	next.Refunds = append(append([]Refund(nil), p.Refunds...), r)
	next.Refunds[len(next.Refunds)-1].Status = RefundPending
	next.Refunds[len(next.Refunds)-1].CreatedAt = now
	next.Version = p.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// SettleRefund moves a pending refund to processed or failed.
func SettleRefund(p Payment, refundID string, status RefundStatus, providerRef, failure string, now time.Time) (Payment, error) {
	if status != RefundProcessed && status != RefundFailed {
		return Payment{}, ErrValidation
	}
	next := p
	next.Refunds = append([]Refund(nil), p.Refunds...)
	for i := range next.Refunds {
		r := &next.Refunds[i]
		if r.ID != refundID {
			continue
		}
		if r.Status != RefundPending {
			return Payment{}, invalidTransition(string(r.Status), string(status), nil)
		}
		t := now
		r.Status = status
		r.ProviderRefundID = providerRef
		r.FailureReason = failure
		r.ProcessedAt = &t
		next.Version = p.Version + 1
		next.UpdatedAt = now
		return next, nil
	}
	return Payment{}, ErrNotFound
}

// FindRefund returns the latest refund issued under key, if any.
func (p Payment) FindRefund(key string) (Refund, bool) {
	for i := len(p.Refunds) - 1; i >= 0; i-- {
		if p.Refunds[i].Key == key {
			return p.Refunds[i], true
		}
	}
	return Refund{}, false
}

// CheckCheckout reports whether a new checkout may be opened for b given
// its current payment attempt, if any.
func CheckCheckout(b Booking, current *Payment) error {
	if b.State != BookingPendingPayment {
		return invalidTransition(string(b.State), "checkout", BookingTargets(b.State))
	}
	if current != nil && current.State != PaymentFailed {
		return ErrPaymentInProgress
	}
	if current != nil && current.CapturedAt != nil {
		return ErrLateCaptureHeld
	}
	return nil
}
