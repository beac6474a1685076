// Package payment adapts the external payment processor. Only the outcomes
// the processor reports are recorded; its protocol is not implemented here.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeclined is a permanent rejection from the processor.
	ErrDeclined = errors.New("payment processor declined the request")
	// ErrUnavailable means the processor could not be reached after retries
	// or the circuit is open.
	ErrUnavailable = errors.New("payment processor unavailable")
)

type OrderRequest struct {
	BookingID      string    `json:"booking_id"`
	PaymentID      string    `json:"payment_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Method         string    `json:"method,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	IdempotencyKey string    `json:"-"`
}

type Order struct {
	ID          string    `json:"id"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type RefundRequest struct {
	PaymentID      string `json:"payment_id"`
	ChargeID       string `json:"charge_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"-"`
}

type RefundOutcome string

const (
	RefundSucceeded RefundOutcome = "succeeded"
	RefundDeclined  RefundOutcome = "declined"
)

type RefundResult struct {
	ID            string        `json:"id"`
	Outcome       RefundOutcome `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Gateway is the processor surface the core consumes. Both calls must be
// idempotent on IdempotencyKey at the processor.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
