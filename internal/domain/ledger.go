package domain

import "time"

// Account labels used by the money-movement ledger.
const (
	AccountProcessor       = "processor"
	AccountPlatformEscrow  = "platform_escrow"
	AccountPlatformRevenue = "platform_revenue"
	AccountAgentPayable    = "agent_payable"
	AccountTraveler        = "traveler"
)

type MovementKind string

const (
	MovementCharge MovementKind = "charge"
	MovementRefund MovementKind = "refund"
	MovementPayout MovementKind = "payout"
	MovementFee    MovementKind = "fee"
)

// MoneyMovement is one append-only ledger entry. IdempotencyKey is unique so
// a retried step never records the same movement twice.
type MoneyMovement struct {
	ID             string
	BookingID      string
	PaymentID      string
	Kind           MovementKind
	Amount         int64
	Currency       string
	From           string
	To             string
	IdempotencyKey string
	CreatedAt      time.Time
}
