package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeUnauthorizedActor Code = "UNAUTHORIZED_ACTOR"
	CodeReasonRequired    Code = "REASON_REQUIRED"
	CodeConflict          Code = "CONFLICT"
	CodeAlreadyResolved   Code = "ALREADY_RESOLVED"
	CodeAlreadyClosed     Code = "ALREADY_CLOSED"
	CodePolicyGap         Code = "POLICY_GAP"
)

// Error is a domain rejection carrying a stable code. ValidActions and
// AllowedActors are filled when the rejection is about a transition.
type Error struct {
	Code          Code
	Message       string
	ValidActions  []string
	AllowedActors []Role
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same code, so sentinels below work with
// errors.Is regardless of the message or the attached action lists.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Code-level sentinels. Match with errors.Is(err, domain.ErrInvalidTransition).
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrUnauthorizedActor = &Error{Code: CodeUnauthorizedActor}
	ErrReasonRequired    = &Error{Code: CodeReasonRequired}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrAlreadyResolved   = &Error{Code: CodeAlreadyResolved}
	ErrAlreadyClosed     = &Error{Code: CodeAlreadyClosed}
	ErrPolicyGap         = &Error{Code: CodePolicyGap}
)

// Specific rejections. Each one also matches its code-level sentinel.
var (
	ErrInvalidID              = newError(CodeValidation, "invalid id")
	ErrPriceOutOfRange        = newError(CodeValidation, "base price out of range")
	ErrInvalidTripWindow      = newError(CodeValidation, "trip end must not precede trip start")
	ErrInvalidReason          = newError(CodeValidation, "unknown cancellation reason")
	ErrInvalidAmount          = newError(CodeValidation, "invalid amount")
	ErrSubjectiveReason       = newError(CodeValidation, "purely subjective reasons are not refundable")
	ErrSubjectiveNoRefund     = newError(CodeValidation, "subjective complaints resolve to no_refund_subjective")
	ErrUnknownResolution      = newError(CodeValidation, "unknown dispute resolution")
	ErrIdempotencyKeyRequired = newError(CodeValidation, "idempotency key required")
	ErrIdempotencyConflict    = newError(CodeConflict, "idempotency key reused with a different request body")
	ErrIdempotencyInProgress  = newError(CodeConflict, "request with this idempotency key is still in progress")
	ErrVersionConflict        = newError(CodeConflict, "entity was modified concurrently")
	ErrDisputeAlreadyOpen     = newError(CodeConflict, "booking already has an open dispute")
	ErrRefundExceedsTotal     = newError(CodeConflict, "refunds would exceed the captured total")
	ErrPaymentInProgress      = newError(CodeConflict, "booking already has an active payment")
	ErrLateCaptureHeld        = newError(CodeConflict, "a late capture on this booking awaits a refund decision")
	ErrBookingNotFound        = newError(CodeNotFound, "booking not found")
	ErrPaymentNotFound        = newError(CodeNotFound, "payment not found")
	ErrDisputeNotFound        = newError(CodeNotFound, "dispute not found")
	ErrRefundRequestNotFound  = newError(CodeNotFound, "refund request not found")
	ErrEscrowNotFound         = newError(CodeNotFound, "escrow hold not found")
	ErrNotParty               = newError(CodeUnauthorizedActor, "actor is not a party to this booking")
	ErrDisputeWindowClosed    = newError(CodeInvalidTransition, "escrow already settled, dispute window closed")
	ErrRefundDeclined         = newError(CodeConflict, "payment processor declined the refund")
)

// Validation builds a VALIDATION_ERROR with a specific message.
func Validation(msg string) *Error {
	return newError(CodeValidation, msg)
}

// CheckActor rejects roles outside allowed.
func CheckActor(role Role, allowed ...Role) error {
	if !roleAllowed(role, allowed) {
		return unauthorizedActor(role, allowed)
	}
	return nil
}

// RequireReason rejects a blank reason for action.
func RequireReason(action, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return reasonRequired(action)
	}
	return nil
}

func invalidTransition(from, to string, valid []string) *Error {
	return &Error{
		Code:         CodeInvalidTransition,
		Message:      fmt.Sprintf("cannot go from %s via %s", from, to),
		ValidActions: valid,
	}
}

func unauthorizedActor(role Role, allowed []Role) *Error {
	names := make([]string, 0, len(allowed))
	for _, r := range allowed {
		names = append(names, string(r))
	}
	return &Error{
		Code:          CodeUnauthorizedActor,
		Message:       fmt.Sprintf("role %s not permitted, allowed: %s", role, strings.Join(names, ", ")),
		AllowedActors: allowed,
	}
}

func reasonRequired(action string) *Error {
	return &Error{
		Code:    CodeReasonRequired,
		Message: fmt.Sprintf("%s requires a reason", action),
	}
}

// PolicyGapError reports a cancellation the refund policy has no rule for.
// It forces manual review and must never be turned into a default decision.
type PolicyGapError struct {
	State  BookingState
	Reason CancellationReason
}

func (e *PolicyGapError) Error() string {
	return fmt.Sprintf("refund policy has no rule for reason %s in state %s", e.Reason, e.State)
}

func (e *PolicyGapError) Is(target error) bool {
	return target == ErrPolicyGap
}

// CodeOf returns the stable code for err, or "" for infrastructure errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var gap *PolicyGapError
	if errors.As(err, &gap) {
		return CodePolicyGap
	}
	return ""
}
