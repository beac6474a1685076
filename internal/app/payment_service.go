package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

// DefaultCheckoutTTL bounds how long a checkout session stays open.
const DefaultCheckoutTTL = 30 * time.Minute

// FailureSessionExpired is recorded on payments whose checkout window ran
// out before the processor reported an outcome.
const FailureSessionExpired = "session_expired"

type PaymentService struct {
	repos       Repositories
	gateway     payment.Gateway
	bookings    *BookingService
	escrow      *EscrowService
	clock       clock.Clock
	logger      *zap.Logger
	checkoutTTL time.Duration
	batchSize   int
}

type PaymentServiceOption func(*PaymentService)

func WithCheckoutTTL(d time.Duration) PaymentServiceOption {
	return func(s *PaymentService) {
		if d > 0 {
			s.checkoutTTL = d
		}
	}
}

func NewPaymentService(repos Repositories, gateway payment.Gateway, bookings *BookingService, escrow *EscrowService, clk clock.Clock, logger *zap.Logger, opts ...PaymentServiceOption) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PaymentService{
		repos:       repos,
		gateway:     gateway,
		bookings:    bookings,
		escrow:      escrow,
		clock:       clk,
		logger:      logger,
		checkoutTTL: DefaultCheckoutTTL,
		batchSize:   100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CheckoutInput struct {
	BookingID      string
	IdempotencyKey string
	Method         string
	Actor          domain.Actor
}

type CheckoutSession struct {
	Payment     domain.Payment
	CheckoutURL string
	ExpiresAt   time.Time
	Replayed    bool
}

// CreateCheckout opens a processor order for a booking awaiting payment.
// The processor call happens outside any transaction; the caller key makes
// it safe to repeat.
func (s *PaymentService) CreateCheckout(ctx context.Context, in CheckoutInput) (CheckoutSession, error) {
	if in.IdempotencyKey == "" {
		return CheckoutSession{}, domain.ErrIdempotencyKeyRequired
	}
	if err := domain.CheckActor(in.Actor.Role, domain.RoleTraveler, domain.RoleAdmin); err != nil {
		return CheckoutSession{}, err
	}

	b, current, err := s.checkoutState(ctx, in.BookingID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if !b.Party(in.Actor) {
		return CheckoutSession{}, domain.ErrNotParty
	}
	if current != nil && current.State == domain.PaymentNotStarted && current.IdempotencyKey == in.IdempotencyKey {
		return sessionOf(*current, true), nil
	}
	if err := domain.CheckCheckout(b, current); err != nil {
		return CheckoutSession{}, err
	}

	now := s.clock.Now()
	p := domain.Payment{
		ID:               newUUID(),
		BookingID:        b.ID,
		State:            domain.PaymentNotStarted,
		Method:           in.Method,
		Fees:             b.Fees,
		IdempotencyKey:   in.IdempotencyKey,
		SessionExpiresAt: now.Add(s.checkoutTTL),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	order, err := s.gateway.CreateOrder(ctx, payment.OrderRequest{
		BookingID:      b.ID,
		PaymentID:      p.ID,
		Amount:         b.Fees.TotalCharged,
		Currency:       b.Fees.Currency,
		Method:         in.Method,
		ExpiresAt:      p.SessionExpiresAt,
		IdempotencyKey: "checkout:" + b.ID + ":" + in.IdempotencyKey,
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	p.ProviderOrderID = order.ID
	p.CheckoutURL = order.CheckoutURL

	err = s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, in.BookingID)
		if err != nil {
			return err
		}
		current, err := s.repos.Payments.CurrentPaymentForBooking(txCtx, b.ID)
		if err != nil {
			return err
		}
		if err := domain.CheckCheckout(b, current); err != nil {
			return err
		}
		if err := s.repos.Payments.CreatePayment(txCtx, p); err != nil {
			return err
		}
		if err := s.repos.Bookings.SetBookingPaymentState(txCtx, b.ID, domain.PaymentNotStarted, now); err != nil {
			return err
		}
		return s.repos.Audit.AppendEvent(txCtx, audit.New(audit.PaymentInitiated, b.ID, in.Actor, now, map[string]any{
			"payment_id":        p.ID,
			"provider_order_id": p.ProviderOrderID,
			"amount":            p.Fees.TotalCharged,
			"method":            p.Method,
			"expires_at":        p.SessionExpiresAt,
		}))
	})
	if errors.Is(err, domain.ErrPaymentInProgress) {
		// Lost a race with the same key: return the winner's session.
		if _, cur, findErr := s.checkoutState(ctx, in.BookingID); findErr == nil && cur != nil &&
			cur.State == domain.PaymentNotStarted && cur.IdempotencyKey == in.IdempotencyKey {
			return sessionOf(*cur, true), nil
		}
	}
	if err != nil {
		return CheckoutSession{}, err
	}
	return sessionOf(p, false), nil
}

func (s *PaymentService) checkoutState(ctx context.Context, bookingID string) (domain.Booking, *domain.Payment, error) {
	b, err := s.repos.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	current, err := s.repos.Payments.CurrentPaymentForBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	return b, current, nil
}

func sessionOf(p domain.Payment, replayed bool) CheckoutSession {
	return CheckoutSession{Payment: p, CheckoutURL: p.CheckoutURL, ExpiresAt: p.SessionExpiresAt, Replayed: replayed}
}

// ProviderEvent is an outcome reported by the processor.
type ProviderEvent struct {
	OrderID        string
	ChargeID       string
	FailureCode    string
	FailureMessage string
}

// HandleAuthorized records a processor authorization. Repeats are no-ops.
func (s *PaymentService) HandleAuthorized(ctx context.Context, ev ProviderEvent) (domain.Payment, error) {
	now := s.clock.Now()
	var result domain.Payment
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		p, err := s.paymentForUpdate(txCtx, ev.OrderID)
		if err != nil {
			return err
		}
		if p.State != domain.PaymentNotStarted {
			result = p
			return nil
		}
		if ev.ChargeID != "" {
			p.ProviderChargeID = ev.ChargeID
		}
		next, err := s.movePayment(txCtx, p, domain.PaymentAuthorized, now)
		if err != nil {
			return err
		}
		result = next
		return s.repos.Bookings.SetBookingPaymentState(txCtx, p.BookingID, next.State, now)
	})
	return result, err
}

// HandleSuccess applies a capture as three derived-key steps: capture the
// payment, confirm the booking, hold the funds in escrow. Completed steps
// are skipped on redelivery, so the processor may retry freely. A success
// for a payment that already failed is booked by captureLate instead.
func (s *PaymentService) HandleSuccess(ctx context.Context, ev ProviderEvent) (domain.Payment, error) {
	if ev.ChargeID == "" {
		return domain.Payment{}, domain.Validation("charge id is required")
	}
	p, err := s.repos.Payments.FindPaymentByProviderOrder(ctx, ev.OrderID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := s.capture(ctx, p.ID, ev.ChargeID); err != nil {
		return domain.Payment{}, err
	}
	captured, err := s.repos.Payments.GetPayment(ctx, p.ID)
	if err != nil || captured.State != domain.PaymentCaptured {
		// A late capture is settled inside the capture step.
		return captured, err
	}
	if err := s.settleCapture(ctx, p.ID); err != nil {
		return domain.Payment{}, err
	}
	return s.repos.Payments.GetPayment(ctx, p.ID)
}

func (s *PaymentService) capture(ctx context.Context, paymentID, chargeID string) error {
	now := s.clock.Now()
	return s.repos.runStep(ctx, chargeID+":capture", now, func(txCtx context.Context) error {
		p, err := s.repos.Payments.GetPaymentForUpdate(txCtx, paymentID)
		if err != nil {
			return err
		}
		if p.State == domain.PaymentCaptured {
			return nil
		}
		if p.State == domain.PaymentFailed {
			return s.captureLate(txCtx, p, chargeID, now)
		}
		if p.State == domain.PaymentNotStarted {
			if p, err = s.movePayment(txCtx, p, domain.PaymentAuthorized, now); err != nil {
				return err
			}
		}

		next, err := domain.TransitionPayment(p, domain.PaymentCaptured, domain.SystemActor, now)
		if err != nil {
			return err
		}
		next.ProviderChargeID = chargeID
		capturedAt := now
		next.CapturedAt = &capturedAt
		if err := s.repos.Payments.UpdatePayment(txCtx, next, p.Version); err != nil {
			return err
		}
		if err := s.recordCharge(txCtx, next, now); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.PaymentSucceeded, p.BookingID, domain.SystemActor, now, map[string]any{
			"payment_id":         p.ID,
			"provider_charge_id": chargeID,
			"amount":             p.Fees.TotalCharged,
			"previous_state":     string(p.State),
			"new_state":          string(next.State),
		})); err != nil {
			return err
		}
		return s.repos.Bookings.SetBookingPaymentState(txCtx, p.BookingID, domain.PaymentCaptured, now)
	})
}

// captureLate books money the processor took for a payment that had
// already failed. The payment stays FAILED, the booking is left alone and
// the funds wait in a frozen hold for a refund decision.
func (s *PaymentService) captureLate(ctx context.Context, p domain.Payment, chargeID string, now time.Time) error {
	if p.CapturedAt != nil {
		return nil
	}
	next := p
	capturedAt := now
	next.ProviderChargeID = chargeID
	next.CapturedAt = &capturedAt
	next.Version = p.Version + 1
	next.UpdatedAt = now
	if err := s.repos.Payments.UpdatePayment(ctx, next, p.Version); err != nil {
		return err
	}
	if err := s.recordCharge(ctx, next, now); err != nil {
		return err
	}

	s.logger.Warn("payment captured after it failed",
		zap.String("booking_id", p.BookingID),
		zap.String("payment_id", p.ID),
		zap.String("failure_code", p.FailureCode),
	)
	if err := s.repos.Audit.AppendEvent(ctx, audit.New(audit.PaymentCapturedLate, p.BookingID, domain.SystemActor, now, map[string]any{
		"payment_id":         p.ID,
		"provider_charge_id": chargeID,
		"amount":             p.Fees.TotalCharged,
		"payment_state":      string(p.State),
		"failure_code":       p.FailureCode,
		"refund_review":      true,
	})); err != nil {
		return err
	}

	b, err := s.repos.Bookings.GetBookingForUpdate(ctx, p.BookingID)
	if err != nil {
		return err
	}
	if _, err := s.escrow.hold(ctx, next, b, now); err != nil {
		return err
	}
	return s.escrow.freeze(ctx, b.ID, domain.SystemActor, "captured after payment failed", now)
}

func (s *PaymentService) recordCharge(ctx context.Context, p domain.Payment, now time.Time) error {
	return s.repos.Ledger.RecordMovement(ctx, domain.MoneyMovement{
		ID:             newUUID(),
		BookingID:      p.BookingID,
		PaymentID:      p.ID,
		Kind:           domain.MovementCharge,
		Amount:         p.Fees.TotalCharged,
		Currency:       p.Fees.Currency,
		From:           domain.AccountProcessor,
		To:             domain.AccountPlatformEscrow,
		IdempotencyKey: p.ProviderChargeID + ":capture",
		CreatedAt:      now,
	})
}

// settleCapture runs the booking and escrow steps for a captured payment.
func (s *PaymentService) settleCapture(ctx context.Context, paymentID string) error {
	p, err := s.repos.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.State != domain.PaymentCaptured {
		return fmt.Errorf("settle payment %s: %w", p.ID, domain.ErrInvalidTransition)
	}
	charge := p.ProviderChargeID
	now := s.clock.Now()

	err = s.repos.runStep(ctx, charge+":booking", now, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, p.BookingID)
		if err != nil {
			return err
		}
		switch b.State {
		case domain.BookingPendingPayment:
			next, err := domain.TransitionBooking(b, domain.BookingPaymentConfirmed, domain.SystemActor, now)
			if err != nil {
				return err
			}
			if err := s.repos.Bookings.UpdateBooking(txCtx, next, b.Version); err != nil {
				return err
			}
			return s.repos.Audit.AppendEvent(txCtx, audit.New(audit.BookingStateChanged, b.ID, domain.SystemActor, now, map[string]any{
				"previous_state": string(b.State),
				"new_state":      string(next.State),
				"payment_id":     p.ID,
				"version":        next.Version,
			}))
		case domain.BookingCancelled:
			s.logger.Warn("payment captured after cancellation", zap.String("booking_id", b.ID), zap.String("payment_id", p.ID))
			return s.repos.Audit.AppendEvent(txCtx, audit.New(audit.PaymentCapturedLate, b.ID, domain.SystemActor, now, map[string]any{
				"payment_id":    p.ID,
				"amount":        p.Fees.TotalCharged,
				"refund_review": true,
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.repos.runStep(ctx, charge+":escrow", now, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, p.BookingID)
		if err != nil {
			return err
		}
		_, err = s.escrow.hold(txCtx, p, b, now)
		return err
	})
}

// HandleFailure records a processor failure. The booking stays
// PENDING_PAYMENT and may be checked out again or cancelled.
func (s *PaymentService) HandleFailure(ctx context.Context, ev ProviderEvent) (domain.Payment, error) {
	now := s.clock.Now()
	var result domain.Payment
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		p, err := s.paymentForUpdate(txCtx, ev.OrderID)
		if err != nil {
			return err
		}
		if p.State == domain.PaymentFailed {
			result = p
			return nil
		}
		result, err = s.fail(txCtx, p, ev.FailureCode, ev.FailureMessage, now)
		return err
	})
	return result, err
}

func (s *PaymentService) fail(ctx context.Context, p domain.Payment, code, message string, now time.Time) (domain.Payment, error) {
	next, err := domain.TransitionPayment(p, domain.PaymentFailed, domain.SystemActor, now)
	if err != nil {
		return domain.Payment{}, err
	}
	next.FailureCode = code
	next.FailureMessage = message
	if err := s.repos.Payments.UpdatePayment(ctx, next, p.Version); err != nil {
		return domain.Payment{}, err
	}
	if err := s.repos.Audit.AppendEvent(ctx, audit.New(audit.PaymentFailed, p.BookingID, domain.SystemActor, now, map[string]any{
		"payment_id":      p.ID,
		"previous_state":  string(p.State),
		"failure_code":    code,
		"failure_message": message,
	})); err != nil {
		return domain.Payment{}, err
	}
	return next, s.repos.Bookings.SetBookingPaymentState(ctx, p.BookingID, domain.PaymentFailed, now)
}

func (s *PaymentService) paymentForUpdate(ctx context.Context, orderID string) (domain.Payment, error) {
	p, err := s.repos.Payments.FindPaymentByProviderOrder(ctx, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	return s.repos.Payments.GetPaymentForUpdate(ctx, p.ID)
}

// movePayment applies a generic transition and emits payment.state_changed.
func (s *PaymentService) movePayment(ctx context.Context, p domain.Payment, target domain.PaymentState, now time.Time) (domain.Payment, error) {
	next, err := domain.TransitionPayment(p, target, domain.SystemActor, now)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := s.repos.Payments.UpdatePayment(ctx, next, p.Version); err != nil {
		return domain.Payment{}, err
	}
	return next, s.repos.Audit.AppendEvent(ctx, audit.New(audit.PaymentStateChanged, p.BookingID, domain.SystemActor, now, map[string]any{
		"payment_id":     p.ID,
		"previous_state": string(p.State),
		"new_state":      string(next.State),
	}))
}

// ExpireCheckouts fails sessions whose window elapsed without an outcome
// and cancels their bookings as expired.
func (s *PaymentService) ExpireCheckouts(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.repos.Payments.ListExpiredCheckouts(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	var firstErr error
	for _, candidate := range expired {
		if err := s.expire(ctx, candidate.ID, now); err != nil {
			s.logger.Error("checkout expiry failed", zap.String("payment_id", candidate.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

func (s *PaymentService) expire(ctx context.Context, paymentID string, now time.Time) error {
	var bookingID string
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		p, err := s.repos.Payments.GetPaymentForUpdate(txCtx, paymentID)
		if err != nil {
			return err
		}
		if p.State != domain.PaymentNotStarted || p.SessionExpiresAt.After(now) {
			return nil
		}
		if _, err := s.fail(txCtx, p, FailureSessionExpired, "checkout session expired", now); err != nil {
			return err
		}
		bookingID = p.BookingID
		return nil
	})
	if err != nil || bookingID == "" {
		return err
	}

	_, err = s.bookings.CancelBooking(ctx, CancelInput{
		BookingID: bookingID,
		Reason:    domain.CancelExpired,
		Actor:     domain.SystemActor,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Already cancelled or paid through another attempt.
		return nil
	}
	return err
}

// ResumeCaptures re-drives the booking and escrow steps for captured
// payments whose saga did not finish.
func (s *PaymentService) ResumeCaptures(ctx context.Context) (int, error) {
	pending, err := s.repos.Payments.ListCapturedWithoutEscrow(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	var firstErr error
	for _, p := range pending {
		if err := s.settleCapture(ctx, p.ID); err != nil {
			s.logger.Error("capture saga re-drive failed", zap.String("payment_id", p.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}
