package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

// refunder issues refunds against a booking's captured payment. Shared by
// refund requests and dispute settlement.
type refunder struct {
	repos   Repositories
	gateway payment.Gateway
	escrow  *EscrowService
	clock   clock.Clock
	logger  *zap.Logger
}

type issueRefund struct {
	BookingID string
	// Amount zero refunds everything still refundable.
	Amount int64
	Reason string
	Actor  domain.Actor
	Key    string
}

// issue records a pending refund under Key, asks the processor, then
// settles it. A transient processor failure leaves the refund pending and
// returns an error; calling again with the same Key retries the processor
// with the same refund id.
func (r *refunder) issue(ctx context.Context, in issueRefund) (domain.Refund, error) {
	now := r.clock.Now()
	var refund domain.Refund
	var p domain.Payment

	err := r.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		current, err := r.repos.Payments.CurrentPaymentForBooking(txCtx, in.BookingID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrPaymentNotFound
		}
		p, err = r.repos.Payments.GetPaymentForUpdate(txCtx, current.ID)
		if err != nil {
			return err
		}
		if existing, ok := p.FindRefund(in.Key); ok && existing.Status != domain.RefundFailed {
			refund = existing
			return nil
		}

		amount := in.Amount
		if amount == 0 {
			amount = p.Refundable()
		}
		next, err := domain.AddRefund(p, domain.Refund{
			ID:        newUUID(),
			Key:       in.Key,
			Amount:    amount,
			Reason:    in.Reason,
			Initiator: in.Actor.Role,
		}, now)
		if err != nil {
			return err
		}
		if err := r.repos.Payments.UpdatePayment(txCtx, next, p.Version); err != nil {
			return err
		}
		refund = next.Refunds[len(next.Refunds)-1]
		p = next
		return r.repos.Audit.AppendEvent(txCtx, audit.New(audit.PaymentRefundRecorded, in.BookingID, in.Actor, now, map[string]any{
			"payment_id": p.ID,
			"refund_id":  refund.ID,
			"amount":     refund.Amount,
			"reason":     in.Reason,
			"initiator":  string(in.Actor.Role),
		}))
	})
	if err != nil {
		return domain.Refund{}, err
	}
	if refund.Status != domain.RefundPending {
		return refund, nil
	}

	res, err := r.gateway.Refund(ctx, payment.RefundRequest{
		PaymentID:      p.ID,
		ChargeID:       p.ProviderChargeID,
		Amount:         refund.Amount,
		Currency:       p.Fees.Currency,
		Reason:         refund.Reason,
		IdempotencyKey: refund.ID,
	})
	if err != nil {
		r.logger.Warn("refund left pending", zap.String("refund_id", refund.ID), zap.Error(err))
		return refund, fmt.Errorf("refund %s: %w", refund.ID, err)
	}

	status := domain.RefundProcessed
	if res.Outcome != payment.RefundSucceeded {
		status = domain.RefundFailed
	}
	now = r.clock.Now()
	err = r.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		cur, err := r.repos.Payments.GetPaymentForUpdate(txCtx, p.ID)
		if err != nil {
			return err
		}
		next, err := domain.SettleRefund(cur, refund.ID, status, res.ID, res.FailureReason, now)
		if err != nil {
			return err
		}
		if err := r.repos.Payments.UpdatePayment(txCtx, next, cur.Version); err != nil {
			return err
		}
		for _, rf := range next.Refunds {
			if rf.ID == refund.ID {
				refund = rf
			}
		}
		if err := r.repos.Audit.AppendEvent(txCtx, audit.New(audit.PaymentRefundSettled, in.BookingID, domain.SystemActor, now, map[string]any{
			"payment_id":     p.ID,
			"refund_id":      refund.ID,
			"status":         string(status),
			"failure_reason": res.FailureReason,
			"total_refunded": next.TotalRefunded(),
		})); err != nil {
			return err
		}
		if status != domain.RefundProcessed {
			return nil
		}
		return r.escrow.refund(txCtx, in.BookingID, p.ID, refund.Amount, "refund:"+refund.ID, in.Actor, now)
	})
	if err != nil {
		return domain.Refund{}, err
	}
	return refund, nil
}
