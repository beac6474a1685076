package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

// RefundService handles traveler refund requests and their admin decision.
type RefundService struct {
	repos   Repositories
	escrow  *EscrowService
	refunds *refunder
	clock   clock.Clock
	logger  *zap.Logger
}

func NewRefundService(repos Repositories, gateway payment.Gateway, escrow *EscrowService, clk clock.Clock, logger *zap.Logger) *RefundService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefundService{
		repos:   repos,
		escrow:  escrow,
		refunds: &refunder{repos: repos, gateway: gateway, escrow: escrow, clock: clk, logger: logger},
		clock:   clk,
		logger:  logger,
	}
}

type CreateRefundRequestInput struct {
	BookingID   string
	Actor       domain.Actor
	Category    domain.RefundCategory
	Description string
	Amount      int64
}

// CreateRefundRequest files a request against a captured payment. Purely
// subjective categories are rejected before anything is read.
func (s *RefundService) CreateRefundRequest(ctx context.Context, in CreateRefundRequestInput) (domain.RefundRequest, error) {
	if !in.Category.Valid() {
		return domain.RefundRequest{}, domain.Validation("unknown refund category")
	}
	if in.Category.Subjective() {
		return domain.RefundRequest{}, domain.ErrSubjectiveReason
	}
	if in.Amount <= 0 {
		return domain.RefundRequest{}, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(in.Description) == "" {
		return domain.RefundRequest{}, domain.Validation("description is required")
	}
	if err := domain.CheckActor(in.Actor.Role, domain.RoleTraveler, domain.RoleAdmin); err != nil {
		return domain.RefundRequest{}, err
	}

	now := s.clock.Now()
	var result domain.RefundRequest
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, in.BookingID)
		if err != nil {
			return err
		}
		if !b.Party(in.Actor) {
			return domain.ErrNotParty
		}
		p, err := s.repos.Payments.CurrentPaymentForBooking(txCtx, b.ID)
		if err != nil {
			return err
		}
		if p == nil || !p.FundsCaptured() {
			return domain.ErrPaymentNotFound
		}
		if in.Amount > p.Refundable() {
			return domain.ErrRefundExceedsTotal
		}

		r := domain.RefundRequest{
			ID:          newUUID(),
			BookingID:   b.ID,
			PaymentID:   p.ID,
			RequestedBy: in.Actor,
			Category:    in.Category,
			Description: in.Description,
			Amount:      in.Amount,
			Status:      domain.RefundRequestPending,
			Version:     1,
			CreatedAt:   now,
		}
		if err := s.repos.RefundRequests.CreateRefundRequest(txCtx, r); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.RefundRequested, b.ID, in.Actor, now, map[string]any{
			"refund_request_id": r.ID,
			"category":          string(r.Category),
			"amount":            r.Amount,
		})); err != nil {
			return err
		}
		if err := s.escrow.freeze(txCtx, b.ID, in.Actor, "refund requested", now); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	return result, nil
}

type DecideRefundInput struct {
	RefundRequestID string
	Admin           domain.Actor
	Reason          string
}

// ApproveRefund issues the refund and then records the approval. If the
// processor fails transiently the request stays pending and approving
// again retries the same refund.
func (s *RefundService) ApproveRefund(ctx context.Context, in DecideRefundInput) (domain.RefundRequest, error) {
	r, err := s.repos.RefundRequests.GetRefundRequest(ctx, in.RefundRequestID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if _, err := r.Decide(domain.RefundRequestApproved, in.Admin, in.Reason, s.clock.Now()); err != nil {
		return domain.RefundRequest{}, err
	}

	refund, err := s.refunds.issue(ctx, issueRefund{
		BookingID: r.BookingID,
		Amount:    r.Amount,
		Reason:    string(r.Category) + ": " + in.Reason,
		Actor:     in.Admin,
		Key:       "refund_request:" + r.ID,
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if refund.Status == domain.RefundFailed {
		return domain.RefundRequest{}, domain.ErrRefundDeclined
	}

	return s.decide(ctx, in, domain.RefundRequestApproved, refund.ID, audit.RefundApproved)
}

func (s *RefundService) DenyRefund(ctx context.Context, in DecideRefundInput) (domain.RefundRequest, error) {
	return s.decide(ctx, in, domain.RefundRequestDenied, "", audit.RefundDenied)
}

func (s *RefundService) decide(ctx context.Context, in DecideRefundInput, status domain.RefundRequestStatus, refundID, eventType string) (domain.RefundRequest, error) {
	now := s.clock.Now()
	var result domain.RefundRequest
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		r, err := s.repos.RefundRequests.GetRefundRequestForUpdate(txCtx, in.RefundRequestID)
		if err != nil {
			return err
		}
		next, err := r.Decide(status, in.Admin, in.Reason, now)
		if err != nil {
			return err
		}
		next.RefundID = refundID
		if err := s.repos.RefundRequests.UpdateRefundRequest(txCtx, next, r.Version); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(eventType, r.BookingID, in.Admin, now, map[string]any{
			"refund_request_id": r.ID,
			"status":            string(next.Status),
			"reason":            in.Reason,
			"refund_id":         refundID,
			"amount":            r.Amount,
		})); err != nil {
			return err
		}

		// An open dispute keeps the escrow frozen. On a cancelled booking the
		// decision settles the refund, so the remainder goes back on the
		// release countdown.
		b, err := s.repos.Bookings.GetBooking(txCtx, r.BookingID)
		if err != nil {
			return err
		}
		open, err := s.repos.Disputes.FindOpenDispute(txCtx, r.BookingID)
		if err != nil {
			return err
		}
		if open != nil {
			result = next
			return nil
		}
		reason := "refund request " + string(status)
		if b.State == domain.BookingCancelled {
			if err := s.escrow.resume(txCtx, r.BookingID, in.Admin, reason, now); err != nil {
				return err
			}
		} else if err := s.escrow.unfreeze(txCtx, r.BookingID, in.Admin, reason, now); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	return result, nil
}
