package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

// DefaultEvidenceWindow is how long a dispute may wait for evidence before
// the system closes it.
const DefaultEvidenceWindow = 7 * 24 * time.Hour

type DisputeService struct {
	repos          Repositories
	escrow         *EscrowService
	refunds        *refunder
	clock          clock.Clock
	logger         *zap.Logger
	evidenceWindow time.Duration
	batchSize      int
}

type DisputeServiceOption func(*DisputeService)

func WithEvidenceWindow(d time.Duration) DisputeServiceOption {
	return func(s *DisputeService) {
		if d > 0 {
			s.evidenceWindow = d
		}
	}
}

func NewDisputeService(repos Repositories, gateway payment.Gateway, escrow *EscrowService, clk clock.Clock, logger *zap.Logger, opts ...DisputeServiceOption) *DisputeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DisputeService{
		repos:          repos,
		escrow:         escrow,
		refunds:        &refunder{repos: repos, gateway: gateway, escrow: escrow, clock: clk, logger: logger},
		clock:          clk,
		logger:         logger,
		evidenceWindow: DefaultEvidenceWindow,
		batchSize:      100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type OpenDisputeInput struct {
	BookingID   string
	Actor       domain.Actor
	Category    domain.DisputeCategory
	Description string
	Evidence    []domain.Evidence
}

// OpenDispute starts a complaint on a completed booking and freezes its
// escrow. The booking itself is never modified.
func (s *DisputeService) OpenDispute(ctx context.Context, in OpenDisputeInput) (domain.Dispute, error) {
	if in.Category != domain.ComplaintObjective && in.Category != domain.ComplaintSubjective {
		return domain.Dispute{}, domain.Validation("category must be objective or subjective")
	}
	if strings.TrimSpace(in.Description) == "" {
		return domain.Dispute{}, domain.Validation("description is required")
	}
	if err := domain.CheckActor(in.Actor.Role, domain.RoleTraveler); err != nil {
		return domain.Dispute{}, err
	}

	now := s.clock.Now()
	var result domain.Dispute
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, in.BookingID)
		if err != nil {
			return err
		}
		if !b.Party(in.Actor) {
			return domain.ErrNotParty
		}
		if b.State != domain.BookingCompleted {
			return domain.Validation("disputes can only be opened on completed bookings")
		}
		open, err := s.repos.Disputes.FindOpenDispute(txCtx, b.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrDisputeAlreadyOpen
		}
		hold, err := s.repos.Escrow.FindEscrowForUpdate(txCtx, b.ID)
		if err != nil {
			return err
		}
		if hold != nil && (hold.Status == domain.EscrowReleased || hold.Status == domain.EscrowRefunded) {
			return domain.ErrDisputeWindowClosed
		}

		d := domain.Dispute{
			ID:          newUUID(),
			BookingID:   b.ID,
			OpenedBy:    in.Actor,
			Category:    in.Category,
			Description: in.Description,
			State:       domain.DisputePendingEvidence,
			Evidence:    stampEvidence(in.Evidence, in.Actor, now),
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repos.Disputes.CreateDispute(txCtx, d); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.DisputeOpened, d.ID, in.Actor, now, map[string]any{
			"booking_id": b.ID,
			"category":   string(d.Category),
			"state":      string(d.State),
			"evidence":   len(d.Evidence),
		})); err != nil {
			return err
		}
		if err := s.escrow.freeze(txCtx, b.ID, in.Actor, "dispute opened", now); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	return result, nil
}

func stampEvidence(in []domain.Evidence, actor domain.Actor, now time.Time) []domain.Evidence {
	out := make([]domain.Evidence, 0, len(in))
	for _, e := range in {
		e.SubmittedBy = actor
		e.SubmittedAt = now
		out = append(out, e)
	}
	return out
}

type TransitionDisputeInput struct {
	DisputeID       string
	Action          domain.DisputeAction
	Actor           domain.Actor
	Reason          string
	Evidence        []domain.Evidence
	Resolution      domain.Resolution
	RefundAmount    int64
	ExpectedVersion int64
}

// TransitionDispute applies one action from the dispute table. Reaching a
// terminal state settles the escrow.
func (s *DisputeService) TransitionDispute(ctx context.Context, in TransitionDisputeInput) (domain.Dispute, error) {
	now := s.clock.Now()
	var result domain.Dispute

	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		d, err := s.repos.Disputes.GetDisputeForUpdate(txCtx, in.DisputeID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != 0 && in.ExpectedVersion != d.Version {
			return domain.ErrVersionConflict
		}
		next, err := domain.TransitionDispute(d, in.Action, in.Actor, in.Reason, now)
		if err != nil {
			return err
		}
		if err := s.checkParty(txCtx, d, in.Actor); err != nil {
			return err
		}

		switch in.Action {
		case domain.ActionSubmitEvidence, domain.ActionAgentRespond:
			next.Evidence = append(append([]domain.Evidence(nil), d.Evidence...), stampEvidence(in.Evidence, in.Actor, now)...)
		case domain.ActionAdminResolveRefund, domain.ActionAdminResolvePart, domain.ActionAdminResolveDenied:
			resolution := in.Resolution
			if resolution == "" {
				resolution = domain.DefaultResolution(d.Category, in.Action)
			}
			if err := domain.CheckResolution(d.Category, resolution); err != nil {
				return err
			}
			if action, _ := domain.ResolutionToAction(resolution); action != in.Action {
				return domain.Validation("resolution " + string(resolution) + " does not match action " + string(in.Action))
			}
			if err := s.checkRefundAmount(txCtx, d, in); err != nil {
				return err
			}
			next.Resolution = &resolution
			next.RefundAmount = in.RefundAmount
		}

		if err := s.repos.Disputes.UpdateDispute(txCtx, next, d.Version); err != nil {
			return err
		}
		payload := map[string]any{
			"booking_id":     d.BookingID,
			"action":         string(in.Action),
			"previous_state": string(d.State),
			"new_state":      string(next.State),
			"reason":         in.Reason,
			"version":        next.Version,
		}
		if next.Resolution != nil {
			payload["resolution"] = string(*next.Resolution)
			payload["refund_amount"] = next.RefundAmount
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.DisputeStateChanged, d.ID, in.Actor, now, payload)); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return domain.Dispute{}, err
	}

	if result.State.Terminal() {
		if err := s.settle(ctx, result); err != nil {
			// The dispute outcome is recorded; settlement is re-driven.
			s.logger.Error("dispute settlement failed", zap.String("dispute_id", result.ID), zap.Error(err))
		}
	}
	return result, nil
}

func (s *DisputeService) checkParty(ctx context.Context, d domain.Dispute, actor domain.Actor) error {
	if actor.Role == domain.RoleAdmin || actor.Role == domain.RoleSystem {
		return nil
	}
	b, err := s.repos.Bookings.GetBooking(ctx, d.BookingID)
	if err != nil {
		return err
	}
	if !b.Party(actor) {
		return domain.ErrNotParty
	}
	return nil
}

func (s *DisputeService) checkRefundAmount(ctx context.Context, d domain.Dispute, in TransitionDisputeInput) error {
	if in.Action != domain.ActionAdminResolvePart {
		if in.RefundAmount != 0 {
			return domain.ErrInvalidAmount
		}
		return nil
	}
	current, err := s.repos.Payments.CurrentPaymentForBooking(ctx, d.BookingID)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrPaymentNotFound
	}
	if in.RefundAmount <= 0 || in.RefundAmount >= current.Fees.TotalCharged {
		return domain.ErrInvalidAmount
	}
	if in.RefundAmount > current.Refundable() {
		return domain.ErrRefundExceedsTotal
	}
	return nil
}

type ResolveDisputeInput struct {
	DisputeID       string
	Resolution      domain.Resolution
	Actor           domain.Actor
	Reason          string
	RefundAmount    int64
	ExpectedVersion int64
}

// ResolveDispute maps a business resolution onto its resolving action.
func (s *DisputeService) ResolveDispute(ctx context.Context, in ResolveDisputeInput) (domain.Dispute, error) {
	action, err := domain.ResolutionToAction(in.Resolution)
	if err != nil {
		return domain.Dispute{}, err
	}
	return s.TransitionDispute(ctx, TransitionDisputeInput{
		DisputeID:       in.DisputeID,
		Action:          action,
		Actor:           in.Actor,
		Reason:          in.Reason,
		Resolution:      in.Resolution,
		RefundAmount:    in.RefundAmount,
		ExpectedVersion: in.ExpectedVersion,
	})
}

func (s *DisputeService) GetDispute(ctx context.Context, id string, actor domain.Actor) (domain.Dispute, error) {
	d, err := s.repos.Disputes.GetDispute(ctx, id)
	if err != nil {
		return domain.Dispute{}, err
	}
	if err := s.checkParty(ctx, d, actor); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

// settle instructs escrow for a terminal dispute: refund in full, refund
// part and release the rest, or release untouched.
func (s *DisputeService) settle(ctx context.Context, d domain.Dispute) error {
	key := "dispute:" + d.ID + ":settle"

	switch d.State {
	case domain.DisputeResolvedRefund, domain.DisputeResolvedPartial:
		amount := int64(0)
		if d.State == domain.DisputeResolvedPartial {
			amount = d.RefundAmount
		}
		refund, err := s.refunds.issue(ctx, issueRefund{
			BookingID: d.BookingID,
			Amount:    amount,
			Reason:    "dispute " + d.ID + ": " + d.ResolutionReason,
			Actor:     domain.SystemActor,
			Key:       key,
		})
		if err != nil {
			return err
		}
		if refund.Status == domain.RefundFailed {
			return domain.ErrRefundDeclined
		}
	case domain.DisputeResolvedDenied, domain.DisputeClosedWithdrawn, domain.DisputeClosedExpired:
	default:
		return nil
	}

	return s.repos.runStep(ctx, key, s.clock.Now(), func(txCtx context.Context) error {
		return s.escrow.unfreeze(txCtx, d.BookingID, domain.SystemActor, "dispute "+string(d.State), s.clock.Now())
	})
}

// ExpireIdle closes disputes that waited longer than the evidence window.
func (s *DisputeService) ExpireIdle(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.evidenceWindow)
	idle, err := s.repos.Disputes.ListIdleDisputes(ctx,
		[]domain.DisputeState{domain.DisputePendingEvidence, domain.DisputeEvidenceSubmitted}, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	var firstErr error
	for _, d := range idle {
		_, err := s.TransitionDispute(ctx, TransitionDisputeInput{
			DisputeID:       d.ID,
			Action:          domain.ActionSystemExpire,
			Actor:           domain.SystemActor,
			Reason:          "evidence window elapsed",
			ExpectedVersion: d.Version,
		})
		if err != nil && !errors.Is(err, domain.ErrVersionConflict) {
			s.logger.Error("dispute expiry failed", zap.String("dispute_id", d.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err == nil {
			n++
		}
	}
	return n, firstErr
}

// ResumeSettlements re-drives escrow settlement for terminal disputes whose
// settlement step has not completed.
func (s *DisputeService) ResumeSettlements(ctx context.Context) (int, error) {
	pending, err := s.repos.Disputes.ListUnsettledDisputes(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	var firstErr error
	for _, d := range pending {
		if err := s.settle(ctx, d); err != nil {
			s.logger.Error("dispute settlement re-drive failed", zap.String("dispute_id", d.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}
