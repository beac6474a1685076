package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/fees"
	"github.com/howweplan/bookingcore/internal/idempotency"
	"github.com/howweplan/bookingcore/internal/refundpolicy"
)

type BookingService struct {
	repos  Repositories
	fees   *fees.Calculator
	escrow *EscrowService
	clock  clock.Clock
	logger *zap.Logger
}

func NewBookingService(repos Repositories, calc *fees.Calculator, escrow *EscrowService, clk clock.Clock, logger *zap.Logger) *BookingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingService{
		repos:  repos,
		fees:   calc,
		escrow: escrow,
		clock:  clk,
		logger: logger,
	}
}

type CreateBookingInput struct {
	Actor          domain.Actor
	TravelerID     string
	AgentID        string
	ItineraryRef   string
	BasePrice      int64
	TripStart      time.Time
	TripEnd        time.Time
	IdempotencyKey string
}

type CreateBookingResult struct {
	Booking  domain.Booking
	Replayed bool
}

func (s *BookingService) CreateBooking(ctx context.Context, in CreateBookingInput) (CreateBookingResult, error) {
	if in.IdempotencyKey == "" {
		return CreateBookingResult{}, domain.ErrIdempotencyKeyRequired
	}
	if strings.TrimSpace(in.TravelerID) == "" || strings.TrimSpace(in.AgentID) == "" {
		return CreateBookingResult{}, domain.Validation("traveler_id and agent_id are required")
	}
	if strings.TrimSpace(in.ItineraryRef) == "" {
		return CreateBookingResult{}, domain.Validation("itinerary_ref is required")
	}
	if in.TripStart.IsZero() || in.TripEnd.Before(in.TripStart) {
		return CreateBookingResult{}, domain.ErrInvalidTripWindow
	}
	if err := domain.CheckActor(in.Actor.Role, domain.RoleTraveler, domain.RoleAdmin); err != nil {
		return CreateBookingResult{}, err
	}
	if in.Actor.Role == domain.RoleTraveler && in.Actor.ID != in.TravelerID {
		return CreateBookingResult{}, domain.ErrNotParty
	}
	breakdown, err := s.fees.Compute(in.BasePrice)
	if err != nil {
		return CreateBookingResult{}, err
	}

	fp := bookingFingerprint(in)
	now := s.clock.Now()
	var result CreateBookingResult

	err = s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		existing, err := s.repos.Bookings.FindBookingByIdempotencyKey(txCtx, in.Actor.ID, in.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.RequestFingerprint != fp {
				return domain.ErrIdempotencyConflict
			}
			result = CreateBookingResult{Booking: *existing, Replayed: true}
			return nil
		}

		b := domain.Booking{
			ID:                 newUUID(),
			TravelerID:         in.TravelerID,
			AgentID:            in.AgentID,
			ItineraryRef:       in.ItineraryRef,
			State:              domain.BookingPendingPayment,
			PaymentState:       domain.PaymentNotStarted,
			Fees:               breakdown,
			TripStart:          in.TripStart,
			TripEnd:            in.TripEnd,
			Version:            1,
			CreatedBy:          in.Actor.ID,
			IdempotencyKey:     in.IdempotencyKey,
			RequestFingerprint: fp,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.repos.Bookings.CreateBooking(txCtx, b); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.BookingCreated, b.ID, in.Actor, now, map[string]any{
			"state":         string(b.State),
			"base_price":    breakdown.BasePrice,
			"booking_fee":   breakdown.BookingFee,
			"commission":    breakdown.PlatformCommission,
			"total_charged": breakdown.TotalCharged,
			"agent_payout":  breakdown.AgentPayout,
			"currency":      breakdown.Currency,
		})); err != nil {
			return err
		}
		result = CreateBookingResult{Booking: b}
		return nil
	})
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		// A concurrent create with the same key may have won the insert.
		existing, findErr := s.repos.Bookings.FindBookingByIdempotencyKey(ctx, in.Actor.ID, in.IdempotencyKey)
		if findErr == nil && existing != nil && existing.RequestFingerprint == fp {
			return CreateBookingResult{Booking: *existing, Replayed: true}, nil
		}
	}
	if err != nil {
		return CreateBookingResult{}, err
	}
	return result, nil
}

func bookingFingerprint(in CreateBookingInput) string {
	body, _ := json.Marshal(map[string]any{
		"traveler_id":   in.TravelerID,
		"agent_id":      in.AgentID,
		"itinerary_ref": in.ItineraryRef,
		"base_price":    in.BasePrice,
		"trip_start":    in.TripStart.UTC(),
		"trip_end":      in.TripEnd.UTC(),
	})
	return idempotency.Fingerprint(body)
}

// GetBooking returns a booking visible to actor.
func (s *BookingService) GetBooking(ctx context.Context, id string, actor domain.Actor) (domain.Booking, error) {
	b, err := s.repos.Bookings.GetBooking(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if !b.Party(actor) {
		return domain.Booking{}, domain.ErrNotParty
	}
	return b, nil
}

// TransitionInput addresses a booking. ExpectedVersion, when non-zero, must
// match the stored version.
type TransitionInput struct {
	BookingID       string
	Actor           domain.Actor
	ExpectedVersion int64
}

func (s *BookingService) ConfirmByAgent(ctx context.Context, in TransitionInput) (domain.Booking, error) {
	return s.transition(ctx, in, domain.BookingAgentConfirmed, nil)
}

// CompleteTrip marks the trip done and starts the escrow release countdown.
func (s *BookingService) CompleteTrip(ctx context.Context, in TransitionInput) (domain.Booking, error) {
	return s.transition(ctx, in, domain.BookingCompleted, func(txCtx context.Context, b *domain.Booking, now time.Time) error {
		eligible := now.Add(s.escrow.ReleaseDelay())
		b.EscrowReleaseEligibleAt = &eligible
		return nil
	})
}

func (s *BookingService) transition(ctx context.Context, in TransitionInput, target domain.BookingState, mutate func(context.Context, *domain.Booking, time.Time) error) (domain.Booking, error) {
	now := s.clock.Now()
	var result domain.Booking

	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, in.BookingID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != 0 && in.ExpectedVersion != b.Version {
			return domain.ErrVersionConflict
		}
		next, err := domain.TransitionBooking(b, target, in.Actor, now)
		if err != nil {
			return err
		}
		if !b.Party(in.Actor) {
			return domain.ErrNotParty
		}
		if mutate != nil {
			if err := mutate(txCtx, &next, now); err != nil {
				return err
			}
		}
		if err := s.repos.Bookings.UpdateBooking(txCtx, next, b.Version); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.BookingStateChanged, b.ID, in.Actor, now, map[string]any{
			"previous_state": string(b.State),
			"new_state":      string(next.State),
			"version":        next.Version,
		})); err != nil {
			return err
		}
		if next.State == domain.BookingCompleted && next.EscrowReleaseEligibleAt != nil {
			if err := s.escrow.startCountdown(txCtx, b.ID, *next.EscrowReleaseEligibleAt, in.Actor, now); err != nil {
				return err
			}
		}
		result = next
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	return result, nil
}

type CancelInput struct {
	BookingID       string
	Reason          domain.CancellationReason
	Actor           domain.Actor
	AdminReason     string
	ExpectedVersion int64
}

type CancelResult struct {
	Booking        domain.Booking
	RefundEligible bool
	Rule           string
}

// CancelBooking consults the refund policy with the pre-cancellation state,
// then moves the booking to CANCELLED. A policy gap aborts the cancellation
// and is returned for manual review. Escrowed funds of a refund-eligible
// cancellation stay frozen until a refund request is decided; otherwise
// they are released after the usual delay.
func (s *BookingService) CancelBooking(ctx context.Context, in CancelInput) (CancelResult, error) {
	if !in.Reason.Valid() {
		return CancelResult{}, domain.ErrInvalidReason
	}
	if err := domain.CheckCancellationActor(in.Reason, in.Actor.Role); err != nil {
		return CancelResult{}, err
	}
	if in.Reason == domain.CancelAdminCancelled {
		if err := domain.RequireReason("admin_cancelled", in.AdminReason); err != nil {
			return CancelResult{}, err
		}
	}

	now := s.clock.Now()
	var result CancelResult

	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		b, err := s.repos.Bookings.GetBookingForUpdate(txCtx, in.BookingID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != 0 && in.ExpectedVersion != b.Version {
			return domain.ErrVersionConflict
		}
		if err := domain.CheckBookingTransition(b, domain.BookingCancelled, in.Actor); err != nil {
			return err
		}
		if !b.Party(in.Actor) {
			return domain.ErrNotParty
		}

		decision, err := refundpolicy.Evaluate(refundpolicy.Input{
			State:            b.State,
			Reason:           in.Reason,
			AgentConfirmedAt: b.AgentConfirmedAt,
		})
		if err != nil {
			return err
		}

		next, err := domain.TransitionBooking(b, domain.BookingCancelled, in.Actor, now)
		if err != nil {
			return err
		}
		reason := in.Reason
		actor := in.Actor
		at := now
		next.CancellationReason = &reason
		next.CancelledBy = &actor
		next.CancelledAt = &at
		next.AdminReason = in.AdminReason
		// Funds already in custody follow the release countdown from here.
		eligibleAt := now.Add(s.escrow.ReleaseDelay())
		next.EscrowReleaseEligibleAt = &eligibleAt

		if err := s.repos.Bookings.UpdateBooking(txCtx, next, b.Version); err != nil {
			return err
		}
		if err := s.repos.Audit.AppendEvent(txCtx, audit.New(audit.BookingCancelled, b.ID, in.Actor, now, map[string]any{
			"previous_state":  string(b.State),
			"new_state":       string(next.State),
			"reason":          string(in.Reason),
			"admin_reason":    in.AdminReason,
			"refund_eligible": decision.Eligible,
			"policy_rule":     decision.Rule,
			"version":         next.Version,
		})); err != nil {
			return err
		}
		if err := s.escrow.startCountdown(txCtx, b.ID, eligibleAt, in.Actor, now); err != nil {
			return err
		}
		if decision.Eligible {
			// Held until an admin decides the refund.
			if err := s.escrow.freeze(txCtx, b.ID, in.Actor, "refund decision pending", now); err != nil {
				return err
			}
		}
		result = CancelResult{Booking: next, RefundEligible: decision.Eligible, Rule: decision.Rule}
		return nil
	})
	if err != nil {
		var gap *domain.PolicyGapError
		if errors.As(err, &gap) {
			s.logger.Error("refund policy gap, manual review required",
				zap.String("booking_id", in.BookingID),
				zap.String("state", string(gap.State)),
				zap.String("reason", string(gap.Reason)),
				zap.String("actor_id", in.Actor.ID),
				zap.String("actor_role", string(in.Actor.Role)),
			)
		}
		return CancelResult{}, err
	}
	return result, nil
}
