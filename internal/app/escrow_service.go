package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
)

// DefaultEscrowReleaseDelay is how long funds stay in custody after trip
// completion when no dispute is opened.
const DefaultEscrowReleaseDelay = 72 * time.Hour

// EscrowService custodies captured funds between capture and payout. Its
// unexported methods run inside the caller's transaction.
type EscrowService struct {
	repos        Repositories
	clock        clock.Clock
	logger       *zap.Logger
	releaseDelay time.Duration
	batchSize    int
}

type EscrowServiceOption func(*EscrowService)

func WithReleaseDelay(d time.Duration) EscrowServiceOption {
	return func(s *EscrowService) {
		if d > 0 {
			s.releaseDelay = d
		}
	}
}

func NewEscrowService(repos Repositories, clk clock.Clock, logger *zap.Logger, opts ...EscrowServiceOption) *EscrowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &EscrowService{
		repos:        repos,
		clock:        clk,
		logger:       logger,
		releaseDelay: DefaultEscrowReleaseDelay,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EscrowService) ReleaseDelay() time.Duration {
	return s.releaseDelay
}

func (s *EscrowService) hold(ctx context.Context, p domain.Payment, b domain.Booking, now time.Time) (domain.EscrowHold, error) {
	existing, err := s.repos.Escrow.FindEscrowForUpdate(ctx, b.ID)
	if err != nil {
		return domain.EscrowHold{}, err
	}
	if existing != nil {
		if existing.PaymentID != p.ID {
			s.logger.Warn("second capture for a booking already in escrow, manual review required",
				zap.String("booking_id", b.ID),
				zap.String("held_payment_id", existing.PaymentID),
				zap.String("payment_id", p.ID),
			)
		}
		return *existing, nil
	}

	e := domain.EscrowHold{
		BookingID:         b.ID,
		PaymentID:         p.ID,
		Amount:            p.Fees.TotalCharged,
		AgentPayout:       p.Fees.AgentPayout,
		Currency:          p.Fees.Currency,
		Status:            domain.EscrowHeld,
		HeldAt:            now,
		ReleaseEligibleAt: b.EscrowReleaseEligibleAt,
		Version:           1,
	}
	// Funds captured after a cancellation wait for a refund decision.
	if b.State == domain.BookingCancelled {
		e.Status = domain.EscrowFrozen
	}
	if err := s.repos.Escrow.CreateEscrow(ctx, e); err != nil {
		return domain.EscrowHold{}, err
	}
	return e, s.repos.Audit.AppendEvent(ctx, audit.New(audit.EscrowHeld, b.ID, domain.SystemActor, now, map[string]any{
		"payment_id": p.ID,
		"amount":     e.Amount,
		"status":     string(e.Status),
	}))
}

func (s *EscrowService) startCountdown(ctx context.Context, bookingID string, eligibleAt time.Time, actor domain.Actor, now time.Time) error {
	e, err := s.repos.Escrow.FindEscrowForUpdate(ctx, bookingID)
	if err != nil || e == nil {
		// Not captured into escrow yet; hold() picks the date up from the booking.
		return err
	}
	if e.Status == domain.EscrowReleased || e.Status == domain.EscrowRefunded {
		return nil
	}
	next := *e
	next.ReleaseEligibleAt = &eligibleAt
	next.Version = e.Version + 1
	if err := s.repos.Escrow.UpdateEscrow(ctx, next, e.Version); err != nil {
		return err
	}
	return s.repos.Audit.AppendEvent(ctx, audit.New(audit.EscrowCountdown, bookingID, actor, now, map[string]any{
		"release_eligible_at": eligibleAt,
	}))
}

func (s *EscrowService) freeze(ctx context.Context, bookingID string, actor domain.Actor, reason string, now time.Time) error {
	return s.setStatus(ctx, bookingID, domain.EscrowHeld, domain.EscrowFrozen, audit.EscrowFrozen, actor, reason, now)
}

func (s *EscrowService) unfreeze(ctx context.Context, bookingID string, actor domain.Actor, reason string, now time.Time) error {
	return s.setStatus(ctx, bookingID, domain.EscrowFrozen, domain.EscrowHeld, audit.EscrowUnfrozen, actor, reason, now)
}

// resume unfreezes a hold and makes sure it has a release date, starting
// one releaseDelay from now when it has none.
func (s *EscrowService) resume(ctx context.Context, bookingID string, actor domain.Actor, reason string, now time.Time) error {
	e, err := s.repos.Escrow.FindEscrowForUpdate(ctx, bookingID)
	if err != nil || e == nil {
		return err
	}
	if e.ReleaseEligibleAt == nil && e.Status == domain.EscrowFrozen {
		if err := s.startCountdown(ctx, bookingID, now.Add(s.releaseDelay), actor, now); err != nil {
			return err
		}
	}
	return s.unfreeze(ctx, bookingID, actor, reason, now)
}

func (s *EscrowService) setStatus(ctx context.Context, bookingID string, from, to domain.EscrowStatus, eventType string, actor domain.Actor, reason string, now time.Time) error {
	e, err := s.repos.Escrow.FindEscrowForUpdate(ctx, bookingID)
	if err != nil || e == nil {
		return err
	}
	next, ok := domain.SetEscrowStatus(*e, from, to)
	if !ok {
		return nil
	}
	if err := s.repos.Escrow.UpdateEscrow(ctx, next, e.Version); err != nil {
		return err
	}
	return s.repos.Audit.AppendEvent(ctx, audit.New(eventType, bookingID, actor, now, map[string]any{
		"reason":    reason,
		"remaining": next.Remaining(),
	}))
}

func (s *EscrowService) refund(ctx context.Context, bookingID, paymentID string, amount int64, key string, actor domain.Actor, now time.Time) error {
	e, err := s.repos.Escrow.FindEscrowForUpdate(ctx, bookingID)
	if err != nil {
		return err
	}
	if e == nil {
		return domain.ErrEscrowNotFound
	}
	next, err := domain.RefundFromEscrow(*e, amount)
	if err != nil {
		return err
	}
	if err := s.repos.Escrow.UpdateEscrow(ctx, next, e.Version); err != nil {
		return err
	}
	if err := s.repos.Ledger.RecordMovement(ctx, domain.MoneyMovement{
		ID:             newUUID(),
		BookingID:      bookingID,
		PaymentID:      paymentID,
		Kind:           domain.MovementRefund,
		Amount:         amount,
		Currency:       e.Currency,
		From:           domain.AccountPlatformEscrow,
		To:             domain.AccountTraveler,
		IdempotencyKey: key,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	return s.repos.Audit.AppendEvent(ctx, audit.New(audit.EscrowRefunded, bookingID, actor, now, map[string]any{
		"amount":    amount,
		"remaining": next.Remaining(),
		"status":    string(next.Status),
	}))
}

// Find returns the escrow hold for a booking, or nil.
func (s *EscrowService) Find(ctx context.Context, bookingID string) (*domain.EscrowHold, error) {
	var out *domain.EscrowHold
	err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		out, err = s.repos.Escrow.FindEscrowForUpdate(txCtx, bookingID)
		return err
	})
	return out, err
}

// ReleaseDue pays out every hold whose countdown has elapsed. Each hold is
// released in its own transaction; one failure does not block the rest.
func (s *EscrowService) ReleaseDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repos.Escrow.ListReleasable(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	var firstErr error
	for _, candidate := range due {
		err := s.repos.Tx.WithTx(ctx, func(txCtx context.Context) error {
			return s.release(txCtx, candidate.BookingID, now)
		})
		if err != nil {
			s.logger.Error("escrow release failed", zap.String("booking_id", candidate.BookingID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		released++
	}
	return released, firstErr
}

func (s *EscrowService) release(ctx context.Context, bookingID string, now time.Time) error {
	e, err := s.repos.Escrow.FindEscrowForUpdate(ctx, bookingID)
	if err != nil {
		return err
	}
	if e == nil || !e.Releasable(now) {
		return nil
	}
	next, err := domain.ReleaseEscrow(*e, now)
	if err != nil {
		return err
	}
	if err := s.repos.Escrow.UpdateEscrow(ctx, next, e.Version); err != nil {
		return err
	}

	agent, platform := e.ReleaseSplit()
	movements := []domain.MoneyMovement{
		{Kind: domain.MovementPayout, Amount: agent, To: domain.AccountAgentPayable, IdempotencyKey: "escrow:" + bookingID + ":payout"},
		{Kind: domain.MovementFee, Amount: platform, To: domain.AccountPlatformRevenue, IdempotencyKey: "escrow:" + bookingID + ":revenue"},
	}
	for _, m := range movements {
		if m.Amount == 0 {
			continue
		}
		m.ID = newUUID()
		m.BookingID = bookingID
		m.PaymentID = e.PaymentID
		m.Currency = e.Currency
		m.From = domain.AccountPlatformEscrow
		m.CreatedAt = now
		if err := s.repos.Ledger.RecordMovement(ctx, m); err != nil {
			return err
		}
	}

	return s.repos.Audit.AppendEvent(ctx, audit.New(audit.EscrowReleased, bookingID, domain.SystemActor, now, map[string]any{
		"agent_payout":     agent,
		"platform_revenue": platform,
	}))
}
