package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/fees"
)

var (
	traveler = domain.Actor{ID: "traveler-1", Role: domain.RoleTraveler}
	agent    = domain.Actor{ID: "agent-1", Role: domain.RoleAgent}
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	stranger = domain.Actor{ID: "traveler-2", Role: domain.RoleTraveler}
)

type harness struct {
	store    *memStore
	gateway  *fakeGateway
	clock    *clock.Manual
	escrow   *EscrowService
	bookings *BookingService
	payments *PaymentService
	disputes *DisputeService
	refunds  *RefundService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	gw := &fakeGateway{}
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repos := store.repos()
	calc := fees.NewCalculator(fees.Schedule{
		BookingFeeBps: 500,
		CommissionBps: 1000,
		MinBasePrice:  1000,
		MaxBasePrice:  10_000_000,
		Currency:      "USD",
	})

	escrow := NewEscrowService(repos, clk, nil)
	bookings := NewBookingService(repos, calc, escrow, clk, nil)
	return &harness{
		store:    store,
		gateway:  gw,
		clock:    clk,
		escrow:   escrow,
		bookings: bookings,
		payments: NewPaymentService(repos, gw, bookings, escrow, clk, nil),
		disputes: NewDisputeService(repos, gw, escrow, clk, nil),
		refunds:  NewRefundService(repos, gw, escrow, clk, nil),
	}
}

func (h *harness) createBooking(t *testing.T, key string, basePrice int64) domain.Booking {
	t.Helper()
	now := h.clock.Now()
	res, err := h.bookings.CreateBooking(context.Background(), CreateBookingInput{
		Actor:          traveler,
		TravelerID:     traveler.ID,
		AgentID:        agent.ID,
		ItineraryRef:   "itin-" + key,
		BasePrice:      basePrice,
		TripStart:      now.Add(30 * 24 * time.Hour),
		TripEnd:        now.Add(37 * 24 * time.Hour),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res.Booking
}

// paidBooking returns a PAYMENT_CONFIRMED booking with its captured payment.
func (h *harness) paidBooking(t *testing.T, key string) (domain.Booking, domain.Payment) {
	t.Helper()
	ctx := context.Background()
	b := h.createBooking(t, key, 100000)
	session, err := h.payments.CreateCheckout(ctx, CheckoutInput{BookingID: b.ID, IdempotencyKey: "co-" + key, Method: "card", Actor: traveler})
	require.NoError(t, err)
	p, err := h.payments.HandleSuccess(ctx, ProviderEvent{OrderID: session.Payment.ProviderOrderID, ChargeID: "ch-" + key})
	require.NoError(t, err)
	b, err = h.bookings.GetBooking(ctx, b.ID, admin)
	require.NoError(t, err)
	return b, p
}

// completedBooking returns a COMPLETED booking whose escrow countdown is
// running.
func (h *harness) completedBooking(t *testing.T, key string) (domain.Booking, domain.Payment) {
	t.Helper()
	ctx := context.Background()
	b, p := h.paidBooking(t, key)
	_, err := h.bookings.ConfirmByAgent(ctx, TransitionInput{BookingID: b.ID, Actor: agent})
	require.NoError(t, err)
	b, err = h.bookings.CompleteTrip(ctx, TransitionInput{BookingID: b.ID, Actor: domain.SystemActor})
	require.NoError(t, err)
	return b, p
}

func (h *harness) openDispute(t *testing.T, b domain.Booking, category domain.DisputeCategory) domain.Dispute {
	t.Helper()
	d, err := h.disputes.OpenDispute(context.Background(), OpenDisputeInput{
		BookingID:   b.ID,
		Actor:       traveler,
		Category:    category,
		Description: "guide never showed up",
	})
	require.NoError(t, err)
	return d
}

// disputeTo walks a fresh dispute through the given actions.
func (h *harness) disputeTo(t *testing.T, d domain.Dispute, actions ...domain.DisputeAction) domain.Dispute {
	t.Helper()
	actors := map[domain.DisputeAction]domain.Actor{
		domain.ActionSubmitEvidence:   traveler,
		domain.ActionAgentRespond:     agent,
		domain.ActionAdminStartReview: admin,
		domain.ActionAdminEscalate:    admin,
	}
	for _, a := range actions {
		var err error
		d, err = h.disputes.TransitionDispute(context.Background(), TransitionDisputeInput{
			DisputeID: d.ID,
			Action:    a,
			Actor:     actors[a],
			Reason:    "step " + string(a),
			Evidence:  []domain.Evidence{{Kind: "photo", URI: "s3://evidence/" + string(a)}},
		})
		require.NoError(t, err)
	}
	return d
}
