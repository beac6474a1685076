package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/testutil"
)

func TestPaymentRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	bookings := NewBookingRepository(pool)
	repo := NewPaymentRepository(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	seed := func(t *testing.T, ctx context.Context, key string) domain.Booking {
		t.Helper()
		b := testutil.NewBooking(key)
		require.NoError(t, bookings.CreateBooking(ctx, b))
		return b
	}

	t.Run("one open payment per booking", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		b := seed(t, ctx, "open")

		first := testutil.NewPayment(b, "ord-1")
		require.NoError(t, repo.CreatePayment(ctx, first))
		assert.ErrorIs(t, repo.CreatePayment(ctx, testutil.NewPayment(b, "ord-2")), domain.ErrPaymentInProgress)

		failed, err := domain.TransitionPayment(first, domain.PaymentFailed, domain.SystemActor, time.Now())
		require.NoError(t, err)
		require.NoError(t, repo.UpdatePayment(ctx, failed, first.Version))

		second := testutil.NewPayment(b, "ord-3")
		require.NoError(t, repo.CreatePayment(ctx, second))

		current, err := repo.CurrentPaymentForBooking(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, second.ID, current.ID)

		byOrder, err := repo.FindPaymentByProviderOrder(ctx, "ord-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentFailed, byOrder.State)
	})

	t.Run("a failed attempt captured late stays current", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		b := seed(t, ctx, "late")

		now := time.Now().UTC().Truncate(time.Microsecond)
		first := testutil.NewPayment(b, "ord-l1")
		require.NoError(t, repo.CreatePayment(ctx, first))
		failed, err := domain.TransitionPayment(first, domain.PaymentFailed, domain.SystemActor, now)
		require.NoError(t, err)
		require.NoError(t, repo.UpdatePayment(ctx, failed, first.Version))

		late := failed
		late.ProviderChargeID = "ch-late"
		late.CapturedAt = &now
		late.Version = failed.Version + 1
		require.NoError(t, repo.UpdatePayment(ctx, late, failed.Version))

		second := testutil.NewPayment(b, "ord-l2")
		require.NoError(t, repo.CreatePayment(ctx, second))
		retried, err := domain.TransitionPayment(second, domain.PaymentFailed, domain.SystemActor, now)
		require.NoError(t, err)
		require.NoError(t, repo.UpdatePayment(ctx, retried, second.Version))

		current, err := repo.CurrentPaymentForBooking(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, first.ID, current.ID)
		require.NotNil(t, current.CapturedAt)
		assert.True(t, now.Equal(*current.CapturedAt))
		assert.True(t, current.FundsCaptured())
	})

	t.Run("refunds round trip and settle once", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		b := seed(t, ctx, "refunds")
		p := testutil.NewPayment(b, "ord-r")
		require.NoError(t, repo.CreatePayment(ctx, p))

		now := time.Now().UTC().Truncate(time.Microsecond)
		auth, err := domain.TransitionPayment(p, domain.PaymentAuthorized, domain.SystemActor, now)
		require.NoError(t, err)
		captured, err := domain.TransitionPayment(auth, domain.PaymentCaptured, domain.SystemActor, now)
		require.NoError(t, err)
		captured.ProviderChargeID = "ch-1"
		require.NoError(t, repo.UpdatePayment(ctx, captured, p.Version))

		withRefund, err := domain.AddRefund(captured, domain.Refund{
			ID: testutil.NewID(), Key: "k1", Amount: 5000, Reason: "billing", Initiator: domain.RoleAdmin,
		}, now)
		require.NoError(t, err)
		require.NoError(t, repo.UpdatePayment(ctx, withRefund, captured.Version))

		got, err := repo.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, got.Refunds, 1)
		assert.Equal(t, domain.RefundPending, got.Refunds[0].Status)
		assert.Equal(t, "ch-1", got.ProviderChargeID)
		assert.EqualValues(t, 105000-5000, got.Refundable())

		settled, err := domain.SettleRefund(got, got.Refunds[0].ID, domain.RefundProcessed, "re-1", "", now)
		require.NoError(t, err)
		require.NoError(t, repo.UpdatePayment(ctx, settled, got.Version))

		got, err = repo.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RefundProcessed, got.Refunds[0].Status)
		assert.Equal(t, "re-1", got.Refunds[0].ProviderRefundID)
		assert.EqualValues(t, 5000, got.TotalRefunded())
		assert.ErrorIs(t, repo.UpdatePayment(ctx, settled, got.Version-1), domain.ErrVersionConflict)
	})

	t.Run("expired checkouts", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		b := seed(t, ctx, "exp")
		p := testutil.NewPayment(b, "ord-e")
		require.NoError(t, repo.CreatePayment(ctx, p))

		none, err := repo.ListExpiredCheckouts(ctx, time.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		due, err := repo.ListExpiredCheckouts(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, p.ID, due[0].ID)
	})
}
