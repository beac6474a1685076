package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/app"
	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/idempotency"
	"github.com/howweplan/bookingcore/internal/payment"
	"github.com/howweplan/bookingcore/internal/storage/bolt"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

var testWebhookSecret = []byte("whsec-test")

// fakeCore stands in for every service behind the router.
type fakeCore struct {
	creates   atomic.Int32
	checkouts atomic.Int32

	cancelErr     error
	transitionErr error
	paymentErr    error
	escrow        *domain.EscrowHold
	events        []audit.Event

	lastCancel     app.CancelInput
	lastTransition app.TransitionDisputeInput
	lastEvent      app.ProviderEvent
	lastRefund     app.CreateRefundRequestInput
}

func testBooking(id string) domain.Booking {
	return domain.Booking{
		ID:           id,
		TravelerID:   "trav-1",
		AgentID:      "agent-1",
		ItineraryRef: "itin-1",
		State:        domain.BookingPendingPayment,
		PaymentState: domain.PaymentNotStarted,
		Fees: domain.FeeBreakdown{
			BasePrice: 100000, BookingFee: 5000, PlatformCommission: 10000,
			TotalCharged: 105000, AgentPayout: 90000, Currency: "USD",
		},
		TripStart: testNow.Add(72 * time.Hour),
		TripEnd:   testNow.Add(96 * time.Hour),
		Version:   1,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func (f *fakeCore) CreateBooking(_ context.Context, in app.CreateBookingInput) (app.CreateBookingResult, error) {
	f.creates.Add(1)
	if in.IdempotencyKey == "" {
		return app.CreateBookingResult{}, domain.ErrIdempotencyKeyRequired
	}
	b := testBooking("bk-" + in.IdempotencyKey)
	b.TravelerID = in.TravelerID
	b.Fees.BasePrice = in.BasePrice
	return app.CreateBookingResult{Booking: b}, nil
}

func (f *fakeCore) GetBooking(_ context.Context, id string, actor domain.Actor) (domain.Booking, error) {
	b := testBooking(id)
	if actor.Role != domain.RoleAdmin && !b.Party(actor) {
		return domain.Booking{}, domain.ErrNotParty
	}
	return b, nil
}

func (f *fakeCore) ConfirmByAgent(_ context.Context, in app.TransitionInput) (domain.Booking, error) {
	b := testBooking(in.BookingID)
	b.State = domain.BookingAgentConfirmed
	b.Version = in.ExpectedVersion + 1
	return b, nil
}

func (f *fakeCore) CompleteTrip(_ context.Context, in app.TransitionInput) (domain.Booking, error) {
	b := testBooking(in.BookingID)
	b.State = domain.BookingCompleted
	return b, nil
}

func (f *fakeCore) CancelBooking(_ context.Context, in app.CancelInput) (app.CancelResult, error) {
	f.lastCancel = in
	if f.cancelErr != nil {
		return app.CancelResult{}, f.cancelErr
	}
	b := testBooking(in.BookingID)
	b.State = domain.BookingCancelled
	reason := in.Reason
	b.CancellationReason = &reason
	return app.CancelResult{Booking: b, RefundEligible: true, Rule: "agent_fault_full_refund"}, nil
}

func (f *fakeCore) CreateCheckout(_ context.Context, in app.CheckoutInput) (app.CheckoutSession, error) {
	f.checkouts.Add(1)
	p := domain.Payment{
		ID:               "pay-1",
		BookingID:        in.BookingID,
		State:            domain.PaymentNotStarted,
		Method:           in.Method,
		CheckoutURL:      "https://pay.example/c/1",
		IdempotencyKey:   in.IdempotencyKey,
		SessionExpiresAt: testNow.Add(30 * time.Minute),
		Version:          1,
	}
	return app.CheckoutSession{Payment: p, CheckoutURL: p.CheckoutURL, ExpiresAt: p.SessionExpiresAt}, nil
}

func (f *fakeCore) paymentEvent(ev app.ProviderEvent, state domain.PaymentState) (domain.Payment, error) {
	f.lastEvent = ev
	if f.paymentErr != nil {
		return domain.Payment{}, f.paymentErr
	}
	return domain.Payment{ID: "pay-1", State: state}, nil
}

func (f *fakeCore) HandleAuthorized(_ context.Context, ev app.ProviderEvent) (domain.Payment, error) {
	return f.paymentEvent(ev, domain.PaymentAuthorized)
}

func (f *fakeCore) HandleSuccess(_ context.Context, ev app.ProviderEvent) (domain.Payment, error) {
	return f.paymentEvent(ev, domain.PaymentCaptured)
}

func (f *fakeCore) HandleFailure(_ context.Context, ev app.ProviderEvent) (domain.Payment, error) {
	return f.paymentEvent(ev, domain.PaymentFailed)
}

func testDispute(id string) domain.Dispute {
	return domain.Dispute{
		ID:          id,
		BookingID:   "bk-1",
		OpenedBy:    domain.Actor{ID: "trav-1", Role: domain.RoleTraveler},
		Category:    domain.ComplaintObjective,
		Description: "guide never arrived",
		State:       domain.DisputePendingEvidence,
		Version:     1,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func (f *fakeCore) OpenDispute(_ context.Context, in app.OpenDisputeInput) (domain.Dispute, error) {
	d := testDispute("dsp-1")
	d.BookingID = in.BookingID
	d.Category = in.Category
	for _, e := range in.Evidence {
		e.SubmittedBy = in.Actor
		d.Evidence = append(d.Evidence, e)
	}
	return d, nil
}

func (f *fakeCore) TransitionDispute(_ context.Context, in app.TransitionDisputeInput) (domain.Dispute, error) {
	f.lastTransition = in
	d := testDispute(in.DisputeID)
	next, err := domain.TransitionDispute(d, in.Action, in.Actor, in.Reason, testNow)
	if err != nil {
		return domain.Dispute{}, err
	}
	return next, f.transitionErr
}

func (f *fakeCore) ResolveDispute(_ context.Context, in app.ResolveDisputeInput) (domain.Dispute, error) {
	d := testDispute(in.DisputeID)
	d.State = domain.DisputeResolvedPartial
	res := in.Resolution
	d.Resolution = &res
	d.RefundAmount = in.RefundAmount
	return d, nil
}

func (f *fakeCore) GetDispute(_ context.Context, id string, _ domain.Actor) (domain.Dispute, error) {
	if id == "missing" {
		return domain.Dispute{}, domain.ErrDisputeNotFound
	}
	return testDispute(id), nil
}

func (f *fakeCore) CreateRefundRequest(_ context.Context, in app.CreateRefundRequestInput) (domain.RefundRequest, error) {
	f.lastRefund = in
	if in.Category.Subjective() {
		return domain.RefundRequest{}, domain.ErrSubjectiveReason
	}
	return domain.RefundRequest{
		ID:          "rr-1",
		BookingID:   in.BookingID,
		PaymentID:   "pay-1",
		RequestedBy: in.Actor,
		Category:    in.Category,
		Amount:      in.Amount,
		Status:      domain.RefundRequestPending,
		Version:     1,
		CreatedAt:   testNow,
	}, nil
}

func (f *fakeCore) ApproveRefund(_ context.Context, in app.DecideRefundInput) (domain.RefundRequest, error) {
	return domain.RefundRequest{ID: in.RefundRequestID, Status: domain.RefundRequestPending}.
		Decide(domain.RefundRequestApproved, in.Admin, in.Reason, testNow)
}

func (f *fakeCore) DenyRefund(_ context.Context, in app.DecideRefundInput) (domain.RefundRequest, error) {
	return domain.RefundRequest{ID: in.RefundRequestID, Status: domain.RefundRequestPending}.
		Decide(domain.RefundRequestDenied, in.Admin, in.Reason, testNow)
}

func (f *fakeCore) Find(_ context.Context, _ string) (*domain.EscrowHold, error) {
	return f.escrow, nil
}

func (f *fakeCore) ListEvents(_ context.Context, _ string) ([]audit.Event, error) {
	return f.events, nil
}

func newTestRouter(t *testing.T, core *fakeCore) http.Handler {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewRouter(RouterDeps{
		Bookings:      core,
		Payments:      core,
		Disputes:      core,
		Refunds:       core,
		Escrow:        core,
		Audit:         core,
		Guard:         idempotency.NewGuard(store, clock.NewManual(testNow)),
		WebhookSecret: testWebhookSecret,
		CORSOrigins:   []string{"*"},
		Logger:        zap.NewNop(),
	})
}

type requestOpt func(*http.Request)

func as(id string, role domain.Role) requestOpt {
	return func(r *http.Request) {
		r.Header.Set(actorIDHeader, id)
		r.Header.Set(actorRoleHeader, string(role))
	}
}

func withKey(key string) requestOpt {
	return func(r *http.Request) { r.Header.Set(idempotencyHeader, key) }
}

func do(t *testing.T, h http.Handler, method, path, body string, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const bookingBody = `{"agent_id":"agent-1","itinerary_ref":"itin-1","base_price":100000,` +
	`"trip_start":"2025-06-04T10:00:00Z","trip_end":"2025-06-05T10:00:00Z"}`

func TestRouter_HealthAndNotFound(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &fakeCore{})

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decodeBody[errorResponse](t, rec).Code)
}

func TestRouter_RequiresIdentity(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &fakeCore{})

	rec := do(t, h, http.MethodGet, "/bookings/bk-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/bookings/bk-1", "", as("ops", domain.RoleSystem))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/bookings/bk-1", "", as("stranger", domain.RoleTraveler))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/bookings/bk-1", "", as("trav-1", domain.RoleTraveler))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[bookingView](t, rec)
	assert.Equal(t, "bk-1", view.ID)
	assert.Equal(t, int64(105000), view.Fees.TotalCharged)
}

func TestRouter_CreateBookingIsIdempotent(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)
	traveler := as("trav-1", domain.RoleTraveler)

	first := do(t, h, http.MethodPost, "/bookings", bookingBody, traveler, withKey("k1"))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decodeBody[createBookingResponse](t, first)
	assert.Equal(t, "trav-1", created.Booking.TravelerID, "traveler id defaults to the caller")

	replay := do(t, h, http.MethodPost, "/bookings", bookingBody, traveler, withKey("k1"))
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get(replayedHeader))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, int32(1), core.creates.Load())

	changed := do(t, h, http.MethodPost, "/bookings", `{"agent_id":"agent-2","itinerary_ref":"x","base_price":1}`, traveler, withKey("k1"))
	assert.Equal(t, http.StatusConflict, changed.Code)
	assert.Equal(t, "CONFLICT", decodeBody[errorResponse](t, changed).Code)
	assert.Equal(t, int32(1), core.creates.Load())

	other := do(t, h, http.MethodPost, "/bookings", bookingBody, as("trav-2", domain.RoleTraveler), withKey("k1"))
	assert.Equal(t, http.StatusCreated, other.Code, "keys are scoped per actor")
	assert.Equal(t, int32(2), core.creates.Load())
}

func TestRouter_CreateBookingRequiresKey(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)

	rec := do(t, h, http.MethodPost, "/bookings", bookingBody, as("trav-1", domain.RoleTraveler))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[errorResponse](t, rec).Code)
	assert.Zero(t, core.creates.Load())

	rec = do(t, h, http.MethodPost, "/bookings", `{"bogus":true}`, as("trav-1", domain.RoleTraveler), withKey("k2"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequestBody, decodeBody[errorResponse](t, rec).Code)
}

func TestRouter_CheckoutReplaysPerBooking(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)
	traveler := as("trav-1", domain.RoleTraveler)

	first := do(t, h, http.MethodPost, "/bookings/bk-1/checkout", `{"method":"card"}`, traveler, withKey("pay-k"))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	session := decodeBody[checkoutResponse](t, first)
	assert.Equal(t, "https://pay.example/c/1", session.CheckoutURL)
	assert.Equal(t, "card", session.Payment.Method)

	again := do(t, h, http.MethodPost, "/bookings/bk-1/checkout", `{"method":"card"}`, traveler, withKey("pay-k"))
	assert.Equal(t, "true", again.Header().Get(replayedHeader))
	assert.Equal(t, int32(1), core.checkouts.Load())
}

func TestRouter_BookingTransitions(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &fakeCore{})

	rec := do(t, h, http.MethodPost, "/bookings/bk-1/confirm", `{"expected_version":3}`, as("agent-1", domain.RoleAgent))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[bookingView](t, rec)
	assert.Equal(t, string(domain.BookingAgentConfirmed), view.State)
	assert.Equal(t, int64(4), view.Version)

	rec = do(t, h, http.MethodPost, "/bookings/bk-1/complete", "", as("adm-1", domain.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.BookingCompleted), decodeBody[bookingView](t, rec).State)
}

func TestRouter_CancelBooking(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)

	rec := do(t, h, http.MethodPost, "/bookings/bk-1/cancel", `{"reason":"agent_declined"}`, as("agent-1", domain.RoleAgent))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[cancelResponse](t, rec)
	assert.True(t, res.RefundEligible)
	assert.Equal(t, "agent_declined", res.Booking.CancellationReason)
	assert.Equal(t, domain.CancelAgentDeclined, core.lastCancel.Reason)
	assert.Equal(t, domain.Actor{ID: "agent-1", Role: domain.RoleAgent}, core.lastCancel.Actor)

	core.cancelErr = &domain.PolicyGapError{State: domain.BookingCompleted, Reason: domain.CancelUserRequested}
	rec = do(t, h, http.MethodPost, "/bookings/bk-1/cancel", `{"reason":"user_requested"}`, as("trav-1", domain.RoleTraveler))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "POLICY_GAP", body.Code)
	assert.True(t, body.ManualReview)
}

func TestRouter_Disputes(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)
	traveler := as("trav-1", domain.RoleTraveler)

	rec := do(t, h, http.MethodPost, "/bookings/bk-1/disputes",
		`{"category":"objective","description":"guide never arrived","evidence":[{"kind":"photo","uri":"s3://e/1"}]}`, traveler)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decodeBody[disputeView](t, rec)
	assert.Equal(t, "bk-1", opened.BookingID)
	require.Len(t, opened.Evidence, 1)
	assert.Equal(t, "trav-1", opened.Evidence[0].SubmittedBy.ID)
	assert.Contains(t, opened.ValidActions, string(domain.ActionSubmitEvidence))

	rec = do(t, h, http.MethodPost, "/disputes/dsp-1/transitions", `{"action":"submit_evidence","expected_version":1}`, traveler)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(domain.DisputeEvidenceSubmitted), decodeBody[disputeView](t, rec).State)
	assert.Equal(t, int64(1), core.lastTransition.ExpectedVersion)

	rec = do(t, h, http.MethodPost, "/disputes/dsp-1/transitions", `{"action":"admin_escalate","reason":"x"}`, as("adm-1", domain.RoleAdmin))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "INVALID_TRANSITION", body.Code)
	assert.ElementsMatch(t, domain.DisputeActions(domain.DisputePendingEvidence), body.ValidActions)

	rec = do(t, h, http.MethodPost, "/disputes/dsp-1/transitions", `{"action":"agent_respond"}`, as("agent-1", domain.RoleAgent))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/disputes/dsp-1/resolve",
		`{"resolution":"partial_refund","reason":"half the tour","refund_amount":30000}`, as("adm-1", domain.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decodeBody[disputeView](t, rec)
	assert.Equal(t, "partial_refund", resolved.Resolution)
	assert.Equal(t, int64(30000), resolved.RefundAmount)
	assert.Empty(t, resolved.ValidActions)

	rec = do(t, h, http.MethodGet, "/disputes/missing", "", as("adm-1", domain.RoleAdmin))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_RefundRequests(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)

	rec := do(t, h, http.MethodPost, "/refund-requests", `{"booking_id":"bk-1","category":"changed_mind","amount":1000}`, as("trav-1", domain.RoleTraveler))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[errorResponse](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/refund-requests", `{"booking_id":"bk-1","category":"agent_no_show","description":"no show","amount":20000}`, as("trav-1", domain.RoleTraveler))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pending", decodeBody[refundRequestView](t, rec).Status)
	assert.Equal(t, int64(20000), core.lastRefund.Amount)

	rec = do(t, h, http.MethodPost, "/refund-requests/rr-1/approve", `{"reason":"confirmed no show"}`, as("adm-1", domain.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeBody[refundRequestView](t, rec)
	assert.Equal(t, "approved", approved.Status)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "adm-1", approved.DecidedBy.ID)

	rec = do(t, h, http.MethodPost, "/refund-requests/rr-1/deny", `{"reason":""}`, as("adm-1", domain.RoleAdmin))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "REASON_REQUIRED", decodeBody[errorResponse](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/refund-requests/rr-1/deny", `{"reason":"no"}`, as("agent-1", domain.RoleAgent))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_EscrowAndAudit(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)

	rec := do(t, h, http.MethodGet, "/bookings/bk-1/escrow", "", as("trav-1", domain.RoleTraveler))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	core.escrow = &domain.EscrowHold{
		BookingID: "bk-1", PaymentID: "pay-1", Amount: 105000, AgentPayout: 90000,
		Refunded: 30000, Currency: "USD", Status: domain.EscrowHeld, HeldAt: testNow,
	}
	rec = do(t, h, http.MethodGet, "/bookings/bk-1/escrow", "", as("agent-1", domain.RoleAgent))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[escrowView](t, rec)
	assert.Equal(t, int64(75000), view.Remaining)

	rec = do(t, h, http.MethodGet, "/audit/bk-1", "", as("trav-1", domain.RoleTraveler))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/audit/bk-1", "", as("adm-1", domain.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decodeBody[auditTrailView](t, rec)
	assert.Equal(t, "bk-1", trail.CorrelationID)
	assert.Empty(t, trail.Events)

	core.events = []audit.Event{audit.New(audit.BookingCreated, "bk-1", domain.Actor{ID: "trav-1", Role: domain.RoleTraveler}, testNow, nil)}
	rec = do(t, h, http.MethodGet, "/audit/bk-1", "", as("adm-1", domain.RoleAdmin))
	trail = decodeBody[auditTrailView](t, rec)
	require.Len(t, trail.Events, 1)
	assert.Equal(t, audit.BookingCreated, trail.Events[0].EventType)
}

func signedWebhook(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	sig := payment.Sign(testWebhookSecret, []byte(body))
	return do(t, h, http.MethodPost, "/payments/webhook", body, func(r *http.Request) {
		r.Header.Set(payment.SignatureHeader, sig)
	})
}

func TestRouter_PaymentWebhook(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	h := newTestRouter(t, core)

	body := `{"type":"payment.succeeded","order_id":"ord-1","charge_id":"ch-1"}`
	rec := do(t, h, http.MethodPost, "/payments/webhook", body, func(r *http.Request) {
		r.Header.Set(payment.SignatureHeader, "deadbeef")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeBadSignature, decodeBody[errorResponse](t, rec).Code)

	rec = signedWebhook(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[webhookResponse](t, rec)
	assert.Equal(t, "applied", res.Status)
	assert.Equal(t, string(domain.PaymentCaptured), res.PaymentState)
	assert.Equal(t, app.ProviderEvent{OrderID: "ord-1", ChargeID: "ch-1"}, core.lastEvent)

	rec = signedWebhook(t, h, `{"type":"payment.failed","order_id":"ord-1","failure_code":"card_declined","failure_message":"declined"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "card_declined", core.lastEvent.FailureCode)

	rec = signedWebhook(t, h, `{"type":"payment.refunded","order_id":"ord-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody[webhookResponse](t, rec).Status)

	_, core.paymentErr = domain.NextDisputeState(domain.DisputePendingEvidence, domain.ActionAgentRespond, domain.RoleAgent, "")
	rec = signedWebhook(t, h, `{"type":"payment.failed","order_id":"ord-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody[webhookResponse](t, rec).Status)

	core.paymentErr = domain.ErrPaymentNotFound
	rec = signedWebhook(t, h, `{"type":"payment.authorized","order_id":"ord-x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = signedWebhook(t, h, `{"type":"payment.authorized"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
