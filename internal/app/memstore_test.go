package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

type memTxKey struct{}

type memState struct {
	bookings  map[string]domain.Booking
	payments  map[string]domain.Payment
	disputes  map[string]domain.Dispute
	requests  map[string]domain.RefundRequest
	escrow    map[string]domain.EscrowHold
	movements []domain.MoneyMovement
	steps     map[string]time.Time
	events    []audit.Event
	order     map[string]int
	seq       int
}

func (s memState) clone() memState {
	out := memState{
		bookings:  make(map[string]domain.Booking, len(s.bookings)),
		payments:  make(map[string]domain.Payment, len(s.payments)),
		disputes:  make(map[string]domain.Dispute, len(s.disputes)),
		requests:  make(map[string]domain.RefundRequest, len(s.requests)),
		escrow:    make(map[string]domain.EscrowHold, len(s.escrow)),
		movements: append([]domain.MoneyMovement(nil), s.movements...),
		steps:     make(map[string]time.Time, len(s.steps)),
		events:    append([]audit.Event(nil), s.events...),
		order:     make(map[string]int, len(s.order)),
		seq:       s.seq,
	}
	for k, v := range s.bookings {
		out.bookings[k] = v
	}
	for k, v := range s.payments {
		v.Refunds = append([]domain.Refund(nil), v.Refunds...)
		out.payments[k] = v
	}
	for k, v := range s.disputes {
		v.Evidence = append([]domain.Evidence(nil), v.Evidence...)
		out.disputes[k] = v
	}
	for k, v := range s.requests {
		out.requests[k] = v
	}
	for k, v := range s.escrow {
		out.escrow[k] = v
	}
	for k, v := range s.steps {
		out.steps[k] = v
	}
	for k, v := range s.order {
		out.order[k] = v
	}
	return out
}

// memStore implements every repository in memory. Transactions serialize
// on one mutex and roll back by restoring a snapshot.
type memStore struct {
	mu    sync.Mutex
	state memState

	// failCreateEscrow, when set, is returned once by CreateEscrow.
	failCreateEscrow error
}

func newMemStore() *memStore {
	return &memStore{state: memState{}.clone()}
}

func (m *memStore) repos() Repositories {
	return Repositories{
		Tx:             m,
		Bookings:       m,
		Payments:       m,
		Disputes:       m,
		RefundRequests: m,
		Escrow:         m,
		Ledger:         m,
		Sagas:          m,
		Audit:          m,
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// lock guards calls made outside a transaction.
func (m *memStore) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memStore) stamp(id string) {
	m.state.seq++
	m.state.order[id] = m.state.seq
}

// Bookings

func (m *memStore) CreateBooking(ctx context.Context, b domain.Booking) error {
	defer m.lock(ctx)()
	for _, existing := range m.state.bookings {
		if existing.CreatedBy == b.CreatedBy && existing.IdempotencyKey == b.IdempotencyKey {
			return domain.ErrIdempotencyConflict
		}
	}
	m.state.bookings[b.ID] = b
	m.stamp(b.ID)
	return nil
}

func (m *memStore) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	defer m.lock(ctx)()
	b, ok := m.state.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return b, nil
}

func (m *memStore) GetBookingForUpdate(ctx context.Context, id string) (domain.Booking, error) {
	return m.GetBooking(ctx, id)
}

func (m *memStore) FindBookingByIdempotencyKey(ctx context.Context, createdBy, key string) (*domain.Booking, error) {
	defer m.lock(ctx)()
	for _, b := range m.state.bookings {
		if b.CreatedBy == createdBy && b.IdempotencyKey == key {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateBooking(ctx context.Context, b domain.Booking, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.state.bookings[b.ID]
	if !ok {
		return domain.ErrBookingNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	// payment_state is owned by SetBookingPaymentState.
	b.PaymentState = cur.PaymentState
	m.state.bookings[b.ID] = b
	return nil
}

func (m *memStore) SetBookingPaymentState(ctx context.Context, bookingID string, state domain.PaymentState, at time.Time) error {
	defer m.lock(ctx)()
	b, ok := m.state.bookings[bookingID]
	if !ok {
		return domain.ErrBookingNotFound
	}
	b.PaymentState = state
	b.UpdatedAt = at
	m.state.bookings[bookingID] = b
	return nil
}

// Payments

func copyPayment(p domain.Payment) domain.Payment {
	p.Refunds = append([]domain.Refund(nil), p.Refunds...)
	return p
}

func (m *memStore) CreatePayment(ctx context.Context, p domain.Payment) error {
	defer m.lock(ctx)()
	for _, existing := range m.state.payments {
		if existing.BookingID == p.BookingID && existing.State != domain.PaymentFailed {
			return domain.ErrPaymentInProgress
		}
		if existing.ProviderOrderID == p.ProviderOrderID {
			return domain.ErrPaymentInProgress
		}
	}
	m.state.payments[p.ID] = copyPayment(p)
	m.stamp(p.ID)
	return nil
}

func (m *memStore) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	defer m.lock(ctx)()
	p, ok := m.state.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *memStore) GetPaymentForUpdate(ctx context.Context, id string) (domain.Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *memStore) FindPaymentByProviderOrder(ctx context.Context, providerOrderID string) (domain.Payment, error) {
	defer m.lock(ctx)()
	for _, p := range m.state.payments {
		if p.ProviderOrderID == providerOrderID {
			return copyPayment(p), nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (m *memStore) CurrentPaymentForBooking(ctx context.Context, bookingID string) (*domain.Payment, error) {
	defer m.lock(ctx)()
	var best *domain.Payment
	for _, p := range m.state.payments {
		if p.BookingID != bookingID {
			continue
		}
		p := copyPayment(p)
		switch {
		case best == nil:
			best = &p
		case (best.State == domain.PaymentFailed) != (p.State == domain.PaymentFailed):
			if p.State != domain.PaymentFailed {
				best = &p
			}
		case (best.CapturedAt != nil) != (p.CapturedAt != nil):
			if p.CapturedAt != nil {
				best = &p
			}
		case m.state.order[p.ID] > m.state.order[best.ID]:
			best = &p
		}
	}
	return best, nil
}

func (m *memStore) UpdatePayment(ctx context.Context, p domain.Payment, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.state.payments[p.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	m.state.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *memStore) ListExpiredCheckouts(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	defer m.lock(ctx)()
	var out []domain.Payment
	for _, p := range m.state.payments {
		if p.State == domain.PaymentNotStarted && !p.SessionExpiresAt.After(now) && len(out) < limit {
			out = append(out, copyPayment(p))
		}
	}
	return out, nil
}

func (m *memStore) ListCapturedWithoutEscrow(ctx context.Context, limit int) ([]domain.Payment, error) {
	defer m.lock(ctx)()
	var out []domain.Payment
	for _, p := range m.state.payments {
		if _, held := m.state.escrow[p.BookingID]; p.State == domain.PaymentCaptured && !held && len(out) < limit {
			out = append(out, copyPayment(p))
		}
	}
	return out, nil
}

// Disputes

func copyDispute(d domain.Dispute) domain.Dispute {
	d.Evidence = append([]domain.Evidence(nil), d.Evidence...)
	return d
}

func (m *memStore) CreateDispute(ctx context.Context, d domain.Dispute) error {
	defer m.lock(ctx)()
	for _, existing := range m.state.disputes {
		if existing.BookingID == d.BookingID && !existing.State.Terminal() {
			return domain.ErrDisputeAlreadyOpen
		}
	}
	m.state.disputes[d.ID] = copyDispute(d)
	m.stamp(d.ID)
	return nil
}

func (m *memStore) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	defer m.lock(ctx)()
	d, ok := m.state.disputes[id]
	if !ok {
		return domain.Dispute{}, domain.ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *memStore) GetDisputeForUpdate(ctx context.Context, id string) (domain.Dispute, error) {
	return m.GetDispute(ctx, id)
}

func (m *memStore) FindOpenDispute(ctx context.Context, bookingID string) (*domain.Dispute, error) {
	defer m.lock(ctx)()
	for _, d := range m.state.disputes {
		if d.BookingID == bookingID && !d.State.Terminal() {
			d := copyDispute(d)
			return &d, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateDispute(ctx context.Context, d domain.Dispute, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.state.disputes[d.ID]
	if !ok {
		return domain.ErrDisputeNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	m.state.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *memStore) ListIdleDisputes(ctx context.Context, states []domain.DisputeState, before time.Time, limit int) ([]domain.Dispute, error) {
	defer m.lock(ctx)()
	var out []domain.Dispute
	for _, d := range m.state.disputes {
		for _, s := range states {
			if d.State == s && !d.UpdatedAt.After(before) && len(out) < limit {
				out = append(out, copyDispute(d))
			}
		}
	}
	return out, nil
}

func (m *memStore) ListUnsettledDisputes(ctx context.Context, limit int) ([]domain.Dispute, error) {
	defer m.lock(ctx)()
	var out []domain.Dispute
	for _, d := range m.state.disputes {
		if _, done := m.state.steps["dispute:"+d.ID+":settle"]; d.State.Terminal() && !done && len(out) < limit {
			out = append(out, copyDispute(d))
		}
	}
	return out, nil
}

// Refund requests

func (m *memStore) CreateRefundRequest(ctx context.Context, r domain.RefundRequest) error {
	defer m.lock(ctx)()
	m.state.requests[r.ID] = r
	return nil
}

func (m *memStore) GetRefundRequest(ctx context.Context, id string) (domain.RefundRequest, error) {
	defer m.lock(ctx)()
	r, ok := m.state.requests[id]
	if !ok {
		return domain.RefundRequest{}, domain.ErrRefundRequestNotFound
	}
	return r, nil
}

func (m *memStore) GetRefundRequestForUpdate(ctx context.Context, id string) (domain.RefundRequest, error) {
	return m.GetRefundRequest(ctx, id)
}

func (m *memStore) UpdateRefundRequest(ctx context.Context, r domain.RefundRequest, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.state.requests[r.ID]
	if !ok {
		return domain.ErrRefundRequestNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	m.state.requests[r.ID] = r
	return nil
}

// Escrow

func (m *memStore) CreateEscrow(ctx context.Context, e domain.EscrowHold) error {
	defer m.lock(ctx)()
	if err := m.failCreateEscrow; err != nil {
		m.failCreateEscrow = nil
		return err
	}
	if _, ok := m.state.escrow[e.BookingID]; ok {
		return domain.ErrConflict
	}
	m.state.escrow[e.BookingID] = e
	return nil
}

func (m *memStore) FindEscrowForUpdate(ctx context.Context, bookingID string) (*domain.EscrowHold, error) {
	defer m.lock(ctx)()
	e, ok := m.state.escrow[bookingID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) UpdateEscrow(ctx context.Context, e domain.EscrowHold, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.state.escrow[e.BookingID]
	if !ok {
		return domain.ErrEscrowNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	m.state.escrow[e.BookingID] = e
	return nil
}

func (m *memStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]domain.EscrowHold, error) {
	defer m.lock(ctx)()
	var out []domain.EscrowHold
	for _, e := range m.state.escrow {
		if e.Releasable(now) && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ledger and saga steps

func (m *memStore) RecordMovement(ctx context.Context, mv domain.MoneyMovement) error {
	defer m.lock(ctx)()
	for _, existing := range m.state.movements {
		if existing.IdempotencyKey == mv.IdempotencyKey {
			return nil
		}
	}
	m.state.movements = append(m.state.movements, mv)
	return nil
}

func (m *memStore) ListMovements(ctx context.Context, bookingID string) ([]domain.MoneyMovement, error) {
	defer m.lock(ctx)()
	var out []domain.MoneyMovement
	for _, mv := range m.state.movements {
		if mv.BookingID == bookingID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (m *memStore) StepDone(ctx context.Context, key string) (bool, error) {
	defer m.lock(ctx)()
	_, ok := m.state.steps[key]
	return ok, nil
}

func (m *memStore) RecordStep(ctx context.Context, key string, at time.Time) error {
	defer m.lock(ctx)()
	if _, ok := m.state.steps[key]; ok {
		return domain.ErrConflict
	}
	m.state.steps[key] = at
	return nil
}

// Audit

func (m *memStore) AppendEvent(ctx context.Context, e audit.Event) error {
	defer m.lock(ctx)()
	m.state.events = append(m.state.events, e)
	return nil
}

func (m *memStore) eventTypes(correlationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.state.events {
		if e.CorrelationID == correlationID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (m *memStore) eventsOf(eventType string) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.state.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) escrowOf(bookingID string) (domain.EscrowHold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.escrow[bookingID]
	return e, ok
}

func (m *memStore) movementsOf(bookingID string) []domain.MoneyMovement {
	out, _ := m.ListMovements(context.Background(), bookingID)
	return out
}

// fakeGateway records calls and answers from scripted outcomes.
type fakeGateway struct {
	mu            sync.Mutex
	orders        []payment.OrderRequest
	refunds       []payment.RefundRequest
	orderErr      error
	refundErrs    []error
	refundOutcome payment.RefundOutcome
}

func (g *fakeGateway) CreateOrder(_ context.Context, req payment.OrderRequest) (payment.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return payment.Order{}, g.orderErr
	}
	g.orders = append(g.orders, req)
	id := fmt.Sprintf("ord-%d", len(g.orders))
	return payment.Order{ID: id, CheckoutURL: "https://pay.example.test/" + id, ExpiresAt: req.ExpiresAt}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	if len(g.refundErrs) > 0 {
		err := g.refundErrs[0]
		g.refundErrs = g.refundErrs[1:]
		if err != nil {
			return payment.RefundResult{}, err
		}
	}
	outcome := g.refundOutcome
	if outcome == "" {
		outcome = payment.RefundSucceeded
	}
	res := payment.RefundResult{ID: "re-" + req.IdempotencyKey, Outcome: outcome}
	if outcome == payment.RefundDeclined {
		res.FailureReason = "card_closed"
	}
	return res, nil
}

func (g *fakeGateway) refundCalls() []payment.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.RefundRequest(nil), g.refunds...)
}
