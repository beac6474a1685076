package http

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/app"
	"github.com/howweplan/bookingcore/internal/domain"
)

// BookingCreator is the minimal interface needed to create a booking.
type BookingCreator interface {
	CreateBooking(ctx context.Context, in app.CreateBookingInput) (app.CreateBookingResult, error)
}

// BookingReader loads a booking on behalf of an actor.
type BookingReader interface {
	GetBooking(ctx context.Context, id string, actor domain.Actor) (domain.Booking, error)
}

// BookingTransitioner drives the forward booking lifecycle.
type BookingTransitioner interface {
	ConfirmByAgent(ctx context.Context, in app.TransitionInput) (domain.Booking, error)
	CompleteTrip(ctx context.Context, in app.TransitionInput) (domain.Booking, error)
}

// BookingCanceller cancels a booking and evaluates refund eligibility.
type BookingCanceller interface {
	CancelBooking(ctx context.Context, in app.CancelInput) (app.CancelResult, error)
}

// CheckoutCreator opens a payment session for a booking.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, in app.CheckoutInput) (app.CheckoutSession, error)
}

type createBookingRequest struct {
	TravelerID   string    `json:"traveler_id"`
	AgentID      string    `json:"agent_id"`
	ItineraryRef string    `json:"itinerary_ref"`
	BasePrice    int64     `json:"base_price"`
	TripStart    time.Time `json:"trip_start"`
	TripEnd      time.Time `json:"trip_end"`
}

type createBookingResponse struct {
	Booking  bookingView `json:"booking"`
	Replayed bool        `json:"replayed"`
}

// HandleCreateBooking returns an HTTP handler for creating bookings. The
// Idempotency-Key header is forwarded to the service, which stores it on
// the booking row.
func HandleCreateBooking(svc BookingCreator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req createBookingRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		travelerID := req.TravelerID
		if travelerID == "" && actor.Role == domain.RoleTraveler {
			travelerID = actor.ID
		}

		res, err := svc.CreateBooking(r.Context(), app.CreateBookingInput{
			Actor:          actor,
			TravelerID:     travelerID,
			AgentID:        req.AgentID,
			ItineraryRef:   req.ItineraryRef,
			BasePrice:      req.BasePrice,
			TripStart:      req.TripStart,
			TripEnd:        req.TripEnd,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, createBookingResponse{Booking: newBookingView(res.Booking), Replayed: res.Replayed})
	}
}

// HandleGetBooking returns a booking visible to the calling actor.
func HandleGetBooking(svc BookingReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		b, err := svc.GetBooking(r.Context(), r.PathValue("id"), actor)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newBookingView(b))
	}
}

type transitionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// HandleConfirmBooking lets the assigned agent confirm a paid booking.
func HandleConfirmBooking(svc BookingTransitioner, logger *zap.Logger) http.HandlerFunc {
	return handleBookingTransition(svc.ConfirmByAgent, logger)
}

// HandleCompleteTrip marks a confirmed booking completed and starts the
// escrow countdown.
func HandleCompleteTrip(svc BookingTransitioner, logger *zap.Logger) http.HandlerFunc {
	return handleBookingTransition(svc.CompleteTrip, logger)
}

func handleBookingTransition(fn func(context.Context, app.TransitionInput) (domain.Booking, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req transitionRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
		}

		b, err := fn(r.Context(), app.TransitionInput{
			BookingID:       r.PathValue("id"),
			Actor:           actor,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newBookingView(b))
	}
}

type cancelRequest struct {
	Reason          string `json:"reason"`
	AdminReason     string `json:"admin_reason"`
	ExpectedVersion int64  `json:"expected_version"`
}

type cancelResponse struct {
	Booking        bookingView `json:"booking"`
	RefundEligible bool        `json:"refund_eligible"`
	Rule           string      `json:"rule"`
}

// HandleCancelBooking cancels a booking. A policy gap comes back as 409
// with manual_review set; the booking stays as it was.
func HandleCancelBooking(svc BookingCanceller, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req cancelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		res, err := svc.CancelBooking(r.Context(), app.CancelInput{
			BookingID:       r.PathValue("id"),
			Reason:          domain.CancellationReason(req.Reason),
			Actor:           actor,
			AdminReason:     req.AdminReason,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{
			Booking:        newBookingView(res.Booking),
			RefundEligible: res.RefundEligible,
			Rule:           res.Rule,
		})
	}
}

type checkoutRequest struct {
	Method string `json:"method"`
}

type checkoutResponse struct {
	Payment     paymentView `json:"payment"`
	CheckoutURL string      `json:"checkout_url"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Replayed    bool        `json:"replayed"`
}

// HandleCheckout opens (or returns the still-open) checkout session.
func HandleCheckout(svc CheckoutCreator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req checkoutRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
				return
			}
		}

		session, err := svc.CreateCheckout(r.Context(), app.CheckoutInput{
			BookingID:      r.PathValue("id"),
			IdempotencyKey: r.Header.Get(idempotencyHeader),
			Method:         req.Method,
			Actor:          actor,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}

		status := http.StatusCreated
		if session.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, checkoutResponse{
			Payment:     newPaymentView(session.Payment),
			CheckoutURL: session.CheckoutURL,
			ExpiresAt:   session.ExpiresAt,
			Replayed:    session.Replayed,
		})
	}
}
