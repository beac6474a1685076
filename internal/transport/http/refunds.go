package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/app"
	"github.com/howweplan/bookingcore/internal/domain"
)

// RefundRequestHandler is the refund-request surface of the service layer.
type RefundRequestHandler interface {
	CreateRefundRequest(ctx context.Context, in app.CreateRefundRequestInput) (domain.RefundRequest, error)
	ApproveRefund(ctx context.Context, in app.DecideRefundInput) (domain.RefundRequest, error)
	DenyRefund(ctx context.Context, in app.DecideRefundInput) (domain.RefundRequest, error)
}

type createRefundRequest struct {
	BookingID   string `json:"booking_id"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// HandleCreateRefundRequest files a traveler refund request. Subjective
// categories are rejected with 422.
func HandleCreateRefundRequest(svc RefundRequestHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req createRefundRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		rr, err := svc.CreateRefundRequest(r.Context(), app.CreateRefundRequestInput{
			BookingID:   req.BookingID,
			Actor:       actor,
			Category:    domain.RefundCategory(req.Category),
			Description: req.Description,
			Amount:      req.Amount,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, newRefundRequestView(rr))
	}
}

type decideRefundRequest struct {
	Reason string `json:"reason"`
}

// HandleApproveRefund issues the requested refund through the processor.
func HandleApproveRefund(svc RefundRequestHandler, logger *zap.Logger) http.HandlerFunc {
	return handleRefundDecision(svc.ApproveRefund, logger)
}

// HandleDenyRefund closes the request without moving money.
func HandleDenyRefund(svc RefundRequestHandler, logger *zap.Logger) http.HandlerFunc {
	return handleRefundDecision(svc.DenyRefund, logger)
}

func handleRefundDecision(fn func(context.Context, app.DecideRefundInput) (domain.RefundRequest, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req decideRefundRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		rr, err := fn(r.Context(), app.DecideRefundInput{
			RefundRequestID: r.PathValue("id"),
			Admin:           actor,
			Reason:          req.Reason,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newRefundRequestView(rr))
	}
}
