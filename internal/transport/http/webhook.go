package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/app"
	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

// Processor event types accepted on the webhook.
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
)

// PaymentEventHandler applies processor outcomes to payments.
type PaymentEventHandler interface {
	HandleAuthorized(ctx context.Context, ev app.ProviderEvent) (domain.Payment, error)
	HandleSuccess(ctx context.Context, ev app.ProviderEvent) (domain.Payment, error)
	HandleFailure(ctx context.Context, ev app.ProviderEvent) (domain.Payment, error)
}

type webhookRequest struct {
	Type           string `json:"type"`
	OrderID        string `json:"order_id"`
	ChargeID       string `json:"charge_id"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

type webhookResponse struct {
	Status       string `json:"status"`
	PaymentID    string `json:"payment_id,omitempty"`
	PaymentState string `json:"payment_state,omitempty"`
}

// HandlePaymentWebhook verifies the processor signature and applies the
// event as the system actor. Events that no longer apply (a failure after
// capture, an unknown type) are acknowledged as ignored so the processor
// stops redelivering them.
func HandlePaymentWebhook(svc PaymentEventHandler, secret []byte, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if err := payment.VerifySignature(secret, body, r.Header.Get(payment.SignatureHeader)); err != nil {
			logger.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, codeBadSignature, err.Error())
			return
		}

		var req webhookRequest
		dec := json.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&req); err != nil || req.OrderID == "" {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		ev := app.ProviderEvent{
			OrderID:        req.OrderID,
			ChargeID:       req.ChargeID,
			FailureCode:    req.FailureCode,
			FailureMessage: req.FailureMessage,
		}

		var p domain.Payment
		switch req.Type {
		case EventPaymentAuthorized:
			p, err = svc.HandleAuthorized(r.Context(), ev)
		case EventPaymentSucceeded:
			p, err = svc.HandleSuccess(r.Context(), ev)
		case EventPaymentFailed:
			p, err = svc.HandleFailure(r.Context(), ev)
		default:
			logger.Info("webhook event ignored", zap.String("type", req.Type), zap.String("order_id", req.OrderID))
			writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
			return
		}
		if err != nil {
			var de *domain.Error
			if errors.As(err, &de) && de.Code == domain.CodeInvalidTransition {
				logger.Warn("webhook event no longer applies",
					zap.String("type", req.Type),
					zap.String("order_id", req.OrderID),
					zap.Error(err),
				)
				writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
				return
			}
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{Status: "applied", PaymentID: p.ID, PaymentState: string(p.State)})
	}
}
