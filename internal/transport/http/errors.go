package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/payment"
)

const (
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeUnauthenticated    = "unauthenticated"
	codeBadSignature       = "invalid_signature"
	codeForbidden          = "forbidden"
	codeUpstream           = "upstream_unavailable"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error         string   `json:"error"`
	Code          string   `json:"code"`
	ValidActions  []string `json:"valid_actions,omitempty"`
	AllowedActors []string `json:"allowed_actors,omitempty"`
	ManualReview  bool     `json:"manual_review,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeErrorBody(w, status, errorResponse{Error: msg, Code: code})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(body)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

var codeStatus = map[domain.Code]int{
	domain.CodeValidation:        http.StatusBadRequest,
	domain.CodeReasonRequired:    http.StatusBadRequest,
	domain.CodeNotFound:          http.StatusNotFound,
	domain.CodeUnauthorizedActor: http.StatusForbidden,
	domain.CodeInvalidTransition: http.StatusConflict,
	domain.CodeConflict:          http.StatusConflict,
	domain.CodeAlreadyResolved:   http.StatusConflict,
	domain.CodeAlreadyClosed:     http.StatusConflict,
	domain.CodePolicyGap:         http.StatusConflict,
}

// writeDomainError maps a service error onto the JSON error envelope.
// Anything without a domain code is logged and reported as a 500.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var gap *domain.PolicyGapError
	if errors.As(err, &gap) {
		logger.Error("refund policy gap, manual review required",
			zap.String("state", string(gap.State)),
			zap.String("reason", string(gap.Reason)),
		)
		writeErrorBody(w, http.StatusConflict, errorResponse{
			Error:        gap.Error(),
			Code:         string(domain.CodePolicyGap),
			ManualReview: true,
		})
		return
	}

	if errors.Is(err, domain.ErrSubjectiveReason) {
		writeError(w, http.StatusUnprocessableEntity, string(domain.CodeValidation), err.Error())
		return
	}

	var de *domain.Error
	if errors.As(err, &de) {
		status, ok := codeStatus[de.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		body := errorResponse{Error: de.Message, Code: string(de.Code), ValidActions: de.ValidActions}
		for _, r := range de.AllowedActors {
			body.AllowedActors = append(body.AllowedActors, string(r))
		}
		writeErrorBody(w, status, body)
		return
	}

	if errors.Is(err, payment.ErrUnavailable) {
		logger.Warn("payment processor unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codeUpstream, "payment processor unavailable, retry later")
		return
	}

	logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
