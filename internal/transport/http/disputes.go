package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/app"
	"github.com/howweplan/bookingcore/internal/domain"
)

// DisputeHandler is the dispute surface of the service layer.
type DisputeHandler interface {
	OpenDispute(ctx context.Context, in app.OpenDisputeInput) (domain.Dispute, error)
	TransitionDispute(ctx context.Context, in app.TransitionDisputeInput) (domain.Dispute, error)
	ResolveDispute(ctx context.Context, in app.ResolveDisputeInput) (domain.Dispute, error)
	GetDispute(ctx context.Context, id string, actor domain.Actor) (domain.Dispute, error)
}

type evidenceRequest struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
	Note string `json:"note"`
}

func toEvidence(in []evidenceRequest) []domain.Evidence {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Evidence, 0, len(in))
	for _, e := range in {
		out = append(out, domain.Evidence{Kind: e.Kind, URI: e.URI, Note: e.Note})
	}
	return out
}

type openDisputeRequest struct {
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Evidence    []evidenceRequest `json:"evidence"`
}

// HandleOpenDispute opens a dispute against a completed booking and freezes
// its escrow.
func HandleOpenDispute(svc DisputeHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req openDisputeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		d, err := svc.OpenDispute(r.Context(), app.OpenDisputeInput{
			BookingID:   r.PathValue("id"),
			Actor:       actor,
			Category:    domain.DisputeCategory(req.Category),
			Description: req.Description,
			Evidence:    toEvidence(req.Evidence),
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, newDisputeView(d))
	}
}

type transitionDisputeRequest struct {
	Action          string            `json:"action"`
	Reason          string            `json:"reason"`
	Evidence        []evidenceRequest `json:"evidence"`
	Resolution      string            `json:"resolution"`
	RefundAmount    int64             `json:"refund_amount"`
	ExpectedVersion int64             `json:"expected_version"`
}

// HandleTransitionDispute applies one action from the dispute table.
// Rejections carry the actions valid from the current state.
func HandleTransitionDispute(svc DisputeHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req transitionDisputeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		d, err := svc.TransitionDispute(r.Context(), app.TransitionDisputeInput{
			DisputeID:       r.PathValue("id"),
			Action:          domain.DisputeAction(req.Action),
			Actor:           actor,
			Reason:          req.Reason,
			Evidence:        toEvidence(req.Evidence),
			Resolution:      domain.Resolution(req.Resolution),
			RefundAmount:    req.RefundAmount,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newDisputeView(d))
	}
}

type resolveDisputeRequest struct {
	Resolution      string `json:"resolution"`
	Reason          string `json:"reason"`
	RefundAmount    int64  `json:"refund_amount"`
	ExpectedVersion int64  `json:"expected_version"`
}

// HandleResolveDispute resolves a dispute by business outcome.
func HandleResolveDispute(svc DisputeHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())

		var req resolveDisputeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		d, err := svc.ResolveDispute(r.Context(), app.ResolveDisputeInput{
			DisputeID:       r.PathValue("id"),
			Resolution:      domain.Resolution(req.Resolution),
			Actor:           actor,
			Reason:          req.Reason,
			RefundAmount:    req.RefundAmount,
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newDisputeView(d))
	}
}

func HandleGetDispute(svc DisputeHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFrom(r.Context())
		d, err := svc.GetDispute(r.Context(), r.PathValue("id"), actor)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, newDisputeView(d))
	}
}
