package http

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/domain"
	"github.com/howweplan/bookingcore/internal/idempotency"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxBodyBytes      = 1 << 20
)

// Idempotent runs next at most once per (scope, Idempotency-Key). A retry
// with the same body replays the cached response verbatim; a different
// body, or a retry while the first is still running, gets 409.
//
// Responses of 5xx and 409 are not cached: the record is marked failed so
// the same request may be retried.
func Idempotent(guard *idempotency.Guard, scope func(*http.Request) string, logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			writeDomainError(w, logger, domain.ErrIdempotencyKeyRequired)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		d, err := guard.Admit(r.Context(), scope(r), key, body)
		if err != nil {
			writeDomainError(w, logger, err)
			return
		}
		switch d.Outcome {
		case idempotency.OutcomeConflict:
			writeDomainError(w, logger, domain.ErrIdempotencyConflict)
			return
		case idempotency.OutcomeInProgress:
			writeDomainError(w, logger, domain.ErrIdempotencyInProgress)
			return
		case idempotency.OutcomeReplay:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(d.Record.ResponseStatus)
			_, _ = w.Write(d.Record.ResponseBody)
			return
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Finish the record even if the client has gone.
		ctx := context.WithoutCancel(r.Context())
		if rec.status >= http.StatusInternalServerError || rec.status == http.StatusConflict {
			if err := guard.Fail(ctx, d); err != nil {
				logger.Error("idempotency fail", zap.String("key", d.Key), zap.Error(err))
			}
			return
		}
		if err := guard.Complete(ctx, d, rec.status, rec.body.Bytes()); err != nil {
			logger.Error("idempotency complete", zap.String("key", d.Key), zap.Error(err))
		}
	})
}

type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
