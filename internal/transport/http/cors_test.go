package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func teapot() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/bookings", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	return req
}

func TestCORS(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		allowed     []string
		req         *http.Request
		status      int
		allowOrigin string
	}{
		{"preflight allowed", []string{"http://localhost:5173"}, corsRequest(http.MethodOptions, "http://localhost:5173", true), http.StatusNoContent, "http://localhost:5173"},
		{"trailing slash in config", []string{"http://localhost:5173/"}, corsRequest(http.MethodOptions, "http://localhost:5173", true), http.StatusNoContent, "http://localhost:5173"},
		{"preflight forbidden", []string{"http://localhost:5173"}, corsRequest(http.MethodOptions, "http://evil.local", true), http.StatusForbidden, ""},
		{"wildcard", []string{"*"}, corsRequest(http.MethodOptions, "http://anything.local", true), http.StatusNoContent, "*"},
		{"simple request from unknown origin passes", []string{"http://localhost:5173"}, corsRequest(http.MethodGet, "http://evil.local", false), http.StatusTeapot, ""},
		{"no origin", nil, corsRequest(http.MethodPost, "", false), http.StatusTeapot, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			CORS(tc.allowed, teapot()).ServeHTTP(rec, tc.req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.allowOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_PreflightHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	CORS([]string{"http://localhost:5173"}, teapot()).ServeHTTP(rec, corsRequest(http.MethodOptions, "http://localhost:5173", true))

	allowed := rec.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Idempotency-Key", "X-Actor-Id", "X-Actor-Role"} {
		assert.Contains(t, allowed, h)
	}
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	assert.Equal(t, corsMaxAge, rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_ExposesReplayHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	CORS([]string{"*"}, teapot()).ServeHTTP(rec, corsRequest(http.MethodPost, "http://localhost:5173", false))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, replayedHeader, rec.Header().Get("Access-Control-Expose-Headers"))
}
