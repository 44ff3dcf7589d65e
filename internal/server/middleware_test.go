package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/ctxutil"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddlewareReplacesOversizedID(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 129))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		role model.Role
		min  model.Role
		want int
	}{
		{model.RoleReader, model.RoleReader, http.StatusOK},
		{model.RoleReader, model.RoleOperator, http.StatusForbidden},
		{model.RoleOperator, model.RoleOperator, http.StatusOK},
		{model.RoleAdmin, model.RoleOperator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s>=%s", tt.role, tt.min), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{PrincipalID: "p1", Role: tt.role}))
			rec := httptest.NewRecorder()
			requireRole(tt.min)(okHandler()).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("no claims", func(t *testing.T) {
		rec := httptest.NewRecorder()
		requireRole(model.RoleReader)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusTeapot, sw.statusCode)
	assert.Same(t, http.ResponseWriter(rec), sw.Unwrap())
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	decodeBody := func(s string, max int64) error {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(s))
		var b body
		return decodeJSON(httptest.NewRecorder(), req, &b, max)
	}

	assert.NoError(t, decodeBody(`{"name":"a"}`, 1024))
	assert.Error(t, decodeBody(`{"name":"a","x":1}`, 1024))
	assert.Error(t, decodeBody(`{"name":"a"}{"name":"b"}`, 1024))

	err := decodeBody(`{"name":"`+strings.Repeat("a", 64)+`"}`, 16)
	var tooLarge *http.MaxBytesError
	assert.True(t, errors.As(err, &tooLarge))
}

func TestWriteServiceError(t *testing.T) {
	h := NewHandlers(HandlersDeps{Logger: testutil.TestLogger()})
	pct := 120

	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		contains string
	}{
		{"quota", &model.QuotaExceededError{Scope: "run_start", RetryAfterSeconds: 12}, http.StatusTooManyRequests, model.ErrCodeRateLimited, ""},
		{"budget", &model.BudgetExceededError{Meta: model.BudgetMeta{SpentTodayUSD: 1.2, PercentUsed: &pct}}, http.StatusPaymentRequired, model.ErrCodeBudgetExceeded, ""},
		{"invalid", fmt.Errorf("lifecycle: %w: name is required", model.ErrInvalidInput), http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required"},
		{"not found", fmt.Errorf("storage: get agent: %w", model.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound, ""},
		{"conflict", fmt.Errorf("lifecycle: %w: agent is retired", model.ErrConflict), http.StatusConflict, model.ErrCodeConflict, "agent is retired"},
		{"storage", fmt.Errorf("audit: append: %w: %w", model.ErrStorageFailure, errors.New("disk I/O error")), http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage unavailable"},
		{"upstream", &model.UpstreamError{Message: "executor returned 502"}, http.StatusBadGateway, model.ErrCodeUpstream, "executor returned 502"},
		{"unknown", errors.New("secret internals"), http.StatusInternalServerError, model.ErrCodeInternalError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.status, rec.Code)

			var apiErr model.APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
			assert.Equal(t, tt.code, apiErr.Error.Code)
			assert.NotContains(t, apiErr.Error.Message, "lifecycle:")
			if tt.contains != "" {
				assert.Contains(t, apiErr.Error.Message, tt.contains)
			}
		})
	}
}

func TestWriteServiceErrorQuotaSetsRetryAfter(t *testing.T) {
	h := NewHandlers(HandlersDeps{Logger: testutil.TestLogger()})
	rec := httptest.NewRecorder()
	h.writeServiceError(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil),
		&model.QuotaExceededError{Scope: "run_start", RetryAfterSeconds: 7})
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}
