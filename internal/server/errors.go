package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/redact"
)

// writeServiceError maps the governance error taxonomy onto HTTP responses.
// Unexpected errors are logged with the request id and reported as 500
// without their message.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		quota    *model.QuotaExceededError
		budget   *model.BudgetExceededError
		upstream *model.UpstreamError
	)
	switch {
	case errors.As(err, &quota):
		w.Header().Set("Retry-After", strconv.Itoa(quota.RetryAfterSeconds))
		writeErrorDetails(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests", map[string]any{
			"scope":               quota.Scope,
			"retry_after_seconds": quota.RetryAfterSeconds,
		})
	case errors.As(err, &budget):
		writeErrorDetails(w, r, http.StatusPaymentRequired, model.ErrCodeBudgetExceeded, "daily budget exceeded", budget.Meta)
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, clientMessage(err, model.ErrInvalidInput))
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, clientMessage(err, model.ErrNotFound))
	case errors.Is(err, model.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, clientMessage(err, model.ErrConflict))
	case errors.Is(err, model.ErrStorageFailure):
		h.logger.Error("storage failure", "error", err, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage unavailable, try again")
	case errors.As(err, &upstream):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, upstream.Message)
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// clientMessage strips package prefixes so responses read "agent <id> is
// retired" rather than "lifecycle: conflict: ...". Anything that looks like a
// credential is redacted on the way out.
func clientMessage(err error, sentinel error) string {
	msg := err.Error()
	marker := sentinel.Error() + ": "
	if i := strings.LastIndex(msg, marker); i >= 0 {
		msg = msg[i+len(marker):]
	}
	return redact.String(msg)
}
