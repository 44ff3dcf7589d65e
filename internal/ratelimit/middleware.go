package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
)

// DegradedHeader marks a response decided by a rule's failure policy because
// the counter store was unreachable.
const DegradedHeader = "X-RateLimit-Degraded"

// KeyFunc extracts the counter key from a request. An empty key skips the
// limiter for that request.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a refused request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err *model.QuotaExceededError)

// Guard admits HTTP requests through Limiter under Rule. Refusals surface as
// *model.QuotaExceededError, the same error run admission returns, so both
// reach the client through one response path.
type Guard struct {
	Limiter Limiter
	Rule    Rule
	Key     KeyFunc
	// Deny writes refusals. Defaults to WriteQuotaExceeded.
	Deny DenyFunc
}

// Wrap returns next behind the guard. A nil Limiter returns next unchanged.
func (g Guard) Wrap(next http.Handler) http.Handler {
	if g.Limiter == nil {
		return next
	}
	deny := g.Deny
	if deny == nil {
		deny = WriteQuotaExceeded
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := g.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		res := g.Limiter.Allow(r.Context(), g.Rule, key)
		setHeaders(w.Header(), res)
		if !res.Allowed {
			deny(w, r, &model.QuotaExceededError{Scope: g.Rule.Prefix, RetryAfterSeconds: res.RetryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setHeaders writes the X-RateLimit-* headers. A degraded result carries no
// real count, so Remaining is left out and DegradedHeader set instead.
func setHeaders(h http.Header, res Result) {
	for k, v := range res.FormatHeaders() {
		h.Set(k, v)
	}
	if res.Degraded {
		h.Del("X-RateLimit-Remaining")
		h.Set(DegradedHeader, "true")
	}
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
}

// WriteQuotaExceeded writes a 429 in the API error envelope. The request id
// is taken from the X-Request-ID response header when already set.
func WriteQuotaExceeded(w http.ResponseWriter, _ *http.Request, err *model.QuotaExceededError) {
	w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
			Details: map[string]any{
				"scope":               err.Scope,
				"retry_after_seconds": err.RetryAfterSeconds,
			},
		},
		Meta: model.ResponseMeta{
			RequestID: w.Header().Get("X-Request-ID"),
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys by the host part of RemoteAddr. X-Forwarded-For is ignored:
// any client can set it. Behind a trusted proxy, have the proxy rewrite
// RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PrincipalKeyFunc keys by the authenticated principal, falling back to the
// client IP before authentication.
func PrincipalKeyFunc(principal func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if p := principal(r); p != "" {
			return "principal:" + p
		}
		return "ip:" + IPKeyFunc(r)
	}
}
