package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/usage"
)

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	lifecycle           *lifecycle.Manager
	budget              *budget.Accountant
	audit               *audit.Log
	usage               *usage.Rollup
	store               Pinger
	jwtMgr              *auth.JWTManager
	adminKey            auth.AdminKey
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional: AdminKey (token issuance disabled when zero), OpenAPISpec.
type HandlersDeps struct {
	Lifecycle           *lifecycle.Manager
	Budget              *budget.Accountant
	Audit               *audit.Log
	Usage               *usage.Rollup
	Store               Pinger
	JWTMgr              *auth.JWTManager
	AdminKey            auth.AdminKey
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		lifecycle:           d.Lifecycle,
		budget:              d.Budget,
		audit:               d.Audit,
		usage:               d.Usage,
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		adminKey:            d.AdminKey,
		logger:              logger.With("component", "server"),
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token. The admin API key is exchanged
// for a token bound to the requested principal.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidatePrincipalID(req.PrincipalID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Role != "" && model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "ttl_seconds must be >= 0")
		return
	}

	if !h.adminKey.Verify(req.APIKey) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	var (
		token     string
		expiresAt time.Time
		err       error
	)
	if req.TTLSeconds > 0 {
		token, expiresAt, err = h.jwtMgr.IssueScopedToken("admin", req.PrincipalID, req.Role, time.Duration(req.TTLSeconds)*time.Second)
	} else {
		token, expiresAt, err = h.jwtMgr.IssueToken(req.PrincipalID, req.Role)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	// Best effort: failing to audit must not block the token response.
	role := req.Role
	if role == "" {
		role = model.RoleOperator
	}
	if _, auditErr := h.audit.Append(r.Context(), audit.Entry{
		PrincipalID: req.PrincipalID,
		EventType:   model.EventTokenIssued,
		Payload: model.AuditPayload{Extensions: map[string]any{
			"role":       string(role),
			"scoped":     req.TTLSeconds > 0,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
			"request_id": RequestIDFromContext(r.Context()),
		}},
	}); auditErr != nil {
		h.logger.Error("failed to audit token issuance", "principal_id", req.PrincipalID, "error", auditErr)
	}

	writeJSON(w, r, http.StatusOK, model.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "connected",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Storage = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.lifecycle != nil {
		resp.QueueDepth = h.lifecycle.QueueDepth()
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func principal(r *http.Request) string {
	if c := ClaimsFromContext(r.Context()); c != nil {
		return c.PrincipalID
	}
	return ""
}

func parseUUIDPath(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: expected an integer", key)
	}
	return n, nil
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryPage returns a bounded limit and offset from query params.
func queryPage(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultLimit); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	limit = min(max(limit, 1), maxQueryLimit)
	offset = min(max(offset, 0), maxQueryOffset)
	return limit, offset, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

// queryDay parses a YYYY-MM-DD query parameter as a UTC day.
func queryDay(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, fmt.Errorf("%s is required (YYYY-MM-DD)", key)
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected YYYY-MM-DD", key)
	}
	return t, nil
}
