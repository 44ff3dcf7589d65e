package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field limits for run-start requests.
const (
	MaxModelLen     = 200
	MaxProviderLen  = 64
	MaxInputBytes   = 256 * 1024 // 256 KB
	MaxAgentNameLen = 200
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeUpstream       = "UPSTREAM_ERROR"
)

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Name           string   `json:"name"`
	BudgetDailyUSD *float64 `json:"budget_daily_usd,omitempty"`
}

// Validate checks field limits.
func (r CreateAgentRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxAgentNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxAgentNameLen)
	}
	return ValidateBudget(r.BudgetDailyUSD)
}

// UpdateBudgetRequest is the request body for PUT /v1/agents/{agent_id}/budget.
// A null budget removes the cap.
type UpdateBudgetRequest struct {
	BudgetDailyUSD *float64 `json:"budget_daily_usd"`
}

// KillAgentRequest is the request body for POST /v1/agents/{agent_id}/kill.
type KillAgentRequest struct {
	Retire bool   `json:"retire,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// StartRunRequest is the request body for POST /v1/runs.
type StartRunRequest struct {
	RunID        *uuid.UUID      `json:"run_id,omitempty"`
	AgentID      uuid.UUID       `json:"agent_id"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	Input        json.RawMessage `json:"input,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	RetryOfRunID *uuid.UUID      `json:"retry_of_run_id,omitempty"`
	AgentSpecID  *string         `json:"agent_spec_id,omitempty"`
}

// Validate checks field limits on a run-start request.
func (r StartRunRequest) Validate() error {
	if r.AgentID == uuid.Nil {
		return fmt.Errorf("agent_id is required")
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Model) > MaxModelLen {
		return fmt.Errorf("model exceeds maximum length of %d characters", MaxModelLen)
	}
	if len(r.Provider) > MaxProviderLen {
		return fmt.Errorf("provider exceeds maximum length of %d characters", MaxProviderLen)
	}
	if len(r.Input) > MaxInputBytes {
		return fmt.Errorf("input exceeds maximum size of %d bytes", MaxInputBytes)
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return fmt.Errorf("input must be valid JSON")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// CompleteRunRequest is the callback body for POST /v1/runs/{run_id}/complete.
type CompleteRunRequest struct {
	Status       RunStatus  `json:"status"`
	ModelUsed    string     `json:"model_used,omitempty"`
	Usage        TokenUsage `json:"usage"`
	CostUSD      *float64   `json:"cost_usd,omitempty"`
	OutputText   *string    `json:"output_text,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// Validate checks that the callback reports a terminal outcome.
func (r CompleteRunRequest) Validate() error {
	if r.Status != RunStatusSuccess && r.Status != RunStatusError {
		return fmt.Errorf("status must be %q or %q", RunStatusSuccess, RunStatusError)
	}
	if r.CostUSD != nil && *r.CostUSD < 0 {
		return fmt.Errorf("cost_usd must be >= 0")
	}
	return nil
}

// TokenRequest is the request body for POST /auth/token.
type TokenRequest struct {
	PrincipalID string `json:"principal_id"`
	APIKey      string `json:"api_key"`
	Role        Role   `json:"role,omitempty"`
	// TTLSeconds, when set, mints a short-lived scoped token instead.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// TokenResponse is returned by POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KillAgentResponse is returned by POST /v1/agents/{agent_id}/kill.
type KillAgentResponse struct {
	Agent           Agent       `json:"agent"`
	CancelledRunIDs []uuid.UUID `json:"cancelled_run_ids"`
}

// AgentBudget pairs an agent with its evaluated budget for GET /v1/budget.
type AgentBudget struct {
	AgentID  uuid.UUID  `json:"agent_id"`
	Name     string     `json:"name"`
	Budget   BudgetMeta `json:"budget"`
	Exceeded bool       `json:"exceeded"`
}
