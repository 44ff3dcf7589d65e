// Package model defines the core domain types for kanri.
//
// Types map directly to database rows and audit payloads. Optional columns
// are pointers so that "unknown" is distinguishable from zero.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the run state machine.
//
//	pending -> running | error | cancelled
//	running -> success | error | cancelled
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusError || to == RunStatusCancelled
	case RunStatusRunning:
		return to == RunStatusSuccess || to == RunStatusError || to == RunStatusCancelled
	}
	return false
}

// TokenUsage carries whatever subset of token counts the provider reported.
type TokenUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`
}

// Total returns the best available total token count: total_tokens when
// present, otherwise prompt+completion, otherwise zero.
func (u TokenUsage) Total() int64 {
	if u.TotalTokens != nil && *u.TotalTokens >= 0 {
		return *u.TotalTokens
	}
	var n int64
	if u.PromptTokens != nil && *u.PromptTokens > 0 {
		n += *u.PromptTokens
	}
	if u.CompletionTokens != nil && *u.CompletionTokens > 0 {
		n += *u.CompletionTokens
	}
	return n
}

// Empty reports whether no token counts are present.
func (u TokenUsage) Empty() bool {
	return u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil
}

// Run is a single execution attempt of an agent. Runs are never deleted.
type Run struct {
	ID                uuid.UUID       `json:"id"`
	PrincipalID       string          `json:"principal_id"`
	AgentID           *uuid.UUID      `json:"agent_id,omitempty"`
	Status            RunStatus       `json:"status"`
	Model             string          `json:"model"`
	Provider          string          `json:"provider"`
	Usage             TokenUsage      `json:"usage"`
	CostEstimateUSD   *float64        `json:"cost_estimate_usd,omitempty"`
	CostIsApproximate bool            `json:"cost_is_approximate"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	OutputText        *string         `json:"output_text,omitempty"`
	RetryOfRunID      *uuid.UUID      `json:"retry_of_run_id,omitempty"`
	AgentSpecID       *string         `json:"agent_spec_id,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// RunCost is the slice of a run the budget accountant needs: the stored cost
// when present, otherwise the model and token counts to estimate from.
type RunCost struct {
	RunID             uuid.UUID  `json:"run_id"`
	AgentID           *uuid.UUID `json:"agent_id,omitempty"`
	Model             string     `json:"model"`
	Usage             TokenUsage `json:"usage"`
	CostEstimateUSD   *float64   `json:"cost_estimate_usd,omitempty"`
	CostIsApproximate bool       `json:"cost_is_approximate"`
}

// RunTransition describes a guarded status change applied by the store.
// The store only applies it when the run's current status is one of From.
type RunTransition struct {
	RunID             uuid.UUID
	From              []RunStatus
	To                RunStatus
	Model             *string
	Usage             *TokenUsage
	CostEstimateUSD   *float64
	CostIsApproximate bool
	ErrorMessage      *string
	OutputText        *string
	At                time.Time
}

// DailyUsage is the per-(principal, UTC day) rollup row.
type DailyUsage struct {
	PrincipalID string    `json:"principal_id"`
	Day         time.Time `json:"day"`
	RunsCount   int64     `json:"runs_count"`
	TokensTotal int64     `json:"tokens_total"`
	CostUSD     float64   `json:"cost_usd"`
	UpdatedAt   time.Time `json:"updated_at"`
}
