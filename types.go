package kanri

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// RunStatus is the terminal status an Executor reports.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// TokenUsage carries whatever subset of token counts the provider reported.
// Nil fields were not reported.
type TokenUsage struct {
	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
}

// Credentials are the provider secrets for one run. They are never persisted
// and print as redacted.
type Credentials struct {
	APIKey string
}

func (Credentials) String() string { return "Credentials{redacted}" }

// LogValue keeps the key out of structured logs.
func (c Credentials) LogValue() slog.Value { return slog.StringValue(c.String()) }

// ExecRequest is the public view of a run handed to an Executor.
// No internal package imports; safe to use from outside the module.
type ExecRequest struct {
	RunID       uuid.UUID
	PrincipalID string
	Model       string
	Provider    string
	Input       json.RawMessage
	Temperature *float64
	Credentials Credentials
}

// Outcome is what an Executor reports for a run. When CostUSD is nil the
// cost is estimated from Usage and the pricing table.
type Outcome struct {
	Status       RunStatus
	ModelUsed    string
	Usage        TokenUsage
	CostUSD      *float64
	OutputText   *string
	ErrorMessage *string
}
