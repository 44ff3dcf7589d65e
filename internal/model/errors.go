package model

import (
	"errors"
	"fmt"
)

// Governance error taxonomy. Storage and service layers wrap these so
// callers can classify failures with errors.Is / errors.As.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrStorageFailure = errors.New("storage failure")
)

// QuotaExceededError is returned when the admission counter rejects a request.
type QuotaExceededError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: retry after %ds", e.Scope, e.RetryAfterSeconds)
}

// BudgetExceededError is returned when an agent's daily cap has been reached.
type BudgetExceededError struct {
	Meta BudgetMeta
}

func (e *BudgetExceededError) Error() string {
	if e.Meta.CapUSD == nil {
		return fmt.Sprintf("budget exceeded: spent %.4f USD today", e.Meta.SpentTodayUSD)
	}
	return fmt.Sprintf("budget exceeded: spent %.4f of %.4f USD today", e.Meta.SpentTodayUSD, *e.Meta.CapUSD)
}

// UpstreamError records a failure of the execution collaborator. Message has
// already been scrubbed of anything resembling a credential.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "upstream failure: " + e.Message
}
