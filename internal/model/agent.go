package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusRetired AgentStatus = "retired"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusPaused, AgentStatusRetired:
		return true
	}
	return false
}

// Agent is a principal-owned execution profile with an optional daily budget.
// Runs reference agents by ID; agents are never duplicated into runs.
type Agent struct {
	ID             uuid.UUID   `json:"id"`
	PrincipalID    string      `json:"principal_id"`
	Name           string      `json:"name"`
	Status         AgentStatus `json:"status"`
	BudgetDailyUSD *float64    `json:"budget_daily_usd,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Runnable reports whether new runs may be started for the agent.
func (a Agent) Runnable() bool {
	return a.Status == AgentStatusActive
}

// Role is the RBAC role carried in a principal's token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReader   Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidatePrincipalID checks that a principal ID conforms to the allowed format.
// Principal IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, colons, and @ signs.
func ValidatePrincipalID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("principal_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("principal_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' && c != ':' {
			return fmt.Errorf("principal_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateBudget rejects negative daily caps. A nil cap means unlimited.
func ValidateBudget(cap *float64) error {
	if cap == nil {
		return nil
	}
	if *cap < 0 {
		return fmt.Errorf("budget_daily_usd must be >= 0")
	}
	return nil
}
