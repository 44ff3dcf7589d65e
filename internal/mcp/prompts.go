package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-run: check the budget before starting expensive work.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-run",
			mcplib.WithPromptDescription("Check an agent's remaining budget before starting a run"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("UUID of the agent that will execute the run"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeRunPrompt,
	)

	// investigate-run: explain why a run failed or was rejected.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("investigate-run",
			mcplib.WithPromptDescription("Walk through the audit trail of a failed, cancelled or rejected run"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("UUID of the run to investigate"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInvestigateRunPrompt,
	)

	// governance-overview: system prompt snippet for agents running under Kanri.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("governance-overview",
			mcplib.WithPromptDescription("System prompt snippet explaining budgets, admission and the kill switch"),
		),
		s.handleGovernanceOverviewPrompt,
	)
}

func (s *Server) handleBeforeRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if agentID == "" {
		return nil, fmt.Errorf("agent_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Check the budget before starting a run",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before starting a run for agent %s:

1. CALL kanri_budget with agent_id="%s".

2. READ the result:
   - exceeded=true means the run will be rejected with BUDGET_EXCEEDED until
     00:00 UTC or until an operator raises the cap.
   - remaining_usd tells you how much spend is left today. A run is admitted
     while spend is below the cap, so one expensive run can overshoot it.
   - status other than "active" means the agent was killed; new runs are
     rejected with CONFLICT.

3. If the budget is tight, prefer a cheaper model or split the work.`, agentID, agentID),
				},
			},
		},
	}, nil
}

func (s *Server) handleInvestigateRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Investigate run %s", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explain what happened to run %s.

1. CALL kanri_run with run_id="%s" for its status, error and cost.
2. CALL kanri_audit with entity_type="run" and entity_id="%s" for every
   transition it went through.
3. If the run was cancelled, CALL kanri_audit with event_type="agent.killed"
   to see whether a kill switch was pulled on its agent.
4. Summarize: final status, the transition that decided it, and whether a
   retry is likely to succeed (budget left, agent still active).`, runID, runID, runID),
				},
			},
		},
	}, nil
}

func (s *Server) handleGovernanceOverviewPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Kanri governance rules for agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Your runs are governed by Kanri.

## Admission

Every run start is checked in this order:
1. The request is valid and the agent belongs to you.
2. The agent is active. Paused and retired agents reject new runs.
3. You are under the run-start rate limit (RATE_LIMITED, honour Retry-After).
4. The agent is under its daily budget (BUDGET_EXCEEDED).

## Budgets

Each agent may carry a daily cap in USD. Spend is the sum of run costs since
00:00 UTC. When a provider does not report usage, cost is estimated from a
pricing table and marked approximate.

## Kill switch

An operator can pause or retire an agent at any time. Pending and running
runs of that agent are cancelled immediately.

## Available Tools

- kanri_budget: spend against the daily cap
- kanri_usage: daily runs, tokens and cost
- kanri_audit: the append-only audit log
- kanri_run: a single run's status and cost`,
				},
			},
		},
	}, nil
}
