package mcp

import (
	"context"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/model"
)

const (
	defaultUsageDays  = 7
	defaultAuditItems = 20
	maxBudgetAgents   = 1000
)

func (s *Server) registerTools() {
	// kanri_budget: today's spend against the daily cap.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_budget",
			mcplib.WithDescription(`Show today's spend against each agent's daily budget.

WHEN TO USE: Before starting expensive work, or when a run was rejected
with BUDGET_EXCEEDED. Spend resets at 00:00 UTC.

WHAT YOU GET BACK: one entry per agent with cap_usd, spent_today_usd,
percent_used and exceeded. Pass agent_id to inspect a single agent.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional agent UUID. Omit for every agent you own."),
			),
		),
		s.handleBudget,
	)

	// kanri_usage: daily rollup rows.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_usage",
			mcplib.WithDescription(`Daily usage rollup: runs, tokens and cost per UTC day.

Both bounds are inclusive YYYY-MM-DD dates. Defaults to the last 7 days.
Ranges longer than 366 days are rejected.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("from", mcplib.Description("First day, YYYY-MM-DD")),
			mcplib.WithString("to", mcplib.Description("Last day, YYYY-MM-DD")),
		),
		s.handleUsage,
	)

	// kanri_audit: recent audit events.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_audit",
			mcplib.WithDescription(`Query the append-only audit log, newest first.

FILTER EXAMPLES:
- Why was a run rejected: event_type="budget.exceeded"
- Everything that happened to one agent: entity_type="agent", entity_id=<uuid>
- Kill switch history: event_type="agent.killed"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("event_type", mcplib.Description("Exact event type, e.g. run.started")),
			mcplib.WithString("entity_type", mcplib.Description("agent or run")),
			mcplib.WithString("entity_id", mcplib.Description("Agent or run UUID")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of events to return"),
				mcplib.Min(1),
				mcplib.Max(audit.MaxLimit),
				mcplib.DefaultNumber(defaultAuditItems),
			),
		),
		s.handleAudit,
	)

	// kanri_run: a single run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_run",
			mcplib.WithDescription(`Look up a single run by ID: status, model, token usage, cost and error.

Input and output text are omitted; use the HTTP API for full payloads.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleRun,
	)
}

func (s *Server) handleBudget(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if raw := request.GetString("agent_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("agent_id must be a UUID"), nil
		}
		a, err := s.lifecycle.GetAgent(ctx, p, id)
		if err != nil {
			return s.toolError("kanri_budget", err), nil
		}
		ev, err := s.budget.Evaluate(ctx, p, a.ID, a.BudgetDailyUSD)
		if err != nil {
			return s.toolError("kanri_budget", err), nil
		}
		return jsonResult(compactBudget(a, ev.Meta, ev.Exceeded))
	}

	agents, err := s.lifecycle.ListAgents(ctx, p, maxBudgetAgents, 0)
	if err != nil {
		return s.toolError("kanri_budget", err), nil
	}
	evals, err := s.budget.EvaluateBatch(ctx, p, agents)
	if err != nil {
		return s.toolError("kanri_budget", err), nil
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		ev := evals[a.ID]
		out = append(out, compactBudget(a, ev.Meta, ev.Exceeded))
	}
	return jsonResult(map[string]any{
		"agents": out,
		"total":  len(out),
	})
}

func (s *Server) handleUsage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	to := clock.DayStart(time.Now())
	from := to.AddDate(0, 0, -(defaultUsageDays - 1))
	if v := request.GetString("from", ""); v != "" {
		if from, err = time.Parse(time.DateOnly, v); err != nil {
			return errorResult("from must be YYYY-MM-DD"), nil
		}
	}
	if v := request.GetString("to", ""); v != "" {
		if to, err = time.Parse(time.DateOnly, v); err != nil {
			return errorResult("to must be YYYY-MM-DD"), nil
		}
	}

	rows, err := s.usage.Range(ctx, p, from, to)
	if err != nil {
		return s.toolError("kanri_usage", err), nil
	}
	var runs, tokens int64
	var costUSD float64
	for _, r := range rows {
		runs += r.RunsCount
		tokens += r.TokensTotal
		costUSD += r.CostUSD
	}
	return jsonResult(map[string]any{
		"from":         from.Format(time.DateOnly),
		"to":           to.Format(time.DateOnly),
		"days":         compactUsage(rows),
		"runs_total":   runs,
		"tokens_total": tokens,
		"cost_usd":     roundUSD(costUSD),
	})
}

func (s *Server) handleAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var f audit.Filter
	if v := request.GetString("event_type", ""); v != "" {
		et := model.AuditEventType(v)
		f.EventType = &et
	}
	if v := request.GetString("entity_type", ""); v != "" {
		f.EntityType = &v
	}
	if v := request.GetString("entity_id", ""); v != "" {
		f.EntityID = &v
	}
	limit := min(max(request.GetInt("limit", defaultAuditItems), 1), audit.MaxLimit)

	events, err := s.audit.Query(ctx, p, f, audit.Page{Limit: limit})
	if err != nil {
		return s.toolError("kanri_audit", err), nil
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, compactEvent(ev))
	}
	return jsonResult(map[string]any{
		"events":   out,
		"total":    len(out),
		"has_more": len(events) == limit,
	})
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	raw := request.GetString("run_id", "")
	if raw == "" {
		return errorResult("run_id is required"), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	r, err := s.lifecycle.GetRun(ctx, p, id)
	if err != nil {
		return s.toolError("kanri_run", err), nil
	}
	return jsonResult(compactRun(r))
}
