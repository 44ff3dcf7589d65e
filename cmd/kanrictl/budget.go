package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

const maxStatusAgents = 1000

type budgetRow struct {
	Agent    model.Agent      `json:"agent"`
	Budget   model.BudgetMeta `json:"budget"`
	Exceeded bool             `json:"exceeded"`
}

func newBudgetCmd(g *globalFlags) *cobra.Command {
	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect daily budgets",
	}

	var agentID string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show today's spend against each agent's cap",
		Long: `Show today's spend (since 00:00 UTC) against each agent's daily cap.
Spend marked approximate includes runs whose cost was estimated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requirePrincipal(); err != nil {
				return err
			}
			e, err := g.open(cmd, lifecycle.DefaultConfig())
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			var agents []model.Agent
			if agentID != "" {
				id, err := uuid.Parse(agentID)
				if err != nil {
					return fmt.Errorf("invalid agent id %q", agentID)
				}
				a, err := e.lifecycle.GetAgent(ctx, g.principal, id)
				if err != nil {
					return err
				}
				agents = []model.Agent{a}
			} else if agents, err = e.lifecycle.ListAgents(ctx, g.principal, maxStatusAgents, 0); err != nil {
				return err
			}

			evals, err := e.budget.EvaluateBatch(ctx, g.principal, agents)
			if err != nil {
				return err
			}
			rows := make([]budgetRow, 0, len(agents))
			for _, a := range agents {
				ev := evals[a.ID]
				rows = append(rows, budgetRow{Agent: a, Budget: ev.Meta, Exceeded: ev.Exceeded})
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tNAME\tSTATUS\tCAP\tSPENT\tUSED\tEXCEEDED")
			for _, r := range rows {
				spent := fmt.Sprintf("$%.4f", r.Budget.SpentTodayUSD)
				if r.Budget.Approximate {
					spent = "~" + spent
				}
				used := "-"
				if r.Budget.PercentUsed != nil {
					used = fmt.Sprintf("%d%%", *r.Budget.PercentUsed)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					r.Agent.ID, r.Agent.Name, r.Agent.Status, usd(r.Budget.CapUSD), spent, used, r.Exceeded)
			}
			return tw.Flush()
		},
	}
	status.Flags().StringVar(&agentID, "agent", "", "only this agent")

	budgetCmd.AddCommand(status)
	return budgetCmd
}
