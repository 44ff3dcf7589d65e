package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/lifecycle"
)

func newAgentsCmd(g *globalFlags) *cobra.Command {
	agents := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agents",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a principal's agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requirePrincipal(); err != nil {
				return err
			}
			e, err := g.open(cmd, lifecycle.DefaultConfig())
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := e.lifecycle.ListAgents(cmd.Context(), g.principal, limit, 0)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tDAILY CAP\tCREATED")
			for _, a := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Name, a.Status, usd(a.BudgetDailyUSD), a.CreatedAt.UTC().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum agents to list")

	agents.AddCommand(list)
	return agents
}

func newKillCmd(g *globalFlags) *cobra.Command {
	var opts lifecycle.KillOptions
	cmd := &cobra.Command{
		Use:   "kill AGENT_ID",
		Short: "Pause an agent and cancel its in-flight runs",
		Long: `Pause (or, with --retire, permanently retire) an agent. Its pending and
running runs are cancelled and the kill is recorded in the audit log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requirePrincipal(); err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id %q", args[0])
			}
			e, err := g.open(cmd, lifecycle.DefaultConfig())
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.lifecycle.KillAgent(cmd.Context(), g.principal, id, opts)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s is %s, cancelled %d run(s)\n",
				res.Agent.ID, res.Agent.Status, len(res.CancelledRunIDs))
			for _, r := range res.CancelledRunIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Retire, "retire", false, "retire instead of pause (cannot be resumed)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func usd(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("$%.2f", *v)
}
