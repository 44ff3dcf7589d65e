package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/lifecycle"
)

func newUsageCmd(g *globalFlags) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the daily usage rollup",
		Long: `Show runs, tokens and cost per UTC day. Both bounds are inclusive
YYYY-MM-DD dates; the default is the last 7 days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requirePrincipal(); err != nil {
				return err
			}
			end := clock.DayStart(time.Now())
			start := end.AddDate(0, 0, -6)
			var err error
			if from != "" {
				if start, err = time.Parse(time.DateOnly, from); err != nil {
					return fmt.Errorf("--from must be YYYY-MM-DD")
				}
			}
			if to != "" {
				if end, err = time.Parse(time.DateOnly, to); err != nil {
					return fmt.Errorf("--to must be YYYY-MM-DD")
				}
			}

			e, err := g.open(cmd, lifecycle.DefaultConfig())
			if err != nil {
				return err
			}
			defer e.Close()

			rows, err := e.usage.Range(cmd.Context(), g.principal, start, end)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "DAY\tRUNS\tTOKENS\tCOST\t")
			var runs, tokens int64
			var total float64
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%d\t%d\t$%.4f\t\n", r.Day.UTC().Format(time.DateOnly), r.RunsCount, r.TokensTotal, r.CostUSD)
				runs += r.RunsCount
				tokens += r.TokensTotal
				total += r.CostUSD
			}
			fmt.Fprintf(tw, "total\t%d\t%d\t$%.4f\t\n", runs, tokens, total)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD")
	return cmd
}
