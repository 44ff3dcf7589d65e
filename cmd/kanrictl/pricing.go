package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/pricing"
)

type priceRow struct {
	Model    string        `json:"model"`
	Price    pricing.Price `json:"price"`
	Fallback bool          `json:"fallback,omitempty"`
}

func newPricingCmd(g *globalFlags) *cobra.Command {
	pricingCmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect the model pricing table",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print per-1K-token prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := g.loadPricing()
			if err != nil {
				return err
			}
			rows := make([]priceRow, 0, len(table.Models()))
			for _, m := range table.Models() {
				p, _ := table.Price(m)
				rows = append(rows, priceRow{Model: m, Price: p, Fallback: m == table.FallbackModel()})
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROMPT/1K\tCOMPLETION/1K\t")
			for _, r := range rows {
				name := r.Model
				if r.Fallback {
					name += " (fallback)"
				}
				fmt.Fprintf(tw, "%s\t$%.5f\t$%.5f\t\n", name, r.Price.PromptPer1K, r.Price.CompletionPer1K)
			}
			return tw.Flush()
		},
	}
	pricingCmd.AddCommand(show)
	return pricingCmd
}
