package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/lifecycle"
)

func newSweepCmd(g *globalFlags) *cobra.Command {
	var stuckAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail runs stuck in pending or running",
		Long: `Move every run that has been pending or running for longer than
--stuck-after to error, recording usage and audit events as the server's
scheduled sweeper would. Safe to run while the server is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := lifecycle.DefaultConfig()
			cfg.StuckRunTimeout = stuckAfter
			e, err := g.open(cmd, cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.lifecycle.SweepStuckRuns(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]int{"swept": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d run(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&stuckAfter, "stuck-after", lifecycle.DefaultConfig().StuckRunTimeout, "age after which a run counts as stuck")
	return cmd
}
