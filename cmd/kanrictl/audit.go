package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

func newAuditCmd(g *globalFlags) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
	}

	var (
		eventType, entityType, entityID, since string
		limit                                  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		Long: `List audit events, newest first.

Examples:
  # Every kill switch pull
  kanrictl audit list -p team-a --event-type agent.killed

  # Everything that happened to one run in the last day
  kanrictl audit list -p team-a --entity-type run --entity-id 4f1c... --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requirePrincipal(); err != nil {
				return err
			}
			var f audit.Filter
			if eventType != "" {
				et := model.AuditEventType(eventType)
				f.EventType = &et
			}
			if entityType != "" {
				f.EntityType = &entityType
			}
			if entityID != "" {
				f.EntityID = &entityID
			}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since %q: %w", since, err)
				}
				from := time.Now().UTC().Add(-d)
				f.From = &from
			}

			e, err := g.open(cmd, lifecycle.DefaultConfig())
			if err != nil {
				return err
			}
			defer e.Close()

			events, err := e.audit.Query(cmd.Context(), g.principal, f, audit.Page{Limit: limit})
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tENTITY\tID")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ev.CreatedAt.UTC().Format(time.RFC3339), ev.EventType, deref(ev.EntityType), deref(ev.EntityID))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&eventType, "event-type", "", "exact event type, e.g. run.failed")
	list.Flags().StringVar(&entityType, "entity-type", "", "agent or run")
	list.Flags().StringVar(&entityID, "entity-id", "", "agent or run id")
	list.Flags().StringVar(&since, "since", "", "only events newer than this duration, e.g. 24h")
	list.Flags().IntVar(&limit, "limit", 50, "maximum events to list")

	auditCmd.AddCommand(list)
	return auditCmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
