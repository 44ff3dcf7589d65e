package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/migrations"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply pending Postgres migrations. Already applied files are skipped,
so running it twice is harmless. SQLite stores apply their schema when opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger(cmd.ErrOrStderr())
			st, err := g.openStore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			db, ok := st.(*storage.DB)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is up to date")
				return nil
			}
			if err := db.RunMigrations(cmd.Context(), migrations.FS); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
