package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/cost"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/pricing"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/usage"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	databaseURL string
	sqlitePath  string
	pricingFile string
	principal   string
	jsonOut     bool
	verbose     bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "kanrictl",
		Short: "Operate a Kanri deployment",
		Long: `kanrictl inspects and operates a Kanri deployment directly against its store.

It reads DATABASE_URL and KANRI_SQLITE_PATH (and a .env file, if present)
as defaults for --database-url and --sqlite. Postgres wins when both are set.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	_ = godotenv.Load()
	root.PersistentFlags().StringVar(&g.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	root.PersistentFlags().StringVar(&g.sqlitePath, "sqlite", os.Getenv("KANRI_SQLITE_PATH"), "SQLite database file")
	root.PersistentFlags().StringVar(&g.pricingFile, "pricing-file", os.Getenv("KANRI_PRICING_FILE"), "pricing YAML (defaults to the built-in table)")
	root.PersistentFlags().StringVarP(&g.principal, "principal", "p", "", "principal whose data to act on")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print JSON instead of a table")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newMigrateCmd(g),
		newAgentsCmd(g),
		newBudgetCmd(g),
		newAuditCmd(g),
		newUsageCmd(g),
		newKillCmd(g),
		newSweepCmd(g),
		newPricingCmd(g),
		newKeysCmd(),
	)
	return root
}

// env is the set of services a command works with. Close releases the store.
type env struct {
	store     storage.Store
	table     *pricing.Table
	budget    *budget.Accountant
	audit     *audit.Log
	usage     *usage.Rollup
	lifecycle *lifecycle.Manager
	logger    *slog.Logger
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close store", "error", err)
	}
}

func (g *globalFlags) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (g *globalFlags) loadPricing() (*pricing.Table, error) {
	if g.pricingFile == "" {
		return pricing.DefaultTable(), nil
	}
	return pricing.LoadFile(g.pricingFile)
}

func (g *globalFlags) openStore(ctx context.Context, logger *slog.Logger) (storage.Store, error) {
	switch {
	case g.databaseURL != "":
		db, err := storage.New(ctx, g.databaseURL, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case g.sqlitePath != "":
		return sqlite.Open(ctx, g.sqlitePath, logger)
	default:
		return nil, errors.New("no store configured: pass --database-url or --sqlite")
	}
}

// open wires the services over the configured store. The lifecycle manager
// is never started: commands call its operations synchronously.
func (g *globalFlags) open(cmd *cobra.Command, lc lifecycle.Config) (*env, error) {
	logger := g.logger(cmd.ErrOrStderr())
	table, err := g.loadPricing()
	if err != nil {
		return nil, err
	}
	st, err := g.openStore(cmd.Context(), logger)
	if err != nil {
		return nil, err
	}

	est := cost.New(table)
	e := &env{
		store:  st,
		table:  table,
		budget: budget.New(st, est, clock.System{}, logger),
		audit:  audit.New(st, logger),
		usage:  usage.New(st, logger),
		logger: logger,
	}
	lc.SweepSchedule = ""
	e.lifecycle, err = lifecycle.New(lc, lifecycle.Deps{
		Store:     st,
		Budget:    e.budget,
		Estimator: est,
		Audit:     e.audit,
		Usage:     e.usage,
		Logger:    logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (g *globalFlags) requirePrincipal() error {
	if g.principal == "" {
		return errors.New("--principal is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
