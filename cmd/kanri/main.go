package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/kanri"
	"github.com/ashita-ai/kanri/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if v := os.Getenv("KANRI_LOG_LEVEL"); v != "" {
		level = config.Config{LogLevel: v}.SlogLevel()
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := kanri.New(
		kanri.WithVersion(version),
		kanri.WithLogger(logger),
	)
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}
