package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmtehenz/otsem-api-sub000/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("conversion engine is running")
	if err := app.Run(ctx); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
