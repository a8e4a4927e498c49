// Command server runs the account and credential API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bioadmin/accounts/internal/app"
	"bioadmin/accounts/internal/config"
	"bioadmin/accounts/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger("info").Error("invalid configuration", "error", err)
		return 2
	}
	log := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}
	if err := a.Run(ctx); err != nil {
		log.Error("server stopped with error", "error", err)
		return 1
	}
	return 0
}
