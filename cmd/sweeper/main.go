// The sweeper is the recovery pass for crashes between "mark COMPLETED" and
// "credit balance": it finds completed transactions whose balance effect
// never landed and applies it exactly once.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus/payments/internal/infra"
	"github.com/nexus/payments/internal/reconcile"
	"github.com/nexus/payments/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("sweeper failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logger.Info("sweeper connected to postgres")

	interval, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil {
		return fmt.Errorf("parse SWEEP_INTERVAL: %w", err)
	}
	grace, err := time.ParseDuration(cfg.SweepGrace)
	if err != nil {
		return fmt.Errorf("parse SWEEP_GRACE: %w", err)
	}

	engine := reconcile.NewEngine(
		pool,
		repository.NewPlayerRepository(),
		repository.NewTransactionRepository(),
		repository.NewOutboxRepository(),
		logger,
	)

	reconcile.NewSweeper(engine, interval, grace, logger).Run(ctx)
	return nil
}
