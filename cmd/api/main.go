package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexus/payments/internal/handler"
	"github.com/nexus/payments/internal/infra"
	"github.com/nexus/payments/internal/provider"
	"github.com/nexus/payments/internal/reconcile"
	"github.com/nexus/payments/internal/repository"
	"github.com/nexus/payments/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
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
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to postgres")

	mpTimeout, err := time.ParseDuration(cfg.MPRequestTimeout)
	if err != nil {
		return fmt.Errorf("parse MP_REQUEST_TIMEOUT: %w", err)
	}

	// Repositories
	playerRepo := repository.NewPlayerRepository()
	txRepo := repository.NewTransactionRepository()
	outboxRepo := repository.NewOutboxRepository()

	// Reconciliation engine
	engine := reconcile.NewEngine(pool, playerRepo, txRepo, outboxRepo, logger)

	// External providers
	mpClient := provider.NewMercadoPagoClient(cfg.MPAccessToken, cfg.MPBaseURL, mpTimeout, logger)

	// Services
	paymentSvc := service.NewPaymentService(engine, mpClient,
		cfg.MPWebhookSecret, cfg.CustomPaymentSecret, logger)

	// Handlers
	webhookHandler := handler.NewWebhookHandler(paymentSvc, logger)
	customHandler := handler.NewCustomPaymentHandler(paymentSvc, logger)

	// Router
	r := chi.NewRouter()
	r.Use(handler.Recovery(logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))
	r.Use(handler.JSONContentType)

	r.Get("/health", handler.HealthHandler(pool))

	// Webhooks read their own raw bodies: signatures are computed over the
	// exact bytes on the wire.
	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/mercadopago", webhookHandler.HandleMercadoPago)
		r.Route("/custom", func(r chi.Router) {
			r.Post("/confirm", customHandler.Confirm)
			r.Post("/pending", customHandler.Pending)
			r.Get("/generate-signature", customHandler.GenerateSignature)
		})
	})

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payment gateway starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
