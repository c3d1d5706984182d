package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stepsync/studio_services/internal/platform/config"
	"github.com/stepsync/studio_services/internal/platform/database"
	"github.com/stepsync/studio_services/internal/platform/idempotency"
	"github.com/stepsync/studio_services/internal/platform/logger"
	"github.com/stepsync/studio_services/internal/platform/messagebroker"
	httpadapter "github.com/stepsync/studio_services/internal/studio_service/adapters/http"
	"github.com/stepsync/studio_services/internal/studio_service/adapters/paymentgateway"
	"github.com/stepsync/studio_services/internal/studio_service/app"
	"github.com/stepsync/studio_services/internal/studio_service/repository/postgres"
)

const (
	serviceName          = "studio-service"
	shutdownTimeout      = 15 * time.Second
	idempotencyRecordTTL = 24 * time.Hour
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Studio service starting...",
		"http_port", cfg.HTTPPort,
		"metrics_port", cfg.MetricsPort,
		"payment_gateway", cfg.PaymentGateway,
		"log_level", cfg.LogLevel,
	)
	if cfg.AdminEmail == "" {
		appLogger.Warn("ADMIN_EMAIL is not set; refunds, gifts and ledger reads will be denied")
	}

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL")

	var publisher messagebroker.Publisher = messagebroker.LogPublisher{Logger: appLogger}
	if cfg.NATSEnabled {
		natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			appLogger.Error("Failed to connect to NATS; events will only be logged", "error", err)
		} else {
			defer natsClient.Close()
			publisher = natsClient
		}
	}

	gateway, err := paymentgateway.New(cfg.PaymentGateway, cfg.StripeSecretKey, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize payment gateway", "error", err)
		os.Exit(1)
	}

	txManager := postgres.NewPgTransactor(dbPool)
	ledger := postgres.NewPgTransactionRepository(dbPool, appLogger)
	blocks := postgres.NewPgConcessionBlockRepository(dbPool, appLogger)
	students := postgres.NewPgStudentRepository(dbPool, appLogger)
	pricing := app.NewPricingResolver(postgres.NewPgPricingRepository(dbPool, appLogger), cfg.PricingCacheTTL, appLogger)
	authorizer := app.NewAuthorizer(cfg.AdminEmail)

	refundService := app.NewRefundService(txManager, ledger, blocks, gateway, publisher, authorizer, cfg.Currency, appLogger)
	paymentService := app.NewPaymentService(txManager, ledger, blocks, students, pricing, gateway, publisher, authorizer, cfg.Currency, appLogger)

	idemStore, err := idempotency.New(cfg.IdempotencyDBPath, idempotencyRecordTTL)
	if err != nil {
		appLogger.Error("Failed to open idempotency store", "path", cfg.IdempotencyDBPath, "error", err)
		os.Exit(1)
	}
	defer idemStore.Close()

	handler := httpadapter.NewStudioHandler(refundService, paymentService, validator.New(), appLogger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      httpadapter.NewRouter(handler, []byte(cfg.JWTSecret), idemStore, appLogger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("HTTP server shut down gracefully.")
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Metrics HTTP server starting", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("Metrics HTTP server shut down gracefully.")
		return nil
	})

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Initiating graceful shutdown of servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErrors error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("http shutdown: %w", err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("metrics http shutdown: %w", err))
		}
		return shutdownErrors
	})

	appLogger.Info("Studio service is ready and running.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service group encountered an error during run/shutdown", "error", err)
	}
	appLogger.Info("Studio service shut down successfully.")
}
