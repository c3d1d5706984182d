package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepsync/studio_services/internal/platform/config"
	"github.com/stepsync/studio_services/internal/platform/database"
	"github.com/stepsync/studio_services/internal/platform/logger"
	"github.com/stepsync/studio_services/internal/platform/messagebroker"
	"github.com/stepsync/studio_services/internal/studio_service/adapters/paymentgateway"
	"github.com/stepsync/studio_services/internal/studio_service/app"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
	"github.com/stepsync/studio_services/internal/studio_service/repository/postgres"
)

const cliName = "studioctl"

type rootOptions struct {
	as       string
	logLevel string
}

// env is everything a command needs, built from the same config as the service.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	nats     *messagebroker.NatsClient
	ledger   repository.TransactionRepository
	refunds  *app.RefundService
	payments *app.PaymentService
}

func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cliName)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	// stdout carries the command output.
	return cfg, logger.NewWithWriter(level, os.Stderr), nil
}

func newEnv(ctx context.Context, opts *rootOptions) (*env, error) {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	pool, err := database.NewDBPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	e := &env{cfg: cfg, logger: log, pool: pool}
	var publisher messagebroker.Publisher = messagebroker.LogPublisher{Logger: log}
	if cfg.NATSEnabled {
		nc, err := messagebroker.NewNatsClient(cfg.NATSUrl, cliName, log)
		if err != nil {
			log.Warn("NATS unavailable; events will only be logged", "error", err)
		} else {
			e.nats = nc
			publisher = nc
		}
	}

	gateway, err := paymentgateway.New(cfg.PaymentGateway, cfg.StripeSecretKey, log)
	if err != nil {
		e.close()
		return nil, err
	}

	txManager := postgres.NewPgTransactor(pool)
	e.ledger = postgres.NewPgTransactionRepository(pool, log)
	blocks := postgres.NewPgConcessionBlockRepository(pool, log)
	students := postgres.NewPgStudentRepository(pool, log)
	pricing := app.NewPricingResolver(postgres.NewPgPricingRepository(pool, log), 0, log)
	authorizer := app.NewAuthorizer(cfg.AdminEmail)

	e.refunds = app.NewRefundService(txManager, e.ledger, blocks, gateway, publisher, authorizer, cfg.Currency, log)
	e.payments = app.NewPaymentService(txManager, e.ledger, blocks, students, pricing, gateway, publisher, authorizer, cfg.Currency, log)
	return e, nil
}

// principalContext attaches the acting principal: --as, or the configured administrator.
func (e *env) principalContext(ctx context.Context, opts *rootOptions) context.Context {
	email := opts.as
	if email == "" {
		email = e.cfg.AdminEmail
	}
	if email == "" {
		return ctx
	}
	return app.WithPrincipal(ctx, app.Principal{Email: email})
}

func (e *env) close() {
	if e.nats != nil {
		e.nats.Close()
	}
	e.pool.Close()
}
