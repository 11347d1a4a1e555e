package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/packfinderz-ledger/api/routes"
	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/internal/payouts"
	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/migrate"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/redis"
)

const (
	serviceName       = "api"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Fields:      logger.Fields{"env": cfg.App.Env},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "api server stopped", err)
		stop()
		os.Exit(1)
	}
}

// run owns every resource so deferred closes execute before the process
// exits.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()
	if err := dbClient.RegisterMetrics(prometheus.DefaultRegisterer, "ledger"); err != nil {
		return err
	}
	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()
	if err := redisClient.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	ledgerOpts := ledger.OptionsFromConfig(cfg.Ledger)
	ledgerOpts.Metrics = metrics.NewLedgerMetrics(prometheus.DefaultRegisterer)
	ledgerOpts.Logger = logg
	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), ledgerOpts)
	if err != nil {
		return fmt.Errorf("ledger service: %w", err)
	}

	payoutOpts := payouts.OptionsFromConfig(cfg.Payouts)
	payoutOpts.Metrics = metrics.NewPayoutMetrics(prometheus.DefaultRegisterer)
	payoutOpts.Logger = logg
	payoutService, err := payouts.NewService(
		payouts.NewRepository(dbClient.DB()),
		ledgerService,
		dbClient,
		outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		payoutOpts,
	)
	if err != nil {
		return fmt.Errorf("payout service: %w", err)
	}

	addr := ":" + listenPort(cfg)
	ctx = logg.WithField(ctx, "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, dbClient, redisClient, prometheus.DefaultGatherer, ledgerService, payoutService),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logg.Info(ctx, "api server shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// listenPort prefers the platform-assigned PORT over the configured one.
func listenPort(cfg *config.Config) string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return cfg.App.Port
}
