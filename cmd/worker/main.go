package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/packfinderz-ledger/api/controllers"
	"github.com/angelmondragon/packfinderz-ledger/api/routes"
	"github.com/angelmondragon/packfinderz-ledger/internal/earnings"
	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/migrate"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/idempotency"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pubsub"
	"github.com/angelmondragon/packfinderz-ledger/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Fields:      logger.Fields{"env": cfg.App.Env, "service_kind": cfg.Service.Kind},
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	requireResource(ctx, logg, "db metrics", dbClient.RegisterMetrics(prometheus.DefaultRegisterer, "ledger"))
	requireResource(ctx, logg, "dev migrations", migrate.MaybeRunDev(ctx, cfg, logg, dbClient))

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()
	requireResource(ctx, logg, "redis metrics", redisClient.RegisterMetrics(prometheus.DefaultRegisterer))

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "error closing pubsub client", err)
		}
	}()

	subscription := pubsubClient.OrdersSubscription()
	if subscription == nil {
		requireResource(ctx, logg, "orders subscription", errors.New("subscription not configured"))
	}

	ledgerOpts := ledger.OptionsFromConfig(cfg.Ledger)
	ledgerOpts.Metrics = metrics.NewLedgerMetrics(prometheus.DefaultRegisterer)
	ledgerOpts.Logger = logg
	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), ledgerOpts)
	requireResource(ctx, logg, "ledger service", err)

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.ProcessedEventTTL, cfg.Eventing.ClaimLease)
	requireResource(ctx, logg, "idempotency manager", err)

	consumer, err := earnings.NewConsumer(subscription, ledgerService, earnings.NewDecoders(), manager, logg)
	requireResource(ctx, logg, "earnings consumer", err)

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Redis:    redisClient,
		PubSub:   pubsubClient,
		Consumer: consumer,
	})
	requireResource(ctx, logg, "worker service", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logg.Info(runCtx, "starting worker")

	ops := routes.NewOpsRouter(cfg, logg, prometheus.DefaultGatherer,
		controllers.ReadinessCheck{Name: "db", Pinger: dbClient},
		controllers.ReadinessCheck{Name: "redis", Pinger: redisClient},
		controllers.ReadinessCheck{Name: "pubsub", Pinger: pubsubClient},
	)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return routes.ServeOps(groupCtx, cfg.App.OpsPort, ops, logg) })
	group.Go(func() error {
		defer stop()
		return service.Run(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "worker shutting down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
