package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/packfinderz-ledger/api/controllers"
	"github.com/angelmondragon/packfinderz-ledger/api/routes"
	"github.com/angelmondragon/packfinderz-ledger/internal/cron"
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

func main() {
	once := flag.Bool("once", false, "run a single reconciliation cycle and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Fields:      logger.Fields{"env": cfg.App.Env},
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker", cfg.App.Env), cfg.Reconciliation.Interval)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	ledgerOpts := ledger.OptionsFromConfig(cfg.Ledger)
	ledgerOpts.Metrics = metrics.NewLedgerMetrics(prometheus.DefaultRegisterer)
	ledgerOpts.Logger = logg
	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), ledgerOpts)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	outboxRepo := outbox.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outboxRepo, logg)

	payoutOpts := payouts.OptionsFromConfig(cfg.Payouts)
	payoutOpts.Logger = logg
	payoutService, err := payouts.NewService(payouts.NewRepository(dbClient.DB()), ledgerService, dbClient, outboxService, payoutOpts)
	if err != nil {
		logg.Error(context.Background(), "failed to create payout service", err)
		os.Exit(1)
	}

	reconciliationJob, err := cron.NewReconciliationJob(cron.ReconciliationJobParams{
		Logger:      logg,
		DB:          dbClient,
		Ledger:      ledgerService,
		Payouts:     payoutService,
		Outbox:      outboxService,
		Metrics:     metrics.NewReconciliationMetrics(prometheus.DefaultRegisterer),
		OrphanGrace: cfg.Reconciliation.OrphanGrace,
		BatchSize:   cfg.Reconciliation.BatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation job", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:         logg,
		DB:             dbClient,
		Repository:     outboxRepo,
		Retention:      cfg.Outbox.Retention,
		ParkedAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:      cfg.Outbox.PurgeBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Jobs:       []cron.Job{reconciliationJob, retentionJob},
		Lock:       lock,
		Metrics:    metricsCollector,
		Interval:   cfg.Reconciliation.Interval,
		JobTimeout: cfg.Reconciliation.JobTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, logger.Fields{"service_kind": cfg.Service.Kind})

	if *once {
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "reconciliation cycle failed", err)
			os.Exit(1)
		}
		logg.Info(ctx, "reconciliation cycle complete")
		return
	}

	for name, err := range map[string]error{
		"database": dbClient.RegisterMetrics(prometheus.DefaultRegisterer, "ledger"),
		"redis":    redisClient.RegisterMetrics(prometheus.DefaultRegisterer),
	} {
		if err != nil {
			logg.Warn(logg.WithField(ctx, "dependency", name), "pool metrics unavailable")
		}
	}
	ops := routes.NewOpsRouter(cfg, logg, prometheus.DefaultGatherer,
		controllers.ReadinessCheck{Name: "db", Pinger: dbClient},
		controllers.ReadinessCheck{Name: "redis", Pinger: redisClient},
	)

	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return routes.ServeOps(groupCtx, cfg.App.OpsPort, ops, logg) })
	group.Go(func() error {
		defer stop()
		return service.Run(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
