package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-ledger/api/controllers"
	"github.com/angelmondragon/packfinderz-ledger/api/routes"
	"github.com/angelmondragon/packfinderz-ledger/internal/relay"
	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	"github.com/angelmondragon/packfinderz-ledger/pkg/metrics"
	"github.com/angelmondragon/packfinderz-ledger/pkg/migrate"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox"
	"github.com/angelmondragon/packfinderz-ledger/pkg/outbox/registry"
	"github.com/angelmondragon/packfinderz-ledger/pkg/pubsub"
)

const serviceName = "outbox-publisher"

func main() {
	requeue := flag.String("requeue", "", "comma-separated outbox event ids to move from the DLQ back into the outbox, then exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
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

	dlq := outbox.NewDLQRepository(dbClient.DB())
	if *requeue != "" {
		if err := requeueEvents(context.Background(), logg, dbClient, dlq, *requeue); err != nil {
			logg.Error(context.Background(), "requeue failed", err)
			os.Exit(1)
		}
		return
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}
	if err := pubsubClient.EnsureTopics(context.Background(), eventRegistry.Topics()...); err != nil {
		logg.Error(context.Background(), "publish topics unavailable", err)
		os.Exit(1)
	}

	sink := relay.NewPubSubSink(pubsubClient)
	defer sink.Close()

	outboxRelay, err := relay.New(relay.Params{
		Logger:       logg,
		DB:           dbClient,
		Rows:         outbox.NewRepository(dbClient.DB()),
		DLQ:          dlq,
		Registry:     eventRegistry,
		Sink:         sink,
		Metrics:      metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		PollInterval: cfg.Outbox.PollInterval(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox relay", err)
		os.Exit(1)
	}

	if err := dbClient.RegisterMetrics(prometheus.DefaultRegisterer, "ledger"); err != nil {
		logg.Warn(context.Background(), "database pool metrics unavailable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, logger.Fields{"service_kind": serviceName})
	logg.Info(ctx, "starting outbox publisher")

	ops := routes.NewOpsRouter(cfg, logg, prometheus.DefaultGatherer,
		controllers.ReadinessCheck{Name: "db", Pinger: dbClient},
		controllers.ReadinessCheck{Name: "pubsub", Pinger: pubsubClient},
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return routes.ServeOps(groupCtx, cfg.App.OpsPort, ops, logg) })
	group.Go(func() error {
		defer stop()
		return outboxRelay.Run(groupCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

// requeueEvents moves each listed DLQ entry back into the outbox in its own
// transaction so one bad id does not block the rest.
func requeueEvents(ctx context.Context, logg *logger.Logger, dbClient *db.Client, dlq *outbox.DLQRepository, raw string) error {
	var errs error
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eventID, err := uuid.Parse(part)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("event id %q: %w", part, err))
			continue
		}
		err = dbClient.WithTx(ctx, func(tx *gorm.DB) error {
			return dlq.RequeueTx(ctx, tx, eventID)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("event %s: %w", eventID, err))
			continue
		}
		logg.Info(logg.WithField(ctx, "event_id", eventID.String()), "dlq entry requeued")
	}
	return errs
}
