package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-ledger/api/controllers"
	"github.com/angelmondragon/packfinderz-ledger/api/middleware"
	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
)

const opsShutdownTimeout = 5 * time.Second

// NewOpsRouter serves health probes and metrics for the binaries that have
// no public API: the earnings worker, the outbox relay and the cron worker.
func NewOpsRouter(cfg *config.Config, logg *logger.Logger, gatherer prometheus.Gatherer, checks ...controllers.ReadinessCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer(logg), middleware.RequestID(logg))
	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg, logg, checks...))
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ServeOps runs handler on :port until ctx ends. An empty port disables it.
func ServeOps(ctx context.Context, port string, handler http.Handler, logg *logger.Logger) error {
	if port == "" {
		return nil
	}
	server := &http.Server{Addr: ":" + port, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logg.Info(logg.WithField(ctx, "addr", server.Addr), "ops server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
