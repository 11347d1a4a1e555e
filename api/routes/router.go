package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-ledger/api/controllers"
	"github.com/angelmondragon/packfinderz-ledger/api/middleware"
	"github.com/angelmondragon/packfinderz-ledger/internal/ledger"
	"github.com/angelmondragon/packfinderz-ledger/internal/payouts"
	"github.com/angelmondragon/packfinderz-ledger/pkg/auth"
	"github.com/angelmondragon/packfinderz-ledger/pkg/config"
	"github.com/angelmondragon/packfinderz-ledger/pkg/db"
	"github.com/angelmondragon/packfinderz-ledger/pkg/enums"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	pkgredis "github.com/angelmondragon/packfinderz-ledger/pkg/redis"
)

// RedisStore is the slice of redis the API needs: response replay and readiness.
type RedisStore interface {
	pkgredis.IdempotencyStore
	Ping(ctx context.Context) error
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisStore RedisStore,
	metricsGatherer prometheus.Gatherer,
	ledgerService ledger.Service,
	payoutService payouts.Service,
) http.Handler {
	tokens := auth.NewTokens(cfg.JWT)
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	checks := []controllers.ReadinessCheck{{Name: "db", Pinger: dbP}}
	var idempotencyStore pkgredis.IdempotencyStore
	if redisStore != nil {
		checks = append(checks, controllers.ReadinessCheck{Name: "redis", Pinger: redisStore})
		idempotencyStore = redisStore
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, checks...))
	})
	if metricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metricsGatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/vendor", func(r chi.Router) {
		r.Use(middleware.Auth(tokens, logg))
		r.Use(middleware.RequireRole(logg, enums.ActorRoleVendor))
		r.Use(middleware.VendorContext(logg))
		r.Use(middleware.Idempotency(idempotencyStore, cfg.Eventing.PayoutRequestTTL, logg))

		r.Get("/balance", controllers.VendorBalance(ledgerService, logg))
		r.Get("/ledger/entries", controllers.VendorLedgerEntries(ledgerService, logg))
		r.Route("/payouts", func(r chi.Router) {
			r.Get("/", controllers.VendorPayoutList(payoutService, logg))
			r.Post("/", controllers.VendorPayoutCreate(payoutService, logg))
			r.Get("/{payoutId}", controllers.VendorPayoutDetail(payoutService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(tokens, logg))
		r.Use(middleware.RequireRole(logg, enums.ActorRoleAdmin))
		r.Use(middleware.Idempotency(idempotencyStore, cfg.Eventing.PayoutRequestTTL, logg))

		r.Route("/payouts", func(r chi.Router) {
			r.Get("/", controllers.AdminPayoutList(payoutService, logg))
			r.Get("/{payoutId}", controllers.AdminPayoutDetail(payoutService, logg))
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(logg, enums.CapabilityApprovePayouts))
				r.Post("/{payoutId}/approve", controllers.AdminPayoutApprove(payoutService, logg))
				r.Post("/{payoutId}/processing", controllers.AdminPayoutProcessing(payoutService, logg))
				r.Post("/{payoutId}/reject", controllers.AdminPayoutReject(payoutService, logg))
				r.Post("/{payoutId}/complete", controllers.AdminPayoutComplete(payoutService, logg))
			})
		})
		r.Get("/vendors/{vendorId}/balance", controllers.AdminVendorBalance(ledgerService, logg))
	})

	r.Route("/api/internal/v1", func(r chi.Router) {
		r.Use(middleware.Auth(tokens, logg))
		r.Use(middleware.RequireRole(logg, enums.ActorRoleSystem))
		r.Use(middleware.RequireCapability(logg, enums.CapabilityCreditEarnings))
		r.Use(middleware.Idempotency(idempotencyStore, cfg.Eventing.HTTPIdempotencyTTL, logg))

		r.Post("/ledger/credits", controllers.InternalLedgerCredit(ledgerService, logg))
	})

	return r
}
