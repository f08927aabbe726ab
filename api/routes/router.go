package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bring2life/bring2life-backend/api/controllers"
	commissioncontrollers "github.com/bring2life/bring2life-backend/api/controllers/commissions"
	"github.com/bring2life/bring2life-backend/api/middleware"
	"github.com/bring2life/bring2life-backend/internal/bids"
	"github.com/bring2life/bring2life-backend/internal/commissions"
	"github.com/bring2life/bring2life-backend/internal/notifications"
	"github.com/bring2life/bring2life-backend/internal/reputation"
	"github.com/bring2life/bring2life-backend/internal/settlement"
	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/redis"
)

// apiStore is the redis surface shared by idempotency and rate limiting.
type apiStore interface {
	redis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	gatherer prometheus.Gatherer,
	httpMetrics *metrics.HTTPMetrics,
	pingers map[string]controllers.Pinger,
	store apiStore,
	commissionService commissions.Service,
	bidService bids.Service,
	settlementService settlement.Service,
	reputationService reputation.Service,
	notificationsService notifications.Service,
	flagStore controllers.FlagStore,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
		middleware.Metrics(httpMetrics),
	)

	writePolicy := middleware.NewRateLimitPolicy(
		"writes",
		cfg.RateLimit.Window,
		cfg.RateLimit.UserLimit,
		cfg.RateLimit.IPLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, pingers))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(store, logg))
		r.Use(middleware.RateLimit(writePolicy, store, logg))

		r.Get("/ping", controllers.PrivatePing())

		r.Route("/v1/commissions", func(r chi.Router) {
			r.Post("/", commissioncontrollers.Create(commissionService, logg))
			r.Get("/", commissioncontrollers.List(commissionService, logg))
			r.Route("/{commissionId}", func(r chi.Router) {
				r.Get("/", commissioncontrollers.Detail(commissionService, logg))
				r.Post("/bids", commissioncontrollers.SubmitBid(bidService, logg))
				r.Get("/bids", commissioncontrollers.ListBids(bidService, logg))
				r.Post("/schedule", commissioncontrollers.Schedule(settlementService, logg))
				r.Post("/fund", commissioncontrollers.Fund(settlementService, logg))
				r.Post("/cancel", commissioncontrollers.Cancel(settlementService, logg))
				r.Post("/dispute", commissioncontrollers.Dispute(settlementService, logg))
			})
		})

		r.Route("/v1/bids/{bidId}", func(r chi.Router) {
			r.Post("/accept", commissioncontrollers.AcceptBid(bidService, logg))
			r.Post("/withdraw", commissioncontrollers.WithdrawBid(bidService, logg))
		})

		r.Route("/v1/milestones/{milestoneId}", func(r chi.Router) {
			r.Post("/submit", commissioncontrollers.SubmitMilestone(settlementService, logg))
			r.Post("/review", commissioncontrollers.ReviewMilestone(settlementService, logg))
			r.Post("/retry-release", commissioncontrollers.RetryRelease(settlementService, logg))
		})

		r.Get("/v1/users/{userId}/reputation", controllers.UserReputation(reputationService, logg))

		r.Route("/v1/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(notificationsService, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationsService, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationsService, logg))
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.PlatformRoleAdmin, logg))
		r.Use(middleware.Idempotency(store, logg))
		r.Use(middleware.RateLimit(writePolicy, store, logg))

		r.Get("/ping", controllers.AdminPing())
		r.Post("/v1/commissions/{commissionId}/dispute/resolve", controllers.AdminResolveDispute(settlementService, logg))
		r.Route("/v1/reconciliation/flags", func(r chi.Router) {
			r.Get("/", controllers.AdminReconciliationFlags(flagStore, logg))
			r.Post("/{flagId}/resolve", controllers.AdminResolveReconciliationFlag(flagStore, logg))
		})
	})

	return r
}
