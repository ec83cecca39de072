package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/irishbyblood/horizen-network-deploy/api/controllers"
	subscriptioncontrollers "github.com/irishbyblood/horizen-network-deploy/api/controllers/subscriptions"
	webhookcontrollers "github.com/irishbyblood/horizen-network-deploy/api/controllers/webhooks"
	"github.com/irishbyblood/horizen-network-deploy/api/middleware"
	"github.com/irishbyblood/horizen-network-deploy/internal/billing"
	subscriptionsvc "github.com/irishbyblood/horizen-network-deploy/internal/subscriptions"
	stripewebhook "github.com/irishbyblood/horizen-network-deploy/internal/webhooks/stripe"
	"github.com/irishbyblood/horizen-network-deploy/pkg/config"
	"github.com/irishbyblood/horizen-network-deploy/pkg/db"
	"github.com/irishbyblood/horizen-network-deploy/pkg/logger"
	"github.com/irishbyblood/horizen-network-deploy/pkg/redis"
	"github.com/irishbyblood/horizen-network-deploy/pkg/stripe"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	catalog *billing.Catalog,
	subscriptionsService subscriptionsvc.Service,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
	})

	r.Route("/api/v1/subscriptions", func(r chi.Router) {
		r.Post("/", subscriptioncontrollers.Create(subscriptionsService, logg))
		r.Get("/", subscriptioncontrollers.Fetch(subscriptionsService, logg))
		r.Post("/cancel", subscriptioncontrollers.Cancel(subscriptionsService, logg))
		r.Post("/reactivate", subscriptioncontrollers.Reactivate(subscriptionsService, logg))
		r.Post("/plan", subscriptioncontrollers.ChangePlan(subscriptionsService, logg))
		r.Post("/sync", subscriptioncontrollers.Sync(subscriptionsService, logg))
		r.Get("/access", subscriptioncontrollers.Access(subscriptionsService, logg))
		r.Get("/payments", subscriptioncontrollers.PaymentHistory(subscriptionsService, logg))
		r.Get("/plans", subscriptioncontrollers.Plans(catalog, logg))
		r.Post("/checkout-session", subscriptioncontrollers.CheckoutSession(subscriptionsService, logg))
		r.Post("/portal-session", subscriptioncontrollers.PortalSession(subscriptionsService, logg))
	})

	return r
}
