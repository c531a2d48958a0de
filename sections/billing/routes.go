package billing

import (
	"madrasa-backend/middleware"
	"madrasa-backend/sections"
	"madrasa-backend/sections/common/auth"

	"github.com/gin-gonic/gin"
)

// Services is the wired billing object graph. Built once at startup and
// shared between the HTTP routes and the background scheduler.
type Services struct {
	Payments PendingPaymentStore
	Mosques  MosqueStore
	Retries  RetryQueueStore
	EventLog EventLogStore

	Resolver     *CorrelationResolver
	Linker       *TenantLinker
	Ingestor     *WebhookIngestor
	Registration *RegistrationLinker
	Scheduler    *RetryScheduler
	Trial        *TrialService
}

// BuildServices wires the billing services on top of the shared dependencies.
func BuildServices(deps *sections.Dependencies) *Services {
	gormDB := deps.DB.DB.DB

	payments := NewGormPendingPaymentStore(gormDB)
	mosques := NewGormMosqueStore(gormDB)
	retries := NewGormRetryQueueStore(gormDB)
	eventLog := NewGormEventLogStore(gormDB)

	resolver := NewCorrelationResolver(payments)
	linker := NewTenantLinker(payments, mosques)
	ingestor := NewWebhookIngestor(deps.Stripe, payments, mosques, linker, eventLog, deps.Mailer)
	registration := NewRegistrationLinker(resolver, linker, retries, deps.Redis, deps.Mailer)
	scheduler := NewRetryScheduler(retries, payments, linker, deps.Mailer)
	trial := NewTrialService(mosques, NewGormUsageCounter(deps.DB), deps.Config.TrialDays)

	return &Services{
		Payments:     payments,
		Mosques:      mosques,
		Retries:      retries,
		EventLog:     eventLog,
		Resolver:     resolver,
		Linker:       linker,
		Ingestor:     ingestor,
		Registration: registration,
		Scheduler:    scheduler,
		Trial:        trial,
	}
}

// RegisterRoutes registers billing-related routes
func RegisterRoutes(r *gin.Engine, deps *sections.Dependencies, jwtManager *auth.JWTManager, svcs *Services) {
	h := NewHandler(deps, svcs.Mosques, svcs.Registration, svcs.Trial)

	grp := r.Group("/api/v1/billing")
	grp.POST("/webhook", svcs.Ingestor.HandleWebhook)
	grp.POST("/checkout", auth.OptionalJWTMiddleware(jwtManager), h.CreateCheckout)

	authed := grp.Group("")
	authed.Use(auth.JWTAuthMiddleware(jwtManager))
	authed.POST("/link", h.LinkRegistration)
	authed.POST("/cancel", h.CancelSubscription)
	authed.GET("/trial-status", auth.MosqueFromHeaderMiddleware(auth.DefaultMosqueMiddlewareConfig()), h.TrialStatus)

	internal := grp.Group("/internal")
	internal.Use(middleware.APIKeyAuthMiddleware(
		middleware.StaticCredentialsValidator(deps.Config.InternalApiKey, deps.Config.InternalApiSecret)))
	internal.POST("/retry", h.EnqueueRetry)
}
