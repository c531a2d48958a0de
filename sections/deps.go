package sections

import (
	"madrasa-backend/common"
	"madrasa-backend/db"
	"madrasa-backend/services"
	"madrasa-backend/storage"
)

// Dependencies holds all shared dependencies for handlers
type Dependencies struct {
	Config *common.Config
	DB     *db.DB
	Redis  *storage.RedisClient
	Stripe *services.StripeService
	Mailer *services.MailerService
	Plans  []common.Plan
}

// NewDependencies creates a new Dependencies instance
func NewDependencies(
	cfg *common.Config,
	database *db.DB,
	redis *storage.RedisClient,
	stripeSvc *services.StripeService,
	mailer *services.MailerService,
	plans []common.Plan,
) *Dependencies {
	return &Dependencies{
		Config: cfg,
		DB:     database,
		Redis:  redis,
		Stripe: stripeSvc,
		Mailer: mailer,
		Plans:  plans,
	}
}
