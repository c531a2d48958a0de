package main

import (
	"context"
	"log/slog"
	"os"
	"path"
	"strings"

	"madrasa-backend/common"
	"madrasa-backend/db"
	"madrasa-backend/sections"
	"madrasa-backend/sections/billing"
	"madrasa-backend/sections/common/auth"
	"madrasa-backend/sections/common/users"
	"madrasa-backend/sections/models"
	"madrasa-backend/services"
	"madrasa-backend/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func main() {
	ctx := context.Background()

	// Set up structured logging with debug level
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))

	// Load environment variables
	if _, err := os.Stat(common.PRIVATE_CREDENTIALS_DOTENV); err == nil {
		if err := godotenv.Load(common.PRIVATE_CREDENTIALS_DOTENV); err != nil {
			slog.Error("Failed to load .env.private file", "error", err)
			os.Exit(1)
		}
	}

	cfgDir := getEnv("CONFIG_DIR", common.DEFAULT_CONFIG_DIR)

	// Load configuration
	cfg, err := common.LoadConfig(cfgDir)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Load the plan catalog
	plansFile := getEnv("PLANS_FILE", path.Join(cfgDir, "plans.json"))
	plans, err := common.LoadPlans(plansFile)
	if err != nil {
		slog.Error("Failed to load plans", "file", plansFile, "error", err)
		os.Exit(1)
	}
	slog.Info("Plan catalog loaded", "plans", len(plans))

	// Connect to the database and migrate shared models
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.RegisterModels(ctx,
		&models.Mosque{},
		&models.User{},
		&models.UserMosque{},
		&models.PendingPayment{},
		&models.RetryQueueEntry{},
		&models.WebhookEventLog{},
		&models.Student{},
		&models.Teacher{},
	); err != nil {
		slog.Error("Failed to register models", "error", err)
		os.Exit(1)
	}
	if err := database.MigrateSharedModels(ctx); err != nil {
		slog.Error("Failed to migrate shared models", "error", err)
		os.Exit(1)
	}

	// Initialize Redis client
	redisClient, err := storage.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix, 0)
	if err != nil {
		slog.Error("Failed to initialize Redis client", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Initialize services
	stripeSvc := services.NewStripeService(plans, cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	mailerSvc := services.NewMailerService(cfg)

	jwtManager, err := auth.NewJWTManagerFromEnv()
	if err != nil {
		slog.Error("Failed to initialize JWT manager", "error", err)
		os.Exit(1)
	}

	deps := sections.NewDependencies(cfg, database, redisClient, stripeSvc, mailerSvc, plans)

	// Wire the billing object graph and start the retry scheduler
	billingSvcs := billing.BuildServices(deps)

	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	go billingSvcs.Scheduler.Run(schedulerCtx)

	// Initialize Gin router
	r := gin.Default()

	env := getEnv("APP_ENV", "production")
	trustedProxies := getEnv("TRUSTED_PROXIES", "")
	corsOrigins := getEnv("CORS_ORIGINS", "")

	if env != "development" && trustedProxies == "" {
		slog.Error("In production mode, TRUSTED_PROXIES must be set")
		os.Exit(1)
	} else if trustedProxies != "" {
		slog.Info("Setting trusted proxies", "proxies", trustedProxies)
		proxies := strings.Split(trustedProxies, ",")
		if err := r.SetTrustedProxies(proxies); err != nil {
			slog.Error("Failed to set trusted proxies", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No trusted proxies set (TRUSTED_PROXIES not defined)")
	}

	// Configure CORS
	corsConfig := cors.DefaultConfig()

	if env != "development" && corsOrigins == "" {
		slog.Error("In production mode, CORS_ORIGINS must be set")
		os.Exit(1)
	} else if corsOrigins != "" {
		slog.Info("CORS origins set from CORS_ORIGINS")
		corsConfig.AllowOrigins = strings.Split(corsOrigins, ",")
	} else {
		slog.Warn("Using default origin function in non-production mode (CORS_ORIGINS not defined)")
		corsConfig.AllowOriginFunc = func(origin string) bool {
			if origin == "http://localhost" || strings.HasPrefix(origin, "http://localhost:") {
				return true
			}
			return false
		}
	}

	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Mosque-ID"}
	r.Use(cors.New(corsConfig))

	// Each mosque schema doubles as a subdomain; when requests arrive on
	// per-mosque subdomains, resolve the tenant from the host instead of the
	// header.
	if getEnv("SUBDOMAIN_TENANCY", "") == "true" {
		r.Use(auth.GormMultitenancyMiddleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API routes
	users.RegisterRoutes(r, deps, jwtManager, billingSvcs.Registration)
	billing.RegisterRoutes(r, deps, jwtManager, billingSvcs)

	slog.Info("Server starting", "addr", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}
