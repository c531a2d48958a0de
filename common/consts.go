package common

import "time"

const (
	PRIVATE_CREDENTIALS_DOTENV = ".env.private"
	DEFAULT_CONFIG_DIR         = ".config/"
	DEFAULT_CONFIG_FILE        = "config.json"

	DEFAULT_REDIS_ADDR   = "localhost:6379"
	DEFAULT_REDIS_PREFIX = "madrasa:"
	DEFAULT_LISTEN_ADDR  = ":4000"

	DEFAULT_TRIAL_DAYS = 14

	// Pending payments sourced from checkout sessions are discarded after this TTL.
	DEFAULT_PENDING_PAYMENT_TTL = 2 * time.Hour

	// A resolved payment older than this is rejected as expired even on an exact match.
	RESOLUTION_MAX_PAYMENT_AGE = 1 * time.Hour

	// Freshness windows for the weaker correlation strategies.
	EMAIL_MATCH_WINDOW       = 30 * time.Minute
	TIME_WINDOW_MATCH_WINDOW = 10 * time.Minute

	// Window for the checkout-time "recent trialing mosque by email" heuristic.
	RECENT_MOSQUE_WINDOW = 30 * time.Minute

	DEFAULT_RETRY_INTERVAL     = 5 * time.Minute
	DEFAULT_RETRY_MAX_ATTEMPTS = 5
	RETRY_BACKOFF_STEP         = 10 * time.Minute
	RETRY_INITIAL_DELAY        = 5 * time.Minute

	// Bulk mail fan-out tuning.
	MAIL_BATCH_SIZE  = 10
	MAIL_BATCH_DELAY = 1 * time.Second
)
