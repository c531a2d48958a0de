package common

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
)

type Config struct {
	ListenAddr  string `json:"listen_addr"`
	DatabaseURL string `json:"database_url"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisPrefix   string `json:"redis_prefix"`

	StripeSecretKey     string `json:"stripe_secret_key"`
	StripeWebhookSecret string `json:"stripe_webhook_secret"`
	CheckoutSuccessURL  string `json:"checkout_success_url"`
	CheckoutCancelURL   string `json:"checkout_cancel_url"`

	MailTokenURL     string `json:"mail_token_url"`
	MailClientID     string `json:"mail_client_id"`
	MailClientSecret string `json:"mail_client_secret"`
	MailEndpoint     string `json:"mail_endpoint"`
	MailFromAddress  string `json:"mail_from_address"`

	InternalApiKey    string `json:"internal_api_key"`
	InternalApiSecret string `json:"internal_api_secret"`

	TrialDays int `json:"trial_days"`
}

func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()

	// Load config (JSON + env overrides)
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = DEFAULT_CONFIG_FILE
	}

	if !strings.HasPrefix(configPath, "/") && dir != "" {
		configPath = path.Join(dir, configPath)
	}

	if _, err := os.Stat(configPath); err == nil {
		fileCfg, err := LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg.applyConfigOverrides(fileCfg)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			dec := json.NewDecoder(f)
			_ = dec.Decode(&cfg) // ignore error, fallback to env/defaults
		}
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    DEFAULT_LISTEN_ADDR,
		RedisAddr:     DEFAULT_REDIS_ADDR,
		RedisPassword: "",
		RedisPrefix:   DEFAULT_REDIS_PREFIX,
		TrialDays:     DEFAULT_TRIAL_DAYS,
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		c.RedisPrefix = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		c.StripeWebhookSecret = v
	}
	if v := os.Getenv("CHECKOUT_SUCCESS_URL"); v != "" {
		c.CheckoutSuccessURL = v
	}
	if v := os.Getenv("CHECKOUT_CANCEL_URL"); v != "" {
		c.CheckoutCancelURL = v
	}
	if v := os.Getenv("MAIL_TOKEN_URL"); v != "" {
		c.MailTokenURL = v
	}
	if v := os.Getenv("MAIL_CLIENT_ID"); v != "" {
		c.MailClientID = v
	}
	if v := os.Getenv("MAIL_CLIENT_SECRET"); v != "" {
		c.MailClientSecret = v
	}
	if v := os.Getenv("MAIL_ENDPOINT"); v != "" {
		c.MailEndpoint = v
	}
	if v := os.Getenv("MAIL_FROM_ADDRESS"); v != "" {
		c.MailFromAddress = v
	}
	if v := os.Getenv("INTERNAL_API_KEY"); v != "" {
		c.InternalApiKey = v
	}
	if v := os.Getenv("INTERNAL_API_SECRET"); v != "" {
		c.InternalApiSecret = v
	}
	if v := os.Getenv("TRIAL_DAYS"); v != "" {
		c.TrialDays = atoiOrDefault(v, c.TrialDays)
	}
}

func (c *Config) applyConfigOverrides(cfg *Config) {
	if cfg.ListenAddr != "" {
		c.ListenAddr = cfg.ListenAddr
	}
	if cfg.DatabaseURL != "" {
		c.DatabaseURL = cfg.DatabaseURL
	}
	if cfg.RedisAddr != "" {
		c.RedisAddr = cfg.RedisAddr
	}
	if cfg.RedisPassword != "" {
		c.RedisPassword = cfg.RedisPassword
	}
	if cfg.RedisPrefix != "" {
		c.RedisPrefix = cfg.RedisPrefix
	}
	if cfg.StripeSecretKey != "" {
		c.StripeSecretKey = cfg.StripeSecretKey
	}
	if cfg.StripeWebhookSecret != "" {
		c.StripeWebhookSecret = cfg.StripeWebhookSecret
	}
	if cfg.CheckoutSuccessURL != "" {
		c.CheckoutSuccessURL = cfg.CheckoutSuccessURL
	}
	if cfg.CheckoutCancelURL != "" {
		c.CheckoutCancelURL = cfg.CheckoutCancelURL
	}
	if cfg.MailTokenURL != "" {
		c.MailTokenURL = cfg.MailTokenURL
	}
	if cfg.MailClientID != "" {
		c.MailClientID = cfg.MailClientID
	}
	if cfg.MailClientSecret != "" {
		c.MailClientSecret = cfg.MailClientSecret
	}
	if cfg.MailEndpoint != "" {
		c.MailEndpoint = cfg.MailEndpoint
	}
	if cfg.MailFromAddress != "" {
		c.MailFromAddress = cfg.MailFromAddress
	}
	if cfg.InternalApiKey != "" {
		c.InternalApiKey = cfg.InternalApiKey
	}
	if cfg.InternalApiSecret != "" {
		c.InternalApiSecret = cfg.InternalApiSecret
	}
	if cfg.TrialDays != 0 {
		c.TrialDays = cfg.TrialDays
	}
}

func atoiOrDefault(s string, def int) int {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return def
	}
	return n
}
