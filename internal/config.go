package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// Application base URL (for checkout redirect URLs)
	BaseURL string

	// Stripe Billing Configuration
	// These are required when billing is enabled in production.
	// In development, the checkout handlers reject requests if these are empty.
	StripeSecretKey     string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)

	// Stripe Price IDs for subscription plans
	StripeStarterMonthlyPriceID      string
	StripeStarterYearlyPriceID       string
	StripeProfessionalMonthlyPriceID string
	StripeProfessionalYearlyPriceID  string

	// Checkout session creation timeout against the Stripe API
	CheckoutTimeout time.Duration

	// Downgrade sweep configuration
	SweepEnabled  bool
	SweepInterval time.Duration

	// Webhook journal retention
	JournalRetention time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		// Base URL defaults to localhost for development
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		// Stripe billing (required in production)
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		// Stripe price IDs (required when billing is enabled)
		StripeStarterMonthlyPriceID:      getEnv("STRIPE_STARTER_MONTHLY_PRICE_ID", ""),
		StripeStarterYearlyPriceID:       getEnv("STRIPE_STARTER_YEARLY_PRICE_ID", ""),
		StripeProfessionalMonthlyPriceID: getEnv("STRIPE_PROFESSIONAL_MONTHLY_PRICE_ID", ""),
		StripeProfessionalYearlyPriceID:  getEnv("STRIPE_PROFESSIONAL_YEARLY_PRICE_ID", ""),

		CheckoutTimeout: getEnvDuration("CHECKOUT_TIMEOUT", 15*time.Second),

		// Sweep defaults: hourly downgrade execution
		SweepEnabled:  getEnvBool("SWEEP_ENABLED", true),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Hour),

		// Keep processed webhook ids long past Stripe's retry horizon
		JournalRetention: getEnvDuration("JOURNAL_RETENTION", 90*24*time.Hour),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Stripe must be fully configured or not at all
	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if cfg.Env != "development" && cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required outside development")
	}

	return cfg, nil
}

// BillingEnabled reports whether Stripe credentials are configured.
func (c *Config) BillingEnabled() bool {
	return c.StripeSecretKey != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
