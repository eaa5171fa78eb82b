package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetdock/fleetdock/internal"
	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/handler"
	"github.com/fleetdock/fleetdock/internal/jobs"
	"github.com/fleetdock/fleetdock/internal/metrics"
	"github.com/fleetdock/fleetdock/internal/middleware"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/fleetdock/fleetdock/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Run migrations over a short-lived database/sql connection
	migrateDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if err := migrateDB.PingContext(ctx); err != nil {
		migrateDB.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := internal.RunMigrations(migrateDB); err != nil {
		migrateDB.Close()
		return fmt.Errorf("migration failed: %w", err)
	}
	migrateDB.Close()

	// The application itself runs on a pgx pool
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("connection pool creation failed: %w", err)
	}
	defer pool.Close()
	logger.Info("Database ready")

	// Initialize repositories
	accountRepo := repository.NewAccountRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	invoiceRepo := repository.NewInvoiceRepo(pool)
	eventJournal := repository.NewEventJournal(pool)
	usageRepo := repository.NewUsageRepo(pool)

	// Initialize Stripe (nil when not configured; checkout handlers
	// reject requests and webhooks are acknowledged unprocessed)
	var billingSvc billing.Service
	if cfg.BillingEnabled() {
		billingSvc = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, billing.PriceConfig{
			StarterMonthlyPriceID:      cfg.StripeStarterMonthlyPriceID,
			StarterYearlyPriceID:       cfg.StripeStarterYearlyPriceID,
			ProfessionalMonthlyPriceID: cfg.StripeProfessionalMonthlyPriceID,
			ProfessionalYearlyPriceID:  cfg.StripeProfessionalYearlyPriceID,
		})
		logger.Info("Stripe billing enabled")
	} else {
		logger.Warn("Stripe billing disabled: no secret key configured")
	}

	// Initialize services
	ledgerSvc := service.NewLedgerService(pool, accountRepo, ledgerRepo, logger)
	planSvc := service.NewPlanService(pool, accountRepo, ledgerRepo, usageRepo, logger)
	limitSvc := service.NewLimitService(ledgerSvc, usageRepo, logger)
	invoiceSvc := service.NewInvoiceService(invoiceRepo, logger)
	checkoutSvc := service.NewCheckoutService(ledgerSvc, accountRepo, billingSvc, cfg.BaseURL, cfg.CheckoutTimeout, logger)
	reconciler := service.NewReconcilerService(pool, accountRepo, invoiceRepo, eventJournal, ledgerSvc, planSvc, billingSvc, logger)

	// Initialize middleware
	tenantMw := middleware.NewTenantMiddleware(logger)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)

	// Initialize handlers
	billingHandler := handler.NewBillingHandler(ledgerSvc, planSvc, checkoutSvc, limitSvc, invoiceSvc, logger)
	webhookHandler := handler.NewWebhookHandler(billingSvc, reconciler, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics (basic auth when credentials are configured)
	mux.Handle("GET /metrics", basicAuth(cfg.MetricsUsername, cfg.MetricsPassword, promhttp.Handler()))

	// Webhooks (public, signature-authenticated)
	webhookHandler.RegisterRoutes(mux)

	// Tenant-facing API
	billingHandler.RegisterRoutes(mux, tenantMw.RequireTenant)

	root := middleware.Stack(loggingMw.Handler, metrics.Middleware)(mux)

	// ==========================================================================
	// Start background jobs and server
	// ==========================================================================

	var scheduler *jobs.Scheduler
	if cfg.SweepEnabled {
		scheduler, err = jobs.NewScheduler(planSvc, eventJournal, cfg.SweepInterval, cfg.JournalRetention, logger)
		if err != nil {
			return fmt.Errorf("scheduler initialization failed: %w", err)
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: root,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			logger.Error("Scheduler shutdown error", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// basicAuth protects a handler with HTTP basic auth. With no credentials
// configured the handler is served unprotected.
func basicAuth(username, password string, next http.Handler) http.Handler {
	if username == "" && password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
