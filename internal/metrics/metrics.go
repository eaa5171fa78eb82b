// Package metrics defines the Prometheus instrumentation for the billing
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetdock"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// Ledger metrics
var (
	LedgerTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Credit ledger transactions appended, by type",
		},
		[]string{"type"},
	)

	CreditsSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_spent_total",
			Help:      "Credits deducted for document processing",
		},
	)
)

// Webhook reconciler metrics
var (
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment processor webhook events, by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// Checkout metrics
var (
	CheckoutSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions created, by kind",
		},
		[]string{"kind"},
	)
)

// Downgrade sweep metrics
var (
	DowngradeSweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrade_sweep_runs_total",
			Help:      "Executions of the pending-downgrade sweep",
		},
	)

	DowngradeSweepExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrade_sweep_executed_total",
			Help:      "Pending downgrades applied by the sweep",
		},
	)

	DowngradeSweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrade_sweep_failures_total",
			Help:      "Tenants whose pending downgrade failed to apply",
		},
	)
)
