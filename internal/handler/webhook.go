// Package handler contains the HTTP layer of the billing engine.
//
// This file implements the Stripe webhook endpoint.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no tenant middleware) because Stripe calls it
// directly. Authentication is via the webhook signature.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/service"
)

// maxWebhookBody caps the webhook payload size.
const maxWebhookBody = 65536

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	billing    billing.Service
	reconciler service.ReconcilerService
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured.
func NewWebhookHandler(billingService billing.Service, reconciler service.ReconcilerService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing:    billingService,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook processes incoming Stripe webhook events.
//
// A bad signature gets a 400 so Stripe retries once the secret is fixed.
// Everything after verification is acknowledged with 200: processing
// failures are logged and resolved out of band, because redelivering an
// event our dispatcher cannot apply only produces duplicate noise.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	if err := h.reconciler.ProcessEvent(r.Context(), event); err != nil {
		h.logger.Error("webhook event processing failed",
			"type", event.Type,
			"id", event.ID,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}
