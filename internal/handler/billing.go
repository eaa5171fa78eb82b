// Package handler contains the HTTP layer of the billing engine.
//
// This file implements the tenant-facing billing API.
//
// Routes handled (all behind the tenant middleware):
//   - GET    /api/billing/account            -> GetAccount
//   - DELETE /api/billing/account            -> ArchiveAccount
//   - GET    /api/billing/plans              -> ListPlans
//   - GET    /api/billing/transactions       -> ListTransactions
//   - GET    /api/billing/invoices           -> ListInvoices
//   - GET    /api/billing/limits             -> CheckLimit
//   - POST   /api/billing/checkout/upgrade   -> StartUpgradeCheckout
//   - POST   /api/billing/checkout/credits   -> StartCreditCheckout
//   - POST   /api/billing/portal             -> OpenPortal
//   - POST   /api/billing/downgrade          -> RequestDowngrade
//   - DELETE /api/billing/downgrade          -> CancelDowngrade
//   - POST   /api/billing/subscription/cancel     -> CancelSubscription
//   - POST   /api/billing/subscription/reactivate -> ReactivateSubscription
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetdock/fleetdock/internal/auth"
	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/service"
	"github.com/google/uuid"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 16

// BillingHandler handles tenant-facing billing API requests.
type BillingHandler struct {
	ledger   service.LedgerService
	plans    service.PlanService
	checkout service.CheckoutService
	limits   service.LimitService
	invoices service.InvoiceService
	logger   *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(
	ledger service.LedgerService,
	plans service.PlanService,
	checkout service.CheckoutService,
	limits service.LimitService,
	invoices service.InvoiceService,
	logger *slog.Logger,
) *BillingHandler {
	return &BillingHandler{
		ledger:   ledger,
		plans:    plans,
		checkout: checkout,
		limits:   limits,
		invoices: invoices,
		logger:   logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, requireTenant func(http.Handler) http.Handler) {
	mux.Handle("GET /api/billing/account", requireTenant(http.HandlerFunc(h.GetAccount)))
	mux.Handle("DELETE /api/billing/account", requireTenant(http.HandlerFunc(h.ArchiveAccount)))
	mux.Handle("GET /api/billing/plans", requireTenant(http.HandlerFunc(h.ListPlans)))
	mux.Handle("GET /api/billing/transactions", requireTenant(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("GET /api/billing/invoices", requireTenant(http.HandlerFunc(h.ListInvoices)))
	mux.Handle("GET /api/billing/limits", requireTenant(http.HandlerFunc(h.CheckLimit)))
	mux.Handle("POST /api/billing/checkout/upgrade", requireTenant(http.HandlerFunc(h.StartUpgradeCheckout)))
	mux.Handle("POST /api/billing/checkout/credits", requireTenant(http.HandlerFunc(h.StartCreditCheckout)))
	mux.Handle("POST /api/billing/portal", requireTenant(http.HandlerFunc(h.OpenPortal)))
	mux.Handle("POST /api/billing/downgrade", requireTenant(http.HandlerFunc(h.RequestDowngrade)))
	mux.Handle("DELETE /api/billing/downgrade", requireTenant(http.HandlerFunc(h.CancelDowngrade)))
	mux.Handle("POST /api/billing/subscription/cancel", requireTenant(http.HandlerFunc(h.CancelSubscription)))
	mux.Handle("POST /api/billing/subscription/reactivate", requireTenant(http.HandlerFunc(h.ReactivateSubscription)))
}

// accountResponse is the JSON shape of the account summary.
type accountResponse struct {
	TenantID         uuid.UUID          `json:"tenant_id"`
	Plan             domain.PlanTier    `json:"plan"`
	Status           string             `json:"status"`
	CreditBalance    int64              `json:"credit_balance"`
	UnlimitedCredits bool               `json:"unlimited_credits"`
	CycleCreditsUsed int64              `json:"cycle_credits_used"`
	Limits           domain.PlanLimits  `json:"limits"`
	NextBillingDate  *time.Time         `json:"next_billing_date,omitempty"`
	PlanStartedAt    time.Time          `json:"plan_started_at"`
	PendingChange    *pendingChangeBody `json:"pending_change,omitempty"`
}

type pendingChangeBody struct {
	TargetPlan  domain.PlanTier `json:"target_plan"`
	EffectiveAt time.Time       `json:"effective_at"`
	Reason      string          `json:"reason,omitempty"`
}

// GetAccount returns the tenant's billing account summary, provisioning
// the default Free account on first access.
func (h *BillingHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, "handler.get_account", "tenant not resolved"))
		return
	}

	account, err := h.ledger.EnsureAccount(r.Context(), tenantID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := accountResponse{
		TenantID:         account.TenantID,
		Plan:             account.Plan,
		Status:           string(account.Status),
		CreditBalance:    account.CreditBalance,
		UnlimitedCredits: account.UnlimitedCredits,
		CycleCreditsUsed: account.CycleCreditsUsed,
		Limits:           account.Limits(),
		NextBillingDate:  account.NextBillingDate,
		PlanStartedAt:    account.PlanStartedAt,
	}
	if account.Pending != nil {
		resp.PendingChange = &pendingChangeBody{
			TargetPlan:  account.Pending.TargetPlan,
			EffectiveAt: account.Pending.EffectiveAt,
			Reason:      account.Pending.Reason,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ArchiveAccount soft-archives the billing account. Called by the fleet
// CRUD service when a tenant is deleted; the ledger history is retained.
func (h *BillingHandler) ArchiveAccount(w http.ResponseWriter, r *http.Request) {
	const op = "handler.archive_account"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	if err := h.ledger.ArchiveAccount(r.Context(), tenantID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPlans returns the plan catalog.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": domain.AllPlans()})
}

// ListTransactions returns the tenant's ledger, newest first.
func (h *BillingHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, "handler.list_transactions", "tenant not resolved"))
		return
	}

	limit, offset := pagination(r)
	txns, err := h.ledger.Transactions(r.Context(), tenantID, limit, offset)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// ListInvoices returns the tenant's invoice history, newest first.
func (h *BillingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, "handler.list_invoices", "tenant not resolved"))
		return
	}

	limit, offset := pagination(r)
	invoices, err := h.invoices.History(r.Context(), tenantID, limit, offset)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

// CheckLimit answers whether adding one more of ?resource= stays within
// the plan, or whether ?credits=N can be spent.
func (h *BillingHandler) CheckLimit(w http.ResponseWriter, r *http.Request) {
	const op = "handler.check_limit"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	var (
		check *service.LimitCheck
		err   error
	)
	if rawCredits := r.URL.Query().Get("credits"); rawCredits != "" {
		amount, parseErr := strconv.ParseInt(rawCredits, 10, 64)
		if parseErr != nil {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "credits must be an integer"))
			return
		}
		check, err = h.limits.CheckCredits(r.Context(), tenantID, amount)
	} else {
		resource := service.Resource(r.URL.Query().Get("resource"))
		if resource == "" {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "either resource or credits query parameter is required"))
			return
		}
		check, err = h.limits.CheckLimit(r.Context(), tenantID, resource)
	}
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type upgradeCheckoutRequest struct {
	Plan  string `json:"plan"`
	Cycle string `json:"cycle"`
}

// StartUpgradeCheckout creates a subscription checkout session and
// returns its URL.
func (h *BillingHandler) StartUpgradeCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "handler.start_upgrade_checkout"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	var req upgradeCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "invalid request body"))
		return
	}
	target, known := domain.ParseTier(req.Plan)
	if !known {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, fmt.Sprintf("unknown plan %q", req.Plan)))
		return
	}
	cycle := billing.BillingCycle(req.Cycle)
	if cycle == "" {
		cycle = billing.CycleMonthly
	}
	if cycle != billing.CycleMonthly && cycle != billing.CycleYearly {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, fmt.Sprintf("unknown billing cycle %q", req.Cycle)))
		return
	}

	url, err := h.checkout.StartUpgradeCheckout(r.Context(), tenantID, target, cycle)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
}

type creditCheckoutRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// StartCreditCheckout creates a one-off credit purchase session and
// returns its URL plus the credits the payment will grant.
func (h *BillingHandler) StartCreditCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "handler.start_credit_checkout"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	var req creditCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "invalid request body"))
		return
	}

	url, err := h.checkout.StartCreditPurchaseCheckout(r.Context(), tenantID, req.AmountCents)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkout_url": url,
		"credits":      domain.CreditsForAmount(req.AmountCents),
	})
}

// OpenPortal returns a customer-portal URL.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	const op = "handler.open_portal"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	url, err := h.checkout.OpenPortal(r.Context(), tenantID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"portal_url": url})
}

type downgradeRequest struct {
	Plan string `json:"plan"`
}

// RequestDowngrade schedules a downgrade after the grace period.
func (h *BillingHandler) RequestDowngrade(w http.ResponseWriter, r *http.Request) {
	const op = "handler.request_downgrade"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	var req downgradeRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "invalid request body"))
		return
	}
	target, known := domain.ParseTier(req.Plan)
	if !known {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, fmt.Sprintf("unknown plan %q", req.Plan)))
		return
	}

	pending, err := h.plans.RequestDowngrade(r.Context(), tenantID, target)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pendingChangeBody{
		TargetPlan:  pending.TargetPlan,
		EffectiveAt: pending.EffectiveAt,
		Reason:      pending.Reason,
	})
}

// CancelDowngrade clears a scheduled downgrade.
func (h *BillingHandler) CancelDowngrade(w http.ResponseWriter, r *http.Request) {
	const op = "handler.cancel_downgrade"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	if err := h.plans.CancelDowngrade(r.Context(), tenantID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelSubscription flags the subscription to cancel at period end.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "handler.cancel_subscription"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	if err := h.checkout.CancelAtPeriodEnd(r.Context(), tenantID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_scheduled"})
}

// ReactivateSubscription removes the cancel-at-period-end flag.
func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "handler.reactivate_subscription"

	tenantID, ok := auth.GetTenantID(r.Context())
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EUNAUTHORIZED, op, "tenant not resolved"))
		return
	}

	if err := h.checkout.Reactivate(r.Context(), tenantID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// decodeJSON reads a bounded JSON request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// pagination parses limit/offset query parameters with sane defaults.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
