// Package middleware provides HTTP middleware for the billing engine.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fleetdock/fleetdock/internal/auth"
	"github.com/google/uuid"
)

// TenantHeader carries the caller's tenant ID. The billing service sits
// behind the platform gateway, which authenticates the caller and injects
// this header; it is trusted, not verified here.
const TenantHeader = "X-Tenant-ID"

// TenantMiddleware resolves the tenant from the gateway header and stores
// it in the request context.
type TenantMiddleware struct {
	logger *slog.Logger
}

// NewTenantMiddleware creates a new tenant resolution middleware.
func NewTenantMiddleware(logger *slog.Logger) *TenantMiddleware {
	return &TenantMiddleware{logger: logger}
}

// RequireTenant rejects requests without a valid tenant header.
func (m *TenantMiddleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			m.reject(w, r, "missing tenant header")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			m.reject(w, r, "malformed tenant header")
			return
		}

		ctx := auth.SetTenantID(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *TenantMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	m.logger.Info("request rejected", "reason", reason, "path", r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "unauthorized",
			"message": "A valid " + TenantHeader + " header is required.",
		},
	})
}

// Stack composes middlewares into a single wrapper. The first middleware
// listed is the outermost.
//
// Usage:
//
//	stack := Stack(loggingMw, tenantMw.RequireTenant)
//	mux.Handle("GET /api/billing/account", stack(accountHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
