// Package auth provides tenant context helpers.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// tenantContextKey is the key used to store the tenant ID in context.
	tenantContextKey contextKey = "tenant_id"
)

// GetTenantID retrieves the tenant ID from the context.
//
// Returns uuid.Nil and false if no tenant is set.
//
// Usage:
//
//	tenantID, ok := auth.GetTenantID(r.Context())
//	if !ok {
//	    // Handle missing tenant
//	}
func GetTenantID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantContextKey).(uuid.UUID)
	return id, ok
}

// GetTenantIDFromRequest retrieves the tenant ID from the request context.
//
// This is a convenience wrapper around GetTenantID that takes the request directly.
func GetTenantIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	return GetTenantID(r.Context())
}

// SetTenantID stores a tenant ID in the context.
//
// This is typically called by the tenant middleware after resolving the
// caller's tenant.
func SetTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}
