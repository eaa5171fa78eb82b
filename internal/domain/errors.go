// Package domain contains core business types for the billing engine.
//
// This file defines the structured error taxonomy. Services return *Error
// values with machine-readable codes so handlers and the webhook dispatcher
// can react to the specific violated invariant instead of a generic failure.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Application error codes
const (
	EINVALID      = "invalid"      // Invalid input or validation failure
	EUNAUTHORIZED = "unauthorized" // Authentication required (bad webhook signature)
	EFORBIDDEN    = "forbidden"    // Permission denied
	ENOTFOUND     = "not_found"    // Resource not found
	ECONFLICT     = "conflict"     // Resource conflict (blocked downgrade, duplicate)
	EPAYMENT      = "payment"      // Payment required (insufficient credits)
	EUNAVAILABLE  = "unavailable"  // External dependency unavailable, retryable
	EINTERNAL     = "internal"     // Internal server error
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "ledger.deduct")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Convenience constructors for common error types

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Unavailable creates a retryable error for an unreachable external dependency.
func Unavailable(err error, op, message string) *Error {
	return &Error{
		Code:    EUNAVAILABLE,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Billing-specific error details
// =============================================================================

// InsufficientCreditsError carries the balance state that caused a
// deduction to be rejected, so the caller can prompt a purchase.
type InsufficientCreditsError struct {
	Requested int64
	Balance   int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, balance %d", e.Requested, e.Balance)
}

// InsufficientCredits creates an EPAYMENT error with balance details.
func InsufficientCredits(op string, requested, balance int64) *Error {
	return &Error{
		Code:    EPAYMENT,
		Op:      op,
		Message: fmt.Sprintf("Not enough credits: %d requested but only %d available. Purchase additional credits or upgrade your plan.", requested, balance),
		Err:     &InsufficientCreditsError{Requested: requested, Balance: balance},
	}
}

// LimitViolation describes one resource that exceeds a plan cap.
type LimitViolation struct {
	Resource string `json:"resource"`
	Current  int64  `json:"current"`
	Limit    int64  `json:"limit"`
}

// DowngradeBlockedError enumerates every resource whose current usage
// exceeds the target plan's caps. The tenant must reduce usage before the
// downgrade can be scheduled.
type DowngradeBlockedError struct {
	Target     PlanTier
	Violations []LimitViolation
}

func (e *DowngradeBlockedError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %d exceeds limit %d", v.Resource, v.Current, v.Limit))
	}
	return fmt.Sprintf("downgrade to %s blocked: %s", e.Target, strings.Join(parts, "; "))
}

// DowngradeBlocked creates an ECONFLICT error listing the violated caps.
func DowngradeBlocked(op string, target PlanTier, violations []LimitViolation) *Error {
	detail := &DowngradeBlockedError{Target: target, Violations: violations}
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: detail.Error(),
		Err:     detail,
	}
}

// InvalidUpgradePath creates an EINVALID error for a disallowed plan change.
func InvalidUpgradePath(op string, from, to PlanTier) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: fmt.Sprintf("cannot upgrade from %s to %s", from, to),
	}
}

// UnknownTenant creates an ENOTFOUND error for an unmatched external
// customer reference. Webhook handlers log these and continue.
func UnknownTenant(op, customerRef string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("no billing account for customer %q", customerRef),
	}
}

// InvalidSignature creates an EUNAUTHORIZED error for a webhook payload
// that fails verification. This is the only webhook failure that should
// cause the processor to redeliver.
func InvalidSignature(op string, err error) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: "webhook signature verification failed",
		Err:     err,
	}
}
