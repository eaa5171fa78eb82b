// Package handler contains the HTTP layer of the billing engine.
//
// This file maps domain error codes to HTTP status codes and formats
// error responses. The API is JSON-only.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetdock/fleetdock/internal/domain"
)

// ErrorResponse writes an error response to the client, mapping domain
// error codes to HTTP status codes.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	op := domain.ErrorOp(err)
	status := ErrorCodeToHTTPStatus(code)

	logError(logger, r, err, code, op, status)
	writeJSONError(w, status, code, message, err)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EPAYMENT:
		return http.StatusPaymentRequired // 402
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable // 503
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// logError logs the error with a level based on the status code: 5xx is a
// server-side problem, 4xx is expected client behavior.
func logError(logger *slog.Logger, r *http.Request, err error, code, op string, status int) {
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}
	if op != "" {
		attrs = append(attrs, "op", op)
	}

	if status >= 500 {
		logger.Error("server error", attrs...)
	} else if status >= 400 {
		logger.Info("client error", attrs...)
	}
}

// writeJSONError writes a JSON error response. Errors carrying structured
// details (insufficient credits, blocked downgrade) expose them so clients
// can render the specific violation.
func writeJSONError(w http.ResponseWriter, status int, code, message string, err error) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details := errorDetails(err); details != nil {
		body["details"] = details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func errorDetails(err error) any {
	var insufficient *domain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return map[string]int64{
			"requested": insufficient.Requested,
			"balance":   insufficient.Balance,
		}
	}
	var blocked *domain.DowngradeBlockedError
	if errors.As(err, &blocked) {
		return map[string]any{
			"target":     blocked.Target,
			"violations": blocked.Violations,
		}
	}
	return nil
}
