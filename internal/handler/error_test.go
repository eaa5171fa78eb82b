package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fleetdock/fleetdock/internal/domain"
)

func testHandlerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrorResponse_InternalErrorHidesDetails(t *testing.T) {
	logger := testHandlerLogger()

	dbErr := &mockStoreError{message: "pgx: connection to 192.168.1.100:5432 refused"}
	internalErr := domain.Internal(dbErr, "accountRepo.GetByTenant", "query failed")

	req := httptest.NewRequest("GET", "/api/billing/account", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, logger, internalErr)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	body := rec.Body.String()
	if strings.Contains(body, "192.168") {
		t.Errorf("response exposes internal address: %s", body)
	}
	if strings.Contains(body, "accountRepo") {
		t.Errorf("response exposes internal operation: %s", body)
	}
	if !strings.Contains(body, "internal error") {
		t.Errorf("response should carry generic internal message, got: %s", body)
	}
}

func TestErrorResponse_UnwrappedErrorReturnsGeneric(t *testing.T) {
	logger := testHandlerLogger()
	rawErr := &mockStoreError{message: "FATAL: password authentication failed"}

	req := httptest.NewRequest("GET", "/api/billing/account", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, logger, rawErr)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "FATAL") || strings.Contains(body, "password") {
		t.Errorf("response exposes raw error: %s", body)
	}
}

func TestErrorResponse_InsufficientCreditsExposesDetails(t *testing.T) {
	logger := testHandlerLogger()
	err := domain.InsufficientCredits("ledgerService.Deduct", 10, 3)

	req := httptest.NewRequest("POST", "/api/billing/limits", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, logger, err)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Requested int64 `json:"requested"`
				Balance   int64 `json:"balance"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if payload.Error.Code != domain.EPAYMENT {
		t.Errorf("expected code %s, got %s", domain.EPAYMENT, payload.Error.Code)
	}
	if payload.Error.Details.Requested != 10 || payload.Error.Details.Balance != 3 {
		t.Errorf("expected details {10 3}, got %+v", payload.Error.Details)
	}
}

func TestErrorResponse_DowngradeBlockedExposesViolations(t *testing.T) {
	logger := testHandlerLogger()
	err := domain.DowngradeBlocked("planService.RequestDowngrade", domain.PlanStarter, []domain.LimitViolation{
		{Resource: "drivers", Current: 30, Limit: 25},
		{Resource: "documents_per_driver", Current: 25, Limit: 20},
	})

	req := httptest.NewRequest("POST", "/api/billing/downgrade", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, logger, err)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "drivers") || !strings.Contains(body, "documents_per_driver") {
		t.Errorf("response should enumerate violations, got: %s", body)
	}
	if !strings.Contains(body, `"limit":25`) {
		t.Errorf("response should carry violation limits, got: %s", body)
	}
}

func TestErrorCodeToHTTPStatus(t *testing.T) {
	cases := map[string]int{
		domain.EINVALID:      http.StatusBadRequest,
		domain.EUNAUTHORIZED: http.StatusUnauthorized,
		domain.EPAYMENT:      http.StatusPaymentRequired,
		domain.EFORBIDDEN:    http.StatusForbidden,
		domain.ENOTFOUND:     http.StatusNotFound,
		domain.ECONFLICT:     http.StatusConflict,
		domain.EUNAVAILABLE:  http.StatusServiceUnavailable,
		domain.EINTERNAL:     http.StatusInternalServerError,
		"unknown_code":       http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := ErrorCodeToHTTPStatus(code); got != want {
			t.Errorf("code %s: expected %d, got %d", code, want, got)
		}
	}
}

// mockStoreError simulates a backend error for testing.
type mockStoreError struct {
	message string
}

func (e *mockStoreError) Error() string {
	return e.message
}
