package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"storeledger/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected configured origin, got %q", got)
	}
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	api, _ := newTestAPI(t)

	cases := map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
		"foreign": signedWithOtherSecret(t),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, api, http.MethodGet, "/api/v1/locations/main-store/balance", token, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestRoleGatesAdminRoutes(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", tokenFor(t, api, "maya", "manager"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected manager to be denied audit logs, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/locations", tokenFor(t, api, "root", "admin"), domain.LocationCreateRequest{ID: "pop-up", Name: "Pop-up"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected admin to create a location, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/locations", tokenFor(t, api, "root", "admin"), domain.LocationCreateRequest{ID: "pop-up", Name: "Pop-up"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected duplicate location to conflict, got %d", rec.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"kind":"deposit","amount":1,"note":"%s"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations/main-store/movements", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, api, "carl", "cashier"))
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	api, _ := newTestAPI(t)
	token := tokenFor(t, api, "maya", "manager")

	for i := 0; i < 9; i++ {
		rec := doJSON(t, api, http.MethodPost, "/api/v1/locations/main-store/float", token, domain.FloatSetRequest{Target: 100, ManagerPIN: "000000"})
		if i < 8 && rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before limit, got %d", i+1, rec.Code)
		}
		if i == 8 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", rec.Code)
		}
	}
}

func signedWithOtherSecret(t *testing.T) string {
	t.Helper()
	other := NewAuthManager("some-other-secret", 0, "")
	token, _, err := other.IssueToken("mallory", "admin")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
