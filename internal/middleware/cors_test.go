package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(t *testing.T, allowedOrigin, origin, method string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(method, "/api/tasks", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	CORS(allowedOrigin)(next).ServeHTTP(rec, req)
	return rec, nextCalled
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	rec, _ := corsRequest(t, "https://app.example.com", "https://app.example.com", http.MethodGet)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected origin echoed, got %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("Explicit origin should allow credentials")
	}
}

func TestCORSRejectsOtherOrigin(t *testing.T) {
	rec, nextCalled := corsRequest(t, "https://app.example.com", "https://evil.example.com", http.MethodGet)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Unexpected Allow-Origin for foreign origin: %q", got)
	}
	// CORS is a browser gate, not auth: the request itself still runs.
	if !nextCalled {
		t.Error("Handler should still run for non-browser callers")
	}
}

func TestCORSWildcardNeverAllowsCredentials(t *testing.T) {
	rec, _ := corsRequest(t, "*", "https://anywhere.example.com", http.MethodGet)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example.com" {
		t.Errorf("Wildcard should echo any origin, got %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("Wildcard must not allow credentials")
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	rec, nextCalled := corsRequest(t, "*", "https://app.example.com", http.MethodOptions)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", rec.Code)
	}
	if nextCalled {
		t.Error("Preflight must not reach the handler")
	}
}
