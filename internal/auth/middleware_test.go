package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, svc *Service, key string) *httptest.ResponseRecorder {
	t.Helper()
	var seen *Principal
	handler := svc.Middleware(MiddlewareConfig{AuditEvent: "test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/task/1", nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusNoContent && seen == nil {
		t.Fatal("principal missing from context")
	}
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body["detail"]
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	rec := serve(t, NewService("secret"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := detail(t, rec); got != "API key is required. Please provide X-API-Key header." {
		t.Fatalf("unexpected detail %q", got)
	}
	if rec.Header().Get("WWW-Authenticate") != HeaderAPIKey {
		t.Fatalf("missing WWW-Authenticate header")
	}
}

func TestMiddlewareRejectsWrongKey(t *testing.T) {
	rec := serve(t, NewService("secret"), "secreT")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := detail(t, rec); got != "Invalid API key" {
		t.Fatalf("unexpected detail %q", got)
	}
}

func TestMiddlewareAcceptsValidKey(t *testing.T) {
	svc := NewService(" secret ")
	if svc.Mode() != ModeAPIKey {
		t.Fatalf("unexpected mode %s", svc.Mode())
	}
	if rec := serve(t, svc, "secret"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	principal, err := svc.Authenticate("secret")
	if err != nil || len(principal.KeyID) != 8 {
		t.Fatalf("unexpected principal %+v err=%v", principal, err)
	}
}

func TestMiddlewareDisabledWithoutKey(t *testing.T) {
	svc := NewService("")
	if svc.Mode() != ModeDisabled {
		t.Fatalf("unexpected mode %s", svc.Mode())
	}
	if rec := serve(t, svc, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
