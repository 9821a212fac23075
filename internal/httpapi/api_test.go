package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
	"qilbeedb.org/internal/ratelimit"
)

const (
	adminPassword  = "Adm!n2024Password"
	readerPassword = "Re@der2024Password"
)

type apiHarness struct {
	handler http.Handler
	auth    *auth.Service
	audit   *audit.Service
	limits  *ratelimit.Service

	admin       auth.User
	adminToken  string
	reader      auth.User
	readerToken string
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	codec, err := auth.NewCodec("httpapi-test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	blacklist, err := auth.NewBlacklist("")
	if err != nil {
		t.Fatalf("NewBlacklist: %v", err)
	}
	authSvc, err := auth.NewService(
		auth.NewMemoryUserStore(),
		auth.NewEngine(),
		codec,
		blacklist,
		auth.NewLockoutService(auth.DefaultLockoutConfig()),
		auth.NewAPIKeyStore(),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	auditSvc, err := audit.New(audit.WithCapacity(1024))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	limits := ratelimit.New()
	limits.SeedDefaults("test")

	h := &apiHarness{
		handler: New(authSvc, auditSvc, limits, ReadyProbe{}, Config{
			AllowedOrigins: []string{"*"},
			Version:        "test",
		}).Handler(),
		auth:   authSvc,
		audit:  auditSvc,
		limits: limits,
	}

	ctx := context.Background()
	h.admin, err = authSvc.CreateUser(ctx, "root", "root@example.com", adminPassword, []string{auth.RoleAdmin})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	h.reader, err = authSvc.CreateUser(ctx, "reader", "reader@example.com", readerPassword, nil)
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}
	h.adminToken = h.login(t, "root", adminPassword)
	h.readerToken = h.login(t, "reader", readerPassword)
	return h
}

func (h *apiHarness) login(t *testing.T, username, password string) string {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": username, "password": password})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rr.Code, rr.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:4455"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func TestPublicEndpoints(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/healthz", "/readyz", "/api/v1/info", "/metrics"} {
		rr := h.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatalf("GET %s must be exempt from rate limiting", path)
		}
	}
}

func TestProtectedEndpointRequiresAuth(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/api/v1/users", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/api/v1/users", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rr.Code)
	}
}

func TestRateLimitHeadersOnEveryResponse(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/api/v1/users", h.adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list users: status %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "30" {
		t.Fatalf("user management limit header = %q, want 30", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") == "" || rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("remaining/reset headers missing")
	}

	// Headers appear on rejected responses too.
	rr = h.do(t, http.MethodGet, "/api/v1/users", h.readerToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reader listing users: status %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("rate limit headers must be present on 403 responses")
	}
}

func TestPermissionDeniedRecordsOneAuditEvent(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/users", h.readerToken,
		map[string]any{"username": "x", "email": "x@example.com", "password": adminPassword})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	events := h.audit.Query(audit.Filter{EventType: audit.EventPermissionDenied}, 10)
	if len(events) != 1 {
		t.Fatalf("expected exactly one permission_denied event, got %d", len(events))
	}
	if events[0].Result != audit.ResultForbidden {
		t.Fatalf("result = %s, want forbidden", events[0].Result)
	}
	if events[0].Username != "reader" {
		t.Fatalf("event username = %s", events[0].Username)
	}
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t)

	// A stricter policy created later overrides the seeded login default.
	if _, err := h.limits.Create("strict-login", ratelimit.Login, 2, 60, true, "test"); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	bad := map[string]any{"username": "nobody", "password": "WrongPass!234"}
	for i := 0; i < 2; i++ {
		rr := h.do(t, http.MethodPost, "/api/v1/auth/login", "", bad)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, rr.Code)
		}
	}
	rr := h.do(t, http.MethodPost, "/api/v1/auth/login", "", bad)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After header missing on 429")
	}

	events := h.audit.Query(audit.Filter{EventType: audit.EventRateLimited}, 10)
	if len(events) != 1 {
		t.Fatalf("expected exactly one rate_limited event, got %d", len(events))
	}
}

func TestAPIKeyTakesPrecedenceOverBearer(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/api-keys", h.adminToken,
		map[string]any{"name": "ci"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create key: status %d body %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Secret == "" {
		t.Fatalf("creation must return the secret once")
	}

	// Reader bearer plus the admin's API key: the key identity wins.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/api-keys", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	req.Header.Set("Authorization", "Bearer "+h.readerToken)
	req.Header.Set("X-API-Key", created.Secret)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list with api key: status %d", rec.Code)
	}
	var list struct {
		Items []auth.APIKey `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("expected the admin's key, got %+v", list.Items)
	}
}

func TestAPIKeyRotateAndRevoke(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/api-keys", h.adminToken, map[string]any{"name": "deploy"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create key: status %d", rr.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	rr = h.do(t, http.MethodPost, "/api/v1/api-keys/"+created.ID+"/rotate", h.adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate: status %d body %s", rr.Code, rr.Body.String())
	}
	var rotated struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &rotated)
	if rotated.ID == created.ID || rotated.Secret == "" {
		t.Fatalf("rotation must mint a fresh key with a fresh secret")
	}

	rr = h.do(t, http.MethodDelete, "/api/v1/api-keys/"+rotated.ID, h.adminToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: status %d", rr.Code)
	}

	// Another user cannot see or touch the key.
	rr = h.do(t, http.MethodGet, "/api/v1/api-keys/"+rotated.ID, h.readerToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign key access: status %d, want 404", rr.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/auth/logout", h.readerToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/api/v1/roles", h.readerToken, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token must answer 401, got %d", rr.Code)
	}
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"username": "reader", "password": readerPassword})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d", rr.Code)
	}
	var pair auth.TokenPair
	_ = json.Unmarshal(rr.Body.Bytes(), &pair)

	rr = h.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		map[string]any{"refresh_token": pair.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rr.Code, rr.Body.String())
	}
	var refreshed auth.TokenPair
	_ = json.Unmarshal(rr.Body.Bytes(), &refreshed)
	if refreshed.AccessToken == "" {
		t.Fatalf("refresh must return an access token")
	}
	if refreshed.RefreshToken != pair.RefreshToken {
		t.Fatalf("presented refresh token must stay valid")
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("nosniff header missing")
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("frame options header missing")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
}
