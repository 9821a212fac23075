// Package httpapi is the HTTP surface of the security core: the middleware
// chain resolving identity and rate limits, and the /api/v1 resource
// handlers.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
	"qilbeedb.org/internal/obs"
	"qilbeedb.org/internal/ratelimit"
)

// ReadyProbe checks readiness (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the HTTP-layer knobs.
type Config struct {
	AllowedOrigins []string
	Version        string
}

// API wires the security services to the HTTP mux.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	audit      *audit.Service
	limits     *ratelimit.Service
	readyProbe ReadyProbe
	origins    []string
	version    string
}

func New(authSvc *auth.Service, auditSvc *audit.Service, limits *ratelimit.Service, rp ReadyProbe, cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       authSvc,
		audit:      auditSvc,
		limits:     limits,
		readyProbe: rp,
		origins:    cfg.AllowedOrigins,
		version:    cfg.Version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/api/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/api/v1/auth/revoke", a.handleRevoke)
	a.mux.HandleFunc("/api/v1/auth/revoke-all", a.handleRevokeAll)

	// resources
	a.mux.HandleFunc("/api/v1/api-keys", a.handleAPIKeysCollection)
	a.mux.HandleFunc("/api/v1/api-keys/", a.handleAPIKeyResource)
	a.mux.HandleFunc("/api/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/api/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/api/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/api/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/api/v1/rate-limits", a.handleRateLimitsCollection)
	a.mux.HandleFunc("/api/v1/rate-limits/", a.handleRateLimitResource)
	a.mux.HandleFunc("/api/v1/audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("/api/v1/lockouts", a.handleLockoutsCollection)
	a.mux.HandleFunc("/api/v1/lockouts/", a.handleLockoutResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux. Identity is
// resolved before rate limiting so authenticated clients are limited by user
// id rather than source address.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withRateLimit(h)
	h = a.withAuthn(h)
	h = MaxBodyBytes(h, 1<<20)
	h = a.withCORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- public handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "qilbee-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "qilbee-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
