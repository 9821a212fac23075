package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
	"qilbeedb.org/internal/obs"
	"qilbeedb.org/internal/ratelimit"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	apiKeyHeader = "X-API-Key"
)

// Paths that skip authentication and rate limiting entirely.
var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/api/v1/info",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

type requestIDContextKey struct{}

// RequestID assigns every request an id, echoed in the X-Request-ID response
// header. A client-supplied id is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDContextKey{}).(string)
	return rid
}

// Logging emits one structured line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.Log(map[string]any{
			"level":       "info",
			"msg":         "http_request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  RequestIDFromContext(r.Context()),
		})
	})
}

// SecurityHeaders hardens every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// withCORS allows the configured origins. "*" allows any origin.
func (a *API) withCORS(next http.Handler) http.Handler {
	allowedMethods := "GET,POST,PUT,DELETE,OPTIONS"
	allowedHeaders := "Content-Type,Authorization,X-API-Key,X-Request-ID"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) originAllowed(origin string) bool {
	for _, o := range a.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// MaxBodyBytes limits request body size.
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

type authnResult struct {
	principal auth.Principal
	ok        bool
	err       error
}

type authnContextKey struct{}

// withAuthn resolves the request identity from the X-API-Key header or a
// Bearer token. The API key wins when both are present. Resolution never
// rejects the request here; handlers decide whether identity is required.
func (a *API) withAuthn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		var res authnResult
		if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
			principal, err := a.auth.ValidateAPIKey(r.Context(), key)
			res = authnResult{principal: principal, ok: err == nil, err: err}
		} else if token, ok := bearerToken(r.Header.Get(authHeader)); ok {
			principal, err := a.auth.ValidateAccessToken(r.Context(), token)
			res = authnResult{principal: principal, ok: err == nil, err: err}
		}

		ctx := context.WithValue(r.Context(), authnContextKey{}, res)
		if res.ok {
			ctx = auth.ContextWithPrincipal(ctx, res.principal)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authnFromContext(ctx context.Context) authnResult {
	res, _ := ctx.Value(authnContextKey{}).(authnResult)
	return res
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

// withRateLimit classifies the request, consumes one token and stamps the
// X-RateLimit-* headers on every limited response. A rejected request is
// answered 429 and recorded as exactly one audit event.
func (a *API) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		class := a.classify(r)
		identity := clientIdentity(r)
		d := a.limits.Acquire(class, identity)
		if d.Limit >= 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(d.ResetSeconds))
		}
		if !d.Allowed {
			obs.ObserveRateLimited(class.String())
			principal, _ := auth.PrincipalFromContext(r.Context())
			a.audit.Record(audit.Event{
				EventType: audit.EventRateLimited,
				Result:    audit.ResultFailure,
				UserID:    principal.UserID,
				Username:  principal.Username,
				IP:        clientIP(r),
				Resource:  r.URL.Path,
				Metadata:  map[string]any{"class": class.String(), "limit": d.Limit},
			})
			w.Header().Set("Retry-After", strconv.Itoa(d.ResetSeconds))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// classify maps a request to its endpoint class. A matching enabled custom
// policy overrides the built-in classes.
func (a *API) classify(r *http.Request) ratelimit.Class {
	path := r.URL.Path
	if class, ok := a.limits.MatchCustom(path); ok {
		return class
	}
	switch {
	case path == "/api/v1/auth/login":
		return ratelimit.Login
	case r.Method == http.MethodPost && path == "/api/v1/api-keys":
		return ratelimit.APIKeyCreation
	case strings.HasPrefix(path, "/api/v1/users"):
		return ratelimit.UserManagement
	}
	return ratelimit.GeneralAPI
}

// clientIdentity keys the rate-limit bucket: authenticated requests by user
// id, anonymous ones by source address.
func clientIdentity(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal.UserID
	}
	ip := clientIP(r)
	if ip == "" {
		return "unknown"
	}
	return ip
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
