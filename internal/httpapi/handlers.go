package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleAuthError maps the auth error taxonomy to HTTP status codes. Locked
// accounts answer 429, credential problems 401, so the client can tell a bad
// password from a lockout without the server leaking account existence.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// requireAuth returns the resolved principal or answers 401.
func (a *API) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal, true
	}
	res := authnFromContext(r.Context())
	if res.err != nil {
		handleAuthError(w, r, res.err)
		return auth.Principal{}, false
	}
	writeError(w, r, http.StatusUnauthorized, "authentication required")
	return auth.Principal{}, false
}

// requirePermission authenticates and checks one permission. A denial writes
// the 403 response and records exactly one permission_denied audit event.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, permission string) (auth.Principal, bool) {
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if err := a.auth.Engine().Check(principal.Roles, permission); err != nil {
		a.audit.Record(audit.Event{
			EventType: audit.EventPermissionDenied,
			Result:    audit.ResultForbidden,
			UserID:    principal.UserID,
			Username:  principal.Username,
			IP:        clientIP(r),
			Resource:  r.URL.Path,
			Metadata:  map[string]any{"permission": permission},
		})
		handleAuthError(w, r, err)
		return auth.Principal{}, false
	}
	return principal, true
}
