package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
	"qilbeedb.org/internal/ratelimit"
)

type createRateLimitRequest struct {
	Name          string `json:"name"`
	EndpointClass string `json:"endpoint_class"`
	MaxRequests   int    `json:"max_requests"`
	WindowSecs    int    `json:"window_seconds"`
	Enabled       *bool  `json:"enabled"`
}

type updateRateLimitRequest struct {
	Name        *string `json:"name"`
	MaxRequests *int    `json:"max_requests"`
	WindowSecs  *int    `json:"window_seconds"`
	Enabled     *bool   `json:"enabled"`
}

func (a *API) handleRateLimitsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requirePermission(w, r, auth.PermSystemConfigure); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": a.limits.List()})
	case http.MethodPost:
		a.createRateLimit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createRateLimit(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermSystemConfigure)
	if !ok {
		return
	}
	var req createRateLimitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	class, err := ratelimit.ParseClass(req.EndpointClass)
	if err != nil {
		handleRateLimitError(w, r, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	policy, err := a.limits.Create(req.Name, class, req.MaxRequests, req.WindowSecs, enabled, principal.UserID)
	if err != nil {
		handleRateLimitError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventRateLimitCreated, audit.ResultSuccess,
		principal.UserID, principal.Username, "rate-limits/"+policy.ID,
		map[string]any{"class": policy.Class.String(), "max_requests": policy.MaxRequests, "window_seconds": policy.WindowSecs})
	w.Header().Set("Location", "/api/v1/rate-limits/"+policy.ID)
	writeJSON(w, http.StatusCreated, policy)
}

func (a *API) handleRateLimitResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/rate-limits/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	principal, ok := a.requirePermission(w, r, auth.PermSystemConfigure)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		policy, err := a.limits.Get(id)
		if err != nil {
			handleRateLimitError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, policy)
	case http.MethodPut:
		var req updateRateLimitRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		policy, err := a.limits.Update(id, ratelimit.PolicyUpdate{
			Name:        req.Name,
			MaxRequests: req.MaxRequests,
			WindowSecs:  req.WindowSecs,
			Enabled:     req.Enabled,
		})
		if err != nil {
			handleRateLimitError(w, r, err)
			return
		}
		a.audit.RecordResource(audit.EventRateLimitUpdated, audit.ResultSuccess,
			principal.UserID, principal.Username, "rate-limits/"+id,
			map[string]any{"max_requests": policy.MaxRequests, "window_seconds": policy.WindowSecs, "enabled": policy.Enabled})
		writeJSON(w, http.StatusOK, policy)
	case http.MethodDelete:
		if err := a.limits.Delete(id); err != nil {
			handleRateLimitError(w, r, err)
			return
		}
		a.audit.RecordResource(audit.EventRateLimitDeleted, audit.ResultSuccess,
			principal.UserID, principal.Username, "rate-limits/"+id, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func handleRateLimitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ratelimit.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ratelimit.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "rate limit operation failed")
	}
}
