package httpapi

import (
	"net/http"
	"strings"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

type lockRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleLockoutsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, auth.PermUserUpdate); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": a.auth.Lockout().Locked(),
	})
}

// handleLockoutResource routes GET /api/v1/lockouts/{username},
// POST /api/v1/lockouts/{username}/lock and DELETE /api/v1/lockouts/{username}.
func (a *API) handleLockoutResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/lockouts/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.lockoutByUsername(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "lock":
		a.lockAccount(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) lockoutByUsername(w http.ResponseWriter, r *http.Request, username string) {
	principal, ok := a.requirePermission(w, r, auth.PermUserUpdate)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.auth.Lockout().Status(username))
	case http.MethodDelete:
		a.auth.Lockout().Unlock(username)
		a.audit.RecordResource(audit.EventAccountUnlocked, audit.ResultSuccess,
			principal.UserID, principal.Username, "lockouts/"+username, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) lockAccount(w http.ResponseWriter, r *http.Request, username string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, auth.PermUserUpdate)
	if !ok {
		return
	}
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	a.auth.Lockout().Lock(username, req.Reason)
	a.audit.RecordResource(audit.EventAccountLocked, audit.ResultSuccess,
		principal.UserID, principal.Username, "lockouts/"+username,
		map[string]any{"reason": req.Reason, "manual": true})
	writeJSON(w, http.StatusOK, a.auth.Lockout().Status(username))
}
