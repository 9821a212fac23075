package httpapi

import (
	"net/http"
	"strings"
	"time"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

type createAPIKeyRequest struct {
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type apiKeyResponse struct {
	auth.APIKey
	// Secret is returned exactly once, on creation or rotation.
	Secret string `json:"secret,omitempty"`
}

func (a *API) handleAPIKeysCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAPIKey(w, r)
	case http.MethodGet:
		a.listAPIKeys(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	key, secret, err := a.auth.APIKeys().Issue(principal.UserID, req.Name, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventAPIKeyCreated, audit.ResultSuccess,
		principal.UserID, principal.Username, "api-keys/"+key.ID,
		map[string]any{"name": key.Name})
	w.Header().Set("Location", "/api/v1/api-keys/"+key.ID)
	writeJSON(w, http.StatusCreated, apiKeyResponse{APIKey: key, Secret: secret})
}

func (a *API) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": a.auth.APIKeys().List(principal.UserID),
	})
}

// handleAPIKeyResource routes /api/v1/api-keys/{id} and
// /api/v1/api-keys/{id}/rotate. Keys are visible to their owner only; a
// foreign id answers 404 so key ids are not probeable.
func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/api-keys/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.apiKeyByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "rotate":
		a.rotateAPIKey(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) apiKeyByID(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	key, err := a.auth.APIKeys().Get(id)
	if err != nil || key.UserID != principal.UserID {
		writeError(w, r, http.StatusNotFound, "api key not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, key)
	case http.MethodDelete:
		if err := a.auth.APIKeys().Revoke(id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit.RecordResource(audit.EventAPIKeyRevoked, audit.ResultSuccess,
			principal.UserID, principal.Username, "api-keys/"+id, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) rotateAPIKey(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	key, err := a.auth.APIKeys().Get(id)
	if err != nil || key.UserID != principal.UserID {
		writeError(w, r, http.StatusNotFound, "api key not found")
		return
	}

	replacement, secret, err := a.auth.APIKeys().Rotate(id)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventAPIKeyRotated, audit.ResultSuccess,
		principal.UserID, principal.Username, "api-keys/"+id,
		map[string]any{"replacement_id": replacement.ID})
	writeJSON(w, http.StatusOK, apiKeyResponse{APIKey: replacement, Secret: secret})
}
