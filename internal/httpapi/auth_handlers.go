package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
	"qilbeedb.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	auth.TokenPair
	User auth.User `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ip := clientIP(r)
	result, err := a.auth.Login(r.Context(), req.Username, req.Password, ip)
	if err != nil {
		outcome := "failure"
		if errors.Is(err, auth.ErrAccountLocked) {
			outcome = "locked"
		}
		obs.ObserveLogin(outcome)
		a.audit.RecordAuth(audit.EventLoginFailed, audit.ResultFailure,
			"", strings.TrimSpace(req.Username), ip, r.UserAgent(),
			map[string]any{"outcome": outcome})
		handleAuthError(w, r, err)
		return
	}

	obs.ObserveLogin("success")
	a.audit.RecordAuth(audit.EventLogin, audit.ResultSuccess,
		result.User.ID, result.User.Username, ip, r.UserAgent(), nil)
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: result.Tokens, User: result.User})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordAuth(audit.EventTokenRefresh, audit.ResultSuccess,
		"", "", clientIP(r), r.UserAgent(), nil)
	writeJSON(w, http.StatusOK, pair)
}

type logoutRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// handleLogout blacklists the presented tokens. The access token defaults to
// the bearer credential the request was made with. Logout always succeeds.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccessToken == "" {
		if token, ok := bearerToken(r.Header.Get(authHeader)); ok {
			req.AccessToken = token
		}
	}

	a.auth.Logout(r.Context(), req.AccessToken, req.RefreshToken)
	a.audit.RecordAuth(audit.EventLogout, audit.ResultSuccess,
		principal.UserID, principal.Username, clientIP(r), r.UserAgent(), nil)
	w.WriteHeader(http.StatusNoContent)
}

type revokeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	reason := auth.RevocationReason(strings.TrimSpace(req.Reason))
	if reason == "" {
		reason = auth.ReasonAdminRevoke
	}

	if err := a.auth.Revoke(r.Context(), req.Token, reason); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordAuth(audit.EventTokenRevoked, audit.ResultSuccess,
		principal.UserID, principal.Username, clientIP(r), r.UserAgent(),
		map[string]any{"reason": string(reason)})
	w.WriteHeader(http.StatusNoContent)
}

type revokeAllRequest struct {
	UserID string `json:"user_id"`
}

// handleRevokeAll invalidates every outstanding token for a user. Callers may
// always revoke their own; revoking another user's tokens needs user.update.
func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	var req revokeAllRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := strings.TrimSpace(req.UserID)
	if target == "" {
		target = principal.UserID
	}
	if target != principal.UserID {
		if _, ok := a.requirePermission(w, r, auth.PermUserUpdate); !ok {
			return
		}
	}

	if err := a.auth.RevokeAllForUser(r.Context(), target, auth.ReasonSecurityIncident); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordAuth(audit.EventTokenRevoked, audit.ResultSuccess,
		principal.UserID, principal.Username, clientIP(r), r.UserAgent(),
		map[string]any{"target_user_id": target, "all": true})
	w.WriteHeader(http.StatusNoContent)
}
