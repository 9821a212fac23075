package httpapi

import (
	"net/http"
	"strings"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

type createUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Active   *bool   `json:"active"`
}

type setRolesRequest struct {
	Roles []string `json:"roles"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createUser(w, r)
	case http.MethodGet:
		a.listUsers(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermUserCreate)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Roles) > 0 {
		if _, ok := a.requirePermission(w, r, auth.PermUserManageRoles); !ok {
			return
		}
	}

	user, err := a.auth.CreateUser(r.Context(), req.Username, req.Email, req.Password, req.Roles)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventUserCreated, audit.ResultSuccess,
		principal.UserID, principal.Username, "users/"+user.ID,
		map[string]any{"username": user.Username, "roles": user.Roles})
	w.Header().Set("Location", "/api/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requirePermission(w, r, auth.PermUserRead); !ok {
		return
	}
	users, err := a.auth.Users().List(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.userByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "roles":
		a.setUserRoles(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) userByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		a.getUser(w, r, id)
	case http.MethodPut:
		a.updateUser(w, r, id)
	case http.MethodDelete:
		a.deleteUser(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	if principal.UserID != id {
		if _, ok := a.requirePermission(w, r, auth.PermUserRead); !ok {
			return
		}
	}
	user, err := a.auth.Users().GetByID(r.Context(), id)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// updateUser applies the self-or-admin rule: users may change their own email
// and password; changing another account or the active flag needs
// user.update.
func (a *API) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requireAuth(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if principal.UserID != id || req.Active != nil {
		if _, ok := a.requirePermission(w, r, auth.PermUserUpdate); !ok {
			return
		}
	}

	user, err := a.auth.UpdateUser(r.Context(), id, auth.UserUpdate{
		Email:    req.Email,
		Password: req.Password,
		Active:   req.Active,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventUserUpdated, audit.ResultSuccess,
		principal.UserID, principal.Username, "users/"+id,
		map[string]any{"password_changed": req.Password != nil})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := a.requirePermission(w, r, auth.PermUserDelete)
	if !ok {
		return
	}
	if err := a.auth.DeleteUser(r.Context(), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventUserDeleted, audit.ResultSuccess,
		principal.UserID, principal.Username, "users/"+id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setUserRoles(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	principal, ok := a.requirePermission(w, r, auth.PermUserManageRoles)
	if !ok {
		return
	}
	var req setRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.auth.SetRoles(r.Context(), id, req.Roles)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventRolesAssigned, audit.ResultSuccess,
		principal.UserID, principal.Username, "users/"+id,
		map[string]any{"roles": user.Roles})
	writeJSON(w, http.StatusOK, user)
}
