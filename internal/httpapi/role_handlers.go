package httpapi

import (
	"net/http"
	"strings"

	"qilbeedb.org/internal/audit"
	"qilbeedb.org/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Description *string  `json:"description"`
	Permissions []string `json:"permissions"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requireAuth(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": a.auth.Engine().ListRoles(),
		})
	case http.MethodPost:
		a.createRole(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermUserManageRoles)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	role, err := a.auth.Engine().CreateRole(req.Name, req.Description, req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventRoleCreated, audit.ResultSuccess,
		principal.UserID, principal.Username, "roles/"+role.Name,
		map[string]any{"permissions": role.Permissions})
	w.Header().Set("Location", "/api/v1/roles/"+role.Name)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/roles/"), "/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requireAuth(w, r); !ok {
			return
		}
		role, err := a.auth.Engine().GetRole(name)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPut:
		a.updateRole(w, r, name)
	case http.MethodDelete:
		a.deleteRole(w, r, name)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request, name string) {
	principal, ok := a.requirePermission(w, r, auth.PermUserManageRoles)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	role, err := a.auth.Engine().UpdateRole(name, auth.RoleUpdate{
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventRoleUpdated, audit.ResultSuccess,
		principal.UserID, principal.Username, "roles/"+role.Name,
		map[string]any{"permissions": role.Permissions})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request, name string) {
	principal, ok := a.requirePermission(w, r, auth.PermUserManageRoles)
	if !ok {
		return
	}
	if err := a.auth.Engine().DeleteRole(name); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit.RecordResource(audit.EventRoleDeleted, audit.ResultSuccess,
		principal.UserID, principal.Username, "roles/"+name, nil)
	w.WriteHeader(http.StatusNoContent)
}
