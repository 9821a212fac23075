package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role groups permissions under a name. The five system roles are fixed;
// custom roles carry an arbitrary subset of the permission catalog.
type Role struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleUpdate carries optional field changes for a custom role.
type RoleUpdate struct {
	Description *string
	Permissions []string
}

// Engine evaluates permission checks and manages the role registry.
type Engine struct {
	mu    sync.RWMutex
	roles map[string]Role
	now   func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source (useful for tests).
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine seeded with the system roles.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		roles: make(map[string]Role),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	created := e.now().UTC()
	for name, perms := range systemRolePermissions() {
		e.roles[name] = Role{
			Name:        name,
			Permissions: append([]string(nil), perms...),
			IsSystem:    true,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
	}
	return e
}

// Check reports whether any of the held roles grants the permission. Roles
// are allow-lists only; there is no explicit deny. Unknown role names are
// skipped, so a deleted custom role silently stops granting.
func (e *Engine) Check(roles []string, permission string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range roles {
		role, ok := e.roles[normalizeRoleName(name)]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if p == permission {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, permission)
}

// PermissionsFor unions permissions across the held roles, sorted.
func (e *Engine) PermissionsFor(roles []string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := make(map[string]struct{})
	for _, name := range roles {
		role, ok := e.roles[normalizeRoleName(name)]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RoleExists reports whether the name resolves to a known role.
func (e *Engine) RoleExists(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.roles[normalizeRoleName(name)]
	return ok
}

// GetRole returns a role by name.
func (e *Engine) GetRole(name string) (Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	role, ok := e.roles[normalizeRoleName(name)]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return copyRole(role), nil
}

// ListRoles returns every role sorted by name, system roles first.
func (e *Engine) ListRoles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Role, 0, len(e.roles))
	for _, role := range e.roles {
		out = append(out, copyRole(role))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSystem != out[j].IsSystem {
			return out[i].IsSystem
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CreateRole registers a custom role. The name must not collide with any
// existing role and every permission must come from the catalog.
func (e *Engine) CreateRole(name, description string, permissions []string) (Role, error) {
	name = normalizeRoleName(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	perms, err := validatePermissions(permissions)
	if err != nil {
		return Role{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.roles[name]; ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrConflict, name)
	}
	now := e.now().UTC()
	role := Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.roles[name] = role
	return copyRole(role), nil
}

// UpdateRole mutates a custom role. System roles are immutable.
func (e *Engine) UpdateRole(name string, upd RoleUpdate) (Role, error) {
	name = normalizeRoleName(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	role, ok := e.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	if role.IsSystem {
		return Role{}, fmt.Errorf("%w: system role %s is immutable", ErrInvalidInput, name)
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Permissions != nil {
		perms, err := validatePermissions(upd.Permissions)
		if err != nil {
			return Role{}, err
		}
		role.Permissions = perms
	}
	role.UpdatedAt = e.now().UTC()
	e.roles[name] = role
	return copyRole(role), nil
}

// DeleteRole removes a custom role. Tokens already issued with the role's
// permission snapshot stay valid until they expire.
func (e *Engine) DeleteRole(name string) error {
	name = normalizeRoleName(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	role, ok := e.roles[name]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %s cannot be deleted", ErrInvalidInput, name)
	}
	delete(e.roles, name)
	return nil
}

func validatePermissions(permissions []string) ([]string, error) {
	catalog := make(map[string]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		catalog[p] = struct{}{}
	}
	seen := make(map[string]struct{}, len(permissions))
	out := make([]string, 0, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := catalog[p]; !ok {
			return nil, fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, p)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func normalizeRoleName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

func copyRole(role Role) Role {
	role.Permissions = append([]string(nil), role.Permissions...)
	return role
}
