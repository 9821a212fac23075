package auth

import "context"

// Authentication methods carried by a Principal.
const (
	MethodToken  = "token"
	MethodAPIKey = "api_key"
)

// Principal is the resolved identity of a request.
type Principal struct {
	UserID   string
	Username string
	Roles    []string
	Method   string
	// TokenID is the jti for token principals, the key id for API keys.
	TokenID string
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
