package identity

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// PlatformRole is the platform-wide role of the authenticated principal.
type PlatformRole string

const (
	RoleStandard PlatformRole = "standard"
	RoleSupport  PlatformRole = "support"
	RoleAdmin    PlatformRole = "admin"
)

// AuthorizationContext carries everything the admission pipeline needs to
// know about the caller. Elevated principals bypass quota enforcement.
type AuthorizationContext struct {
	UserID      snowflake.ID
	WorkspaceID snowflake.ID
	APIKeyID    string
	Role        PlatformRole
	Scopes      []string
	Elevated    bool
}

type authzContextKey struct{}

// WithAuthorization stores the caller's authorization context.
func WithAuthorization(ctx context.Context, authz AuthorizationContext) context.Context {
	return context.WithValue(ctx, authzContextKey{}, authz)
}

// AuthorizationFromContext returns the caller's authorization context, if set.
func AuthorizationFromContext(ctx context.Context) (AuthorizationContext, bool) {
	if ctx == nil {
		return AuthorizationContext{}, false
	}
	authz, ok := ctx.Value(authzContextKey{}).(AuthorizationContext)
	return authz, ok
}

// HasScope reports whether the caller carries the given API key scope.
func (a AuthorizationContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
