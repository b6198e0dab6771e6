package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/meritflow/compcycle/internal/domain"
)

// Identity is the authenticated caller of a tenant-scoped API request.
type Identity struct {
	UID      string
	Email    string
	TenantID string
	Role     domain.Role

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token behind the identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity holds one of roles.
func (i *Identity) HasRole(roles ...domain.Role) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "compcycle.auth.identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
