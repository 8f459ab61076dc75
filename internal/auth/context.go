// ABOUTME: Request identity carried through HTTP handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating the caller via context

package auth

import (
	"context"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID int64
	// APIKeyID is set when the caller used an API key.
	APIKeyID *int64
	// Anonymous is set when no JWT secret is configured.
	Anonymous bool
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
