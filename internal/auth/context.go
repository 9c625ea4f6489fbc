// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Identity holds the authenticated identity extracted from a request.
// Populated by the auth middleware and retrieved from context in handlers.
type Identity struct {
	UserID  string // subject claim, used to namespace persisted history
	TokenID string // jti of the presenting token
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}
