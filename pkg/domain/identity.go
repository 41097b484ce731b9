package domain

import "context"

type identityKey struct{}

// Identity is the (user, session) pair bound to an execution.
type Identity struct {
	UserID    string
	SessionID string
}

// WithIdentity binds the caller identity so downstream capability calls can
// resolve it without explicit parameters.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, SessionID: sessionID})
}

// IdentityFrom returns the identity bound to ctx, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
