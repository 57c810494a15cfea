package shared

import "context"

// Identity describes the authenticated caller as resolved by the auth layer.
// Flags carries the configured bypass attributes (e.g. "is_superuser").
type Identity struct {
	UserID int64
	Flags  map[string]bool
}

// HasFlag reports whether the identity carries the named bypass flag.
func (id *Identity) HasFlag(name string) bool {
	if id == nil {
		return false
	}
	return id.Flags[name]
}

type identityContextKey struct{}

// ContextWithIdentity stores the caller identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the caller identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
