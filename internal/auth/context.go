package auth

import "context"

type identityKey struct{}

// WithIdentity attaches the verified identity to ctx.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// HasRole reports whether identity holds a role whose code equals code.
func HasRole(identity Identity, code string) bool {
	for _, r := range identity.Roles {
		if r.Code == code {
			return true
		}
	}
	return false
}

func HasAnyRole(identity Identity, codes []string) bool {
	for _, c := range codes {
		if HasRole(identity, c) {
			return true
		}
	}
	return false
}
