package auth

import (
	"context"
	"slices"
)

// Principal is the authenticated caller, built from a verified access token.
type Principal struct {
	Username    string
	Authorities []string
}

func (p *Principal) HasAuthority(a string) bool {
	return p != nil && slices.Contains(p.Authorities, a)
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by the bearer middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
