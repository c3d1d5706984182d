package app

import (
	"context"
	"strings"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
)

// Principal is the authenticated caller.
type Principal struct {
	Email string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.Email == "" {
		return Principal{}, false
	}
	return p, true
}

// Authorizer checks the single privileged principal.
type Authorizer struct {
	adminEmail string
}

func NewAuthorizer(adminEmail string) *Authorizer {
	return &Authorizer{adminEmail: strings.TrimSpace(adminEmail)}
}

// RequireAdmin returns the caller when it is the studio administrator.
// An empty admin email denies everyone.
func (a *Authorizer) RequireAdmin(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, domain.Unauthenticated("You must be signed in to perform this action.")
	}
	if a.adminEmail == "" || !strings.EqualFold(p.Email, a.adminEmail) {
		return Principal{}, domain.PermissionDenied("Only the studio administrator can perform this action.")
	}
	return p, nil
}
