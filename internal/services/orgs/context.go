package orgs

import (
	"context"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type scopeContextKey string

const scopeKey scopeContextKey = "business_scope"

// Scope is the business a request acts on, taken from the Business-Id header. Role is empty when
// the caller is not a member of it.
type Scope struct {
	BusinessID uuid.UUID
	Role       enums.MemberRole
}

func (s Scope) IsMember() bool {
	return s.Role != ""
}

func (s Scope) HasRole(roles ...enums.MemberRole) bool {
	if !s.IsMember() {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if s.Role == role {
			return true
		}
	}
	return false
}

func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(Scope)
	return scope, ok
}
