package auth

import (
	"context"

	"github.com/google/uuid"
)

type identityContextKey string

const identityKey identityContextKey = "auth_identity"

// Identity is the explicit session object of an authenticated request.
type Identity struct {
	UserID uuid.UUID
	SID    string
	Role   string
}

func (i Identity) IsPlatformAdmin() bool {
	return i.Role == "admin"
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
