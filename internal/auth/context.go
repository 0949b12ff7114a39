package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned by the context accessors on unauthenticated requests.
var ErrNoIdentity = errors.New("no authenticated identity in context")

// Identity is the caller attached to a request by RequireAccessToken.
type Identity struct {
	UserID string
	Role   string
	// TokenID is the access token's jti.
	TokenID string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

func UserID(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrNoIdentity
	}
	return id.UserID, nil
}

func Role(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok || id.Role == "" {
		return "", ErrNoIdentity
	}
	return id.Role, nil
}
